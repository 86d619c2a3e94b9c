package core

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/files"
	"github.com/valandreev/sitecache/pkg/cache/index"
	"github.com/valandreev/sitecache/pkg/cache/index/indextest"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

var errOriginDown = errors.New("origin unreachable")

const offlineHTML = "<h1>offline copy</h1>"

// fakeOrigin serves canned pages and counts requests per request URI.
type fakeOrigin struct {
	mu      sync.Mutex
	pages   map[string]*Response
	calls   map[string]int
	offline bool
	delay   time.Duration
}

func newFakeOrigin() *fakeOrigin {
	o := &fakeOrigin{
		pages: map[string]*Response{},
		calls: map[string]int{},
	}
	o.set("/", "text/html", "<h1>home</h1>")
	o.set("/offline.html", "text/html", offlineHTML)
	o.set("/app.css", "text/css", "body{}")
	o.set("/api/data.json", "application/json", `{"n":1}`)
	o.set("/about", "text/html", "<h1>about v1</h1>")
	return o
}

func (o *fakeOrigin) set(uri, contentType, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[uri] = &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{contentType}},
		Body:   []byte(body),
	}
}

func (o *fakeOrigin) setResponse(uri string, resp *Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[uri] = resp
}

func (o *fakeOrigin) setOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
}

func (o *fakeOrigin) setDelay(d time.Duration) {
	o.mu.Lock()
	o.delay = d
	o.mu.Unlock()
}

func (o *fakeOrigin) callCount(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[uri]
}

func (o *fakeOrigin) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	uri := req.URL.RequestURI()
	o.mu.Lock()
	o.calls[uri]++
	offline, delay := o.offline, o.delay
	page, ok := o.pages[uri]
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, errOriginDown
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Source: SourceNetwork}, nil
	}
	resp := *page
	resp.Header = page.Header.Clone()
	resp.Body = append([]byte(nil), page.Body...)
	resp.Source = SourceNetwork
	return &resp, nil
}

func (o *fakeOrigin) Online(context.Context) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.offline
}

type recordingSubmitter struct {
	mu        sync.Mutex
	fail      bool
	delivered []index.TaskRecord
}

func (s *recordingSubmitter) Submit(_ context.Context, task index.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errOriginDown
	}
	s.delivered = append(s.delivered, task)
	return nil
}

func (s *recordingSubmitter) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	conf      *cache.Config
	idx       *indextest.MemoryIndex
	reg       *registry.Registry
	origin    *fakeOrigin
	submitter *recordingSubmitter
	queue     *syncqueue.Queue
	clock     *testClock
	host      *Host
}

func testConfig(t require.TestingT, version string) *cache.Config {
	conf := cache.DefaultConfig()
	conf.AppName = "folio"
	conf.CacheVersion = version
	conf.Origin = "https://folio.test"
	conf.NetworkTimeoutMS = 200
	require.NoError(t, conf.Finalize())
	return conf
}

func newFixture(t *testing.T, opts ...HostOption) *fixture {
	t.Helper()
	return buildFixture(t, t.TempDir(), opts...)
}

// buildFixture also serves check.v1 suites, which have no testing.T.
func buildFixture(t require.TestingT, dir string, opts ...HostOption) *fixture {
	f := &fixture{
		conf:      testConfig(t, "v1.0.0"),
		idx:       indextest.NewMemoryIndex(),
		origin:    newFakeOrigin(),
		submitter: &recordingSubmitter{},
		clock:     &testClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)},
	}
	blobs, err := files.NewBlobStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	f.reg, err = registry.New("folio", f.idx, blobs, registry.PoliciesFromConfig(f.conf.Partitions), registry.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.queue, err = syncqueue.New(syncqueue.Config{}, f.idx, f.submitter, syncqueue.WithConnectivity(f.origin))
	require.NoError(t, err)

	hostOpts := append([]HostOption{
		WithRetry(RetryConfig{MaxAttempts: 1}),
		WithSleeper(noSleep{}),
	}, opts...)
	f.host = NewHost(f.reg, f.origin, f.queue, hostOpts...)
	return f
}

// deploy installs and activates conf's version and returns the active worker.
func (f *fixture) deploy(t require.TestingT, conf *cache.Config) *Worker {
	w, err := f.host.Deploy(context.Background(), conf)
	require.NoError(t, err)
	require.Equal(t, StateActive, w.State())
	return w
}

func (f *fixture) keys(t require.TestingT, part string) []string {
	keys, err := f.reg.Keys(context.Background(), part)
	require.NoError(t, err)
	return keys
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, path, nil)
}

func navigate(path string) *http.Request {
	req := get(path)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Accept", "text/html")
	return req
}

func waitIdle(t require.TestingT, w *Worker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
}
