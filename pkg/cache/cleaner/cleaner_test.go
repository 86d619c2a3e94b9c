package cleaner_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/cleaner"
	"github.com/valandreev/sitecache/pkg/cache/files"
	"github.com/valandreev/sitecache/pkg/cache/index"
	"github.com/valandreev/sitecache/pkg/cache/index/indextest"
	"github.com/valandreev/sitecache/pkg/cache/registry"
)

const (
	staticPart  = "folio-v1-static"
	dynamicPart = "folio-v1-dynamic"
	offlinePart = "folio-v1-offline"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	idx   index.CacheIndex
	blobs *files.BlobStore
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := files.NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	return &fixture{
		idx:   indextest.MemoryIndexFactory()(t),
		blobs: blobs,
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) registry(t *testing.T, policies map[cache.Purpose]registry.Policy) *registry.Registry {
	t.Helper()
	reg, err := registry.New("folio", f.idx, f.blobs, policies, registry.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func putSized(t *testing.T, ctx context.Context, f *fixture, reg *registry.Registry, partition, path string, size int) {
	t.Helper()
	resp := registry.Response{Status: http.StatusOK, Body: []byte(strings.Repeat("x", size))}
	if err := reg.Put(ctx, partition, "GET "+path, resp); err != nil {
		t.Fatalf("Put %s: %v", path, err)
	}
	f.clock.Advance(time.Second)
}

func TestCleanerEvictsOldestToMeetCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, registry.PoliciesFromConfig(cache.PartitionsConfig{}))

	putSized(t, ctx, f, reg, offlinePart, "/offline.html", 10)
	putSized(t, ctx, f, reg, dynamicPart, "/a", 40)
	putSized(t, ctx, f, reg, staticPart, "/b", 30)
	putSized(t, ctx, f, reg, dynamicPart, "/c", 20)

	c, err := cleaner.New(cleaner.Config{MaxCacheBytes: 60}, reg)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}

	report, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if report.TotalBefore != 100 || report.TotalAfter != 60 {
		t.Fatalf("unexpected totals before=%d after=%d", report.TotalBefore, report.TotalAfter)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != dynamicPart+" GET /a" {
		t.Fatalf("expected only /a evicted, got %v", report.Evicted)
	}
	if _, err := reg.Match(ctx, dynamicPart, "GET /a"); !errors.Is(err, registry.ErrMiss) {
		t.Fatalf("expected /a removed, err=%v", err)
	}
	if _, err := reg.Match(ctx, offlinePart, "GET /offline.html"); err != nil {
		t.Fatalf("expected offline page to survive, err=%v", err)
	}
}

func TestCleanerRemovesExpiredAndSurplusEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	loose := f.registry(t, map[cache.Purpose]registry.Policy{})

	putSized(t, ctx, f, loose, staticPart, "/old.css", 5)
	f.clock.Advance(2 * time.Hour)
	putSized(t, ctx, f, loose, staticPart, "/new.css", 5)
	putSized(t, ctx, f, loose, dynamicPart, "/api/1", 5)
	putSized(t, ctx, f, loose, dynamicPart, "/api/2", 5)
	putSized(t, ctx, f, loose, dynamicPart, "/api/3", 5)

	// Tighter limits from a reloaded config.
	strict := f.registry(t, map[cache.Purpose]registry.Policy{
		cache.PurposeStatic:  {MaxAge: time.Hour},
		cache.PurposeDynamic: {MaxEntries: 2},
	})

	c, err := cleaner.New(cleaner.Config{}, strict)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	report, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}

	if report.Expired != 1 || report.Trimmed != 1 {
		t.Fatalf("expected 1 expired and 1 trimmed, got %+v", report)
	}
	keys, _ := strict.Keys(ctx, staticPart)
	if len(keys) != 1 || keys[0] != "GET /new.css" {
		t.Fatalf("unexpected static keys %v", keys)
	}
	keys, _ = strict.Keys(ctx, dynamicPart)
	if len(keys) != 2 || keys[0] != "GET /api/2" {
		t.Fatalf("unexpected dynamic keys %v", keys)
	}
}

func TestCleanerQuotaRunFreesHeadroom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, registry.PoliciesFromConfig(cache.PartitionsConfig{}))

	putSized(t, ctx, f, reg, staticPart, "/a", 40)
	putSized(t, ctx, f, reg, staticPart, "/b", 30)
	putSized(t, ctx, f, reg, staticPart, "/c", 20)

	c, err := cleaner.New(cleaner.Config{MaxCacheBytes: 100, MinFreePercent: 50}, reg)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}

	report, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonQuota})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if !report.Emergency {
		t.Fatalf("expected emergency report")
	}
	if report.TotalAfter > 50 {
		t.Fatalf("expected usage <= 50, got %d", report.TotalAfter)
	}
	if len(report.Evicted) != 1 || report.Evicted[0] != staticPart+" GET /a" {
		t.Fatalf("expected /a evicted, got %v", report.Evicted)
	}
}

func TestCleanerQuotaFatalWhenOnlyProtectedData(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, registry.PoliciesFromConfig(cache.PartitionsConfig{}))

	putSized(t, ctx, f, reg, offlinePart, "/offline.html", 80)

	c, err := cleaner.New(cleaner.Config{MaxCacheBytes: 100, MinFreePercent: 50}, reg)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	if _, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonQuota}); !errors.Is(err, cleaner.ErrFatalCondition) {
		t.Fatalf("expected ErrFatalCondition, got %v", err)
	}
}

func TestCleanerSweepsOrphanBlobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, nil)

	putSized(t, ctx, f, reg, staticPart, "/a", 4)
	if _, err := f.blobs.Write(staticPart, "leftover", strings.NewReader("zz")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c, err := cleaner.New(cleaner.Config{}, reg)
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	report, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance})
	if err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if report.Orphans != 1 {
		t.Fatalf("expected 1 orphan swept, got %d", report.Orphans)
	}
}

func TestCleanerRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	reg := f.registry(t, nil)
	if _, err := cleaner.New(cleaner.Config{MinFreePercent: 120}, reg); err == nil {
		t.Fatalf("expected error for min free percent above 100")
	}
	if _, err := cleaner.New(cleaner.Config{}, nil); err == nil {
		t.Fatalf("expected error for missing store")
	}
}

type recordingMetrics struct {
	reasons []string
	freed   int64
}

func (m *recordingMetrics) RecordCleanerRun(reason string, freed int64, _ error) {
	m.reasons = append(m.reasons, reason)
	m.freed += freed
}

func TestCleanerReportsRunsToMetrics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	reg := f.registry(t, registry.PoliciesFromConfig(cache.PartitionsConfig{}))
	putSized(t, ctx, f, reg, dynamicPart, "/a", 40)
	putSized(t, ctx, f, reg, dynamicPart, "/b", 40)

	metrics := &recordingMetrics{}
	c, err := cleaner.New(cleaner.Config{MaxCacheBytes: 50}, reg, cleaner.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	if _, err := c.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonMaintenance}); err != nil {
		t.Fatalf("RunOnce returned error: %v", err)
	}
	if len(metrics.reasons) != 1 || metrics.reasons[0] != "maintenance" || metrics.freed != 40 {
		t.Fatalf("unexpected metrics reasons=%v freed=%d", metrics.reasons, metrics.freed)
	}
}
