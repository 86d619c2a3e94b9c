// Copyright 2024 Tigris Data, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

var workerLog = log.GetLogger("worker")

const tracerName = "github.com/valandreev/sitecache/core"

// ControlPrefix is reserved for the control surface and never intercepted.
const ControlPrefix = "/_sw/"

var (
	ErrInstallFailed  = errors.New("install failed")
	ErrInvalidState   = errors.New("invalid worker state")
	ErrUnknownCommand = errors.New("unknown control command")
	ErrMalformed      = errors.New("malformed control message")
	ErrNoHandler      = errors.New("no handler for event")
)

type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	default:
		return "redundant"
	}
}

// Metrics receives worker telemetry.
type Metrics interface {
	RecordFetch(strategy, source string, took time.Duration)
	RecordCacheWrite(outcome string)
	RecordLifecycle(event, outcome string)
}

// QuotaNotifier is told about failed cache writes.
type QuotaNotifier interface {
	Notify(err error) bool
}

type noopMetrics struct{}

func (noopMetrics) RecordFetch(string, string, time.Duration) {}
func (noopMetrics) RecordCacheWrite(string)                   {}
func (noopMetrics) RecordLifecycle(string, string)            {}

type noopNotifier struct{}

func (noopNotifier) Notify(error) bool { return false }

type WorkerOption func(*Worker)

func WithMetrics(m Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

func WithQuotaNotifier(n QuotaNotifier) WorkerOption {
	return func(w *Worker) {
		w.quota = n
	}
}

func WithTracer(t trace.Tracer) WorkerOption {
	return func(w *Worker) {
		w.tracer = t
	}
}

type handlerFunc func(ctx context.Context, ev Event) error

// Worker is one deployed cache version. All cache state it touches lives in
// the registry and the queue; the worker itself holds configuration and the
// lifecycle state.
type Worker struct {
	conf     *cache.Config
	version  string
	reg      *registry.Registry
	origin   Origin
	queue    *syncqueue.Queue
	selector *Selector
	metrics  Metrics
	quota    QuotaNotifier
	tracer   trace.Tracer

	originHost string

	prefetchLimit *rate.Limiter
	prefetchSem   *Semaphore

	state    atomic.Int32
	handlers map[EventKind]handlerFunc

	// skipWaiting is installed by the host; it activates this worker.
	skipWaiting func(ctx context.Context) error

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func NewWorker(conf *cache.Config, reg *registry.Registry, origin Origin, queue *syncqueue.Queue, opts ...WorkerOption) (*Worker, error) {
	if conf == nil || reg == nil || origin == nil || queue == nil {
		return nil, errors.New("worker needs config, registry, origin and queue")
	}
	if conf.AppName != reg.App() {
		return nil, fmt.Errorf("config app %q does not match registry app %q", conf.AppName, reg.App())
	}
	selector, err := NewSelector(conf.Routes)
	if err != nil {
		return nil, err
	}

	var originHost string
	if u, err := url.Parse(conf.Origin); err == nil {
		originHost = u.Host
	}

	w := &Worker{
		conf:          conf,
		version:       conf.CacheVersion,
		reg:           reg,
		origin:        origin,
		queue:         queue,
		selector:      selector,
		metrics:       noopMetrics{},
		quota:         noopNotifier{},
		originHost:    originHost,
		prefetchLimit: rate.NewLimiter(rate.Limit(conf.Prefetch.RatePerSec), MaxInt(1, conf.Prefetch.MaxConcurrent)),
		prefetchSem:   NewSemaphore(conf.Prefetch.MaxConcurrent),
	}
	w.bgCtx, w.bgCancel = context.WithCancel(context.Background())
	w.state.Store(int32(StateInstalling))

	for _, opt := range opts {
		opt(w)
	}
	if w.metrics == nil {
		w.metrics = noopMetrics{}
	}
	if w.quota == nil {
		w.quota = noopNotifier{}
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}

	w.handlers = map[EventKind]handlerFunc{
		EventInstall:  w.onInstall,
		EventActivate: w.onActivate,
		EventFetch:    w.onFetch,
		EventMessage:  w.onMessage,
		EventSync:     w.onSync,
	}
	return w, nil
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Config() *cache.Config {
	return w.conf
}

func (w *Worker) partition(p cache.Purpose) string {
	return cache.PartitionName(w.conf.AppName, w.version, p)
}

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func (w *Worker) markRedundant() {
	w.state.Store(int32(StateRedundant))
}

// Dispatch routes ev to its handler and returns when the handler is done.
// Work registered with waitUntil may still be running.
func (w *Worker) Dispatch(ctx context.Context, ev Event) error {
	h, ok := w.handlers[ev.Kind()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind())
	}
	return h(ctx, ev)
}

// waitUntil runs fn in the background and keeps the worker alive until it returns.
func (w *Worker) waitUntil(fn func(ctx context.Context)) {
	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		fn(w.bgCtx)
	}()
}

// Wait blocks until background work finishes or ctx is done, in which case
// the background work is cancelled.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.bgCancel()
		<-done
		return ctx.Err()
	}
}

// Intercepts reports whether req is handled by a strategy. Everything else is
// passed to the origin unmodified.
func (w *Worker) Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.URL.IsAbs() {
		if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
			return false
		}
		if w.originHost != "" && req.URL.Host != w.originHost {
			return false
		}
	}
	return !strings.HasPrefix(req.URL.Path, ControlPrefix)
}

// HandleFetch dispatches a fetch event and returns the response to send.
func (w *Worker) HandleFetch(req *http.Request) *Response {
	ev := &FetchEvent{Request: req}
	if err := w.Dispatch(req.Context(), ev); err != nil || ev.Response == nil {
		workerLog.Error().Err(err).Str("url", req.URL.String()).Msg("fetch handler failed")
		return synthesizedOffline(isNavigation(req))
	}
	return ev.Response
}

func (w *Worker) onFetch(ctx context.Context, ev Event) error {
	fe := ev.(*FetchEvent)
	start := time.Now()

	if !w.Intercepts(fe.Request) {
		resp, err := w.origin.Fetch(ctx, fe.Request)
		if err != nil {
			workerLog.Warn().Err(err).Str("method", fe.Request.Method).Str("url", fe.Request.URL.String()).Msg("passthrough failed")
			resp = badGateway()
		}
		resp.Source = SourcePassthrough
		fe.Response = resp
		w.metrics.RecordFetch("passthrough", string(resp.Source), time.Since(start))
		return nil
	}

	kind := w.selector.Select(fe.Request.URL)
	resp := w.execute(ctx, kind, fe.Request)
	resp.Strategy = kind.String()
	fe.Response = resp
	w.metrics.RecordFetch(kind.String(), string(resp.Source), time.Since(start))
	return nil
}

func (w *Worker) onSync(ctx context.Context, ev Event) error {
	se := ev.(*SyncEvent)
	report, err := w.queue.Sync(ctx, se.Tag)
	se.Report = report
	return err
}
