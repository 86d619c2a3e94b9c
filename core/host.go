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
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

var hostLog = log.GetLogger("host")

var ErrNoActiveWorker = errors.New("no active worker")

// Broadcaster delivers a message to every connected page.
type Broadcaster interface {
	Broadcast(m Message)
}

// Sleeper waits between install attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryConfig bounds install retries. MaxAttempts 0 retries until the context ends.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 5,
	BaseDelay:   time.Second,
	MaxDelay:    time.Minute,
}

type HostOption func(*Host)

func WithBroadcaster(b Broadcaster) HostOption {
	return func(h *Host) {
		h.broadcaster = b
	}
}

func WithRetry(cfg RetryConfig) HostOption {
	return func(h *Host) {
		h.retry = cfg
	}
}

func WithSleeper(s Sleeper) HostOption {
	return func(h *Host) {
		h.sleeper = s
	}
}

// WithWorkerOptions are applied to every worker the host creates.
func WithWorkerOptions(opts ...WorkerOption) HostOption {
	return func(h *Host) {
		h.workerOpts = append(h.workerOpts, opts...)
	}
}

// Host owns the worker registration: at most one active and one waiting
// worker. It plays the part the browser plays for a service worker.
type Host struct {
	reg    *registry.Registry
	origin Origin
	queue  *syncqueue.Queue

	workerOpts  []WorkerOption
	broadcaster Broadcaster
	retry       RetryConfig
	sleeper     Sleeper

	deployMu   sync.Mutex
	activateMu sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker

	retired sync.WaitGroup
}

func NewHost(reg *registry.Registry, origin Origin, queue *syncqueue.Queue, opts ...HostOption) *Host {
	h := &Host{
		reg:     reg,
		origin:  origin,
		queue:   queue,
		retry:   DefaultRetryConfig,
		sleeper: realSleeper{},
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.sleeper == nil {
		h.sleeper = realSleeper{}
	}
	return h
}

func (h *Host) SetBroadcaster(b Broadcaster) {
	h.mu.Lock()
	h.broadcaster = b
	h.mu.Unlock()
}

func (h *Host) Active() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

func (h *Host) Waiting() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Deploy installs a worker for conf, retrying failed installs with
// exponential backoff. The worker is activated right away when skip_waiting
// is on or nothing is active yet; otherwise it stays waiting.
func (h *Host) Deploy(ctx context.Context, conf *cache.Config) (*Worker, error) {
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	var w *Worker
	for attempt := 1; ; attempt++ {
		var err error
		w, err = NewWorker(conf, h.reg, h.origin, h.queue, h.workerOpts...)
		if err != nil {
			return nil, err
		}
		cur := w
		w.skipWaiting = func(ctx context.Context) error {
			return h.activate(ctx, cur)
		}

		err = w.Dispatch(ctx, &InstallEvent{})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrInstallFailed) {
			return nil, err
		}
		if h.retry.MaxAttempts > 0 && attempt >= h.retry.MaxAttempts {
			return nil, fmt.Errorf("version %s after %d attempts: %w", conf.CacheVersion, attempt, err)
		}
		delay := h.backoffDelay(attempt)
		hostLog.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("install failed, retrying")
		if err := h.sleeper.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	h.mu.Lock()
	if prev := h.waiting; prev != nil {
		prev.markRedundant()
	}
	h.waiting = w
	noActive := h.active == nil
	h.mu.Unlock()

	if conf.SkipWaitingEnabled() || noActive {
		if err := h.activate(ctx, w); err != nil {
			return w, err
		}
	} else {
		hostLog.Info().Str("version", w.Version()).Msg("worker waiting")
	}
	return w, nil
}

func (h *Host) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := h.retry.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if h.retry.MaxDelay > 0 && delay > h.retry.MaxDelay {
		return h.retry.MaxDelay
	}
	return delay
}

// activate runs the activate event on w and then claims all clients for it.
func (h *Host) activate(ctx context.Context, w *Worker) error {
	h.activateMu.Lock()
	defer h.activateMu.Unlock()

	h.mu.RLock()
	isWaiting := h.waiting == w
	isActive := h.active == w
	h.mu.RUnlock()
	if isActive {
		return nil
	}
	if !isWaiting {
		return fmt.Errorf("%w: worker %s is not waiting", ErrInvalidState, w.Version())
	}

	ev := &ActivateEvent{}
	if err := w.Dispatch(ctx, ev); err != nil {
		return err
	}
	h.reg.SetPolicies(registry.PoliciesFromConfig(w.Config().Partitions))

	h.mu.Lock()
	prev := h.active
	h.active = w
	h.waiting = nil
	b := h.broadcaster
	h.mu.Unlock()

	if prev != nil && prev != w {
		prev.markRedundant()
		h.retire(prev)
	}
	hostLog.Info().Str("version", w.Version()).Msg("worker claimed clients")

	if b != nil {
		msg, err := NewMessage(MsgControllerChanged, "", map[string]any{
			"version": w.Version(),
			"deleted": ev.Deleted,
		})
		if err == nil {
			b.Broadcast(msg)
		}
	}
	return nil
}

// retire lets the background work of a superseded worker finish.
func (h *Host) retire(w *Worker) {
	h.retired.Add(1)
	go func() {
		defer h.retired.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.Wait(ctx); err != nil {
			hostLog.Warn().Err(err).Str("version", w.Version()).Msg("retired worker cancelled")
		}
	}()
}

// ServeHTTP hands the request to the active worker.
func (h *Host) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := h.Active()
	if w == nil {
		http.Error(rw, ErrNoActiveWorker.Error(), http.StatusServiceUnavailable)
		return
	}
	w.HandleFetch(r).WriteTo(rw)
}

// HandleMessage routes a control message. Force-activate goes to the waiting
// worker when there is one; everything else to the active worker.
func (h *Host) HandleMessage(ctx context.Context, m Message) (*Message, error) {
	h.mu.RLock()
	target := h.active
	if m.Type == MsgSkipWaiting && h.waiting != nil {
		target = h.waiting
	}
	h.mu.RUnlock()

	if target == nil {
		return nil, ErrNoActiveWorker
	}
	return target.HandleMessage(ctx, m)
}

// Sync dispatches a sync event for tag to the active worker.
func (h *Host) Sync(ctx context.Context, tag syncqueue.Tag) error {
	w := h.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	ev := &SyncEvent{Tag: tag}
	if err := w.Dispatch(ctx, ev); err != nil {
		return err
	}
	hostLog.Info().Str("tag", string(tag)).Int("succeeded", ev.Report.Succeeded).Int("remaining", ev.Report.Remaining).Msg("sync finished")
	return nil
}

// HostStatus is a snapshot for the status endpoint.
type HostStatus struct {
	Active     string         `json:"active,omitempty"`
	Waiting    string         `json:"waiting,omitempty"`
	State      string         `json:"state,omitempty"`
	Partitions map[string]int `json:"partitions"`
	// BlobBytes is the disk held by cached bodies across all partitions.
	BlobBytes int64 `json:"blob_bytes"`
}

func (h *Host) Status(ctx context.Context) (HostStatus, error) {
	h.mu.RLock()
	active, waiting := h.active, h.waiting
	h.mu.RUnlock()

	var st HostStatus
	if active != nil {
		st.Active = active.Version()
		st.State = active.State().String()
	}
	if waiting != nil {
		st.Waiting = waiting.Version()
	}
	parts, err := h.reg.Status(ctx)
	if err != nil {
		return st, err
	}
	st.Partitions = parts
	if st.BlobBytes, err = h.reg.Usage(); err != nil {
		return st, err
	}
	return st, nil
}

// Shutdown waits for background work of all workers.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	workers := []*Worker{h.active, h.waiting}
	h.mu.RUnlock()

	var firstErr error
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		h.retired.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}
