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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/registry"
)

var errNetworkTimeout = errors.New("network timeout")

func (w *Worker) execute(ctx context.Context, kind StrategyKind, req *http.Request) *Response {
	ctx, span := w.tracer.Start(ctx, "sitecache.fetch", trace.WithAttributes(
		attribute.String("strategy", kind.String()),
		attribute.String("url", req.URL.RequestURI()),
	))
	defer span.End()

	var resp *Response
	switch kind {
	case CacheFirst:
		resp = w.cacheFirst(ctx, req)
	case NetworkFirst:
		resp = w.networkFirst(ctx, req)
	default:
		resp = w.staleWhileRevalidate(ctx, req)
	}
	span.SetAttributes(
		attribute.String("source", string(resp.Source)),
		attribute.Int("status", resp.Status),
	)
	if resp.Source == SourceSynthesized {
		span.SetStatus(codes.Error, "no network and no cached copy")
	}
	return resp
}

// cacheFirst answers fresh static hits without touching the network.
func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) *Response {
	part := w.partition(cache.PurposeStatic)
	key := registry.RequestKey(req.Method, req.URL)

	entry, hit := w.match(ctx, part, key)
	if hit && !entry.Expired {
		return responseFromEntry(entry, SourceCache)
	}

	resp, err := w.origin.Fetch(ctx, originRequest(ctx, req))
	if err != nil {
		workerLog.Debug().Err(err).Str("key", key).Msg("cache-first network failure")
		return w.fallback(ctx, req, key, entryOrNil(entry, hit))
	}
	if resp.Cacheable() {
		w.store(ctx, part, key, req, resp)
	}
	return resp
}

// networkFirst prefers fresh content, racing the origin against the configured timeout.
func (w *Worker) networkFirst(ctx context.Context, req *http.Request) *Response {
	part := w.partition(cache.PurposeDynamic)
	key := registry.RequestKey(req.Method, req.URL)

	resp, err := w.fetchWithTimeout(ctx, req, w.conf.NetworkTimeout())
	if err == nil {
		if resp.Cacheable() {
			w.store(ctx, part, key, req, resp)
		}
		return resp
	}
	workerLog.Debug().Err(err).Str("key", key).Msg("network-first falling back to cache")

	entry, hit := w.match(ctx, part, key)
	if hit {
		source := SourceCache
		if entry.Expired {
			source = SourceStale
		}
		return responseFromEntry(entry, source)
	}
	return w.fallback(ctx, req, key, nil)
}

// staleWhileRevalidate answers fresh hits at once and refreshes them in the background.
func (w *Worker) staleWhileRevalidate(ctx context.Context, req *http.Request) *Response {
	part := w.partition(cache.PurposeDynamic)
	key := registry.RequestKey(req.Method, req.URL)

	entry, hit := w.match(ctx, part, key)
	if hit && !entry.Expired {
		revalidate := originRequest(context.Background(), req)
		timeout := w.conf.NetworkTimeout()
		w.waitUntil(func(bg context.Context) {
			w.revalidate(bg, part, key, revalidate, timeout)
		})
		return responseFromEntry(entry, SourceCache)
	}

	resp, err := w.origin.Fetch(ctx, originRequest(ctx, req))
	if err != nil {
		workerLog.Debug().Err(err).Str("key", key).Msg("stale-while-revalidate network failure")
		return w.fallback(ctx, req, key, entryOrNil(entry, hit))
	}
	if resp.Cacheable() {
		w.store(ctx, part, key, req, resp)
	}
	return resp
}

// revalidate refreshes an entry. Failures are logged and dropped.
func (w *Worker) revalidate(ctx context.Context, part, key string, req *http.Request, timeout time.Duration) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := w.origin.Fetch(ctx, req.WithContext(ctx))
	if err != nil {
		workerLog.Debug().Err(err).Str("key", key).Msg("revalidation failed")
		return
	}
	if !resp.Cacheable() {
		return
	}
	w.store(ctx, part, key, req, resp)
}

// fetchWithTimeout runs the origin fetch in its own goroutine and gives up
// when the timer fires first.
func (w *Worker) fetchWithTimeout(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		return w.origin.Fetch(ctx, originRequest(ctx, req))
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := w.origin.Fetch(fetchCtx, originRequest(fetchCtx, req))
		done <- result{resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", errNetworkTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fallback is used once the network failed. It tries the strategy's own
// entry even when expired, then a precached copy, then the offline page for
// navigations, and finally a synthesized response.
func (w *Worker) fallback(ctx context.Context, req *http.Request, key string, stale *registry.Entry) *Response {
	if stale != nil {
		return responseFromEntry(*stale, SourceStale)
	}
	if entry, ok := w.match(ctx, w.partition(cache.PurposeStatic), key); ok {
		source := SourceCache
		if entry.Expired {
			source = SourceStale
		}
		return responseFromEntry(entry, source)
	}
	navigation := isNavigation(req)
	if navigation {
		if page := w.offlinePage(ctx); page != nil {
			return page
		}
	}
	return synthesizedOffline(navigation)
}

func (w *Worker) offlinePage(ctx context.Context) *Response {
	u, err := url.Parse(w.conf.OfflinePage)
	if err != nil {
		return nil
	}
	key := registry.RequestKey(http.MethodGet, u)
	for _, purpose := range []cache.Purpose{cache.PurposeOffline, cache.PurposeStatic} {
		if entry, ok := w.match(ctx, w.partition(purpose), key); ok {
			return responseFromEntry(entry, SourceOffline)
		}
	}
	return nil
}

func (w *Worker) match(ctx context.Context, part, key string) (registry.Entry, bool) {
	entry, err := w.reg.Match(ctx, part, key)
	if err != nil {
		if !errors.Is(err, registry.ErrMiss) {
			workerLog.Warn().Err(err).Str("partition", part).Str("key", key).Msg("cache lookup failed")
		}
		return registry.Entry{}, false
	}
	return entry, true
}

// store writes resp to the cache. Failures never reach the caller.
func (w *Worker) store(ctx context.Context, part, key string, req *http.Request, resp *Response) {
	err := w.reg.Put(context.WithoutCancel(ctx), part, key, resp.toStored(req.Method, req.URL.String()))
	if err == nil {
		w.metrics.RecordCacheWrite("ok")
		return
	}
	if w.quota.Notify(err) {
		w.metrics.RecordCacheWrite("quota")
	} else {
		w.metrics.RecordCacheWrite("error")
	}
	workerLog.Warn().Err(err).Str("partition", part).Str("key", key).Msg("cache write failed")
}

// originRequest strips the incoming request down to what the origin needs for a GET.
func originRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.Body = nil
	out.ContentLength = 0
	for _, h := range []string{"If-None-Match", "If-Modified-Since", "Range"} {
		// Conditional and partial answers cannot be stored as full entries.
		out.Header.Del(h)
	}
	return out
}

func entryOrNil(e registry.Entry, ok bool) *registry.Entry {
	if !ok {
		return nil
	}
	return &e
}
