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

	"golang.org/x/sync/errgroup"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/index"
	"github.com/valandreev/sitecache/pkg/cache/registry"
)

const precacheParallelism = 4

type precached struct {
	req  *http.Request
	key  string
	resp *Response
}

// onInstall fetches the precache list. Nothing is written unless every fetch
// succeeds with a 2xx status.
func (w *Worker) onInstall(ctx context.Context, _ Event) (err error) {
	if s := w.State(); s != StateInstalling {
		return fmt.Errorf("%w: install in state %s", ErrInvalidState, s)
	}
	defer func() {
		if err != nil {
			w.markRedundant()
			w.metrics.RecordLifecycle("install", "failed")
			workerLog.Error().Err(err).Str("version", w.version).Msg("install failed")
		}
	}()

	for _, purpose := range cache.Purposes {
		if err := w.reg.EnsurePartition(ctx, w.partition(purpose)); err != nil {
			return fmt.Errorf("%w: create partition: %v", ErrInstallFailed, err)
		}
	}

	results := make([]precached, len(w.conf.Precache))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxInt(1, MinInt(precacheParallelism, len(w.conf.Precache))))
	for i, raw := range w.conf.Precache {
		i, raw := i, raw
		g.Go(func() error {
			u, err := url.Parse(raw)
			if err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("precache %q: %w", raw, err)
			}
			resp, err := w.origin.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("precache %s: %w", raw, err)
			}
			if resp.Status < 200 || resp.Status > 299 {
				return fmt.Errorf("precache %s: status %d", raw, resp.Status)
			}
			results[i] = precached{req: req, key: registry.RequestKey(http.MethodGet, u), resp: resp}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}

	offlineKey := ""
	if u, err := url.Parse(w.conf.OfflinePage); err == nil {
		offlineKey = registry.RequestKey(http.MethodGet, u)
	}

	// A same-version redeploy writes over entries the active worker serves.
	// Those stay put when the install is undone.
	type written struct{ part, key string }
	existing := make(map[written]bool)
	for _, purpose := range []cache.Purpose{cache.PurposeStatic, cache.PurposeOffline} {
		part := w.partition(purpose)
		keys, err := w.reg.Keys(ctx, part)
		if err != nil {
			return fmt.Errorf("%w: list %s: %v", ErrInstallFailed, part, err)
		}
		for _, k := range keys {
			existing[written{part, k}] = true
		}
	}

	var done []written
	put := func(part string, p precached) error {
		if err := w.reg.Put(ctx, part, p.key, p.resp.toStored(http.MethodGet, p.req.URL.String())); err != nil {
			w.quota.Notify(err)
			return err
		}
		if !existing[written{part, p.key}] {
			done = append(done, written{part, p.key})
		}
		return nil
	}
	for _, p := range results {
		err := put(w.partition(cache.PurposeStatic), p)
		if err == nil && p.key == offlineKey {
			err = put(w.partition(cache.PurposeOffline), p)
		}
		if err != nil {
			for _, d := range done {
				if _, rmErr := w.reg.Remove(context.WithoutCancel(ctx), d.part, d.key); rmErr != nil && !errors.Is(rmErr, index.ErrNotFound) {
					workerLog.Warn().Err(rmErr).Str("partition", d.part).Str("key", d.key).Msg("undo precache write")
				}
			}
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, p.key, err)
		}
	}

	if !w.transition(StateInstalling, StateWaiting) {
		return fmt.Errorf("%w: worker left installing during install", ErrInvalidState)
	}
	w.metrics.RecordLifecycle("install", "ok")
	workerLog.Info().Str("version", w.version).Int("precached", len(results)).Msg("installed")
	return nil
}

// onActivate deletes partitions of older versions of this app and moves the
// worker to active. Current, newer and foreign partitions are kept.
func (w *Worker) onActivate(ctx context.Context, ev Event) error {
	ae := ev.(*ActivateEvent)
	if s := w.State(); s != StateWaiting {
		return fmt.Errorf("%w: activate in state %s", ErrInvalidState, s)
	}

	parts, err := w.reg.Partitions(ctx)
	if err != nil {
		w.metrics.RecordLifecycle("activate", "failed")
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, p := range parts {
		switch cache.Classify(w.conf.AppName, w.version, p.Name) {
		case cache.Older:
			n, err := w.reg.DeletePartition(ctx, p.Name)
			if err != nil && !errors.Is(err, index.ErrNotFound) {
				w.metrics.RecordLifecycle("activate", "failed")
				return fmt.Errorf("delete partition %s: %w", p.Name, err)
			}
			ae.Deleted = append(ae.Deleted, p.Name)
			workerLog.Info().Str("partition", p.Name).Int("entries", n).Msg("deleted old partition")
		case cache.Newer:
			workerLog.Warn().Str("partition", p.Name).Str("version", w.version).Msg("keeping partition of a newer version")
		}
	}

	if !w.transition(StateWaiting, StateActive) {
		return fmt.Errorf("%w: worker left waiting during activate", ErrInvalidState)
	}
	w.metrics.RecordLifecycle("activate", "ok")
	workerLog.Info().Str("version", w.version).Strs("deleted", ae.Deleted).Msg("activated")
	return nil
}
