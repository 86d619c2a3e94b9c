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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/valandreev/sitecache/pkg/cache"
	"github.com/valandreev/sitecache/pkg/cache/index"
	"github.com/valandreev/sitecache/pkg/cache/registry"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

// Control message types. Requests come from pages, replies and broadcasts go back.
const (
	MsgSkipWaiting    = "SKIP_WAITING"
	MsgGetCacheStatus = "GET_CACHE_STATUS"
	MsgClearCache     = "CLEAR_CACHE"
	MsgPrefetch       = "PREFETCH"
	MsgQueueTask      = "QUEUE_TASK"
	MsgSync           = "SYNC"
	MsgClearQueue     = "CLEAR_QUEUE"
	MsgGetVersion     = "GET_VERSION"

	MsgActivated         = "ACTIVATED"
	MsgCacheStatus       = "CACHE_STATUS"
	MsgCacheCleared      = "CACHE_CLEARED"
	MsgPrefetchStarted   = "PREFETCH_STARTED"
	MsgTaskQueued        = "TASK_QUEUED"
	MsgSyncComplete      = "SYNC_COMPLETE"
	MsgQueueCleared      = "QUEUE_CLEARED"
	MsgVersion           = "VERSION"
	MsgControllerChanged = "CONTROLLER_CHANGED"
	MsgError             = "ERROR"
)

// Message is the envelope exchanged on the control channel.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with payload encoded as JSON.
func NewMessage(typ, id string, payload any) (Message, error) {
	m := Message{Type: typ, ID: id}
	if payload == nil {
		return m, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	m.Payload = data
	return m, nil
}

// DecodeMessage parses one envelope. Only the envelope is checked here; the
// payload is validated when the command is parsed.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

type command interface {
	name() string
}

type skipWaitingCmd struct{}

type cacheStatusCmd struct{}

type clearCacheCmd struct {
	Name string `json:"name"`
}

type prefetchCmd struct {
	URLs []string `json:"urls"`
}

type queueTaskCmd struct {
	Tag         string          `json:"tag"`
	Payload     json.RawMessage `json:"payload"`
	ContentType string          `json:"content_type"`
}

type syncCmd struct {
	Tag string `json:"tag"`
}

type clearQueueCmd struct {
	Tag string `json:"tag"`
}

type versionCmd struct{}

func (skipWaitingCmd) name() string { return MsgSkipWaiting }
func (cacheStatusCmd) name() string { return MsgGetCacheStatus }
func (clearCacheCmd) name() string  { return MsgClearCache }
func (prefetchCmd) name() string    { return MsgPrefetch }
func (queueTaskCmd) name() string   { return MsgQueueTask }
func (syncCmd) name() string        { return MsgSync }
func (clearQueueCmd) name() string  { return MsgClearQueue }
func (versionCmd) name() string     { return MsgGetVersion }

// parseCommand turns an envelope into a typed command.
func parseCommand(m Message) (command, error) {
	var cmd command
	switch m.Type {
	case MsgSkipWaiting:
		return skipWaitingCmd{}, nil
	case MsgGetCacheStatus:
		return cacheStatusCmd{}, nil
	case MsgGetVersion:
		return versionCmd{}, nil
	case MsgClearCache:
		var c clearCacheCmd
		if err := decodePayload(m.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case MsgPrefetch:
		var c prefetchCmd
		if err := decodePayload(m.Payload, &c); err != nil {
			return nil, err
		}
		if len(c.URLs) == 0 {
			return nil, fmt.Errorf("%w: prefetch needs urls", ErrMalformed)
		}
		cmd = c
	case MsgQueueTask:
		var c queueTaskCmd
		if err := decodePayload(m.Payload, &c); err != nil {
			return nil, err
		}
		if _, err := syncqueue.ParseTag(c.Tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if len(c.Payload) == 0 {
			return nil, fmt.Errorf("%w: task payload is empty", ErrMalformed)
		}
		cmd = c
	case MsgSync:
		var c syncCmd
		if err := decodePayload(m.Payload, &c); err != nil {
			return nil, err
		}
		if _, err := syncqueue.ParseTag(c.Tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd = c
	case MsgClearQueue:
		var c clearQueueCmd
		if err := decodePayload(m.Payload, &c); err != nil {
			return nil, err
		}
		if _, err := syncqueue.ParseTag(c.Tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cmd = c
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
	}
	return cmd, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// HandleMessage dispatches m and returns the reply, or nil when the command is ignored.
func (w *Worker) HandleMessage(ctx context.Context, m Message) (*Message, error) {
	ev := &MessageEvent{Message: m}
	if err := w.Dispatch(ctx, ev); err != nil {
		return nil, err
	}
	return ev.Reply, nil
}

func (w *Worker) onMessage(ctx context.Context, ev Event) error {
	me := ev.(*MessageEvent)
	req := me.Message

	cmd, err := parseCommand(req)
	if errors.Is(err, ErrUnknownCommand) {
		workerLog.Warn().Str("type", req.Type).Msg("ignoring unknown control command")
		return nil
	}
	if err != nil {
		me.Reply = errorReply(req, err)
		return nil
	}

	switch c := cmd.(type) {
	case skipWaitingCmd:
		err = w.forceActivate(ctx)
		if err == nil {
			me.Reply = reply(req, MsgActivated, map[string]string{"version": w.version})
		}
	case cacheStatusCmd:
		var status map[string]int
		status, err = w.reg.Status(ctx)
		if err == nil {
			me.Reply = reply(req, MsgCacheStatus, status)
		}
	case clearCacheCmd:
		var deleted []string
		deleted, err = w.clearCache(ctx, c.Name)
		if err == nil {
			me.Reply = reply(req, MsgCacheCleared, map[string][]string{"deleted": deleted})
		}
	case prefetchCmd:
		me.Reply = w.prefetch(req, c.URLs)
	case queueTaskCmd:
		tag, _ := syncqueue.ParseTag(c.Tag)
		var task index.TaskRecord
		task, err = w.queue.Enqueue(ctx, tag, []byte(c.Payload), c.ContentType)
		if err == nil {
			me.Reply = reply(req, MsgTaskQueued, map[string]string{"id": task.ID, "tag": string(tag)})
		}
	case syncCmd:
		tag, _ := syncqueue.ParseTag(c.Tag)
		se := &SyncEvent{Tag: tag}
		err = w.Dispatch(ctx, se)
		if err == nil {
			me.Reply = reply(req, MsgSyncComplete, se.Report)
		}
	case clearQueueCmd:
		tag, _ := syncqueue.ParseTag(c.Tag)
		var removed int
		removed, err = w.queue.Clear(ctx, tag)
		if err == nil {
			me.Reply = reply(req, MsgQueueCleared, map[string]any{"tag": string(tag), "removed": removed})
		}
	case versionCmd:
		me.Reply = reply(req, MsgVersion, map[string]string{"version": w.version, "state": w.State().String()})
	}

	if err != nil {
		workerLog.Warn().Err(err).Str("type", req.Type).Msg("control command failed")
		me.Reply = errorReply(req, err)
	}
	return nil
}

func (w *Worker) forceActivate(ctx context.Context) error {
	switch w.State() {
	case StateActive:
		return nil
	case StateWaiting:
		if w.skipWaiting == nil {
			return fmt.Errorf("%w: no host to activate through", ErrInvalidState)
		}
		return w.skipWaiting(ctx)
	default:
		return fmt.Errorf("%w: cannot activate from %s", ErrInvalidState, w.State())
	}
}

// clearCache deletes one partition, or every partition of this app when name is empty.
func (w *Worker) clearCache(ctx context.Context, name string) ([]string, error) {
	var targets []string
	if name != "" {
		targets = []string{name}
	} else {
		parts, err := w.reg.Partitions(ctx)
		if err != nil {
			return nil, err
		}
		for _, p := range parts {
			if _, _, ok := cache.ParsePartitionName(w.conf.AppName, p.Name); ok {
				targets = append(targets, p.Name)
			}
		}
	}

	deleted := []string{}
	for _, t := range targets {
		n, err := w.reg.DeletePartition(ctx, t)
		if errors.Is(err, index.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, fmt.Errorf("clear %s: %w", t, err)
		}
		deleted = append(deleted, t)
		workerLog.Info().Str("partition", t).Int("entries", n).Msg("cleared partition")
	}
	return deleted, nil
}

// prefetch validates urls and fetches the same-origin ones in the background.
func (w *Worker) prefetch(req Message, urls []string) *Message {
	var accepted []*url.URL
	var rejected []string
	for _, raw := range urls {
		u, ok := w.sameOrigin(raw)
		if !ok {
			rejected = append(rejected, raw)
			continue
		}
		accepted = append(accepted, u)
	}

	id := uuid.NewString()
	for _, u := range accepted {
		u := u
		w.waitUntil(func(ctx context.Context) {
			w.prefetchOne(ctx, id, u)
		})
	}
	if len(rejected) > 0 {
		workerLog.Warn().Strs("urls", rejected).Str("prefetch", id).Msg("rejected cross-origin prefetch urls")
	}
	return reply(req, MsgPrefetchStarted, map[string]any{
		"id":       id,
		"count":    len(accepted),
		"rejected": len(rejected),
	})
}

func (w *Worker) prefetchOne(ctx context.Context, id string, u *url.URL) {
	if err := w.prefetchLimit.Wait(ctx); err != nil {
		return
	}
	if err := w.prefetchSem.Acquire(ctx); err != nil {
		return
	}
	defer w.prefetchSem.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return
	}
	resp, err := w.origin.Fetch(ctx, req)
	if err != nil {
		workerLog.Debug().Err(err).Str("prefetch", id).Str("url", u.String()).Msg("prefetch failed")
		return
	}
	if !resp.Cacheable() {
		workerLog.Debug().Int("status", resp.Status).Str("prefetch", id).Str("url", u.String()).Msg("prefetch not cacheable")
		return
	}
	kind := w.selector.Select(u)
	w.store(ctx, w.partition(kind.Purpose()), registry.RequestKey(http.MethodGet, u), req, resp)
}

// sameOrigin accepts site paths and absolute URLs on the origin host. The
// returned URL is reduced to path and query.
func (w *Worker) sameOrigin(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if u.IsAbs() || u.Host != "" {
		if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "" {
			return nil, false
		}
		if w.originHost == "" || u.Host != w.originHost {
			return nil, false
		}
	} else if !strings.HasPrefix(u.Path, "/") {
		return nil, false
	}
	if strings.HasPrefix(u.Path, ControlPrefix) {
		return nil, false
	}
	return &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}, true
}

func reply(req Message, typ string, payload any) *Message {
	m, err := NewMessage(typ, req.ID, payload)
	if err != nil {
		return errorReply(req, err)
	}
	return &m
}

func errorReply(req Message, err error) *Message {
	data, _ := json.Marshal(map[string]string{"request": req.Type, "error": err.Error()})
	return &Message{Type: MsgError, ID: req.ID, Payload: data}
}
