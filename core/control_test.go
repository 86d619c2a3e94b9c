package core

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

func send(t *testing.T, f *fixture, typ string, payload any) *Message {
	t.Helper()
	m, err := NewMessage(typ, "req-1", payload)
	require.NoError(t, err)
	reply, err := f.host.HandleMessage(context.Background(), m)
	require.NoError(t, err)
	return reply
}

func decode(t *testing.T, m *Message, v any) {
	t.Helper()
	require.NotNil(t, m)
	require.NoError(t, json.Unmarshal(m.Payload, v))
}

func TestGetCacheStatusCountsEntries(t *testing.T) {
	f := newFixture(t)
	w := f.deploy(t, f.conf)
	w.HandleFetch(get("/api/data.json"))

	reply := send(t, f, MsgGetCacheStatus, nil)
	require.Equal(t, MsgCacheStatus, reply.Type)
	require.Equal(t, "req-1", reply.ID)

	var status map[string]int
	decode(t, reply, &status)
	require.Equal(t, map[string]int{staticV1: 2, dynamicV1: 1, offlineV1: 1}, status)
}

func TestClearCacheNamedPartition(t *testing.T) {
	f := newFixture(t)
	w := f.deploy(t, f.conf)
	w.HandleFetch(get("/api/data.json"))

	reply := send(t, f, MsgClearCache, map[string]string{"name": dynamicV1})
	require.Equal(t, MsgCacheCleared, reply.Type)

	var payload struct {
		Deleted []string `json:"deleted"`
	}
	decode(t, reply, &payload)
	require.Equal(t, []string{dynamicV1}, payload.Deleted)

	status, err := f.reg.Status(context.Background())
	require.NoError(t, err)
	require.NotContains(t, status, dynamicV1)
	require.Contains(t, status, staticV1)
}

func TestClearCacheWithoutNameClearsOwnPartitions(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)
	require.NoError(t, f.reg.EnsurePartition(context.Background(), "blog-v1-static"))

	reply := send(t, f, MsgClearCache, nil)
	require.Equal(t, MsgCacheCleared, reply.Type)

	status, err := f.reg.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int{"blog-v1-static": 0}, status)
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)

	reply, err := f.host.HandleMessage(context.Background(), Message{Type: "SELF_DESTRUCT"})
	require.NoError(t, err)
	require.Nil(t, reply)

	_, err = parseCommand(Message{Type: "SELF_DESTRUCT"})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

func TestMalformedPayloadGetsErrorReply(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)

	reply, err := f.host.HandleMessage(context.Background(), Message{
		Type:    MsgClearCache,
		ID:      "7",
		Payload: json.RawMessage(`{"name": 12}`),
	})
	require.NoError(t, err)
	require.Equal(t, MsgError, reply.Type)
	require.Equal(t, "7", reply.ID)

	reply = send(t, f, MsgQueueTask, map[string]any{"tag": "newsletter", "payload": map[string]string{"a": "b"}})
	require.Equal(t, MsgError, reply.Type)
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"GET_VERSION","id":"x"}`))
	require.NoError(t, err)
	require.Equal(t, MsgGetVersion, m.Type)

	_, err = DecodeMessage([]byte(`{"id":"x"}`))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeMessage([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestGetVersion(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)

	var payload map[string]string
	decode(t, send(t, f, MsgGetVersion, nil), &payload)
	require.Equal(t, map[string]string{"version": "v1.0.0", "state": "active"}, payload)
}

func TestSkipWaitingOnActiveWorkerIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)

	reply := send(t, f, MsgSkipWaiting, nil)
	require.Equal(t, MsgActivated, reply.Type)
}

func TestPrefetchStoresSameOriginURLs(t *testing.T) {
	f := newFixture(t)
	w := f.deploy(t, f.conf)

	reply := send(t, f, MsgPrefetch, map[string][]string{
		"urls": {"/about", "https://folio.test/app.css", "https://evil.test/x.js", "/_sw/status", "relative"},
	})
	require.Equal(t, MsgPrefetchStarted, reply.Type)

	var payload struct {
		ID       string `json:"id"`
		Count    int    `json:"count"`
		Rejected int    `json:"rejected"`
	}
	decode(t, reply, &payload)
	require.NotEmpty(t, payload.ID)
	require.Equal(t, 2, payload.Count)
	require.Equal(t, 3, payload.Rejected)

	waitIdle(t, w)
	require.Contains(t, f.keys(t, dynamicV1), "GET /about")
	require.Contains(t, f.keys(t, staticV1), "GET /app.css")
}

func TestPrefetchWithoutURLsIsMalformed(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)

	reply := send(t, f, MsgPrefetch, map[string][]string{"urls": {}})
	require.Equal(t, MsgError, reply.Type)
}

func TestQueuedContactFormDrainsOnSyncTrigger(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)
	f.origin.setOffline(true)
	f.submitter.setFail(true)

	reply := send(t, f, MsgQueueTask, map[string]any{
		"tag":     "contact-form",
		"payload": map[string]string{"email": "a@b.c", "message": "hello"},
	})
	require.Equal(t, MsgTaskQueued, reply.Type)

	// Still offline: the task stays queued.
	reply = send(t, f, MsgSync, map[string]string{"tag": "contact-form-sync"})
	require.Equal(t, MsgSyncComplete, reply.Type)
	pending, err := f.queue.Pending(context.Background(), syncqueue.TagContactForm)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.origin.setOffline(false)
	f.submitter.setFail(false)
	reply = send(t, f, MsgSync, map[string]string{"tag": "contact-form-sync"})
	require.Equal(t, MsgSyncComplete, reply.Type)

	var report syncqueue.Report
	decode(t, reply, &report)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 0, report.Remaining)

	pending, err = f.queue.Pending(context.Background(), syncqueue.TagContactForm)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 1, f.submitter.count())
}

func TestClearQueueDropsPendingTasks(t *testing.T) {
	f := newFixture(t)
	f.deploy(t, f.conf)
	f.submitter.setFail(true)

	for _, msg := range []string{"one", "two"} {
		reply := send(t, f, MsgQueueTask, map[string]any{
			"tag":     "contact-form",
			"payload": map[string]string{"message": msg},
		})
		require.Equal(t, MsgTaskQueued, reply.Type)
	}
	reply := send(t, f, MsgQueueTask, map[string]any{"tag": "analytics", "payload": map[string]string{"page": "/"}})
	require.Equal(t, MsgTaskQueued, reply.Type)

	reply = send(t, f, MsgClearQueue, map[string]string{"tag": "contact-form-sync"})
	require.Equal(t, MsgQueueCleared, reply.Type)
	var payload struct {
		Tag     string `json:"tag"`
		Removed int    `json:"removed"`
	}
	decode(t, reply, &payload)
	require.Equal(t, "contact-form", payload.Tag)
	require.Equal(t, 2, payload.Removed)

	pending, err := f.queue.Pending(context.Background(), syncqueue.TagContactForm)
	require.NoError(t, err)
	require.Empty(t, pending)
	pending, err = f.queue.Pending(context.Background(), syncqueue.TagAnalytics)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	reply = send(t, f, MsgClearQueue, map[string]string{"tag": "bogus"})
	require.Equal(t, MsgError, reply.Type)
}
