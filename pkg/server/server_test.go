package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/valandreev/sitecache/core"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

type stubController struct {
	mu       sync.Mutex
	messages []core.Message
	synced   []syncqueue.Tag
	syncErr  error
	replyErr error
}

func (s *stubController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(core.HeaderSource, "cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("page " + r.URL.Path))
}

func (s *stubController) HandleMessage(_ context.Context, m core.Message) (*core.Message, error) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	if s.replyErr != nil {
		return nil, s.replyErr
	}
	switch m.Type {
	case core.MsgGetVersion:
		reply, err := core.NewMessage(core.MsgVersion, m.ID, map[string]string{"version": "v1"})
		return &reply, err
	default:
		return nil, nil
	}
}

func (s *stubController) Sync(_ context.Context, tag syncqueue.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, tag)
	return s.syncErr
}

func (s *stubController) setSyncErr(err error) {
	s.mu.Lock()
	s.syncErr = err
	s.mu.Unlock()
}

func (s *stubController) seen() ([]core.Message, []syncqueue.Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Message(nil), s.messages...), append([]syncqueue.Tag(nil), s.synced...)
}

func (s *stubController) Status(context.Context) (core.HostStatus, error) {
	return core.HostStatus{Active: "v1", State: "active", Partitions: map[string]int{"folio-v1-static": 2}}, nil
}

func newTestServer(t *testing.T, ctrl *stubController, origins ...string) (*Server, *httptest.Server) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := New(ctrl, Options{
		AllowedOrigins: origins,
		Version:        "test",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("sitecache_up 1\n"))
		}),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, ts
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCatchAllGoesToController(t *testing.T) {
	_, ts := newTestServer(t, &stubController{})

	resp, err := http.Get(ts.URL + "/blog/post-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cache", resp.Header.Get(core.HeaderSource))
}

func TestMessageEndpoint(t *testing.T) {
	ctrl := &stubController{}
	_, ts := newTestServer(t, ctrl)

	resp := post(t, ts.URL+"/_sw/message", `{"type":"GET_VERSION","id":"42"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply core.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	require.Equal(t, core.MsgVersion, reply.Type)
	require.Equal(t, "42", reply.ID)

	resp = post(t, ts.URL+"/_sw/message", `{"type":"SELF_DESTRUCT"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(t, ts.URL+"/_sw/message", `{"id":"no type"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	msgs, _ := ctrl.seen()
	require.Len(t, msgs, 2)
}

func TestMessageWithoutActiveWorker(t *testing.T) {
	_, ts := newTestServer(t, &stubController{replyErr: core.ErrNoActiveWorker})

	resp := post(t, ts.URL+"/_sw/message", `{"type":"GET_CACHE_STATUS"}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSyncEndpoint(t *testing.T) {
	ctrl := &stubController{}
	_, ts := newTestServer(t, ctrl)

	resp := post(t, ts.URL+"/_sw/sync/contact-form-sync", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, synced := ctrl.seen()
	require.Equal(t, []syncqueue.Tag{syncqueue.TagContactForm}, synced)

	resp = post(t, ts.URL+"/_sw/sync/bogus", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	ctrl.setSyncErr(syncqueue.ErrSyncInProgress)
	resp = post(t, ts.URL+"/_sw/sync/analytics", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, &stubController{})

	resp, err := http.Get(ts.URL + "/_sw/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st core.HostStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.Equal(t, "v1", st.Active)
	require.Equal(t, 2, st.Partitions["folio-v1-static"])

	health, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)

	metrics, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	require.Equal(t, http.StatusOK, metrics.StatusCode)
}

func TestCORSPreflightOnControlRoutes(t *testing.T) {
	_, ts := newTestServer(t, &stubController{}, "https://folio.test")

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/_sw/message", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://folio.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "https://folio.test", resp.Header.Get("Access-Control-Allow-Origin"))
}

func dial(t *testing.T, ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/_sw/control"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readMessage(t *testing.T, conn *websocket.Conn) core.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var m core.Message
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestControlSocketRepliesAndBroadcasts(t *testing.T) {
	s, ts := newTestServer(t, &stubController{})

	conn, _, err := dial(t, ts, "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(core.Message{Type: core.MsgGetVersion, ID: "a"}))
	reply := readMessage(t, conn)
	require.Equal(t, core.MsgVersion, reply.Type)
	require.Equal(t, "a", reply.ID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("nonsense")))
	require.Equal(t, core.MsgError, readMessage(t, conn).Type)

	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	changed, err := core.NewMessage(core.MsgControllerChanged, "", map[string]string{"version": "v2"})
	require.NoError(t, err)
	s.Hub().Broadcast(changed)
	require.Equal(t, core.MsgControllerChanged, readMessage(t, conn).Type)
}

func TestControlSocketRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, &stubController{}, "https://folio.test")

	_, resp, err := dial(t, ts, "https://evil.test")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHubStopRefusesClients(t *testing.T) {
	h := NewHub()
	h.Stop()
	require.False(t, h.register(&Client{send: make(chan []byte, 1)}))
	require.Zero(t, h.ClientCount())
}
