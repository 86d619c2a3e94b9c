package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/valandreev/sitecache/core"
	"github.com/valandreev/sitecache/log"
	"github.com/valandreev/sitecache/pkg/cache/syncqueue"
)

var serverLog = log.GetLogger("http")

// Controller is what the server fronts. *core.Host satisfies it.
type Controller interface {
	http.Handler
	HandleMessage(ctx context.Context, m core.Message) (*core.Message, error)
	Sync(ctx context.Context, tag syncqueue.Tag) error
	Status(ctx context.Context) (core.HostStatus, error)
}

type Options struct {
	// AllowedOrigins may call the control endpoints. "*" allows any origin.
	AllowedOrigins []string
	Metrics        http.Handler
	Version        string
}

// Server routes control traffic to the host and everything else through the worker.
type Server struct {
	ctrl     Controller
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	handler  http.Handler

	ctx    context.Context
	cancel context.CancelFunc
}

func New(ctrl Controller, opts Options) *Server {
	s := &Server{
		ctrl: ctrl,
		hub:  NewHub(),
		opts: opts,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}

	r := mux.NewRouter()
	r.Use(accessLog)

	sw := r.PathPrefix(strings.TrimSuffix(core.ControlPrefix, "/")).Subrouter()
	sw.HandleFunc("/control", s.serveControl).Methods(http.MethodGet)
	sw.HandleFunc("/message", s.serveMessage).Methods(http.MethodPost)
	sw.HandleFunc("/sync/{tag}", s.serveSync).Methods(http.MethodPost)
	sw.HandleFunc("/status", s.serveStatus).Methods(http.MethodGet)

	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/healthz", s.serveHealth).Methods(http.MethodGet)
	r.PathPrefix("/").Handler(ctrl)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	withCORS := c.Handler(r)
	s.handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.HasPrefix(req.URL.Path, core.ControlPrefix) {
			withCORS.ServeHTTP(w, req)
			return
		}
		r.ServeHTTP(w, req)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub is the broadcaster pages listen on.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close disconnects control clients.
func (s *Server) Close() {
	s.cancel()
	s.hub.Stop()
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		serverLog.Warn().Err(err).Msg("control upgrade failed")
		return
	}
	client := newClient(s.ctx, s.hub, s.ctrl, conn)
	if !s.hub.register(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
	serverLog.Debug().Str("client", client.id).Msg("control client connected")
}

func (s *Server) serveMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, core.Message{Type: core.MsgError, Payload: errorPayload(err)})
		return
	}
	msg, err := core.DecodeMessage(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, core.Message{Type: core.MsgError, Payload: errorPayload(err)})
		return
	}
	reply, err := s.ctrl.HandleMessage(r.Context(), msg)
	switch {
	case errors.Is(err, core.ErrNoActiveWorker):
		writeJSON(w, http.StatusServiceUnavailable, core.Message{Type: core.MsgError, ID: msg.ID, Payload: errorPayload(err)})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, core.Message{Type: core.MsgError, ID: msg.ID, Payload: errorPayload(err)})
	case reply == nil:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// serveSync is the manual connectivity-restored trigger. The tag may carry the
// "-sync" suffix pages register with.
func (s *Server) serveSync(w http.ResponseWriter, r *http.Request) {
	tag, err := syncqueue.ParseTag(mux.Vars(r)["tag"])
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	err = s.ctrl.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, syncqueue.ErrSyncInProgress), errors.Is(err, syncqueue.ErrPaused):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrNoActiveWorker):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"tag": string(tag), "trigger": tag.SyncTag()})
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.opts.Version,
		"clients": s.hub.ClientCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		serverLog.Debug().Err(err).Msg("write response")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// Hijack lets the control websocket take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		serverLog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Str("source", rec.Header().Get(core.HeaderSource)).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
