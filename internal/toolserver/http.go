package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// HTTP session states.
const (
	StateNew         = "NEW"
	StateInitialized = "INITIALIZED"
	StateClosed      = "CLOSED"
)

const TransportHTTP = "http"

type RouterOptions struct {
	// IdleTimeout closes sessions with no request in flight and none for this
	// long. Zero disables the reaper.
	IdleTimeout time.Duration
	Heartbeat   time.Duration
	CORSOrigins []string
	Logger      *slog.Logger
}

type httpSession struct {
	id      string
	inst    *Instance
	handler *server.StreamableHTTPServer

	mu       sync.Mutex
	closed   bool
	lastSeen time.Time
	// active counts requests still being served, including open GET streams.
	active int
}

func (s *httpSession) begin(now time.Time) {
	s.mu.Lock()
	s.active++
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *httpSession) end(now time.Time) {
	s.mu.Lock()
	s.active--
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *httpSession) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == 0 && s.lastSeen.Before(cutoff)
}

func (s *httpSession) state() string {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return StateClosed
	case s.inst.Initialized():
		return StateInitialized
	}
	return StateNew
}

func (s *httpSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionRouter serves streamable HTTP with one protocol instance per
// Mcp-Session-Id.
type SessionRouter struct {
	srv  *Server
	opts RouterOptions
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*httpSession

	stop     chan struct{}
	stopOnce sync.Once
}

func NewSessionRouter(srv *Server, opts RouterOptions) *SessionRouter {
	if opts.Logger == nil {
		opts.Logger = srv.logger()
	}
	r := &SessionRouter{
		srv:      srv,
		opts:     opts,
		now:      time.Now,
		sessions: map[string]*httpSession{},
		stop:     make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		go r.reap()
	}
	return r
}

func (r *SessionRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.cors(w, req)
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	id := req.Header.Get(server.HeaderKeySessionID)
	if id == "" {
		if req.Method != http.MethodPost {
			http.Error(w, "missing "+server.HeaderKeySessionID+" header", http.StatusBadRequest)
			return
		}
		if !isInitialize(req) {
			http.Error(w, "first request of a session must be initialize", http.StatusBadRequest)
			return
		}
		sess := r.open(CallerFromRequest(req))
		rec := &statusRecorder{ResponseWriter: w}
		sess.begin(r.now())
		sess.handler.ServeHTTP(rec, req)
		sess.end(r.now())
		if rec.status != 0 && rec.status != http.StatusOK {
			r.closeSession(sess.id, fmt.Sprintf("initialize rejected with %d", rec.status))
		}
		return
	}

	r.mu.Lock()
	sess := r.sessions[id]
	r.mu.Unlock()
	if sess == nil || sess.isClosed() {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	sess.begin(r.now())
	sess.handler.ServeHTTP(w, req)
	sess.end(r.now())
	if req.Method == http.MethodDelete {
		r.closeSession(id, "deleted")
	}
}

func (r *SessionRouter) cors(w http.ResponseWriter, req *http.Request) {
	origin := "*"
	if len(r.opts.CORSOrigins) > 0 {
		origin = ""
		reqOrigin := req.Header.Get("Origin")
		for _, o := range r.opts.CORSOrigins {
			if o == "*" || o == reqOrigin {
				origin = o
				break
			}
		}
		if origin == "" {
			return
		}
	}
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", "Accept", "Authorization", server.HeaderKeySessionID,
		HeaderAgentID, HeaderSessionID, HeaderWorkspaceID,
	}, ", "))
	h.Set("Access-Control-Expose-Headers", server.HeaderKeySessionID)
}

// isInitialize peeks at the body and restores it for the real handler.
func isInitialize(req *http.Request) bool {
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return false
	}
	var msg struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return false
	}
	return msg.Method == string(mcp.MethodInitialize)
}

func (r *SessionRouter) open(caller Caller) *httpSession {
	id := uuid.NewString()
	inst := r.srv.NewInstance(caller, TransportHTTP)
	inst.setClientSession(id)
	sess := &httpSession{id: id, inst: inst, lastSeen: r.now()}
	opts := []server.StreamableHTTPOption{
		server.WithSessionIdManager(singleSession{id: id, closed: sess.isClosed}),
		server.WithLogger(slogAdapter{r.opts.Logger}),
	}
	if r.opts.Heartbeat > 0 {
		opts = append(opts, server.WithHeartbeatInterval(r.opts.Heartbeat))
	}
	sess.handler = server.NewStreamableHTTPServer(inst.MCP(), opts...)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	r.opts.Logger.Info("protocol session opened", "session", id, "transport", TransportHTTP, "agent", caller.AgentID)
	return sess
}

func (r *SessionRouter) closeSession(id, reason string) {
	r.mu.Lock()
	sess := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	sess.closed = true
	sess.mu.Unlock()
	sess.inst.MCP().UnregisterSession(context.Background(), id)
	sess.inst.Close()
	r.opts.Logger.Info("protocol session closed", "session", id, "reason", reason)
}

// State reports a session's state; unknown ids are CLOSED.
func (r *SessionRouter) State(id string) string {
	r.mu.Lock()
	sess := r.sessions[id]
	r.mu.Unlock()
	if sess == nil {
		return StateClosed
	}
	return sess.state()
}

// Instance returns the protocol instance behind a session id.
func (r *SessionRouter) Instance(id string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.inst, true
}

func (r *SessionRouter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ReapIdle closes sessions idle for longer than the configured timeout and
// returns how many it closed.
func (r *SessionRouter) ReapIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTimeout)
	var idle []string
	r.mu.Lock()
	for id, sess := range r.sessions {
		if sess.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()
	for _, id := range idle {
		r.closeSession(id, "idle")
	}
	return len(idle)
}

func (r *SessionRouter) reap() {
	interval := r.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			r.ReapIdle()
		case <-r.stop:
			return
		}
	}
}

// Close closes every session and stops the reaper.
func (r *SessionRouter) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.closeSession(id, "shutdown")
	}
}

// statusRecorder remembers the status the protocol handler answered with.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// singleSession is a SessionIdManager that knows exactly one id.
type singleSession struct {
	id     string
	closed func() bool
}

func (m singleSession) Generate() string { return m.id }

func (m singleSession) Validate(id string) (bool, error) {
	if id != m.id {
		return false, fmt.Errorf("unknown session %s", id)
	}
	return m.closed(), nil
}

func (m singleSession) Terminate(id string) (bool, error) {
	if id != m.id {
		return false, fmt.Errorf("unknown session %s", id)
	}
	return false, nil
}

type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Infof(format string, v ...any) {
	a.l.Debug(fmt.Sprintf(format, v...), "component", "mcp")
}

func (a slogAdapter) Errorf(format string, v ...any) {
	a.l.Error(fmt.Sprintf(format, v...), "component", "mcp")
}
