package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"agentline/internal/domain"
)

const TransportWS = "ws"

// WSHandler upgrades connections and gives each socket its own protocol
// instance. The socket is the session boundary.
type WSHandler struct {
	srv      *Server
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*wsSession
}

func NewWSHandler(srv *Server, allowedOrigins []string) *WSHandler {
	h := &WSHandler{srv: srv, logger: srv.logger(), conns: map[string]*wsSession{}}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowedOrigins) == 0 {
				return true
			}
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	inst := h.srv.NewInstance(CallerFromRequest(r), TransportWS)
	sess := &wsSession{
		id:            uuid.NewString(),
		conn:          conn,
		notifications: make(chan mcp.JSONRPCNotification, 100),
		out:           make(chan []byte, 64),
		done:          make(chan struct{}),
	}
	inst.mu.Lock()
	inst.onInitialize = sess.Initialize
	inst.mu.Unlock()
	inst.setClientSession(sess.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := inst.MCP().RegisterSession(ctx, sess); err != nil {
		h.logger.Error("register websocket session failed", "err", err)
		inst.Close()
		_ = conn.Close()
		return
	}
	h.track(sess)
	h.logger.Info("protocol session opened", "session", sess.id, "transport", TransportWS, "agent", inst.Caller().AgentID)

	go sess.writeLoop(h.logger)
	h.readLoop(inst.MCP().WithContext(ctx, sess), inst, sess)

	sess.shutdown()
	inst.MCP().UnregisterSession(ctx, sess.id)
	inst.Close()
	h.untrack(sess.id)
	h.logger.Info("protocol session closed", "session", sess.id, "transport", TransportWS)
}

func (h *WSHandler) readLoop(ctx context.Context, inst *Instance, sess *wsSession) {
	for {
		kind, data, err := sess.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "session", sess.id, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			sess.write(parseError("binary frames are not supported"))
			continue
		}
		if !json.Valid(data) {
			sess.write(parseError(domain.ErrTransport.Error() + ": malformed frame"))
			continue
		}
		if resp := inst.MCP().HandleMessage(ctx, data); resp != nil {
			sess.write(resp)
		}
	}
}

func parseError(msg string) mcp.JSONRPCError {
	return mcp.NewJSONRPCError(mcp.NewRequestId(nil), mcp.PARSE_ERROR, msg, nil)
}

func (h *WSHandler) track(s *wsSession) {
	h.mu.Lock()
	h.conns[s.id] = s
	h.mu.Unlock()
}

func (h *WSHandler) untrack(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *WSHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every open socket; each connection cleans up after itself.
func (h *WSHandler) Close() {
	h.mu.Lock()
	conns := make([]*wsSession, 0, len(h.conns))
	for _, s := range h.conns {
		conns = append(conns, s)
	}
	h.mu.Unlock()
	for _, s := range conns {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		_ = s.conn.Close()
	}
}

// wsSession is an mcp-go ClientSession backed by one socket. A single
// writer goroutine owns the connection's write side.
type wsSession struct {
	id            string
	conn          *websocket.Conn
	initialized   atomic.Bool
	notifications chan mcp.JSONRPCNotification
	out           chan []byte
	done          chan struct{}
	closeOnce     sync.Once
}

func (s *wsSession) Initialize()       { s.initialized.Store(true) }
func (s *wsSession) Initialized() bool { return s.initialized.Load() }
func (s *wsSession) SessionID() string { return s.id }

func (s *wsSession) NotificationChannel() chan<- mcp.JSONRPCNotification {
	return s.notifications
}

func (s *wsSession) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case s.out <- data:
	case <-s.done:
	}
}

func (s *wsSession) writeLoop(logger *slog.Logger) {
	send := func(data []byte) bool {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("websocket write failed", "session", s.id, "err", err)
			}
			s.shutdown()
			return false
		}
		return true
	}
	for {
		select {
		case data := <-s.out:
			if !send(data) {
				return
			}
		case n := <-s.notifications:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			if !send(data) {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
