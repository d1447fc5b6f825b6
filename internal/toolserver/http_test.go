package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/server"

	"agentline/internal/config"
	"agentline/internal/engine"
	"agentline/internal/events"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(server.HeaderKeySessionID, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

func newRouter(t *testing.T, env testEnv, opts RouterOptions) (*SessionRouter, *httptest.Server) {
	t.Helper()
	router := NewSessionRouter(env.Srv, opts)
	ts := httptest.NewServer(router)
	t.Cleanup(func() {
		ts.Close()
		router.Close()
	})
	return router, ts
}

func TestHTTPSessionIsolation(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	router, ts := newRouter(t, env, RouterOptions{})

	first := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, first)
	second := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, second)
	id1 := first.Header.Get(server.HeaderKeySessionID)
	id2 := second.Header.Get(server.HeaderKeySessionID)
	if first.StatusCode != http.StatusOK || id1 == "" || id2 == "" || id1 == id2 {
		t.Fatalf("sessions: %d %q %q", first.StatusCode, id1, id2)
	}
	if router.Len() != 2 || router.State(id1) != StateInitialized {
		t.Fatalf("router has %d sessions, state %s", router.Len(), router.State(id1))
	}

	inst, ok := router.Instance(id1)
	if !ok {
		t.Fatalf("session %s not found", id1)
	}
	listCall := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"list_workspaces","arguments":{}}}`
	resp := postJSON(t, ts.URL, id1, listCall)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, env.Workspace.ID) {
		t.Fatalf("tools/call: %d %s", resp.StatusCode, body)
	}
	again, _ := router.Instance(id1)
	if again != inst {
		t.Fatalf("session id routed to a different instance")
	}
}

func TestHTTPSessionRejections(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	router, ts := newRouter(t, env, RouterOptions{})

	list := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	if resp := postJSON(t, ts.URL, "", list); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-initialize without session: %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL, "nope", list); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: %d", resp.StatusCode)
	}

	opened := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, opened)
	id := opened.Header.Get(server.HeaderKeySessionID)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL, nil)
	req.Header.Set(server.HeaderKeySessionID, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}
	if router.State(id) != StateClosed || router.Len() != 0 {
		t.Fatalf("session not closed: %s", router.State(id))
	}
	if resp := postJSON(t, ts.URL, id, list); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closed session reused: %d", resp.StatusCode)
	}
}

func TestHTTPPreflight(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	_, ts := newRouter(t, env, RouterOptions{})
	req, _ := http.NewRequest(http.MethodOptions, ts.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" ||
		!strings.Contains(resp.Header.Get("Access-Control-Allow-Headers"), server.HeaderKeySessionID) ||
		resp.Header.Get("Access-Control-Expose-Headers") != server.HeaderKeySessionID {
		t.Fatalf("cors headers %v", resp.Header)
	}
}

func TestIdleSessionsAreReaped(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	router, ts := newRouter(t, env, RouterOptions{IdleTimeout: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	router.now = func() time.Time { return now }

	opened := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, opened)
	id := opened.Header.Get(server.HeaderKeySessionID)
	if n := router.ReapIdle(); n != 0 {
		t.Fatalf("fresh session reaped")
	}
	now = now.Add(2 * time.Hour)
	if n := router.ReapIdle(); n != 1 {
		t.Fatalf("reaped %d sessions", n)
	}
	if router.State(id) != StateClosed {
		t.Fatalf("state %s", router.State(id))
	}
}

func TestOpenStreamKeepsSessionAlive(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	router, ts := newRouter(t, env, RouterOptions{IdleTimeout: time.Hour})
	var clock atomic.Int64
	clock.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	router.now = func() time.Time { return time.Unix(0, clock.Load()) }

	opened := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, opened)
	id := opened.Header.Get(server.HeaderKeySessionID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(server.HeaderKeySessionID, id)
	stream, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", stream.StatusCode)
	}

	clock.Add(int64(2 * time.Hour))
	if n := router.ReapIdle(); n != 0 {
		t.Fatalf("session with an open stream was reaped")
	}
	if router.State(id) != StateInitialized {
		t.Fatalf("state %s", router.State(id))
	}

	cancel()
	stream.Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for router.ReapIdle() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never became idle after the stream closed")
		}
		time.Sleep(20 * time.Millisecond)
		clock.Add(int64(2 * time.Hour))
	}
	if router.State(id) != StateClosed {
		t.Fatalf("state %s", router.State(id))
	}
}

func TestRejectedInitializeLeavesNoSession(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	router, ts := newRouter(t, env, RouterOptions{})

	req, err := http.NewRequest(http.MethodPost, ts.URL, strings.NewReader(initializeBody))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if n := router.Len(); n != 0 {
		t.Fatalf("rejected initialize left %d sessions", n)
	}

	opened := postJSON(t, ts.URL, "", initializeBody)
	readBody(t, opened)
	if opened.StatusCode != http.StatusOK || router.Len() != 1 {
		t.Fatalf("status %d sessions %d", opened.StatusCode, router.Len())
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %s: %v", data, err)
	}
	return msg
}

func TestWebSocketRoundTrip(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	h := NewWSHandler(env.Srv, nil)
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})

	header := http.Header{}
	header.Set(HeaderAgentID, env.Lead.ID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(initializeBody)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readFrame(t, conn); msg["result"] == nil {
		t.Fatalf("initialize response %v", msg)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, conn)
	errObj, _ := msg["error"].(map[string]any)
	if errObj == nil || errObj["code"] != float64(-32700) {
		t.Fatalf("malformed frame answer %v", msg)
	}

	whoami := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"whoami","arguments":{}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(whoami)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg = readFrame(t, conn)
	raw, _ := json.Marshal(msg["result"])
	if !bytes.Contains(raw, []byte(env.Lead.ID)) {
		t.Fatalf("whoami over websocket: %s", raw)
	}

	// an event addressed to the connection's agent is pushed as a notification
	if _, err := env.Srv.Bus.Subscribe(env.Ctx, events.SubscribeOptions{AgentID: env.Lead.ID, EventTypes: []string{events.TaskCreated}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := env.Srv.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{WorkspaceID: env.Workspace.ID, Title: "pushed", ActorID: "tester"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	msg = readFrame(t, conn)
	if msg["method"] != NotificationAgentEvent {
		t.Fatalf("expected agent event notification, got %v", msg)
	}
	if h.Len() != 1 {
		t.Fatalf("open connections = %d", h.Len())
	}
}
