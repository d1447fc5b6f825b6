package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/server"

	"agentline/internal/config"
	"agentline/internal/engine"
	"agentline/internal/events"
)

func TestAppServesAllSurfaces(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	a, err := New(ctx, Options{Workspace: t.TempDir(), Config: cfg, NoSpawn: true, Version: "test"})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ts := httptest.NewServer(a.Handler)
	t.Cleanup(func() {
		ts.Close()
		a.Close(ctx)
	})

	res, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	initBody := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(initBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get(server.HeaderKeySessionID) == "" {
		t.Fatalf("initialize status %d", res.StatusCode)
	}
	if a.Sessions.Len() != 1 {
		t.Fatalf("sessions %d", a.Sessions.Len())
	}

	ws, err := a.Engine.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{Title: "metrics", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	if _, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{WorkspaceID: ws.ID, Title: "count me", ActorID: "tester"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	res, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if !strings.Contains(string(body), `agentline_events_published_total{type="`+events.TaskCreated+`"}`) {
		t.Fatalf("metrics missing publish counter:\n%s", body)
	}
}

func TestDelegateWithoutSpawnIsUnavailable(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Options{Workspace: t.TempDir(), Config: config.Default(), NoSpawn: true})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close(ctx)
	if a.Orchestrator != nil || a.Tools.Delegator != nil {
		t.Fatalf("orchestrator wired despite NoSpawn")
	}
}
