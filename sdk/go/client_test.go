package agentlinesdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/migrate"
	"agentline/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := server.New(server.Config{
		Engine:   engine.New(conn, nil),
		BasePath: "/v1",
		Version:  "test",
		Auth:     server.AuthConfig{AllowAgentHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		conn.Close()
	})
	return New(ts.URL + "/v1")
}

func TestClientTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	c.AgentID = "agent-sdk"

	who, err := c.WhoAmI(ctx)
	if err != nil {
		t.Fatalf("whoami: %v", err)
	}
	if who != "agent-sdk" {
		t.Fatalf("expected agent-sdk, got %q", who)
	}

	ws, err := c.CreateWorkspace(ctx, "sdk")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	task, err := c.CreateTask(ctx, TaskInput{WorkspaceID: ws.ID, Title: "write client", Objective: "exercise the API"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Version != 1 || task.Status != "PENDING" {
		t.Fatalf("unexpected new task: %+v", task)
	}

	updated, err := c.UpdateTask(ctx, task.ID, 1, map[string]any{"status": "IN_PROGRESS"})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	_, err = c.UpdateTask(ctx, task.ID, 1, map[string]any{"title": "stale"})
	if !IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", apiErr.StatusCode)
	}

	got, err := c.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Title != "write client" {
		t.Fatalf("stale write leaked: %q", got.Title)
	}

	tasks, err := c.ListTasks(ctx, ws.ID, "IN_PROGRESS")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("unexpected list: %+v", tasks)
	}

	evts, err := c.Events(ctx, ws.ID, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 {
		t.Fatalf("expected audit events")
	}
}

func TestClientDelegateUnavailable(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	ws, err := c.CreateWorkspace(ctx, "sdk")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	task, err := c.CreateTask(ctx, TaskInput{WorkspaceID: ws.ID, Title: "needs a worker"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	_, err = c.Delegate(ctx, task.ID, DelegateInput{})
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusServiceUnavailable || apiErr.Code != "orchestrator_unavailable" {
		t.Fatalf("expected orchestrator_unavailable, got %v", err)
	}
}
