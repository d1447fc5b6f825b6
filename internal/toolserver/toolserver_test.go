package toolserver

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/orchestrator"
	"agentline/internal/repo"
)

type testEnv struct {
	Srv       *Server
	Ctx       context.Context
	Workspace domain.Workspace
	Lead      domain.Agent
}

func newTestEnv(t *testing.T, mode string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	bus := events.NewBus(repo.SubscriptionStore{Repo: repo.Repo{DB: conn}}, nil)
	eng := engine.New(conn, bus)
	ctx := context.Background()
	ws, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{Title: "test", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	lead, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{Name: "lead", Role: domain.RoleCoordinator, WorkspaceID: ws.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	srv := &Server{Engine: eng, Bus: bus, Mode: mode, Version: "test"}
	return testEnv{Srv: srv, Ctx: ctx, Workspace: ws, Lead: lead}
}

func (env testEnv) instance(t *testing.T, caller Caller) *Instance {
	t.Helper()
	inst := env.Srv.NewInstance(caller, "test")
	t.Cleanup(inst.Close)
	return inst
}

func call(t *testing.T, inst *Instance, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	if args != nil {
		req.Params.Arguments = args
	}
	res, err := inst.CallTool(context.Background(), req)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatalf("empty result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content %T", res.Content[0])
	}
	return text.Text
}

func decodeOK(t *testing.T, res *mcp.CallToolResult, out any) {
	t.Helper()
	if res.IsError {
		t.Fatalf("unexpected tool error: %s", resultText(t, res))
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func errorOf(t *testing.T, res *mcp.CallToolResult) toolError {
	t.Helper()
	if !res.IsError {
		t.Fatalf("expected tool error, got %s", resultText(t, res))
	}
	var env struct {
		Error toolError `json:"error"`
	}
	if err := json.Unmarshal([]byte(resultText(t, res)), &env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env.Error
}

func TestCatalogModes(t *testing.T) {
	env := newTestEnv(t, config.ToolModeEssential)
	essential := env.Srv.Tools()
	want := []string{"list_agents", "read_agent_conversation", "create_agent", "delegate_task",
		"delegate_task_to_agent", "send_message_to_agent", "report_to_parent"}
	if strings.Join(essential, ",") != strings.Join(want, ",") {
		t.Fatalf("essential tools = %v", essential)
	}
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})
	if e := errorOf(t, call(t, inst, "create_task", map[string]any{"title": "x"})); e.Code != CodeNotFound {
		t.Fatalf("full-only tool in essential mode: %+v", e)
	}

	env.Srv.Mode = config.ToolModeFull
	full := env.Srv.Tools()
	if len(full) != 31 {
		t.Fatalf("full mode has %d tools", len(full))
	}
	seen := map[string]bool{}
	for _, name := range full {
		if seen[name] {
			t.Fatalf("duplicate tool %s", name)
		}
		seen[name] = true
	}
	if len(inst.MCP().ListTools()) != 7 {
		t.Fatalf("instance built in essential mode should keep 7 tools")
	}
}

func TestWaitGroupIDIsDocumented(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})
	tool := inst.MCP().GetTool("delegate_task_to_agent")
	if tool == nil {
		t.Fatalf("delegate_task_to_agent not registered")
	}
	var schema struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(tool.Tool.RawInputSchema, &schema); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	desc := schema.Properties["waitGroupId"].Description
	if !strings.Contains(desc, "one shared id for the whole batch") || !strings.Contains(desc, "after_all:<caller>:<session>") {
		t.Fatalf("waitGroupId description %q", desc)
	}
}

func TestArgumentValidation(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})

	cases := []struct {
		tool  string
		args  map[string]any
		field string
	}{
		{"create_task", map[string]any{"objective": "no title"}, "title"},
		{"create_task", map[string]any{"title": "t", "colour": "red"}, "colour"},
		{"create_task", map[string]any{"title": ""}, "title"},
		{"create_task", map[string]any{"title": "t", "acceptanceCriteria": "not a list"}, "acceptanceCriteria"},
		{"create_task", map[string]any{"title": "t", "dependencies": []any{"a", 3.0}}, "dependencies[1]"},
		{"list_tasks", map[string]any{"limit": "ten"}, "limit"},
		{"list_tasks", map[string]any{"limit": 1.5}, "limit"},
		{"list_tasks", map[string]any{"limit": 0.0}, "limit"},
		{"update_task_status", map[string]any{"taskId": "T1", "status": "DONE"}, "status"},
		{"subscribe_to_events", map[string]any{"eventTypes": []any{"TASK_CREATED"}, "oneShot": "yes"}, "oneShot"},
	}
	for _, tc := range cases {
		e := errorOf(t, call(t, inst, tc.tool, tc.args))
		if e.Code != CodeValidation {
			t.Fatalf("%s %v: code %s (%s)", tc.tool, tc.args, e.Code, e.Message)
		}
		if !strings.Contains(e.Message, tc.field) {
			t.Fatalf("%s %v: message %q does not name %s", tc.tool, tc.args, e.Message, tc.field)
		}
	}

	// integral floats are how JSON numbers arrive
	res := call(t, inst, "list_tasks", map[string]any{"limit": 5.0})
	var list taskList
	decodeOK(t, res, &list)
}

func TestVersionedUpdateThroughTools(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})

	var task domain.Task
	decodeOK(t, call(t, inst, "create_task", map[string]any{"title": "Fix bug", "objective": "make it pass"}), &task)
	if task.Version != 1 || task.WorkspaceID != env.Workspace.ID {
		t.Fatalf("unexpected task %+v", task)
	}
	decodeOK(t, call(t, inst, "update_task_status", map[string]any{"taskId": task.ID, "status": "IN_PROGRESS", "agentId": "A1"}), &task)
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status = %s", task.Status)
	}

	update := map[string]any{"taskId": task.ID, "expectedVersion": 1.0, "completionSummary": "done", "status": "COMPLETED"}
	decodeOK(t, call(t, inst, "update_task", update), &task)
	if task.Version != 2 || task.Status != domain.TaskCompleted {
		t.Fatalf("after update %+v", task)
	}

	e := errorOf(t, call(t, inst, "update_task", update))
	if e.Code != CodeVersionConflict {
		t.Fatalf("retry code = %s", e.Code)
	}
	if e.Details["currentVersion"] != 2.0 || e.Details["expectedVersion"] != 1.0 {
		t.Fatalf("conflict details %+v", e.Details)
	}

	if e := errorOf(t, call(t, inst, "get_task", map[string]any{"taskId": "missing"})); e.Code != CodeNotFound {
		t.Fatalf("missing task code = %s", e.Code)
	}
}

func TestOneShotSubscriptionThroughTools(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})

	var a2 domain.Agent
	decodeOK(t, call(t, inst, "create_agent", map[string]any{"name": "watcher", "role": "VERIFIER"}), &a2)
	if a2.ParentID == nil || *a2.ParentID != env.Lead.ID {
		t.Fatalf("parent should default to caller: %+v", a2)
	}
	var sub subscribed
	decodeOK(t, call(t, inst, "subscribe_to_events", map[string]any{
		"agentId": a2.ID, "eventTypes": []any{"TASK_STATUS_CHANGED"}, "oneShot": true,
	}), &sub)

	var task domain.Task
	decodeOK(t, call(t, inst, "create_task", map[string]any{"title": "T1"}), &task)
	decodeOK(t, call(t, inst, "update_task_status", map[string]any{"taskId": task.ID, "status": "IN_PROGRESS", "agentId": "A1"}), &task)

	var subs subscriptionList
	decodeOK(t, call(t, inst, "list_subscriptions", map[string]any{"agentId": a2.ID}), &subs)
	if len(subs.Subscriptions) != 0 {
		t.Fatalf("one-shot subscription should be gone: %+v", subs)
	}
	decodeOK(t, call(t, inst, "update_task_status", map[string]any{"taskId": task.ID, "status": "COMPLETED", "agentId": "A1"}), &task)

	var pending pendingList
	decodeOK(t, call(t, inst, "get_pending_events", map[string]any{"agentId": a2.ID, "peek": true}), &pending)
	if len(pending.Events) != 1 || pending.Events[0].Type != events.TaskStatusChanged {
		t.Fatalf("pending = %+v", pending.Events)
	}
	decodeOK(t, call(t, inst, "get_pending_events", map[string]any{"agentId": a2.ID}), &pending)
	if len(pending.Events) != 1 {
		t.Fatalf("drain returned %d events", len(pending.Events))
	}
	if env.Srv.Bus.Pending(a2.ID) != 0 {
		t.Fatalf("drain should clear the queue")
	}

	var gone unsubscribed
	decodeOK(t, call(t, inst, "unsubscribe_from_events", map[string]any{"subscriptionId": sub.SubscriptionID}), &gone)
	if gone.Removed || gone.SubscriptionID != sub.SubscriptionID {
		t.Fatalf("unsubscribing a consumed one-shot: %+v", gone)
	}
	decodeOK(t, call(t, inst, "unsubscribe_from_events", map[string]any{"subscriptionId": "never-existed"}), &gone)
	if gone.Removed {
		t.Fatalf("unknown subscription reported as removed")
	}
}

func TestToolCallsAreCounted(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})
	call(t, inst, "list_agents", nil)
	call(t, inst, "list_agents", nil)
	errorOf(t, call(t, inst, "get_task", map[string]any{"taskId": "missing"}))

	var summary engine.AgentSummary
	decodeOK(t, call(t, inst, "get_agent_summary", nil), &summary)
	if summary.ToolCallCounts["list_agents"] != 2 || summary.ToolCallCounts["get_task"] != 1 {
		t.Fatalf("counts = %+v", summary.ToolCallCounts)
	}
}

func TestIdentityDefaults(t *testing.T) {
	env := newTestEnv(t, config.ToolModeFull)
	anon := env.instance(t, Caller{})
	if e := errorOf(t, call(t, anon, "list_agents", nil)); e.Code != CodeValidation {
		t.Fatalf("anonymous list_agents code = %s", e.Code)
	}
	var agents agentList
	decodeOK(t, call(t, anon, "list_agents", map[string]any{"workspaceId": env.Workspace.ID}), &agents)
	if len(agents.Agents) != 1 {
		t.Fatalf("agents = %+v", agents)
	}

	inst := env.instance(t, Caller{AgentID: env.Lead.ID, SessionID: "s-1"})
	var me identity
	decodeOK(t, call(t, inst, "whoami", nil), &me)
	if me.Agent == nil || me.Agent.ID != env.Lead.ID || me.Caller.SessionID != "s-1" || len(me.Tools) != 31 {
		t.Fatalf("whoami = %+v", me)
	}
}

func TestDelegateToAgentWithoutOrchestrator(t *testing.T) {
	env := newTestEnv(t, config.ToolModeEssential)
	inst := env.instance(t, Caller{AgentID: env.Lead.ID})
	e := errorOf(t, call(t, inst, "delegate_task_to_agent", map[string]any{"taskId": "T1"}))
	if e.Code != CodeOrchestratorUnavailable || e.Hint == "" {
		t.Fatalf("error = %+v", e)
	}
}

type fakeDelegator struct {
	mu    sync.Mutex
	reqs  []orchestrator.DelegateRequest
	bound map[string]string
	sent  []string
	eng   engine.Engine
}

func (d *fakeDelegator) DelegateTaskWithSpawn(_ context.Context, req orchestrator.DelegateRequest) (orchestrator.DelegateResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if req.TaskID == "boom" {
		return orchestrator.DelegateResult{}, domain.ErrSpawnFailure
	}
	return orchestrator.DelegateResult{AgentID: "new-agent", SessionID: "new-session", TaskID: req.TaskID, WaitMode: req.WaitMode}, nil
}

func (d *fakeDelegator) SendMessage(ctx context.Context, from, to, content string) (domain.Message, error) {
	d.mu.Lock()
	d.sent = append(d.sent, to)
	d.mu.Unlock()
	return d.eng.SendMessage(ctx, from, to, content)
}

func (d *fakeDelegator) BindSession(agentID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound == nil {
		d.bound = map[string]string{}
	}
	d.bound[agentID] = sessionID
}

func TestDelegateToAgentUsesConnectionIdentity(t *testing.T) {
	env := newTestEnv(t, config.ToolModeEssential)
	d := &fakeDelegator{eng: env.Srv.Engine}
	env.Srv.Delegator = d
	inst := env.instance(t, Caller{AgentID: env.Lead.ID, SessionID: "lead-session", WorkspaceID: env.Workspace.ID})
	if d.bound[env.Lead.ID] != "lead-session" {
		t.Fatalf("session not bound: %+v", d.bound)
	}

	var res orchestrator.DelegateResult
	decodeOK(t, call(t, inst, "delegate_task_to_agent", map[string]any{"taskId": "T1", "waitMode": "after_all", "specialist": "verifier"}), &res)
	if res.AgentID != "new-agent" || res.WaitMode != "after_all" {
		t.Fatalf("result = %+v", res)
	}
	req := d.reqs[0]
	if req.CallerAgentID != env.Lead.ID || req.CallerSessionID != "lead-session" || req.WorkspaceID != env.Workspace.ID || req.Specialist != "verifier" {
		t.Fatalf("request = %+v", req)
	}

	if e := errorOf(t, call(t, inst, "delegate_task_to_agent", map[string]any{"taskId": "T1", "waitMode": "later"})); e.Code != CodeValidation {
		t.Fatalf("bad wait mode code = %s", e.Code)
	}
	if e := errorOf(t, call(t, inst, "delegate_task_to_agent", map[string]any{"taskId": "boom"})); e.Code != CodeSpawnFailure {
		t.Fatalf("spawn failure code = %s", e.Code)
	}

	worker, err := env.Srv.Engine.CreateAgent(env.Ctx, engine.AgentCreateOptions{Name: "w", Role: domain.RoleImplementor, WorkspaceID: env.Workspace.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	var msg domain.Message
	decodeOK(t, call(t, inst, "send_message_to_agent", map[string]any{"agentId": worker.ID, "message": "status?"}), &msg)
	if len(d.sent) != 1 || d.sent[0] != worker.ID || !strings.Contains(msg.Content, "status?") {
		t.Fatalf("message not routed through delegator: %+v %+v", d.sent, msg)
	}
}

func TestReportToParentThroughTools(t *testing.T) {
	env := newTestEnv(t, config.ToolModeEssential)
	lead := env.instance(t, Caller{AgentID: env.Lead.ID})

	var worker domain.Agent
	decodeOK(t, call(t, lead, "create_agent", map[string]any{"name": "impl", "role": "IMPLEMENTOR"}), &worker)
	task, err := env.Srv.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{WorkspaceID: env.Workspace.ID, Title: "T", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	decodeOK(t, call(t, lead, "delegate_task", map[string]any{"agentId": worker.ID, "taskId": task.ID}), &task)
	if task.Status != domain.TaskInProgress || task.AssignedTo == nil || *task.AssignedTo != worker.ID {
		t.Fatalf("delegated task %+v", task)
	}

	var conv conversation
	decodeOK(t, call(t, lead, "read_agent_conversation", map[string]any{"agentId": worker.ID}), &conv)
	if len(conv.Messages) == 0 || !strings.Contains(conv.Messages[0].Content, "T") {
		t.Fatalf("worker conversation %+v", conv)
	}

	workerInst := env.instance(t, Caller{AgentID: worker.ID})
	var rep engine.ReportResult
	decodeOK(t, call(t, workerInst, "report_to_parent", map[string]any{"taskId": task.ID, "status": "COMPLETED", "summary": "done"}), &rep)
	if rep.Task.Status != domain.TaskCompleted || rep.ParentID != env.Lead.ID {
		t.Fatalf("report = %+v", rep)
	}
}
