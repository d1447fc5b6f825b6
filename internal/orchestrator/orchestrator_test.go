package orchestrator

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/migrate"
	"agentline/internal/repo"
)

type fakeProcess struct {
	pid  int
	mu   sync.Mutex
	sent []string
	once sync.Once
	done chan struct{}
	err  error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, line)
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate() { p.exit(errors.New("signal: terminated")) }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.sent...)
}

type fakeSpawner struct {
	mu    sync.Mutex
	err   error
	reqs  []SpawnRequest
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	p := newFakeProcess(1000 + len(s.procs))
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type testEnv struct {
	Engine    engine.Engine
	Bus       *events.Bus
	Orch      *Orchestrator
	Spawner   *fakeSpawner
	Ctx       context.Context
	Workspace domain.Workspace
	Caller    domain.Agent
}

func newTestEnv(t *testing.T) testEnv {
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
	sp := &fakeSpawner{}
	orch := New(eng, bus, sp, Options{
		DefaultProvider: "fake",
		Providers:       map[string]config.Provider{"fake": {Command: "fake", Model: "m1"}},
		MCPURL:          "http://127.0.0.1:8787/mcp",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		orch.Close(ctx)
	})
	ctx := context.Background()
	ws, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{Title: "test", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	caller, err := eng.CreateAgent(ctx, engine.AgentCreateOptions{Name: "lead", Role: domain.RoleCoordinator, WorkspaceID: ws.ID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create caller: %v", err)
	}
	return testEnv{Engine: eng, Bus: bus, Orch: orch, Spawner: sp, Ctx: ctx, Workspace: ws, Caller: caller}
}

func (env testEnv) task(t *testing.T, title string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		WorkspaceID:        env.Workspace.ID,
		Title:              title,
		Objective:          "do " + title,
		AcceptanceCriteria: []string{"tests pass"},
		ActorID:            env.Caller.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) delegate(t *testing.T, taskID, waitMode string) DelegateResult {
	t.Helper()
	res, err := env.Orch.DelegateTaskWithSpawn(env.Ctx, DelegateRequest{
		TaskID:          taskID,
		CallerAgentID:   env.Caller.ID,
		CallerSessionID: "lead-session",
		Specialist:      "implementor",
		WaitMode:        waitMode,
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	return res
}

func (env testEnv) report(t *testing.T, agentID, taskID string) {
	t.Helper()
	_, err := env.Engine.ReportToParent(env.Ctx, engine.ReportOptions{AgentID: agentID, TaskID: taskID, Status: domain.TaskCompleted, Summary: "done"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDelegateTaskWithSpawnBindsSession(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Add login")
	res := env.delegate(t, task.ID, WaitNone)

	if res.PID != 1000 || res.SubscriptionID != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	agent, err := env.Engine.GetAgent(env.Ctx, res.AgentID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != domain.AgentActive || agent.Role != domain.RoleImplementor || agent.ParentID == nil || *agent.ParentID != env.Caller.ID {
		t.Fatalf("unexpected agent %+v", agent)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskInProgress || got.AssignedTo == nil || *got.AssignedTo != agent.ID || got.SessionID == nil || *got.SessionID != res.SessionID {
		t.Fatalf("unexpected task %+v", got)
	}
	sess, err := env.Engine.GetSession(env.Ctx, res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != domain.SessionRunning || !sess.FirstPromptSent || sess.PID == nil || *sess.PID != 1000 || sess.Model != "m1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if id, ok := env.Orch.GetSessionForAgent(env.Caller.ID); !ok || id != "lead-session" {
		t.Fatalf("caller route = %q %v", id, ok)
	}
	if id, ok := env.Orch.GetSessionForAgent(agent.ID); !ok || id != res.SessionID {
		t.Fatalf("agent route = %q %v", id, ok)
	}

	req := env.Spawner.reqs[0]
	if req.Env[EnvAgentID] != agent.ID || req.Env[EnvTaskID] != task.ID || req.Env[EnvSessionID] != res.SessionID ||
		req.Env[EnvParentAgentID] != env.Caller.ID || req.Env[EnvMCPURL] == "" {
		t.Fatalf("unexpected bootstrap env %+v", req.Env)
	}
	if !strings.Contains(req.Prompt, "Add login") || !strings.Contains(req.Prompt, "- tests pass") {
		t.Fatalf("prompt missing task details:\n%s", req.Prompt)
	}
	msgs, _ := env.Engine.ListMessages(env.Ctx, repo.MessageFilters{AgentID: agent.ID})
	if len(msgs) != 1 || msgs[0].Role != domain.MessageUser {
		t.Fatalf("expected one instruction message, got %+v", msgs)
	}
}

func TestImmediateWaitDeliversOnce(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "Fix bug")
	res := env.delegate(t, task.ID, "")
	if res.WaitMode != WaitImmediate || res.SubscriptionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	env.report(t, res.AgentID, task.ID)

	pending := env.Bus.Drain(env.Caller.ID)
	if len(pending) != 1 || pending[0].Type != events.TaskStatusChanged || pending[0].SourceAgentID != res.AgentID {
		t.Fatalf("expected one status event, got %+v", pending)
	}
	if subs := env.Bus.Subscriptions(env.Caller.ID); len(subs) != 0 {
		t.Fatalf("one-shot subscription still present: %+v", subs)
	}
}

func TestAfterAllWaitsForCohort(t *testing.T) {
	env := newTestEnv(t)
	t1 := env.task(t, "one")
	t2 := env.task(t, "two")
	r1 := env.delegate(t, t1.ID, WaitAfterAll)
	r2 := env.delegate(t, t2.ID, WaitAfterAll)
	want := "after_all:" + env.Caller.ID + ":lead-session"
	if r1.WaitGroupID != want || r2.WaitGroupID != want {
		t.Fatalf("unexpected group ids %q %q", r1.WaitGroupID, r2.WaitGroupID)
	}

	env.report(t, r1.AgentID, t1.ID)
	if n := env.Bus.Pending(env.Caller.ID); n != 0 {
		t.Fatalf("expected nothing before the cohort completes, got %d", n)
	}
	env.report(t, r2.AgentID, t2.ID)
	pending := env.Bus.Drain(env.Caller.ID)
	if len(pending) != 2 {
		t.Fatalf("expected both events at once, got %+v", pending)
	}
	if groups := env.Bus.ListWaitGroups(); len(groups) != 0 {
		t.Fatalf("expected group to be dropped, got %+v", groups)
	}
}

func TestSpawnFailureMarksAgentError(t *testing.T) {
	env := newTestEnv(t)
	env.Spawner.err = errors.New("no such binary")
	task := env.task(t, "broken")
	_, err := env.Orch.DelegateTaskWithSpawn(env.Ctx, DelegateRequest{TaskID: task.ID, CallerAgentID: env.Caller.ID, CallerSessionID: "s", Specialist: "verifier"})
	if !errors.Is(err, domain.ErrSpawnFailure) {
		t.Fatalf("expected spawn failure, got %v", err)
	}
	agents, _ := env.Engine.ListAgents(env.Ctx, repo.AgentFilters{WorkspaceID: env.Workspace.ID, Role: domain.RoleVerifier})
	if len(agents) != 1 || agents[0].Status != domain.AgentError {
		t.Fatalf("expected one ERROR verifier, got %+v", agents)
	}
	sessions, _ := env.Engine.ListSessions(env.Ctx, repo.SessionFilters{AgentID: agents[0].ID})
	if len(sessions) != 1 || sessions[0].Status != domain.SessionFailed {
		t.Fatalf("expected FAILED session, got %+v", sessions)
	}
	if subs := env.Bus.Subscriptions(env.Caller.ID); len(subs) != 0 {
		t.Fatalf("subscription left behind: %+v", subs)
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskPending || got.AssignedTo != nil {
		t.Fatalf("task should be untouched, got %+v", got)
	}
}

func TestDelegateValidation(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "x")
	if _, err := env.Orch.DelegateTaskWithSpawn(env.Ctx, DelegateRequest{TaskID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var verr domain.ValidationError
	if _, err := env.Orch.DelegateTaskWithSpawn(env.Ctx, DelegateRequest{TaskID: task.ID, WaitMode: "later"}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for wait mode, got %v", err)
	}
	if _, err := env.Orch.DelegateTaskWithSpawn(env.Ctx, DelegateRequest{TaskID: task.ID, Provider: "other"}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for provider, got %v", err)
	}
	if len(env.Spawner.reqs) != 0 {
		t.Fatalf("nothing should have been spawned")
	}
}

func TestProcessExitCompletesAgent(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "quick")
	res := env.delegate(t, task.ID, WaitImmediate)
	env.Spawner.proc(0).exit(nil)

	eventually(t, "session exit", func() bool {
		s, err := env.Engine.GetSession(env.Ctx, res.SessionID)
		return err == nil && s.Status == domain.SessionExited
	})
	eventually(t, "caller notification", func() bool { return env.Bus.Pending(env.Caller.ID) == 1 })
	if a, _ := env.Engine.GetAgent(env.Ctx, res.AgentID); a.Status != domain.AgentCompleted {
		t.Fatalf("expected COMPLETED agent, got %s", a.Status)
	}
	pending := env.Bus.Drain(env.Caller.ID)
	if len(pending) != 1 || pending[0].Type != events.AgentCompleted || pending[0].Payload["taskId"] != task.ID {
		t.Fatalf("expected AGENT_COMPLETED for the caller, got %+v", pending)
	}
}

func TestDeleteSessionTerminatesProcess(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "long")
	res := env.delegate(t, task.ID, WaitNone)

	if err := env.Orch.DeleteSession(env.Ctx, res.SessionID, env.Caller.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := env.Engine.GetSession(env.Ctx, res.SessionID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if _, ok := env.Orch.GetSessionForAgent(res.AgentID); ok {
		t.Fatalf("route should be removed")
	}
	eventually(t, "agent cancelled", func() bool {
		a, err := env.Engine.GetAgent(env.Ctx, res.AgentID)
		return err == nil && a.Status == domain.AgentCancelled
	})
	eventually(t, "process reaped", func() bool { return env.Orch.Running() == 0 })
}

func TestDeliveryReachesProcessStdin(t *testing.T) {
	env := newTestEnv(t)
	task := env.task(t, "chat")
	res := env.delegate(t, task.ID, WaitNone)
	if _, err := env.Bus.Subscribe(env.Ctx, events.SubscribeOptions{AgentID: res.AgentID, EventTypes: []string{events.MessageReceived}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := env.Orch.SendMessage(env.Ctx, env.Caller.ID, res.AgentID, "status?"); err != nil {
		t.Fatalf("send: %v", err)
	}
	lines := env.Spawner.proc(0).lines()
	var sawEvent, sawMessage bool
	for _, l := range lines {
		sawEvent = sawEvent || strings.Contains(l, `"type":"agent_event"`)
		sawMessage = sawMessage || strings.Contains(l, `"type":"message"`)
	}
	if !sawEvent || !sawMessage {
		t.Fatalf("expected event and message lines, got %v", lines)
	}
	msgs, _ := env.Engine.ListMessages(env.Ctx, repo.MessageFilters{AgentID: res.AgentID, Role: domain.MessageSystem})
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, events.MessageReceived) {
		t.Fatalf("expected one system delivery message, got %+v", msgs)
	}
}

func TestProcessSpawnerRunsCommand(t *testing.T) {
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	var (
		mu  sync.Mutex
		out []string
	)
	sp := ProcessSpawner{Providers: map[string]config.Provider{
		"sh": {Command: "/bin/sh", Args: []string{"-c", `read line; echo "got:$line"; echo "id:$AGENTLINE_AGENT_ID"; echo "model:$1"`, "sh", "{model}"}, Model: "small"},
	}}
	proc, err := sp.Spawn(context.Background(), SpawnRequest{
		Provider: "sh",
		Cwd:      t.TempDir(),
		Prompt:   "hello",
		Env:      map[string]string{EnvAgentID: "agent-7"},
		OnOutput: func(stream, line string) {
			mu.Lock()
			out = append(out, stream+" "+line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"stdout got:hello", "stdout id:agent-7", "stdout model:small"}
	if strings.Join(out, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected output %v", out)
	}
	if err := proc.Send("late"); err == nil {
		t.Fatalf("send after exit should fail")
	}
}

func TestSendNeverBlocksOnIdleStdin(t *testing.T) {
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	sp := ProcessSpawner{
		Providers: map[string]config.Provider{
			"deaf": {Command: "/bin/sh", Args: []string{"-c", "exec sleep 20", "sh", "{prompt}"}},
		},
		KillDelay: 500 * time.Millisecond,
	}
	proc, err := sp.Spawn(context.Background(), SpawnRequest{Provider: "deaf", Cwd: t.TempDir(), Prompt: "ignored"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		proc.Terminate()
		proc.Wait()
	}()

	line := strings.Repeat("x", 1024)
	done := make(chan int, 1)
	go func() {
		dropped := 0
		for i := 0; i < 500; i++ {
			if err := proc.Send(line); errors.Is(err, ErrOutboxFull) {
				dropped++
			}
		}
		done <- dropped
	}()
	select {
	case dropped := <-done:
		if dropped == 0 {
			t.Fatalf("expected lines to be dropped once the queue filled")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Send blocked on a process that never reads stdin")
	}
}

func TestProcessSpawnerUnknownProvider(t *testing.T) {
	_, err := ProcessSpawner{}.Spawn(context.Background(), SpawnRequest{Provider: "nope"})
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}
