// Package orchestrator spawns specialist agent processes for delegated tasks
// and tracks which session owns which agent.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/metrics"
	"agentline/internal/repo"
)

// Wait modes for a delegating caller.
const (
	WaitNone      = "none"
	WaitImmediate = "immediate"
	WaitAfterAll  = "after_all"
)

type DelegateRequest struct {
	TaskID                 string
	CallerAgentID          string
	CallerSessionID        string
	WorkspaceID            string
	Specialist             string
	Name                   string
	Provider               string
	Cwd                    string
	AdditionalInstructions string
	WaitMode               string
	WaitGroupID            string
	ModelTier              string
}

type DelegateResult struct {
	AgentID        string `json:"agentId"`
	SessionID      string `json:"sessionId"`
	TaskID         string `json:"taskId"`
	PID            int    `json:"pid,omitempty"`
	WaitMode       string `json:"waitMode"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	WaitGroupID    string `json:"waitGroupId,omitempty"`
}

type Options struct {
	DefaultProvider string
	DefaultCwd      string
	Providers       map[string]config.Provider
	// MCPURL is handed to spawned processes so they can call back.
	MCPURL  string
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

type running struct {
	agentID   string
	taskID    string
	sessionID string
	proc      Process
	// ready is closed once the delegation that started the process has
	// settled, so exit handling never races the RUNNING write.
	ready      chan struct{}
	terminated bool
	aborted    bool
}

// Orchestrator owns spawned processes and the agent to session routing table.
type Orchestrator struct {
	Engine  engine.Engine
	Bus     *events.Bus
	Spawner Spawner
	opts    Options

	mu     sync.Mutex
	routes map[string]string
	procs  map[string]*running

	base     context.Context
	stop     context.CancelFunc
	unlisten func()
	exits    sync.WaitGroup
}

func New(eng engine.Engine, bus *events.Bus, spawner Spawner, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		Engine:  eng,
		Bus:     bus,
		Spawner: spawner,
		opts:    opts,
		routes:  map[string]string{},
		procs:   map[string]*running{},
		base:    base,
		stop:    stop,
	}
	if bus != nil {
		o.unlisten = bus.Listen("", o.deliver)
	}
	return o
}

func (o *Orchestrator) logger() *slog.Logger { return o.opts.Logger }

// GetSessionForAgent resolves the session bound to an agent without touching
// the database.
func (o *Orchestrator) GetSessionForAgent(agentID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.routes[agentID]
	return id, ok
}

// BindSession records that sessionID owns agentID.
func (o *Orchestrator) BindSession(agentID, sessionID string) {
	if agentID == "" || sessionID == "" {
		return
	}
	o.mu.Lock()
	o.routes[agentID] = sessionID
	o.mu.Unlock()
}

// DelegateTaskWithSpawn reserves an agent and session for the task, spawns a
// process for it and binds the two. A spawn failure leaves the agent in
// ERROR and the session FAILED.
func (o *Orchestrator) DelegateTaskWithSpawn(ctx context.Context, req DelegateRequest) (DelegateResult, error) {
	waitMode := req.WaitMode
	if waitMode == "" {
		waitMode = WaitImmediate
	}
	switch waitMode {
	case WaitNone, WaitImmediate, WaitAfterAll:
	default:
		return DelegateResult{}, domain.Invalid("waitMode", "must be none, immediate or after_all")
	}
	role, err := roleForSpecialist(req.Specialist)
	if err != nil {
		return DelegateResult{}, err
	}
	task, err := o.Engine.GetTask(ctx, req.TaskID)
	if err != nil {
		return DelegateResult{}, err
	}
	if req.WorkspaceID != "" && req.WorkspaceID != task.WorkspaceID {
		return DelegateResult{}, domain.Invalid("workspaceId", "task "+task.ID+" belongs to workspace "+task.WorkspaceID)
	}
	if task.Status == domain.TaskCompleted || task.Status == domain.TaskCancelled {
		return DelegateResult{}, domain.Invalid("taskId", "task "+task.ID+" is "+task.Status)
	}
	provider := req.Provider
	if provider == "" {
		provider = o.opts.DefaultProvider
	}
	if provider == "" {
		return DelegateResult{}, domain.Invalid("provider", "no provider given and no default configured")
	}
	if len(o.opts.Providers) > 0 {
		if _, ok := o.opts.Providers[provider]; !ok {
			return DelegateResult{}, domain.Invalid("provider", "unknown provider "+provider)
		}
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = o.opts.DefaultCwd
	}
	var caller domain.Agent
	if req.CallerAgentID != "" {
		if caller, err = o.Engine.GetAgent(ctx, req.CallerAgentID); err != nil {
			return DelegateResult{}, err
		}
	}

	// Reserve the identity first so a failed spawn leaves an inspectable record.
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s-%s", strings.ToLower(role), shortID(task.ID))
	}
	agent, err := o.Engine.CreateAgent(ctx, engine.AgentCreateOptions{
		Name:        name,
		Role:        role,
		WorkspaceID: task.WorkspaceID,
		ParentID:    req.CallerAgentID,
		ModelTier:   req.ModelTier,
		Metadata:    map[string]any{"taskId": task.ID, "provider": provider},
		ActorID:     req.CallerAgentID,
	})
	if err != nil {
		return DelegateResult{}, err
	}
	cleanup := context.WithoutCancel(ctx)
	sess, err := o.Engine.CreateSession(ctx, engine.SessionCreateOptions{
		Name:        agent.Name,
		Cwd:         cwd,
		WorkspaceID: task.WorkspaceID,
		AgentID:     agent.ID,
		Provider:    provider,
		Role:        role,
		Model:       o.opts.Providers[provider].Model,
		ActorID:     req.CallerAgentID,
	})
	if err != nil {
		o.markAgentError(cleanup, agent.ID, task.ID, err)
		return DelegateResult{}, err
	}

	o.BindSession(req.CallerAgentID, req.CallerSessionID)

	res := DelegateResult{AgentID: agent.ID, SessionID: sess.ID, TaskID: task.ID, WaitMode: waitMode}
	if waitMode != WaitNone && req.CallerAgentID != "" {
		sub := events.SubscribeOptions{
			AgentID:    caller.ID,
			AgentName:  caller.Name,
			EventTypes: []string{events.TaskStatusChanged, events.AgentCompleted},
			OneShot:    true,
			Filter:     domain.SubscriptionFilter{SourceAgentID: agent.ID, TaskID: task.ID, TerminalOnly: true},
		}
		if waitMode == WaitAfterAll {
			sub.WaitGroupID = req.WaitGroupID
			if sub.WaitGroupID == "" {
				sub.WaitGroupID = fmt.Sprintf("after_all:%s:%s", req.CallerAgentID, req.CallerSessionID)
			}
			res.WaitGroupID = sub.WaitGroupID
		}
		if res.SubscriptionID, err = o.Bus.Subscribe(ctx, sub); err != nil {
			o.abort(cleanup, agent.ID, task.ID, sess.ID, "", err)
			return DelegateResult{}, err
		}
	}

	proc, err := o.Spawner.Spawn(o.base, SpawnRequest{
		Provider: provider,
		Model:    sess.Model,
		Cwd:      cwd,
		Prompt:   BuildPrompt(agent, task, req.AdditionalInstructions),
		Env:      bootstrapEnv(agent, task, sess.ID, o.opts.MCPURL),
		OnOutput: o.outputHandler(agent.ID, sess.ID),
	})
	o.opts.Metrics.Spawn(provider, err)
	if err != nil {
		o.logger().Warn("spawn failed", "agent", agent.ID, "provider", provider, "err", err)
		o.abort(cleanup, agent.ID, task.ID, sess.ID, res.SubscriptionID, err)
		return DelegateResult{}, fmt.Errorf("%w: %v", domain.ErrSpawnFailure, err)
	}
	r := &running{agentID: agent.ID, taskID: task.ID, sessionID: sess.ID, proc: proc, ready: make(chan struct{})}
	defer close(r.ready)
	o.mu.Lock()
	o.procs[sess.ID] = r
	o.routes[agent.ID] = sess.ID
	o.mu.Unlock()
	o.exits.Add(1)
	go o.watch(r)
	o.logger().Info("agent spawned", "agent", agent.ID, "session", sess.ID, "task", task.ID, "provider", provider, "pid", proc.PID())

	if _, err := o.Engine.Delegate(ctx, engine.DelegateOptions{
		AgentID:       agent.ID,
		TaskID:        task.ID,
		CallerAgentID: req.CallerAgentID,
		SessionID:     sess.ID,
		Instructions:  req.AdditionalInstructions,
	}); err != nil {
		o.mu.Lock()
		r.aborted = true
		o.mu.Unlock()
		proc.Terminate()
		o.abort(cleanup, agent.ID, task.ID, sess.ID, res.SubscriptionID, err)
		return DelegateResult{}, err
	}
	res.PID = proc.PID()
	sent := true
	if _, err := o.Engine.UpdateSession(ctx, sess.ID, repo.SessionUpdate{Status: domain.SessionRunning, PID: &res.PID, FirstPromptSent: &sent}, req.CallerAgentID); err != nil {
		o.logger().Warn("mark session running failed", "session", sess.ID, "err", err)
	}
	return res, nil
}

// abort undoes a reservation whose spawn or bind step failed.
func (o *Orchestrator) abort(ctx context.Context, agentID, taskID, sessionID, subscriptionID string, cause error) {
	if subscriptionID != "" {
		o.Bus.Unsubscribe(ctx, subscriptionID)
	}
	if _, err := o.Engine.UpdateSession(ctx, sessionID, repo.SessionUpdate{Status: domain.SessionFailed}, agentID); err != nil {
		o.logger().Warn("mark session failed", "session", sessionID, "err", err)
	}
	o.markAgentError(ctx, agentID, taskID, cause)
}

func (o *Orchestrator) markAgentError(ctx context.Context, agentID, taskID string, cause error) {
	_, err := o.Engine.UpdateAgentStatus(ctx, engine.AgentStatusUpdate{
		AgentID: agentID,
		Status:  domain.AgentError,
		ActorID: agentID,
		Payload: map[string]any{"taskId": taskID, "error": cause.Error()},
	})
	if err != nil {
		o.logger().Warn("mark agent error failed", "agent", agentID, "err", err)
	}
}

// watch settles session and agent state once a process exits.
func (o *Orchestrator) watch(r *running) {
	defer o.exits.Done()
	exitErr := r.proc.Wait()
	<-r.ready
	o.mu.Lock()
	delete(o.procs, r.sessionID)
	terminated, aborted := r.terminated, r.aborted
	o.mu.Unlock()
	if aborted {
		return
	}
	ctx := context.Background()
	o.logger().Info("agent process exited", "agent", r.agentID, "session", r.sessionID, "err", exitErr)

	sessionStatus, agentStatus := domain.SessionExited, domain.AgentCompleted
	switch {
	case terminated:
		agentStatus = domain.AgentCancelled
	case exitErr != nil:
		sessionStatus, agentStatus = domain.SessionFailed, domain.AgentError
	}
	if !terminated {
		if _, err := o.Engine.UpdateSession(ctx, r.sessionID, repo.SessionUpdate{Status: sessionStatus}, r.agentID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			o.logger().Warn("record process exit failed", "session", r.sessionID, "err", err)
		}
	}
	a, err := o.Engine.GetAgent(ctx, r.agentID)
	if err != nil || a.Status != domain.AgentActive {
		return
	}
	payload := map[string]any{"taskId": r.taskID, "sessionId": r.sessionID}
	if exitErr != nil {
		payload["error"] = exitErr.Error()
	}
	if _, err := o.Engine.UpdateAgentStatus(ctx, engine.AgentStatusUpdate{AgentID: a.ID, Status: agentStatus, ActorID: a.ID, Payload: payload}); err != nil {
		o.logger().Warn("record agent exit failed", "agent", a.ID, "err", err)
	}
}

func (o *Orchestrator) outputHandler(agentID, sessionID string) func(stream, line string) {
	return func(stream, line string) {
		opts := engine.MessageOptions{AgentID: agentID, SessionID: sessionID, Role: domain.MessageAssistant, Content: line}
		if stream == StreamStderr {
			opts.Role = domain.MessageSystem
			opts.Content = "stderr: " + line
		}
		if _, err := o.Engine.AppendMessage(context.Background(), opts); err != nil {
			o.logger().Debug("append process output failed", "agent", agentID, "err", err)
		}
	}
}

// deliver mirrors a pending event into the subscriber's bound session and,
// when that session has a live process, onto its stdin.
func (o *Orchestrator) deliver(pe domain.PendingEvent) {
	sessionID, ok := o.GetSessionForAgent(pe.AgentID)
	if !ok {
		return
	}
	body, err := json.Marshal(map[string]any{"type": "agent_event", "event": pe})
	if err != nil {
		return
	}
	_, err = o.Engine.AppendMessage(context.Background(), engine.MessageOptions{
		AgentID:   pe.AgentID,
		SessionID: sessionID,
		Role:      domain.MessageSystem,
		Content:   fmt.Sprintf("Event %s from %s: %s", pe.Type, pe.SourceAgentID, body),
	})
	if err != nil {
		// The subscriber may have been deleted since it subscribed.
		o.logger().Debug("deliver event: append failed", "agent", pe.AgentID, "err", err)
		return
	}
	o.send(sessionID, string(body))
}

func (o *Orchestrator) send(sessionID, line string) {
	o.mu.Lock()
	r := o.procs[sessionID]
	o.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.proc.Send(line); err != nil {
		if errors.Is(err, ErrOutboxFull) {
			o.logger().Warn("process is not reading stdin; line dropped", "session", sessionID)
			return
		}
		o.logger().Debug("write to process failed", "session", sessionID, "err", err)
	}
}

// SendMessage appends the message to the target's conversation and forwards
// it to the target's process when one is running.
func (o *Orchestrator) SendMessage(ctx context.Context, fromAgentID, toAgentID, content string) (domain.Message, error) {
	m, err := o.Engine.SendMessage(ctx, fromAgentID, toAgentID, content)
	if err != nil {
		return domain.Message{}, err
	}
	if sessionID, ok := o.GetSessionForAgent(toAgentID); ok {
		body, _ := json.Marshal(map[string]any{"type": "message", "message": m})
		o.send(sessionID, string(body))
	}
	return m, nil
}

// DeleteSession terminates the session's process if any, marks the session
// TERMINATED and removes it with its routing entries.
func (o *Orchestrator) DeleteSession(ctx context.Context, id, actorID string) error {
	s, err := o.Engine.GetSession(ctx, id)
	if err != nil {
		return err
	}
	o.mu.Lock()
	r := o.procs[id]
	if r != nil {
		r.terminated = true
	}
	for agentID, sessionID := range o.routes {
		if sessionID == id {
			delete(o.routes, agentID)
		}
	}
	o.mu.Unlock()
	if r != nil {
		r.proc.Terminate()
	}
	switch s.Status {
	case domain.SessionExited, domain.SessionFailed, domain.SessionTerminated:
	default:
		if _, err := o.Engine.UpdateSession(ctx, id, repo.SessionUpdate{Status: domain.SessionTerminated}, actorID); err != nil {
			return err
		}
	}
	return o.Engine.DeleteSession(ctx, id, actorID)
}

// Running reports the number of live processes.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.procs)
}

// Close terminates every live process and waits for their exit handling,
// bounded by ctx.
func (o *Orchestrator) Close(ctx context.Context) error {
	if o.unlisten != nil {
		o.unlisten()
	}
	o.mu.Lock()
	for _, r := range o.procs {
		r.terminated = true
		r.proc.Terminate()
	}
	o.mu.Unlock()
	o.stop()
	done := make(chan struct{})
	go func() {
		o.exits.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
