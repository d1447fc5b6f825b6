package engine

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

type AgentCreateOptions struct {
	ID          string
	Name        string
	Role        string
	WorkspaceID string
	ParentID    string
	ModelTier   string
	Metadata    map[string]any
	ActorID     string
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Agent{}, domain.Invalid("name", "is required")
	}
	if !domain.ValidRole(opts.Role) {
		return domain.Agent{}, domain.Invalid("role", "unknown role "+opts.Role)
	}
	if opts.ModelTier == "" {
		opts.ModelTier = domain.TierBalanced
	}
	if !domain.ValidModelTier(opts.ModelTier) {
		return domain.Agent{}, domain.Invalid("modelTier", "unknown model tier "+opts.ModelTier)
	}
	if opts.WorkspaceID == "" {
		return domain.Agent{}, domain.Invalid("workspaceId", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	a := domain.Agent{
		ID:          id,
		Name:        opts.Name,
		Role:        opts.Role,
		ModelTier:   opts.ModelTier,
		WorkspaceID: opts.WorkspaceID,
		ParentID:    optionalString(opts.ParentID),
		Status:      domain.AgentPending,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkspaceTx(ctx, tx, opts.WorkspaceID); err != nil {
		return domain.Agent{}, notFound("workspace", opts.WorkspaceID, err)
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	e.audit(ctx, tx, "agent.create", a.WorkspaceID, "agent", a.ID, opts.ActorID, events.EventPayload{"name": a.Name, "role": a.Role})
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.publish(ctx, events.AgentCreated, opts.ActorID, a.WorkspaceID, map[string]any{
		"agentId":  a.ID,
		"name":     a.Name,
		"role":     a.Role,
		"parentId": opts.ParentID,
	})
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	a, err := e.Repo.GetAgent(ctx, id)
	return a, notFound("agent", id, err)
}

func (e Engine) ListAgents(ctx context.Context, f repo.AgentFilters) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, f)
}

type AgentStatus struct {
	AgentID       string   `json:"agentId"`
	Status        string   `json:"status"`
	Role          string   `json:"role"`
	ActiveTaskIDs []string `json:"activeTaskIds"`
}

func (e Engine) GetStatus(ctx context.Context, agentID string) (AgentStatus, error) {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	active, err := e.Repo.ActiveTaskIDs(ctx, agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	return AgentStatus{AgentID: a.ID, Status: a.Status, Role: a.Role, ActiveTaskIDs: active}, nil
}

type AgentSummary struct {
	AgentID        string         `json:"agentId"`
	Name           string         `json:"name"`
	Role           string         `json:"role"`
	Status         string         `json:"status"`
	LastResponse   *string        `json:"lastResponse,omitempty"`
	ToolCallCounts map[string]int `json:"toolCallCounts"`
	TotalToolCalls int            `json:"totalToolCalls"`
	ActiveTaskIDs  []string       `json:"activeTaskIds"`
}

// GetSummary derives a read-only digest of an agent's activity.
func (e Engine) GetSummary(ctx context.Context, agentID string) (AgentSummary, error) {
	a, err := e.GetAgent(ctx, agentID)
	if err != nil {
		return AgentSummary{}, err
	}
	s := AgentSummary{AgentID: a.ID, Name: a.Name, Role: a.Role, Status: a.Status}
	last, err := e.Repo.ListMessages(ctx, repo.MessageFilters{AgentID: agentID, Role: domain.MessageAssistant, Limit: 1})
	if err != nil {
		return AgentSummary{}, err
	}
	if len(last) > 0 {
		s.LastResponse = &last[0].Content
	}
	if s.ToolCallCounts, err = e.Repo.ToolCallCounts(ctx, agentID); err != nil {
		return AgentSummary{}, err
	}
	for _, n := range s.ToolCallCounts {
		s.TotalToolCalls += n
	}
	if s.ActiveTaskIDs, err = e.Repo.ActiveTaskIDs(ctx, agentID); err != nil {
		return AgentSummary{}, err
	}
	return s, nil
}

type AgentStatusUpdate struct {
	AgentID string
	Status  string
	ActorID string
	// Payload is merged into the published completion or error event.
	Payload map[string]any
}

// UpdateAgentStatus publishes AGENT_STATUS_CHANGED, plus AGENT_COMPLETED or
// AGENT_ERROR for those statuses.
func (e Engine) UpdateAgentStatus(ctx context.Context, u AgentStatusUpdate) (domain.Agent, error) {
	if !domain.ValidAgentStatus(u.Status) {
		return domain.Agent{}, domain.Invalid("status", "unknown agent status "+u.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetAgentTx(ctx, tx, u.AgentID)
	if err != nil {
		return domain.Agent{}, notFound("agent", u.AgentID, err)
	}
	now := e.stamp()
	if err := e.Repo.UpdateAgentStatus(ctx, tx, u.AgentID, u.Status, now); err != nil {
		return domain.Agent{}, err
	}
	e.audit(ctx, tx, "agent.status", prev.WorkspaceID, "agent", prev.ID, u.ActorID, events.EventPayload{"from": prev.Status, "to": u.Status})
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	a := prev
	a.Status = u.Status
	a.UpdatedAt = now
	e.publishAgentStatus(ctx, a, prev.Status, u.Payload)
	return a, nil
}

func (e Engine) publishAgentStatus(ctx context.Context, a domain.Agent, previous string, extra map[string]any) {
	payload := map[string]any{
		"agentId":        a.ID,
		"name":           a.Name,
		"status":         a.Status,
		"previousStatus": previous,
	}
	e.publish(ctx, events.AgentStatusChanged, a.ID, a.WorkspaceID, payload)
	var evtType string
	switch a.Status {
	case domain.AgentCompleted:
		evtType = events.AgentCompleted
	case domain.AgentError:
		evtType = events.AgentError
	default:
		return
	}
	out := maps.Clone(payload)
	maps.Copy(out, extra)
	if a.ParentID != nil {
		out["parentId"] = *a.ParentID
	}
	e.publish(ctx, evtType, a.ID, a.WorkspaceID, out)
}

func (e Engine) DeleteAgent(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgentTx(ctx, tx, id)
	if err != nil {
		return notFound("agent", id, err)
	}
	if err := e.Repo.DeleteAgent(ctx, tx, id); err != nil {
		return err
	}
	e.audit(ctx, tx, "agent.delete", a.WorkspaceID, "agent", id, actorID, nil)
	return tx.Commit()
}

type DelegateOptions struct {
	AgentID       string
	TaskID        string
	CallerAgentID string
	// SessionID, when set, is recorded on the task.
	SessionID    string
	Instructions string
}

// Delegate assigns the task to the agent, moves the task to IN_PROGRESS and
// the agent to ACTIVE, and appends the task instruction to the agent's
// conversation.
func (e Engine) Delegate(ctx context.Context, opts DelegateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgentTx(ctx, tx, opts.AgentID)
	if err != nil {
		return domain.Task{}, notFound("agent", opts.AgentID, err)
	}
	prev, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return domain.Task{}, notFound("task", opts.TaskID, err)
	}
	if err := ensureTaskTransition(prev.Status, domain.TaskInProgress); err != nil {
		return domain.Task{}, err
	}
	status := domain.TaskInProgress
	patch := domain.TaskPatch{AssignedTo: &agent.ID, Status: &status}
	if opts.SessionID != "" {
		patch.SessionID = &opts.SessionID
	}
	now := e.stamp()
	if err := e.Repo.UpdateTaskFields(ctx, tx, prev.ID, nil, patch, now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.UpdateAgentStatus(ctx, tx, agent.ID, domain.AgentActive, now); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, prev.ID)
	if err != nil {
		return domain.Task{}, err
	}
	msg := domain.Message{
		SessionID: optionalString(opts.SessionID),
		AgentID:   agent.ID,
		Role:      domain.MessageUser,
		Content:   TaskInstruction(t, opts.Instructions),
		CreatedAt: now,
	}
	if _, err := e.Repo.InsertMessage(ctx, tx, agent.WorkspaceID, msg); err != nil {
		return domain.Task{}, fmt.Errorf("append instruction: %w", err)
	}
	e.audit(ctx, tx, "task.delegate", t.WorkspaceID, "task", t.ID, opts.CallerAgentID, events.EventPayload{"agentId": agent.ID, "sessionId": opts.SessionID})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(ctx, events.TaskDelegated, opts.CallerAgentID, t.WorkspaceID, map[string]any{
		"taskId":        t.ID,
		"agentId":       agent.ID,
		"callerAgentId": opts.CallerAgentID,
		"sessionId":     opts.SessionID,
	})
	if prev.Status != t.Status {
		e.publishStatus(ctx, t, prev.Status, opts.CallerAgentID)
	}
	if agent.Status != domain.AgentActive {
		prevStatus := agent.Status
		agent.Status = domain.AgentActive
		e.publishAgentStatus(ctx, agent, prevStatus, nil)
	}
	return t, nil
}

type MessageOptions struct {
	AgentID   string
	SessionID string
	Role      string
	Content   string
}

func validMessageRole(role string) bool {
	switch role {
	case domain.MessageUser, domain.MessageAssistant, domain.MessageSystem, domain.MessageTool:
		return true
	}
	return false
}

// AppendMessage adds one entry to an agent's conversation history.
func (e Engine) AppendMessage(ctx context.Context, opts MessageOptions) (domain.Message, error) {
	if !validMessageRole(opts.Role) {
		return domain.Message{}, domain.Invalid("role", "unknown message role "+opts.Role)
	}
	a, err := e.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		SessionID: optionalString(opts.SessionID),
		AgentID:   a.ID,
		Role:      opts.Role,
		Content:   opts.Content,
		CreatedAt: e.stamp(),
	}
	id, err := e.Repo.InsertMessage(ctx, nil, a.WorkspaceID, m)
	if err != nil {
		return domain.Message{}, err
	}
	m.ID = id
	return m, nil
}

func (e Engine) ListMessages(ctx context.Context, f repo.MessageFilters) ([]domain.Message, error) {
	if f.AgentID != "" {
		if _, err := e.GetAgent(ctx, f.AgentID); err != nil {
			return nil, err
		}
	}
	return e.Repo.ListMessages(ctx, f)
}

// SendMessage appends a user message to the target agent's conversation and
// publishes MESSAGE_RECEIVED with the sender as source.
func (e Engine) SendMessage(ctx context.Context, fromAgentID, toAgentID, content string) (domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, domain.Invalid("message", "must not be empty")
	}
	sender := fromAgentID
	if fromAgentID != "" {
		if from, err := e.Repo.GetAgent(ctx, fromAgentID); err == nil {
			sender = fmt.Sprintf("%s (%s)", from.Name, from.ID)
		}
	} else {
		sender = "user"
	}
	to, err := e.GetAgent(ctx, toAgentID)
	if err != nil {
		return domain.Message{}, err
	}
	m, err := e.AppendMessage(ctx, MessageOptions{
		AgentID: to.ID,
		Role:    domain.MessageUser,
		Content: fmt.Sprintf("Message from %s:\n%s", sender, content),
	})
	if err != nil {
		return domain.Message{}, err
	}
	e.audit(ctx, nil, "agent.message", to.WorkspaceID, "agent", to.ID, fromAgentID, events.EventPayload{"messageId": m.ID})
	e.publish(ctx, events.MessageReceived, fromAgentID, to.WorkspaceID, map[string]any{
		"messageId":   m.ID,
		"fromAgentId": fromAgentID,
		"toAgentId":   to.ID,
		"content":     content,
	})
	return m, nil
}

type ReportOptions struct {
	AgentID string
	TaskID  string
	Status  string
	Summary string
	Verdict string
	Report  string
}

type ReportResult struct {
	Task     domain.Task `json:"task"`
	ParentID string      `json:"parentId,omitempty"`
}

// ReportToParent records the outcome of a delegated task with a
// version-checked write against the version just read, marks the agent
// COMPLETED and tells its parent. A concurrent write surfaces as a version
// conflict.
func (e Engine) ReportToParent(ctx context.Context, opts ReportOptions) (ReportResult, error) {
	if !domain.IsReportableTaskStatus(opts.Status) {
		return ReportResult{}, domain.Invalid("status", "must be one of COMPLETED, NEEDS_FIX, BLOCKED, REVIEW_REQUIRED, CANCELLED")
	}
	if opts.Verdict != "" && !domain.ValidVerdict(opts.Verdict) {
		return ReportResult{}, domain.Invalid("verdict", "unknown verdict "+opts.Verdict)
	}
	agent, err := e.GetAgent(ctx, opts.AgentID)
	if err != nil {
		return ReportResult{}, err
	}
	current, err := e.GetTask(ctx, opts.TaskID)
	if err != nil {
		return ReportResult{}, err
	}
	patch := domain.TaskPatch{Status: &opts.Status, CompletionSummary: &opts.Summary}
	if opts.Verdict != "" {
		patch.VerificationVerdict = &opts.Verdict
	}
	if opts.Report != "" {
		patch.VerificationReport = &opts.Report
	}
	version := current.Version
	t, err := e.UpdateTask(ctx, TaskUpdateOptions{ID: current.ID, ExpectedVersion: &version, ActorID: agent.ID, Patch: patch})
	if err != nil {
		return ReportResult{}, err
	}
	_, err = e.UpdateAgentStatus(ctx, AgentStatusUpdate{
		AgentID: agent.ID,
		Status:  domain.AgentCompleted,
		ActorID: agent.ID,
		Payload: map[string]any{"taskId": t.ID, "status": t.Status, "summary": opts.Summary, "verdict": opts.Verdict},
	})
	if err != nil {
		return ReportResult{}, err
	}
	res := ReportResult{Task: t}
	if agent.ParentID != nil {
		res.ParentID = *agent.ParentID
		body := fmt.Sprintf("Report from %s (%s) on task %s: %s\n%s", agent.Name, agent.ID, t.ID, t.Status, opts.Summary)
		if opts.Verdict != "" {
			body += "\nVerdict: " + opts.Verdict
		}
		if _, err := e.AppendMessage(ctx, MessageOptions{AgentID: *agent.ParentID, Role: domain.MessageUser, Content: body}); err != nil {
			e.logger().Warn("report to parent: append message failed", "parent", *agent.ParentID, "err", err)
		}
	}
	return res, nil
}
