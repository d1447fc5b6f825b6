package toolserver

import (
	"context"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/orchestrator"
	"agentline/internal/repo"
)

type listAgentsArgs struct {
	WorkspaceID string `json:"workspaceId,omitempty" jsonschema_description:"Defaults to the caller's workspace."`
	ParentID    string `json:"parentId,omitempty"`
	Status      string `json:"status,omitempty" jsonschema:"enum=PENDING,enum=ACTIVE,enum=COMPLETED,enum=ERROR,enum=CANCELLED"`
	Role        string `json:"role,omitempty" jsonschema:"enum=COORDINATOR,enum=IMPLEMENTOR,enum=VERIFIER,enum=SOLO"`
}

type agentList struct {
	Agents []domain.Agent `json:"agents"`
}

func listAgents(ctx context.Context, inst *Instance, args listAgentsArgs) (agentList, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return agentList{}, err
	}
	agents, err := inst.srv.Engine.ListAgents(ctx, repo.AgentFilters{
		WorkspaceID: ws,
		ParentID:    args.ParentID,
		Status:      args.Status,
		Role:        args.Role,
	})
	if err != nil {
		return agentList{}, err
	}
	return agentList{Agents: orEmpty(agents)}, nil
}

type readConversationArgs struct {
	AgentID   string `json:"agentId"`
	SessionID string `json:"sessionId,omitempty"`
	Role      string `json:"role,omitempty" jsonschema:"enum=user,enum=assistant,enum=system,enum=tool"`
	Limit     int    `json:"limit,omitempty" jsonschema:"minimum=1"`
}

type conversation struct {
	AgentID  string           `json:"agentId"`
	Messages []domain.Message `json:"messages"`
}

func readAgentConversation(ctx context.Context, inst *Instance, args readConversationArgs) (conversation, error) {
	msgs, err := inst.srv.Engine.ListMessages(ctx, repo.MessageFilters{
		AgentID:   args.AgentID,
		SessionID: args.SessionID,
		Role:      args.Role,
		Limit:     args.Limit,
	})
	if err != nil {
		return conversation{}, err
	}
	return conversation{AgentID: args.AgentID, Messages: orEmpty(msgs)}, nil
}

type createAgentArgs struct {
	Name        string         `json:"name" jsonschema:"minLength=1"`
	Role        string         `json:"role" jsonschema:"enum=COORDINATOR,enum=IMPLEMENTOR,enum=VERIFIER,enum=SOLO"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	ParentID    string         `json:"parentId,omitempty" jsonschema_description:"Defaults to the calling agent."`
	ModelTier   string         `json:"modelTier,omitempty" jsonschema:"enum=FAST,enum=BALANCED,enum=SMART"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func createAgent(ctx context.Context, inst *Instance, args createAgentArgs) (domain.Agent, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return domain.Agent{}, err
	}
	caller := inst.Caller().AgentID
	parent := args.ParentID
	if parent == "" {
		parent = caller
	}
	return inst.srv.Engine.CreateAgent(ctx, engine.AgentCreateOptions{
		Name:        args.Name,
		Role:        args.Role,
		WorkspaceID: ws,
		ParentID:    parent,
		ModelTier:   args.ModelTier,
		Metadata:    args.Metadata,
		ActorID:     caller,
	})
}

type delegateTaskArgs struct {
	AgentID      string `json:"agentId"`
	TaskID       string `json:"taskId"`
	Instructions string `json:"instructions,omitempty"`
}

func delegateTask(ctx context.Context, inst *Instance, args delegateTaskArgs) (domain.Task, error) {
	return inst.srv.Engine.Delegate(ctx, engine.DelegateOptions{
		AgentID:       args.AgentID,
		TaskID:        args.TaskID,
		CallerAgentID: inst.Caller().AgentID,
		Instructions:  args.Instructions,
	})
}

type delegateToAgentArgs struct {
	TaskID                 string `json:"taskId"`
	Specialist             string `json:"specialist,omitempty" jsonschema_description:"implementor (default), verifier, coordinator or solo."`
	Name                   string `json:"name,omitempty"`
	Provider               string `json:"provider,omitempty"`
	Cwd                    string `json:"cwd,omitempty"`
	AdditionalInstructions string `json:"additionalInstructions,omitempty"`
	WaitMode               string `json:"waitMode,omitempty" jsonschema:"enum=none,enum=immediate,enum=after_all"`
	WaitGroupID            string `json:"waitGroupId,omitempty" jsonschema_description:"Groups after_all results. Without an id the group is after_all:<caller>:<session> and flushes as soon as its current members finish, so pass one shared id for the whole batch."`
	ModelTier              string `json:"modelTier,omitempty" jsonschema:"enum=FAST,enum=BALANCED,enum=SMART"`
	CallerAgentID          string `json:"callerAgentId,omitempty" jsonschema_description:"Defaults to the connection's agent."`
	CallerSessionID        string `json:"callerSessionId,omitempty"`
}

func delegateTaskToAgent(ctx context.Context, inst *Instance, args delegateToAgentArgs) (orchestrator.DelegateResult, error) {
	if inst.srv.Delegator == nil {
		return orchestrator.DelegateResult{}, domain.ErrOrchestratorUnavailable
	}
	callerID, err := inst.agentID("callerAgentId", args.CallerAgentID)
	if err != nil {
		return orchestrator.DelegateResult{}, err
	}
	c := inst.Caller()
	callerSession := args.CallerSessionID
	if callerSession == "" && callerID == c.AgentID {
		callerSession = c.SessionID
	}
	return inst.srv.Delegator.DelegateTaskWithSpawn(ctx, orchestrator.DelegateRequest{
		TaskID:                 args.TaskID,
		CallerAgentID:          callerID,
		CallerSessionID:        callerSession,
		WorkspaceID:            c.WorkspaceID,
		Specialist:             args.Specialist,
		Name:                   args.Name,
		Provider:               args.Provider,
		Cwd:                    args.Cwd,
		AdditionalInstructions: args.AdditionalInstructions,
		WaitMode:               args.WaitMode,
		WaitGroupID:            args.WaitGroupID,
		ModelTier:              args.ModelTier,
	})
}

type sendMessageArgs struct {
	AgentID string `json:"agentId" jsonschema_description:"Recipient agent."`
	Message string `json:"message" jsonschema:"minLength=1"`
}

func sendMessageToAgent(ctx context.Context, inst *Instance, args sendMessageArgs) (domain.Message, error) {
	from := inst.Caller().AgentID
	if inst.srv.Delegator != nil {
		return inst.srv.Delegator.SendMessage(ctx, from, args.AgentID, args.Message)
	}
	return inst.srv.Engine.SendMessage(ctx, from, args.AgentID, args.Message)
}

type reportArgs struct {
	TaskID  string `json:"taskId"`
	Status  string `json:"status" jsonschema:"enum=COMPLETED,enum=NEEDS_FIX,enum=BLOCKED,enum=REVIEW_REQUIRED,enum=CANCELLED"`
	Summary string `json:"summary,omitempty"`
	Verdict string `json:"verdict,omitempty" jsonschema:"enum=APPROVED,enum=NOT_APPROVED,enum=BLOCKED"`
	Report  string `json:"report,omitempty" jsonschema_description:"Verification report, for verifiers."`
	AgentID string `json:"agentId,omitempty" jsonschema_description:"Defaults to the connection's agent."`
}

func reportToParent(ctx context.Context, inst *Instance, args reportArgs) (engine.ReportResult, error) {
	agentID, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return engine.ReportResult{}, err
	}
	return inst.srv.Engine.ReportToParent(ctx, engine.ReportOptions{
		AgentID: agentID,
		TaskID:  args.TaskID,
		Status:  args.Status,
		Summary: args.Summary,
		Verdict: args.Verdict,
		Report:  args.Report,
	})
}

type agentArgs struct {
	AgentID string `json:"agentId,omitempty" jsonschema_description:"Defaults to the connection's agent."`
}

func getAgentStatus(ctx context.Context, inst *Instance, args agentArgs) (engine.AgentStatus, error) {
	id, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return engine.AgentStatus{}, err
	}
	return inst.srv.Engine.GetStatus(ctx, id)
}

func getAgentSummary(ctx context.Context, inst *Instance, args agentArgs) (engine.AgentSummary, error) {
	id, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return engine.AgentSummary{}, err
	}
	return inst.srv.Engine.GetSummary(ctx, id)
}

type updateAgentStatusArgs struct {
	AgentID string `json:"agentId,omitempty" jsonschema_description:"Defaults to the connection's agent."`
	Status  string `json:"status" jsonschema:"enum=PENDING,enum=ACTIVE,enum=COMPLETED,enum=ERROR,enum=CANCELLED"`
}

func updateAgentStatus(ctx context.Context, inst *Instance, args updateAgentStatusArgs) (domain.Agent, error) {
	id, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return domain.Agent{}, err
	}
	return inst.srv.Engine.UpdateAgentStatus(ctx, engine.AgentStatusUpdate{
		AgentID: id,
		Status:  args.Status,
		ActorID: inst.Caller().AgentID,
	})
}
