package server

import (
	"agentline/internal/domain"
	"agentline/internal/orchestrator"
)

// Request payloads

type CreateWorkspaceRequest struct {
	ID       string         `json:"id,omitempty"`
	Title    string         `json:"title" minLength:"1"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type UpdateWorkspaceRequest struct {
	Title    *string        `json:"title,omitempty"`
	Status   string         `json:"status,omitempty" enum:"active,archived"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type CreateAgentRequest struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name" minLength:"1"`
	Role        string         `json:"role" enum:"COORDINATOR,IMPLEMENTOR,VERIFIER,SOLO"`
	WorkspaceID string         `json:"workspaceId"`
	ParentID    string         `json:"parentId,omitempty"`
	ModelTier   string         `json:"modelTier,omitempty" enum:"FAST,BALANCED,SMART"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type CreateTaskRequest struct {
	ID                   string   `json:"id,omitempty"`
	WorkspaceID          string   `json:"workspaceId"`
	Title                string   `json:"title" minLength:"1"`
	Objective            string   `json:"objective,omitempty"`
	Scope                string   `json:"scope,omitempty"`
	AcceptanceCriteria   []string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands []string `json:"verificationCommands,omitempty"`
	AssignedTo           string   `json:"assignedTo,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`
	ParallelGroup        string   `json:"parallelGroup,omitempty"`
}

type UpdateTaskRequest struct {
	ExpectedVersion      *int      `json:"expectedVersion,omitempty" minimum:"1"`
	Title                *string   `json:"title,omitempty"`
	Objective            *string   `json:"objective,omitempty"`
	Scope                *string   `json:"scope,omitempty"`
	AcceptanceCriteria   *[]string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands *[]string `json:"verificationCommands,omitempty"`
	AssignedTo           *string   `json:"assignedTo,omitempty"`
	Status               *string   `json:"status,omitempty" enum:"PENDING,IN_PROGRESS,REVIEW_REQUIRED,COMPLETED,NEEDS_FIX,BLOCKED,CANCELLED"`
	Dependencies         *[]string `json:"dependencies,omitempty"`
	ParallelGroup        *string   `json:"parallelGroup,omitempty"`
	CompletionSummary    *string   `json:"completionSummary,omitempty"`
	VerificationVerdict  *string   `json:"verificationVerdict,omitempty" enum:"APPROVED,NOT_APPROVED,BLOCKED"`
	VerificationReport   *string   `json:"verificationReport,omitempty"`
}

func (r UpdateTaskRequest) patch() domain.TaskPatch {
	return domain.TaskPatch{
		Title:                r.Title,
		Objective:            r.Objective,
		Scope:                r.Scope,
		AcceptanceCriteria:   r.AcceptanceCriteria,
		VerificationCommands: r.VerificationCommands,
		AssignedTo:           r.AssignedTo,
		Status:               r.Status,
		Dependencies:         r.Dependencies,
		ParallelGroup:        r.ParallelGroup,
		CompletionSummary:    r.CompletionSummary,
		VerificationVerdict:  r.VerificationVerdict,
		VerificationReport:   r.VerificationReport,
	}
}

type DelegateTaskRequest struct {
	Specialist             string `json:"specialist,omitempty" doc:"implementor (default), verifier, coordinator or solo"`
	CallerAgentID          string `json:"callerAgentId,omitempty"`
	Name                   string `json:"name,omitempty"`
	Provider               string `json:"provider,omitempty"`
	Cwd                    string `json:"cwd,omitempty"`
	AdditionalInstructions string `json:"additionalInstructions,omitempty"`
	WaitMode               string `json:"waitMode,omitempty" enum:"none,immediate,after_all"`
	WaitGroupID            string `json:"waitGroupId,omitempty" doc:"Groups after_all results. Without an id the group is after_all:<caller>:<session> and flushes as soon as its current members finish, so pass one shared id for the whole batch."`
	ModelTier              string `json:"modelTier,omitempty" enum:"FAST,BALANCED,SMART"`
}

func (r DelegateTaskRequest) request(taskID, caller string) orchestrator.DelegateRequest {
	return orchestrator.DelegateRequest{
		TaskID:                 taskID,
		CallerAgentID:          caller,
		Specialist:             r.Specialist,
		Name:                   r.Name,
		Provider:               r.Provider,
		Cwd:                    r.Cwd,
		AdditionalInstructions: r.AdditionalInstructions,
		WaitMode:               r.WaitMode,
		WaitGroupID:            r.WaitGroupID,
		ModelTier:              r.ModelTier,
	}
}

type CreateNoteRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	AgentID     string   `json:"agentId,omitempty"`
	Title       string   `json:"title" minLength:"1"`
	Content     string   `json:"content,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Responses

type WhoAmIResponse struct {
	ActorID string `json:"actorId"`
	Source  string `json:"source" enum:"jwt,agent_header,anonymous"`
}

type delegateResponse orchestrator.DelegateResult
