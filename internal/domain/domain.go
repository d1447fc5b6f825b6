package domain

// Workspace statuses.
const (
	WorkspaceActive   = "active"
	WorkspaceArchived = "archived"
)

// Agent roles.
const (
	RoleCoordinator = "COORDINATOR"
	RoleImplementor = "IMPLEMENTOR"
	RoleVerifier    = "VERIFIER"
	RoleSolo        = "SOLO"
)

// Model tiers.
const (
	TierFast     = "FAST"
	TierBalanced = "BALANCED"
	TierSmart    = "SMART"
)

// Agent statuses.
const (
	AgentPending   = "PENDING"
	AgentActive    = "ACTIVE"
	AgentCompleted = "COMPLETED"
	AgentError     = "ERROR"
	AgentCancelled = "CANCELLED"
)

// Task statuses.
const (
	TaskPending        = "PENDING"
	TaskInProgress     = "IN_PROGRESS"
	TaskReviewRequired = "REVIEW_REQUIRED"
	TaskCompleted      = "COMPLETED"
	TaskNeedsFix       = "NEEDS_FIX"
	TaskBlocked        = "BLOCKED"
	TaskCancelled      = "CANCELLED"
)

// Verification verdicts.
const (
	VerdictApproved    = "APPROVED"
	VerdictNotApproved = "NOT_APPROVED"
	VerdictBlocked     = "BLOCKED"
)

// Session statuses.
const (
	SessionReserved   = "RESERVED"
	SessionRunning    = "RUNNING"
	SessionExited     = "EXITED"
	SessionFailed     = "FAILED"
	SessionTerminated = "TERMINATED"
)

// Message roles.
const (
	MessageUser      = "user"
	MessageAssistant = "assistant"
	MessageSystem    = "system"
	MessageTool      = "tool"
)

type Workspace struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    string         `json:"status" enum:"active,archived"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt string         `json:"createdAt" format:"date-time"`
	UpdatedAt string         `json:"updatedAt" format:"date-time"`
}

type Agent struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Role        string         `json:"role" enum:"COORDINATOR,IMPLEMENTOR,VERIFIER,SOLO"`
	ModelTier   string         `json:"modelTier" enum:"FAST,BALANCED,SMART"`
	WorkspaceID string         `json:"workspaceId"`
	ParentID    *string        `json:"parentId,omitempty"`
	Status      string         `json:"status" enum:"PENDING,ACTIVE,COMPLETED,ERROR,CANCELLED"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   string         `json:"createdAt" format:"date-time"`
	UpdatedAt   string         `json:"updatedAt" format:"date-time"`
}

type Task struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Objective            string   `json:"objective"`
	Scope                *string  `json:"scope,omitempty"`
	AcceptanceCriteria   []string `json:"acceptanceCriteria"`
	VerificationCommands []string `json:"verificationCommands"`
	AssignedTo           *string  `json:"assignedTo,omitempty"`
	Status               string   `json:"status" enum:"PENDING,IN_PROGRESS,REVIEW_REQUIRED,COMPLETED,NEEDS_FIX,BLOCKED,CANCELLED"`
	Dependencies         []string `json:"dependencies"`
	ParallelGroup        *string  `json:"parallelGroup,omitempty"`
	WorkspaceID          string   `json:"workspaceId"`
	SessionID            *string  `json:"sessionId,omitempty"`
	CompletionSummary    *string  `json:"completionSummary,omitempty"`
	VerificationVerdict  *string  `json:"verificationVerdict,omitempty" enum:"APPROVED,NOT_APPROVED,BLOCKED"`
	VerificationReport   *string  `json:"verificationReport,omitempty"`
	Version              int      `json:"version"`
	CreatedAt            string   `json:"createdAt" format:"date-time"`
	UpdatedAt            string   `json:"updatedAt" format:"date-time"`
}

type Note struct {
	ID          string   `json:"id"`
	WorkspaceID string   `json:"workspaceId"`
	AgentID     *string  `json:"agentId,omitempty"`
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"createdAt" format:"date-time"`
	UpdatedAt   string   `json:"updatedAt" format:"date-time"`
}

type Session struct {
	ID              string  `json:"id"`
	Name            *string `json:"name,omitempty"`
	Cwd             string  `json:"cwd"`
	WorkspaceID     string  `json:"workspaceId"`
	AgentID         string  `json:"agentId"`
	Provider        string  `json:"provider"`
	Role            string  `json:"role"`
	Model           string  `json:"model"`
	FirstPromptSent bool    `json:"firstPromptSent"`
	Status          string  `json:"status" enum:"RESERVED,RUNNING,EXITED,FAILED,TERMINATED"`
	PID             *int    `json:"pid,omitempty"`
	CreatedAt       string  `json:"createdAt" format:"date-time"`
	UpdatedAt       string  `json:"updatedAt" format:"date-time"`
}

type Message struct {
	ID        int64   `json:"id"`
	SessionID *string `json:"sessionId,omitempty"`
	AgentID   string  `json:"agentId"`
	Role      string  `json:"role" enum:"user,assistant,system,tool"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"createdAt" format:"date-time"`
}

// SubscriptionFilter narrows a subscription beyond its event types.
type SubscriptionFilter struct {
	SourceAgentID string `json:"sourceAgentId,omitempty"`
	TaskID        string `json:"taskId,omitempty"`
	TerminalOnly  bool   `json:"terminalOnly,omitempty"`
}

type EventSubscription struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agentId"`
	AgentName   string             `json:"agentName"`
	EventTypes  []string           `json:"eventTypes"`
	ExcludeSelf bool               `json:"excludeSelf"`
	OneShot     bool               `json:"oneShot"`
	WaitGroupID *string            `json:"waitGroupId,omitempty"`
	Priority    int                `json:"priority"`
	Filter      SubscriptionFilter `json:"filter"`
	Seq         int64              `json:"seq"`
	CreatedAt   string             `json:"createdAt" format:"date-time"`
}

type PendingEvent struct {
	ID             string         `json:"id"`
	AgentID        string         `json:"agentId"`
	Type           string         `json:"type"`
	SourceAgentID  string         `json:"sourceAgentId"`
	WorkspaceID    string         `json:"workspaceId"`
	Payload        map[string]any `json:"payload"`
	Timestamp      string         `json:"timestamp" format:"date-time"`
	SubscriptionID string         `json:"subscriptionId"`
}

// Event is a row of the audit trace.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	EntityKind  string `json:"entityKind"`
	EntityID    string `json:"entityId,omitempty"`
	ActorID     string `json:"actorId"`
	Payload     string `json:"payloadJson"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleCoordinator, RoleImplementor, RoleVerifier, RoleSolo:
		return true
	}
	return false
}

func ValidModelTier(tier string) bool {
	switch tier {
	case TierFast, TierBalanced, TierSmart:
		return true
	}
	return false
}

func ValidAgentStatus(status string) bool {
	switch status {
	case AgentPending, AgentActive, AgentCompleted, AgentError, AgentCancelled:
		return true
	}
	return false
}

func ValidTaskStatus(status string) bool {
	switch status {
	case TaskPending, TaskInProgress, TaskReviewRequired, TaskCompleted, TaskNeedsFix, TaskBlocked, TaskCancelled:
		return true
	}
	return false
}

func ValidVerdict(v string) bool {
	switch v {
	case VerdictApproved, VerdictNotApproved, VerdictBlocked:
		return true
	}
	return false
}

// IsTerminalTaskStatus reports the statuses whose writes are announced as
// task outcomes.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskCompleted, TaskNeedsFix, TaskBlocked:
		return true
	}
	return false
}

// IsReportableTaskStatus is the set a delegating caller waits for.
func IsReportableTaskStatus(status string) bool {
	return IsTerminalTaskStatus(status) || status == TaskReviewRequired || status == TaskCancelled
}

// IsActiveTaskStatus reports statuses that count as work in flight for an agent.
func IsActiveTaskStatus(status string) bool {
	switch status {
	case TaskInProgress, TaskReviewRequired, TaskNeedsFix:
		return true
	}
	return false
}

// TaskPatch is a partial task write; nil fields are left untouched.
type TaskPatch struct {
	Title                *string   `json:"title,omitempty"`
	Objective            *string   `json:"objective,omitempty"`
	Scope                *string   `json:"scope,omitempty"`
	AcceptanceCriteria   *[]string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands *[]string `json:"verificationCommands,omitempty"`
	AssignedTo           *string   `json:"assignedTo,omitempty"`
	Status               *string   `json:"status,omitempty"`
	Dependencies         *[]string `json:"dependencies,omitempty"`
	ParallelGroup        *string   `json:"parallelGroup,omitempty"`
	SessionID            *string   `json:"sessionId,omitempty"`
	CompletionSummary    *string   `json:"completionSummary,omitempty"`
	VerificationVerdict  *string   `json:"verificationVerdict,omitempty"`
	VerificationReport   *string   `json:"verificationReport,omitempty"`
}

// Empty reports whether the patch carries no field.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Objective == nil && p.Scope == nil && p.AcceptanceCriteria == nil &&
		p.VerificationCommands == nil && p.AssignedTo == nil && p.Status == nil && p.Dependencies == nil &&
		p.ParallelGroup == nil && p.SessionID == nil && p.CompletionSummary == nil &&
		p.VerificationVerdict == nil && p.VerificationReport == nil
}
