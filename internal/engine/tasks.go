package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                   string
	WorkspaceID          string
	Title                string
	Objective            string
	Scope                string
	AcceptanceCriteria   []string
	VerificationCommands []string
	AssignedTo           string
	Dependencies         []string
	ParallelGroup        string
	ActorID              string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Task{}, domain.Invalid("title", "is required")
	}
	if opts.WorkspaceID == "" {
		return domain.Task{}, domain.Invalid("workspaceId", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	t := domain.Task{
		ID:                   id,
		Title:                opts.Title,
		Objective:            opts.Objective,
		Scope:                optionalString(opts.Scope),
		AcceptanceCriteria:   nonNil(opts.AcceptanceCriteria),
		VerificationCommands: nonNil(opts.VerificationCommands),
		AssignedTo:           optionalString(opts.AssignedTo),
		Status:               domain.TaskPending,
		Dependencies:         nonNil(opts.Dependencies),
		ParallelGroup:        optionalString(opts.ParallelGroup),
		WorkspaceID:          opts.WorkspaceID,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkspaceTx(ctx, tx, opts.WorkspaceID); err != nil {
		return domain.Task{}, notFound("workspace", opts.WorkspaceID, err)
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	e.audit(ctx, tx, "task.create", t.WorkspaceID, "task", t.ID, opts.ActorID, events.EventPayload{"title": t.Title})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publish(ctx, events.TaskCreated, opts.ActorID, t.WorkspaceID, map[string]any{
		"taskId":     t.ID,
		"title":      t.Title,
		"assignedTo": derefString(t.AssignedTo),
	})
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	return t, notFound("task", id, err)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" && !domain.ValidTaskStatus(f.Status) {
		return nil, domain.Invalid("status", "unknown task status "+f.Status)
	}
	return e.Repo.ListTasks(ctx, f)
}

// UpdateTaskStatus writes the status unconditionally: no version check and
// no state machine. It always publishes TASK_STATUS_CHANGED.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status, agentID string, summary *string) (domain.Task, error) {
	if !domain.ValidTaskStatus(status) {
		return domain.Task{}, domain.Invalid("status", "unknown task status "+status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, notFound("task", taskID, err)
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, status, summary, e.stamp()); err != nil {
		return domain.Task{}, notFound("task", taskID, err)
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	e.audit(ctx, tx, "task.status", t.WorkspaceID, "task", t.ID, agentID, events.EventPayload{"from": prev.Status, "to": status})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.publishStatus(ctx, t, prev.Status, agentID)
	return t, nil
}

func (e Engine) publishStatus(ctx context.Context, t domain.Task, previous, agentID string) {
	e.publish(ctx, events.TaskStatusChanged, agentID, t.WorkspaceID, map[string]any{
		"taskId":         t.ID,
		"title":          t.Title,
		"status":         t.Status,
		"previousStatus": previous,
		"summary":        derefString(t.CompletionSummary),
		"verdict":        derefString(t.VerificationVerdict),
		"terminal":       domain.IsTerminalTaskStatus(t.Status),
		"version":        t.Version,
	})
}

type TaskUpdateOptions struct {
	ID string
	// ExpectedVersion, when set, must equal the stored version.
	ExpectedVersion *int
	ActorID         string
	Patch           domain.TaskPatch
}

func validatePatch(p domain.TaskPatch) error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return domain.Invalid("title", "must not be empty")
	}
	if p.Status != nil && !domain.ValidTaskStatus(*p.Status) {
		return domain.Invalid("status", "unknown task status "+*p.Status)
	}
	if p.VerificationVerdict != nil && *p.VerificationVerdict != "" && !domain.ValidVerdict(*p.VerificationVerdict) {
		return domain.Invalid("verificationVerdict", "unknown verdict "+*p.VerificationVerdict)
	}
	return nil
}

// UpdateTask applies a partial update as a version-checked write and bumps
// the version by one.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if err := validatePatch(opts.Patch); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, notFound("task", opts.ID, err)
	}
	if opts.ExpectedVersion != nil && *opts.ExpectedVersion != prev.Version {
		return domain.Task{}, domain.VersionConflictError{TaskID: prev.ID, Expected: *opts.ExpectedVersion, Actual: prev.Version}
	}
	if opts.Patch.Status != nil {
		if err := ensureTaskTransition(prev.Status, *opts.Patch.Status); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Repo.UpdateTaskFields(ctx, tx, opts.ID, opts.ExpectedVersion, opts.Patch, e.stamp()); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	e.audit(ctx, tx, "task.update", t.WorkspaceID, "task", t.ID, opts.ActorID, events.EventPayload{"version": t.Version, "status": t.Status})
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	statusWritten := opts.Patch.Status != nil
	if statusWritten && (t.Status != prev.Status || domain.IsTerminalTaskStatus(t.Status)) {
		e.publishStatus(ctx, t, prev.Status, opts.ActorID)
	} else {
		e.publish(ctx, events.TaskUpdated, opts.ActorID, t.WorkspaceID, map[string]any{
			"taskId":  t.ID,
			"status":  t.Status,
			"version": t.Version,
		})
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return notFound("task", id, err)
	}
	if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
		return err
	}
	e.audit(ctx, tx, "task.delete", t.WorkspaceID, "task", id, actorID, nil)
	return tx.Commit()
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.TaskPending:
		switch newStatus {
		case domain.TaskInProgress, domain.TaskBlocked, domain.TaskCancelled:
			return nil
		}
	case domain.TaskInProgress:
		switch newStatus {
		case domain.TaskReviewRequired, domain.TaskCompleted, domain.TaskNeedsFix, domain.TaskBlocked, domain.TaskCancelled:
			return nil
		}
	case domain.TaskReviewRequired:
		switch newStatus {
		case domain.TaskInProgress, domain.TaskCompleted, domain.TaskNeedsFix, domain.TaskCancelled:
			return nil
		}
	case domain.TaskNeedsFix, domain.TaskBlocked:
		if newStatus == domain.TaskInProgress || newStatus == domain.TaskCancelled {
			return nil
		}
	}
	return domain.Invalid("status", fmt.Sprintf("invalid task status transition %s -> %s", oldStatus, newStatus))
}

// TaskInstruction renders the task as the instruction handed to the agent working on it.
func TaskInstruction(t domain.Task, additional string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if t.Objective != "" {
		fmt.Fprintf(&b, "\nObjective:\n%s\n", t.Objective)
	}
	if t.Scope != nil && *t.Scope != "" {
		fmt.Fprintf(&b, "\nScope:\n%s\n", *t.Scope)
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(t.VerificationCommands) > 0 {
		b.WriteString("\nVerification commands:\n")
		for _, c := range t.VerificationCommands {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if additional != "" {
		fmt.Fprintf(&b, "\nAdditional instructions:\n%s\n", additional)
	}
	b.WriteString("\nWhen you are done, call report_to_parent with the task id, the resulting status and a summary.\n")
	return b.String()
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
