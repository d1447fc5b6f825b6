package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

type SessionCreateOptions struct {
	ID          string
	Name        string
	Cwd         string
	WorkspaceID string
	AgentID     string
	Provider    string
	Role        string
	Model       string
	Status      string
	ActorID     string
}

func (e Engine) CreateSession(ctx context.Context, opts SessionCreateOptions) (domain.Session, error) {
	if opts.AgentID == "" {
		return domain.Session{}, domain.Invalid("agentId", "is required")
	}
	if opts.Status == "" {
		opts.Status = domain.SessionReserved
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	s := domain.Session{
		ID:          id,
		Name:        optionalString(opts.Name),
		Cwd:         opts.Cwd,
		WorkspaceID: opts.WorkspaceID,
		AgentID:     opts.AgentID,
		Provider:    opts.Provider,
		Role:        opts.Role,
		Model:       opts.Model,
		Status:      opts.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	agent, err := e.Repo.GetAgentTx(ctx, tx, opts.AgentID)
	if err != nil {
		return domain.Session{}, notFound("agent", opts.AgentID, err)
	}
	if s.WorkspaceID == "" {
		s.WorkspaceID = agent.WorkspaceID
	}
	if s.Role == "" {
		s.Role = agent.Role
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	e.audit(ctx, tx, "session.create", s.WorkspaceID, "session", s.ID, opts.ActorID, events.EventPayload{"agentId": s.AgentID, "status": s.Status})
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (e Engine) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := e.Repo.GetSession(ctx, id)
	return s, notFound("session", id, err)
}

func (e Engine) ListSessions(ctx context.Context, f repo.SessionFilters) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx, f)
}

func sessionEnded(status string) bool {
	switch status {
	case domain.SessionExited, domain.SessionFailed, domain.SessionTerminated:
		return true
	}
	return false
}

// UpdateSession writes session state; moving to RUNNING publishes
// SESSION_STARTED and any end state publishes SESSION_ENDED.
func (e Engine) UpdateSession(ctx context.Context, id string, u repo.SessionUpdate, actorID string) (domain.Session, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	prev, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return domain.Session{}, notFound("session", id, err)
	}
	if err := e.Repo.UpdateSession(ctx, tx, id, u, e.stamp()); err != nil {
		return domain.Session{}, err
	}
	s, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return domain.Session{}, err
	}
	e.audit(ctx, tx, "session.update", s.WorkspaceID, "session", s.ID, actorID, events.EventPayload{"from": prev.Status, "to": s.Status})
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	if prev.Status != s.Status {
		payload := map[string]any{"sessionId": s.ID, "agentId": s.AgentID, "status": s.Status}
		switch {
		case s.Status == domain.SessionRunning:
			e.publish(ctx, events.SessionStarted, s.AgentID, s.WorkspaceID, payload)
		case sessionEnded(s.Status):
			e.publish(ctx, events.SessionEnded, s.AgentID, s.WorkspaceID, payload)
		}
	}
	return s, nil
}

// DeleteSession removes the session row. Its messages stay with the agent.
func (e Engine) DeleteSession(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := e.Repo.GetSessionTx(ctx, tx, id)
	if err != nil {
		return notFound("session", id, err)
	}
	if err := e.Repo.DeleteSession(ctx, tx, id); err != nil {
		return err
	}
	e.audit(ctx, tx, "session.delete", s.WorkspaceID, "session", id, actorID, nil)
	if err := tx.Commit(); err != nil {
		return err
	}
	if !sessionEnded(s.Status) {
		e.publish(ctx, events.SessionEnded, s.AgentID, s.WorkspaceID, map[string]any{
			"sessionId": s.ID, "agentId": s.AgentID, "status": domain.SessionTerminated,
		})
	}
	return nil
}
