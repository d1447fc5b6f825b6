package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
	"agentline/internal/events"
	"agentline/internal/repo"
)

// Engine owns every write to workspaces, agents, tasks, notes and sessions.
// Each mutation runs in one transaction with its audit row; bus events are
// published only after commit.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Bus    *events.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, bus *events.Bus) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Bus:    bus,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// audit appends to the trace. Failures are logged and never abort the write.
func (e Engine) audit(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, payload events.EventPayload) {
	e.Events.Now = e.Now
	if err := e.Events.Append(ctx, tx, evtType, workspaceID, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Warn("audit append failed", "type", evtType, "entity", entityID, "err", err)
	}
}

func (e Engine) publish(ctx context.Context, evtType, sourceAgentID, workspaceID string, payload map[string]any) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(ctx, events.Event{Type: evtType, SourceAgentID: sourceAgentID, WorkspaceID: workspaceID, Payload: payload})
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return domain.NotFoundf("%s %s", kind, id)
	}
	return err
}

type WorkspaceCreateOptions struct {
	ID       string
	Title    string
	Metadata map[string]any
	ActorID  string
}

func (e Engine) CreateWorkspace(ctx context.Context, opts WorkspaceCreateOptions) (domain.Workspace, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Workspace{}, domain.Invalid("title", "is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	w := domain.Workspace{
		ID:        id,
		Title:     opts.Title,
		Status:    domain.WorkspaceActive,
		Metadata:  opts.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if w.Metadata == nil {
		w.Metadata = map[string]any{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	e.audit(ctx, tx, "workspace.create", w.ID, "workspace", w.ID, opts.ActorID, events.EventPayload{"title": w.Title})
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func (e Engine) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	w, err := e.Repo.GetWorkspace(ctx, id)
	return w, notFound("workspace", id, err)
}

func (e Engine) ListWorkspaces(ctx context.Context, status string) ([]domain.Workspace, error) {
	return e.Repo.ListWorkspaces(ctx, status)
}

type WorkspaceUpdateOptions struct {
	ID       string
	Title    *string
	Status   string
	Metadata map[string]any
	ActorID  string
}

func (e Engine) UpdateWorkspace(ctx context.Context, opts WorkspaceUpdateOptions) (domain.Workspace, error) {
	if opts.Status != "" && opts.Status != domain.WorkspaceActive && opts.Status != domain.WorkspaceArchived {
		return domain.Workspace{}, domain.Invalid("status", "must be active or archived")
	}
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.Workspace{}, domain.Invalid("title", "must not be empty")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	err = e.Repo.UpdateWorkspace(ctx, tx, opts.ID, repo.WorkspaceUpdate{Title: opts.Title, Status: opts.Status, Metadata: opts.Metadata}, e.stamp())
	if err != nil {
		return domain.Workspace{}, notFound("workspace", opts.ID, err)
	}
	w, err := e.Repo.GetWorkspaceTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Workspace{}, err
	}
	e.audit(ctx, tx, "workspace.update", w.ID, "workspace", w.ID, opts.ActorID, events.EventPayload{"status": w.Status, "title": w.Title})
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func (e Engine) ArchiveWorkspace(ctx context.Context, id, actorID string) (domain.Workspace, error) {
	return e.UpdateWorkspace(ctx, WorkspaceUpdateOptions{ID: id, Status: domain.WorkspaceArchived, ActorID: actorID})
}

// DeleteWorkspace removes an empty workspace; one that still owns records is a conflict.
func (e Engine) DeleteWorkspace(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkspaceTx(ctx, tx, id); err != nil {
		return notFound("workspace", id, err)
	}
	n, err := e.Repo.CountWorkspaceChildren(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("workspace %s still has %d records; archive it instead: %w", id, n, domain.ErrConflict)
	}
	if err := e.Repo.DeleteWorkspace(ctx, tx, id); err != nil {
		return err
	}
	e.audit(ctx, tx, "workspace.delete", "", "workspace", id, actorID, nil)
	return tx.Commit()
}

func (e Engine) ListEvents(ctx context.Context, workspaceID string, limit int) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, workspaceID, "", "", "")
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
