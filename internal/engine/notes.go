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

type NoteCreateOptions struct {
	WorkspaceID string
	AgentID     string
	Title       string
	Content     string
	Tags        []string
	ActorID     string
}

func (e Engine) CreateNote(ctx context.Context, opts NoteCreateOptions) (domain.Note, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Note{}, domain.Invalid("title", "is required")
	}
	if opts.WorkspaceID == "" {
		return domain.Note{}, domain.Invalid("workspaceId", "is required")
	}
	now := e.stamp()
	n := domain.Note{
		ID:          uuid.NewString(),
		WorkspaceID: opts.WorkspaceID,
		AgentID:     optionalString(opts.AgentID),
		Title:       opts.Title,
		Content:     opts.Content,
		Tags:        nonNil(opts.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Note{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetWorkspaceTx(ctx, tx, opts.WorkspaceID); err != nil {
		return domain.Note{}, notFound("workspace", opts.WorkspaceID, err)
	}
	if err := e.Repo.InsertNote(ctx, tx, n); err != nil {
		return domain.Note{}, fmt.Errorf("insert note: %w", err)
	}
	e.audit(ctx, tx, "note.create", n.WorkspaceID, "note", n.ID, opts.ActorID, events.EventPayload{"title": n.Title})
	if err := tx.Commit(); err != nil {
		return domain.Note{}, err
	}
	e.publish(ctx, events.NoteCreated, opts.ActorID, n.WorkspaceID, map[string]any{"noteId": n.ID, "title": n.Title, "tags": n.Tags})
	return n, nil
}

func (e Engine) GetNote(ctx context.Context, id string) (domain.Note, error) {
	n, err := e.Repo.GetNote(ctx, id)
	return n, notFound("note", id, err)
}

func (e Engine) ListNotes(ctx context.Context, f repo.NoteFilters) ([]domain.Note, error) {
	return e.Repo.ListNotes(ctx, f)
}

func (e Engine) DeleteNote(ctx context.Context, id, actorID string) error {
	n, err := e.GetNote(ctx, id)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteNote(ctx, tx, id); err != nil {
		return notFound("note", id, err)
	}
	e.audit(ctx, tx, "note.delete", n.WorkspaceID, "note", id, actorID, nil)
	return tx.Commit()
}
