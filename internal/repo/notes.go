package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentline/internal/domain"
)

const noteColumns = `id,workspace_id,agent_id,title,content,tags_json,created_at,updated_at`

func scanNote(row scanner) (domain.Note, error) {
	var n domain.Note
	var agentID, tags sql.NullString
	err := row.Scan(&n.ID, &n.WorkspaceID, &agentID, &n.Title, &n.Content, &tags, &n.CreatedAt, &n.UpdatedAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.AgentID = stringPtr(agentID)
	n.Tags, err = decodeStrings(tags)
	return n, err
}

func (r Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	tags, err := encodeStrings(n.Tags)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO notes(`+noteColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		n.ID, n.WorkspaceID, nullableStringPtr(n.AgentID), n.Title, n.Content, tags, n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) GetNote(ctx context.Context, id string) (domain.Note, error) {
	return scanNote(r.DB.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id=?`, id))
}

type NoteFilters struct {
	WorkspaceID string
	AgentID     string
	Tag         string
	Limit       int
}

func (r Repo) ListNotes(ctx context.Context, f NoteFilters) ([]domain.Note, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(notes.tags_json) WHERE json_each.value=?)")
		args = append(args, f.Tag)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + noteColumns + ` FROM notes ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) DeleteNote(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM notes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
