package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = domain.ErrNotFound

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func scanWorkspace(row scanner) (domain.Workspace, error) {
	var w domain.Workspace
	var meta sql.NullString
	err := row.Scan(&w.ID, &w.Title, &w.Status, &meta, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Metadata, err = decodeMap(meta)
	return w, err
}

const workspaceColumns = `id,title,status,metadata_json,created_at,updated_at`

func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	meta, err := encodeMap(w.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO workspaces(`+workspaceColumns+`) VALUES (?,?,?,?,?,?)`,
		w.ID, w.Title, w.Status, meta, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkspace(ctx context.Context, id string) (domain.Workspace, error) {
	return r.GetWorkspaceTx(ctx, nil, id)
}

func (r Repo) GetWorkspaceTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workspace, error) {
	return scanWorkspace(r.q(tx).QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=?`, id))
}

func (r Repo) ListWorkspaces(ctx context.Context, status string) ([]domain.Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Workspace{}
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// WorkspaceUpdate holds the optional fields of a workspace write.
type WorkspaceUpdate struct {
	Title    *string
	Status   string
	Metadata map[string]any
}

func (r Repo) UpdateWorkspace(ctx context.Context, tx *sql.Tx, id string, u WorkspaceUpdate, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if u.Title != nil {
		fields = append(fields, "title=?")
		args = append(args, *u.Title)
	}
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	if u.Metadata != nil {
		meta, err := encodeMap(u.Metadata)
		if err != nil {
			return err
		}
		fields = append(fields, "metadata_json=?")
		args = append(args, meta)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE workspaces SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountWorkspaceChildren returns how many agents, tasks, sessions and notes reference the workspace.
func (r Repo) CountWorkspaceChildren(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT
		(SELECT count(*) FROM agents WHERE workspace_id=?) +
		(SELECT count(*) FROM tasks WHERE workspace_id=?) +
		(SELECT count(*) FROM sessions WHERE workspace_id=?) +
		(SELECT count(*) FROM notes WHERE workspace_id=?)`, id, id, id, id).Scan(&n)
	return n, err
}

func (r Repo) DeleteWorkspace(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM workspaces WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStrings(v sql.NullString) ([]string, error) {
	res := []string{}
	if !v.Valid || v.String == "" {
		return res, nil
	}
	if err := json.Unmarshal([]byte(v.String), &res); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	if res == nil {
		res = []string{}
	}
	return res, nil
}

func encodeMap(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeMap(v sql.NullString) (map[string]any, error) {
	res := map[string]any{}
	if !v.Valid || v.String == "" {
		return res, nil
	}
	if err := json.Unmarshal([]byte(v.String), &res); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return res, nil
}
