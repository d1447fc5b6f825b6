package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

const sessionColumns = `id,name,cwd,workspace_id,agent_id,provider,role,model,first_prompt_sent,status,pid,created_at,updated_at`

func scanSession(row scanner) (domain.Session, error) {
	var s domain.Session
	var name sql.NullString
	var pid sql.NullInt64
	var firstPrompt int
	err := row.Scan(&s.ID, &name, &s.Cwd, &s.WorkspaceID, &s.AgentID, &s.Provider, &s.Role, &s.Model, &firstPrompt, &s.Status, &pid, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Name = stringPtr(name)
	s.FirstPromptSent = firstPrompt != 0
	if pid.Valid {
		p := int(pid.Int64)
		s.PID = &p
	}
	return s, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, nullableStringPtr(s.Name), s.Cwd, s.WorkspaceID, s.AgentID, s.Provider, s.Role, s.Model,
		boolInt(s.FirstPromptSent), s.Status, nullableIntPtr(s.PID), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return r.GetSessionTx(ctx, nil, id)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	return scanSession(r.q(tx).QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

type SessionFilters struct {
	WorkspaceID string
	AgentID     string
	Status      string
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.Session, error) {
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
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// SessionUpdate holds the optional fields of a session write.
type SessionUpdate struct {
	Status          string
	PID             *int
	FirstPromptSent *bool
}

func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, id string, u SessionUpdate, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	if u.PID != nil {
		fields = append(fields, "pid=?")
		args = append(args, *u.PID)
	}
	if u.FirstPromptSent != nil {
		fields = append(fields, "first_prompt_sent=?")
		args = append(args, boolInt(*u.FirstPromptSent))
	}
	fields = append(fields, "updated_at=?")
	args = append(args, updatedAt, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE sessions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSession(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, workspaceID string, m domain.Message) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(workspace_id,session_id,agent_id,role,content,created_at) VALUES (?,?,?,?,?,?)`,
		workspaceID, nullableStringPtr(m.SessionID), m.AgentID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type MessageFilters struct {
	AgentID   string
	SessionID string
	Role      string
	// Limit keeps the most recent messages; results stay in append order.
	Limit int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilters) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,session_id,agent_id,role,content,created_at FROM messages ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var sessionID sql.NullString
		if err := rows.Scan(&m.ID, &sessionID, &m.AgentID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.SessionID = stringPtr(sessionID)
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
