package repo

import (
	"context"
	"database/sql"
	"strings"

	"agentline/internal/domain"
)

const agentColumns = `id,name,role,model_tier,workspace_id,parent_id,status,metadata_json,created_at,updated_at`

func scanAgent(row scanner) (domain.Agent, error) {
	var a domain.Agent
	var parentID, meta sql.NullString
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.ModelTier, &a.WorkspaceID, &parentID, &a.Status, &meta, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ParentID = stringPtr(parentID)
	a.Metadata, err = decodeMap(meta)
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	meta, err := encodeMap(a.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Role, a.ModelTier, a.WorkspaceID, nullableStringPtr(a.ParentID), a.Status, meta, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

type AgentFilters struct {
	WorkspaceID string
	ParentID    string
	Status      string
	Role        string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.Agent, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgentStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAgent(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM agents WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementToolCall bumps the per-agent counter for a tool.
func (r Repo) IncrementToolCall(ctx context.Context, agentID, tool string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tool_calls(agent_id,tool_name,count) VALUES (?,?,1)
ON CONFLICT(agent_id,tool_name) DO UPDATE SET count=count+1`, agentID, tool)
	return err
}

func (r Repo) ToolCallCounts(ctx context.Context, agentID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT tool_name,count FROM tool_calls WHERE agent_id=?`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		res[name] = n
	}
	return res, rows.Err()
}
