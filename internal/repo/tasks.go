package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agentline/internal/domain"
)

const taskColumns = `id,title,objective,scope,acceptance_criteria_json,verification_commands_json,assigned_to,status,dependencies_json,parallel_group,workspace_id,session_id,completion_summary,verification_verdict,verification_report,version,created_at,updated_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var scope, criteria, commands, assignedTo, deps, group, sessionID, summary, verdict, report sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Objective, &scope, &criteria, &commands, &assignedTo, &t.Status, &deps, &group,
		&t.WorkspaceID, &sessionID, &summary, &verdict, &report, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Scope = stringPtr(scope)
	t.AssignedTo = stringPtr(assignedTo)
	t.ParallelGroup = stringPtr(group)
	t.SessionID = stringPtr(sessionID)
	t.CompletionSummary = stringPtr(summary)
	t.VerificationVerdict = stringPtr(verdict)
	t.VerificationReport = stringPtr(report)
	if t.AcceptanceCriteria, err = decodeStrings(criteria); err != nil {
		return t, err
	}
	if t.VerificationCommands, err = decodeStrings(commands); err != nil {
		return t, err
	}
	if t.Dependencies, err = decodeStrings(deps); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	criteria, err := encodeStrings(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	commands, err := encodeStrings(t.VerificationCommands)
	if err != nil {
		return err
	}
	deps, err := encodeStrings(t.Dependencies)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Objective, nullableStringPtr(t.Scope), criteria, commands, nullableStringPtr(t.AssignedTo), t.Status,
		deps, nullableStringPtr(t.ParallelGroup), t.WorkspaceID, nullableStringPtr(t.SessionID), nullableStringPtr(t.CompletionSummary),
		nullableStringPtr(t.VerificationVerdict), nullableStringPtr(t.VerificationReport), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	WorkspaceID   string
	Status        string
	AssignedTo    string
	ParallelGroup string
	Limit         int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.ParallelGroup != "" {
		clauses = append(clauses, "parallel_group=?")
		args = append(args, f.ParallelGroup)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTaskIDs lists tasks assigned to the agent that are still in flight.
func (r Repo) ActiveTaskIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE assigned_to=? AND status IN (?,?,?) ORDER BY created_at ASC, id ASC`,
		agentID, domain.TaskInProgress, domain.TaskReviewRequired, domain.TaskNeedsFix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateTaskStatus writes status and summary without a version check. The
// version is left as is.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, summary *string, updatedAt string) error {
	query := `UPDATE tasks SET status=?, updated_at=? WHERE id=?`
	args := []any{status, updatedAt, id}
	if summary != nil {
		query = `UPDATE tasks SET status=?, completion_summary=?, updated_at=? WHERE id=?`
		args = []any{status, nullableStringPtr(summary), updatedAt, id}
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskFields applies a patch as one compare-and-swap write. With an
// expected version the row must still carry it; either way the stored
// version is incremented by one.
func (r Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, id string, expectedVersion *int, p domain.TaskPatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	setList := func(col string, v *[]string) error {
		if v == nil {
			return nil
		}
		enc, err := encodeStrings(*v)
		if err != nil {
			return err
		}
		set(col, enc)
		return nil
	}
	if p.Title != nil {
		set("title", *p.Title)
	}
	if p.Objective != nil {
		set("objective", *p.Objective)
	}
	if p.Scope != nil {
		set("scope", nullableStringPtr(p.Scope))
	}
	if err := setList("acceptance_criteria_json", p.AcceptanceCriteria); err != nil {
		return err
	}
	if err := setList("verification_commands_json", p.VerificationCommands); err != nil {
		return err
	}
	if p.AssignedTo != nil {
		set("assigned_to", nullableStringPtr(p.AssignedTo))
	}
	if p.Status != nil {
		set("status", *p.Status)
	}
	if err := setList("dependencies_json", p.Dependencies); err != nil {
		return err
	}
	if p.ParallelGroup != nil {
		set("parallel_group", nullableStringPtr(p.ParallelGroup))
	}
	if p.SessionID != nil {
		set("session_id", nullableStringPtr(p.SessionID))
	}
	if p.CompletionSummary != nil {
		set("completion_summary", nullableStringPtr(p.CompletionSummary))
	}
	if p.VerificationVerdict != nil {
		set("verification_verdict", nullableStringPtr(p.VerificationVerdict))
	}
	if p.VerificationReport != nil {
		set("verification_report", nullableStringPtr(p.VerificationReport))
	}
	set("updated_at", updatedAt)
	fields = append(fields, "version=version+1")

	where := "id=?"
	args = append(args, id)
	if expectedVersion != nil {
		where += " AND version=?"
		args = append(args, *expectedVersion)
	}
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE %s`, strings.Join(fields, ","), where), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var actual int
	err = r.q(tx).QueryRowContext(ctx, `SELECT version FROM tasks WHERE id=?`, id).Scan(&actual)
	if err == sql.ErrNoRows {
		return domain.NotFoundf("task %s", id)
	}
	if err != nil {
		return err
	}
	expected := 0
	if expectedVersion != nil {
		expected = *expectedVersion
	}
	return domain.VersionConflictError{TaskID: id, Expected: expected, Actual: actual}
}

func (r Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
