package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"vaultd/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `identity,original_name,current_name,COALESCE(urgency,''),plan_json,state,approval_deadline,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var planJSON, deadline sql.NullString
	err := row.Scan(&t.Identity, &t.OriginalName, &t.CurrentName, &t.Urgency, &planJSON, &t.State, &deadline, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if planJSON.Valid && planJSON.String != "" {
		if err := json.Unmarshal([]byte(planJSON.String), &t.Plan); err != nil {
			return t, fmt.Errorf("plan json for %s: %w", t.Identity, err)
		}
	}
	if deadline.Valid {
		t.ApprovalDeadline = &deadline.String
	}
	return t, nil
}

func marshalPlan(plan []string) (any, error) {
	if len(plan) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(plan)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	planJSON, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(identity,original_name,current_name,urgency,plan_json,state,approval_deadline,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.Identity, t.OriginalName, t.CurrentName, nullable(string(t.Urgency)), planJSON, t.State, nullableStringPtr(t.ApprovalDeadline), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	planJSON, err := marshalPlan(t.Plan)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET current_name=?,urgency=?,plan_json=?,state=?,approval_deadline=?,updated_at=? WHERE identity=?`,
		t.CurrentName, nullable(string(t.Urgency)), planJSON, t.State, nullableStringPtr(t.ApprovalDeadline), t.UpdatedAt, t.Identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, identity string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE identity=?`, identity))
}

// ListTasks returns tasks, optionally filtered by state, newest first.
func (r Repo) ListTasks(ctx context.Context, state domain.TaskState) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if state != "" {
		query += ` WHERE state=?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, identity DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountByState returns the number of tasks in each lifecycle state.
func (r Repo) CountByState(ctx context.Context) (map[domain.TaskState]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.TaskState]int{}
	for rows.Next() {
		var state domain.TaskState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(identity,from_state,to_state,note,ts) VALUES (?,?,?,?,?)`,
		h.Identity, h.FromState, h.ToState, nullable(h.Note), h.TS)
	return err
}

// ListHistory returns a task's transitions in commit order.
func (r Repo) ListHistory(ctx context.Context, identity string) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,identity,from_state,to_state,COALESCE(note,''),ts FROM task_history WHERE identity=? ORDER BY id`, identity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.Identity, &h.FromState, &h.ToState, &h.Note, &h.TS); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) InsertApprovalTx(ctx context.Context, tx *sql.Tx, a domain.ApprovalRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approvals(identity,description,request_file,created_at,deadline) VALUES (?,?,?,?,?)`,
		a.Identity, a.Description, a.RequestFile, a.CreatedAt, a.Deadline)
	return err
}

// CloseApprovalTx marks an approval record resolved. Closing an already
// closed record affects zero rows and returns ErrNotFound.
func (r Repo) CloseApprovalTx(ctx context.Context, tx *sql.Tx, identity, outcome, closedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE approvals SET closed_at=?, outcome=? WHERE identity=? AND closed_at IS NULL`,
		closedAt, outcome, identity)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApproval(row interface{ Scan(...any) error }) (domain.ApprovalRecord, error) {
	var a domain.ApprovalRecord
	var closedAt sql.NullString
	err := row.Scan(&a.Identity, &a.Description, &a.RequestFile, &a.CreatedAt, &a.Deadline, &closedAt, &a.Outcome)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.String
	}
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, identity string) (domain.ApprovalRecord, error) {
	return scanApproval(r.DB.QueryRowContext(ctx,
		`SELECT identity,description,request_file,created_at,deadline,closed_at,COALESCE(outcome,'') FROM approvals WHERE identity=?`, identity))
}

// ListOpenApprovals returns records still awaiting a decision, oldest first.
func (r Repo) ListOpenApprovals(ctx context.Context) ([]domain.ApprovalRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT identity,description,request_file,created_at,deadline,closed_at,COALESCE(outcome,'') FROM approvals WHERE closed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestAuditEvents returns up to n ledger entries, newest first, with
// optional kind and identity filters.
func (r Repo) LatestAuditEvents(ctx context.Context, n int, kind, identity string) ([]domain.AuditEntry, error) {
	query := `SELECT id,event_id,ts,task_identity,kind,detail_json FROM audit_events`
	var (
		where []string
		args  []any
	)
	if kind != "" {
		where = append(where, `kind=?`)
		args = append(args, kind)
	}
	if identity != "" {
		where = append(where, `task_identity=?`)
		args = append(args, identity)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.TS, &e.TaskIdentity, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// HasIdentity reports whether an identity was ever registered. Identities
// are never reused, so terminal tasks still count.
func (r Repo) HasIdentity(ctx context.Context, identity string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE identity=? LIMIT 1`, identity).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
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
	return *v
}
