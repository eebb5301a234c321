// Package audit owns the vault's append-only ledger. Every committed
// transition and every task-level error lands here exactly once; the ledger
// is never rewritten and the task registry is rebuilt from it on startup.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vaultd/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Detail map[string]any

// Append writes one ledger entry inside the caller's transaction. Appends
// are serialized by the transaction; a failure here is a storage failure
// and must abort the enclosing transition.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, identity, kind string, detail Detail) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if detail == nil {
		detail = Detail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events(event_id,ts,task_identity,kind,detail_json) VALUES (?,?,?,?,?)`,
		uuid.New().String(), ts, identity, kind, string(data))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Replay returns the full ledger in commit order. Replay is read-only and
// deterministic: the same ledger always yields the same sequence.
func Replay(ctx context.Context, db *sql.DB) ([]domain.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT id,event_id,ts,task_identity,kind,detail_json FROM audit_events ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("replay audit log: %w", err)
	}
	defer rows.Close()
	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.EventID, &e.TS, &e.TaskIdentity, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Fold reduces a replayed ledger into the live view of every task. Error
// entries never change state; unknown kinds are skipped so old ledgers stay
// replayable.
func Fold(entries []domain.AuditEntry) (map[string]domain.Task, error) {
	tasks := map[string]domain.Task{}
	for _, e := range entries {
		var detail map[string]any
		if err := json.Unmarshal([]byte(e.Detail), &detail); err != nil {
			return nil, fmt.Errorf("audit entry %d: %w", e.ID, err)
		}
		t := tasks[e.TaskIdentity]
		switch e.Kind {
		case domain.EventDetected:
			t = domain.Task{
				Identity:     e.TaskIdentity,
				OriginalName: str(detail["original_name"]),
				CurrentName:  str(detail["current_name"]),
				State:        domain.StateDetected,
				CreatedAt:    e.TS,
			}
		case domain.EventClassified:
			t.State = domain.StateClassified
			t.Urgency = domain.Urgency(str(detail["urgency"]))
		case domain.EventRouted:
			t.State = domain.TaskState(str(detail["to"]))
			if plan, ok := detail["plan"].([]any); ok {
				t.Plan = nil
				for _, step := range plan {
					t.Plan = append(t.Plan, str(step))
				}
			}
		case domain.EventApprovalOpened:
			deadline := str(detail["deadline"])
			t.State = domain.StatePendingApproval
			t.ApprovalDeadline = &deadline
			if plan, ok := detail["plan"].([]any); ok {
				t.Plan = nil
				for _, step := range plan {
					t.Plan = append(t.Plan, str(step))
				}
			}
		case domain.EventApprovalDecided:
			t.State = domain.Decision(str(detail["decision"])).State()
			t.ApprovalDeadline = nil
		case domain.EventApprovalExpired:
			t.State = domain.StateExpired
			t.ApprovalDeadline = nil
		case domain.EventCompleted:
			t.State = domain.StateCompleted
		case domain.EventError:
			// no state change
		default:
			continue
		}
		t.UpdatedAt = e.TS
		tasks[e.TaskIdentity] = t
	}
	return tasks, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
