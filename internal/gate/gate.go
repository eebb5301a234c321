// Package gate manages the human-in-the-loop branch: opening approval
// requests, applying decisions exactly once, and expiring requests whose
// deadline passed. The gate never locks anything itself; the registry's
// serialized per-task transition path is the single point of mutual
// exclusion, so concurrent observers cannot double-transition a task.
package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vaultd/internal/audit"
	"vaultd/internal/domain"
	"vaultd/internal/registry"
	"vaultd/internal/repo"
	"vaultd/internal/vault"
)

type Gate struct {
	Registry *registry.Registry
	Repo     repo.Repo
	Layout   vault.Layout
	Log      *slog.Logger
	Now      func() time.Time
}

func New(reg *registry.Registry, layout vault.Layout) *Gate {
	return &Gate{
		Registry: reg,
		Repo:     reg.Repo,
		Layout:   layout,
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Open creates the approval record, writes the request file into
// Pending_Approval/, and transitions the task to pending_approval with its
// deadline set. Record row and transition commit together.
func (g *Gate) Open(ctx context.Context, task domain.Task, description string, deadline time.Time) (domain.ApprovalRecord, error) {
	now := g.now().UTC().Format(time.RFC3339)
	deadlineStr := deadline.UTC().Format(time.RFC3339)
	requestFile := vault.RequestFileName(task.Identity)
	rec := domain.ApprovalRecord{
		Identity:    task.Identity,
		Description: description,
		RequestFile: requestFile,
		CreatedAt:   now,
		Deadline:    deadlineStr,
	}
	path := filepath.Join(g.Layout.PendingApproval(), requestFile)
	if err := vault.WriteApprovalFile(path, vault.ApprovalFile{
		Identity:   task.Identity,
		SourceFile: task.CurrentName,
		Action:     description,
		Created:    now,
		Expires:    deadlineStr,
	}); err != nil {
		return rec, fmt.Errorf("write approval request: %w", err)
	}
	_, err := g.Registry.Apply(ctx, registry.TransitionRequest{
		Identity: task.Identity,
		To:       domain.StatePendingApproval,
		Note:     description,
		Kind:     domain.EventApprovalOpened,
		Detail: audit.Detail{
			"description": description,
			"deadline":    deadlineStr,
			"plan":        task.Plan,
		},
		Mutate: func(t *domain.Task) {
			t.ApprovalDeadline = &deadlineStr
			t.Plan = task.Plan
		},
		InTx: func(ctx context.Context, tx *sql.Tx) error {
			return g.Repo.InsertApprovalTx(ctx, tx, rec)
		},
	})
	if err != nil {
		// Transition refused: remove the orphaned request file.
		_ = os.Remove(path)
		return rec, err
	}
	return rec, nil
}

// ObserveDecision applies a human decision exactly once. Returns false if
// the task has already left pending_approval; a repeated or conflicting
// observation is a no-op, not an error — first decision wins. A decision
// naming an identity the registry has never seen is ignored the same way:
// it is user input, and one stray artifact must not stop the run.
func (g *Gate) ObserveDecision(ctx context.Context, identity string, decision domain.Decision) (bool, error) {
	task, ok := g.Registry.Lookup(identity)
	if !ok {
		g.Log.Warn("decision for unknown task", "identity", identity, "decision", string(decision))
		return false, nil
	}
	if task.State != domain.StatePendingApproval {
		return false, nil
	}
	closedAt := g.now().UTC().Format(time.RFC3339)
	next, err := g.Registry.Apply(ctx, registry.TransitionRequest{
		Identity: identity,
		To:       decision.State(),
		Note:     "human decision: " + string(decision),
		Kind:     domain.EventApprovalDecided,
		Detail:   audit.Detail{"decision": string(decision)},
		Mutate: func(t *domain.Task) {
			t.ApprovalDeadline = nil
		},
		InTx: func(ctx context.Context, tx *sql.Tx) error {
			return g.Repo.CloseApprovalTx(ctx, tx, identity, string(decision), closedAt)
		},
	})
	if err != nil {
		// Lost the race against a concurrent decision or the expiry sweep.
		if errors.Is(err, domain.ErrIllegalTransition) {
			return false, nil
		}
		return false, err
	}
	if decision == domain.DecisionRejected {
		if err := g.archive(next, "REJECTED_"); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SweepExpired expires every open record whose deadline has passed,
// returning the identities it transitioned. Safe to run repeatedly and
// concurrently with decision observers: each expiry funnels through the
// serialized transition path, so a task expires exactly once.
func (g *Gate) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	open, err := g.Repo.ListOpenApprovals(ctx)
	if err != nil {
		return nil, err
	}
	var expired []string
	for _, rec := range open {
		deadline, err := time.Parse(time.RFC3339, rec.Deadline)
		if err != nil {
			g.Log.Warn("unparseable approval deadline", "identity", rec.Identity, "deadline", rec.Deadline)
			continue
		}
		if !now.After(deadline) {
			continue
		}
		closedAt := now.UTC().Format(time.RFC3339)
		next, err := g.Registry.Apply(ctx, registry.TransitionRequest{
			Identity: rec.Identity,
			To:       domain.StateExpired,
			Note:     "no decision before deadline",
			Kind:     domain.EventApprovalExpired,
			Detail:   audit.Detail{"deadline": rec.Deadline},
			Mutate: func(t *domain.Task) {
				t.ApprovalDeadline = nil
			},
			InTx: func(ctx context.Context, tx *sql.Tx) error {
				return g.Repo.CloseApprovalTx(ctx, tx, rec.Identity, "expired", closedAt)
			},
		})
		if err != nil {
			// A decision landed between the listing and the transition.
			if errors.Is(err, domain.ErrIllegalTransition) {
				continue
			}
			return expired, err
		}
		_ = os.Remove(filepath.Join(g.Layout.PendingApproval(), rec.RequestFile))
		if err := g.archive(next, "EXPIRED_"); err != nil {
			return expired, err
		}
		expired = append(expired, rec.Identity)
	}
	return expired, nil
}

// ConsumeRequestFile removes a decided request artifact from the decision
// folder. The decision is already committed; a second copy of the artifact
// re-observed later is a no-op by state.
func (g *Gate) ConsumeRequestFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		g.Log.Warn("could not remove decided approval file", "path", path, "error", err)
	}
}

// archive moves a terminally rejected or expired task file into Done/ under
// a status prefix. The rename is atomic; the task is never in two places.
func (g *Gate) archive(task domain.Task, prefix string) error {
	src := filepath.Join(g.Layout.NeedsAction(), task.CurrentName)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	dst := filepath.Join(g.Layout.Done(), prefix+task.CurrentName)
	return vault.Move(src, dst)
}
