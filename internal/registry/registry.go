// Package registry owns the authoritative lifecycle state of every task.
// All mutation funnels through Apply, which serializes per identity, checks
// the transition table, and commits the task row, the history row, and the
// audit entry in one transaction. The in-memory view is rebuilt from the
// audit ledger at startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"database/sql"

	"vaultd/internal/audit"
	"vaultd/internal/capability"
	"vaultd/internal/domain"
	"vaultd/internal/repo"
)

type Registry struct {
	DB    *sql.DB
	Repo  repo.Repo
	Audit audit.Writer
	Hook  capability.RefreshHook
	Log   *slog.Logger
	Now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	tasks map[string]domain.Task
}

func New(conn *sql.DB) *Registry {
	r := &Registry{
		DB:    conn,
		Repo:  repo.Repo{DB: conn},
		Hook:  capability.NopHook,
		Log:   slog.Default(),
		Now:   time.Now,
		locks: map[string]*sync.Mutex{},
		tasks: map[string]domain.Task{},
	}
	// Ledger timestamps follow the registry clock, so an injected clock
	// keeps task rows and audit entries consistent.
	r.Audit = audit.Writer{DB: conn, Now: func() time.Time { return r.now() }}
	return r
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// lockFor returns the critical-section lock for one identity. Two
// concurrent observations of the same task serialize here; the loser sees
// the already-updated state.
func (r *Registry) lockFor(identity string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[identity]
	if !ok {
		l = &sync.Mutex{}
		r.locks[identity] = l
	}
	return l
}

// Rebuild replays the audit ledger into the in-memory view. Deterministic:
// the same ledger always yields the same registry.
func (r *Registry) Rebuild(ctx context.Context) error {
	entries, err := audit.Replay(ctx, r.DB)
	if err != nil {
		return err
	}
	tasks, err := audit.Fold(entries)
	if err != nil {
		return fmt.Errorf("rebuild registry: %w", err)
	}
	r.mu.Lock()
	r.tasks = tasks
	r.mu.Unlock()
	return nil
}

// Lookup returns the live view of a task.
func (r *Registry) Lookup(identity string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[identity]
	return t, ok
}

// Has reports whether an identity was ever registered. Identities are never
// reused, so terminal tasks still count.
func (r *Registry) Has(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// Register creates a task in the detected state. Registering an identity
// that already exists is a no-op returning the existing task, which makes
// duplicate detection events safe.
func (r *Registry) Register(ctx context.Context, identity, originalName, currentName string) (domain.Task, bool, error) {
	lock := r.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := r.Lookup(identity); ok {
		return existing, false, nil
	}
	now := r.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		Identity:     identity,
		OriginalName: originalName,
		CurrentName:  currentName,
		State:        domain.StateDetected,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, false, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, false, fmt.Errorf("insert task %s: %w", identity, err)
	}
	if err := r.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
		Identity: identity, FromState: "", ToState: domain.StateDetected, Note: "detected in inbox", TS: now,
	}); err != nil {
		return domain.Task{}, false, err
	}
	if err := r.Audit.Append(ctx, tx, identity, domain.EventDetected, audit.Detail{
		"original_name": originalName,
		"current_name":  currentName,
		"renamed":       originalName != currentName,
	}); err != nil {
		return domain.Task{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, false, err
	}
	r.mu.Lock()
	r.tasks[identity] = t
	r.mu.Unlock()
	r.notify()
	return t, true, nil
}

// TransitionRequest describes one state change.
type TransitionRequest struct {
	Identity string
	To       domain.TaskState
	Note     string
	Kind     string       // audit event kind
	Detail   audit.Detail // must carry what audit.Fold needs to replay this step
	Mutate   func(*domain.Task)
	InTx     func(ctx context.Context, tx *sql.Tx) error
}

// Apply commits one transition: transition-table check, task row update,
// history append, audit append, optional extra rows, all in one
// transaction, all under the task's identity lock. On success exactly one
// dashboard refresh is fired. An illegal transition mutates nothing.
func (r *Registry) Apply(ctx context.Context, req TransitionRequest) (domain.Task, error) {
	lock := r.lockFor(req.Identity)
	lock.Lock()
	defer lock.Unlock()

	t, ok := r.Lookup(req.Identity)
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", req.Identity, repo.ErrNotFound)
	}
	if err := domain.ValidateTransition(req.Identity, t.State, req.To); err != nil {
		return t, err
	}
	next := t
	if req.Mutate != nil {
		req.Mutate(&next)
	}
	next.State = req.To
	now := r.now().UTC().Format(time.RFC3339)
	next.UpdatedAt = now

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateTaskTx(ctx, tx, next); err != nil {
		return t, fmt.Errorf("update task %s: %w", req.Identity, err)
	}
	if err := r.Repo.InsertHistoryTx(ctx, tx, domain.HistoryEntry{
		Identity: req.Identity, FromState: t.State, ToState: req.To, Note: req.Note, TS: now,
	}); err != nil {
		return t, err
	}
	if req.InTx != nil {
		if err := req.InTx(ctx, tx); err != nil {
			return t, err
		}
	}
	if err := r.Audit.Append(ctx, tx, req.Identity, req.Kind, req.Detail); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	r.mu.Lock()
	r.tasks[req.Identity] = next
	r.mu.Unlock()
	r.notify()
	return next, nil
}

// RecordError appends one error audit entry for a task without changing its
// state. Used for capability failures and rejected illegal transitions.
func (r *Registry) RecordError(ctx context.Context, identity, action string, cause error) error {
	lock := r.lockFor(identity)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Audit.Append(ctx, tx, identity, domain.EventError, audit.Detail{
		"action": action,
		"error":  cause.Error(),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// notify fires the dashboard refresh hook. Fire-and-forget: a hook failure
// is logged and never affects the committed transition.
func (r *Registry) notify() {
	hook := r.Hook
	if hook == nil {
		return
	}
	go func() {
		if err := hook.Refresh(context.Background()); err != nil {
			r.Log.Warn("dashboard refresh failed", "error", err)
		}
	}()
}
