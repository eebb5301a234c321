// Package capability defines the pluggable collaborators the orchestration
// core invokes but does not own. Each capability is a single-method
// interface so test doubles drop in without touching the state machine.
package capability

import (
	"context"

	"vaultd/internal/domain"
)

// Classifier maps file content to an urgency label.
type Classifier interface {
	Classify(ctx context.Context, path string) (domain.Urgency, error)
}

// Planner produces an ordered step list for a task. An empty plan is valid
// for trivial tasks.
type Planner interface {
	Plan(ctx context.Context, path string, urgency domain.Urgency) ([]string, error)
}

// Policy decides whether a classified task needs a human in the loop.
// The state machine is policy-agnostic; it only enforces that exactly one
// routing branch is taken.
type Policy interface {
	RequiresApproval(task domain.Task, content string) bool
}

// Executor carries out the planned action for an approved or auto-routed
// task. Implementations must support dry-run.
type Executor interface {
	Execute(ctx context.Context, task domain.Task, path string) error
}

// RefreshHook is the fire-and-forget dashboard notification fired after
// every committed transition. A hook failure is logged, never rolled back.
type RefreshHook interface {
	Refresh(ctx context.Context) error
}

// HookFunc adapts a function to the RefreshHook interface.
type HookFunc func(ctx context.Context) error

func (f HookFunc) Refresh(ctx context.Context) error { return f(ctx) }

// NopHook satisfies RefreshHook without doing anything.
var NopHook = HookFunc(func(context.Context) error { return nil })
