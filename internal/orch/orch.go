// Package orch runs the vault lifecycle: it consumes watcher events, drives
// each detected file through classification, planning and routing, applies
// human decisions, and sweeps expired approvals. Capability failures are
// recorded against the task and the loop keeps going; storage failures stop
// the run.
package orch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vaultd/internal/audit"
	"vaultd/internal/capability"
	"vaultd/internal/config"
	"vaultd/internal/domain"
	"vaultd/internal/gate"
	"vaultd/internal/registry"
	"vaultd/internal/vault"
	"vaultd/internal/watch"
)

const defaultWorkers = 4

type Orchestrator struct {
	Config     *config.Config
	Layout     vault.Layout
	Registry   *registry.Registry
	Gate       *gate.Gate
	Watcher    *watch.Watcher
	Classifier capability.Classifier
	Planner    capability.Planner
	Policy     capability.Policy
	Executor   capability.Executor
	Log        *slog.Logger
	Now        func() time.Time
	Workers    int
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run drives the lifecycle until ctx is cancelled or storage fails.
// Detections are processed by a bounded worker pool; decisions and the
// expiry sweep run on the main loop, where per-task serialization inside
// the registry already orders them against the workers.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- o.Watcher.Run(ctx)
	}()

	workers := o.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	sem := make(chan struct{}, workers)
	fatal := make(chan error, workers+1)

	sweep := time.NewTicker(o.Config.SweepInterval())
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watchErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watcher stopped: %w", err)
			}
			return err
		case err := <-fatal:
			return err
		case ev := <-o.Watcher.Detections:
			sem <- struct{}{}
			go func(ev watch.DetectionEvent) {
				defer func() { <-sem }()
				if err := o.HandleDetection(ctx, ev); err != nil {
					fatal <- err
				}
			}(ev)
		case ev := <-o.Watcher.Decisions:
			if err := o.HandleDecision(ctx, ev); err != nil {
				return err
			}
		case <-sweep.C:
			expired, err := o.Gate.SweepExpired(ctx, o.now())
			if err != nil {
				return fmt.Errorf("expiry sweep: %w", err)
			}
			for _, identity := range expired {
				o.Log.Info("approval expired", "identity", identity)
			}
		}
	}
}

// HandleDetection takes one inbox file through detection, classification,
// planning and routing. Returns an error only on storage failure; task-level
// failures are recorded in the audit log and leave the task where it stands.
func (o *Orchestrator) HandleDetection(ctx context.Context, ev watch.DetectionEvent) error {
	src := filepath.Join(o.Layout.Inbox(), ev.Name)
	if _, err := os.Stat(src); err != nil {
		// Gone already: a duplicate event for a file another worker moved.
		if !os.IsNotExist(err) {
			// The file stays in the inbox; the next poll retries it.
			o.Log.Warn("inbox file unreadable, skipping", "name", ev.Name, "error", err)
		}
		return nil
	}

	resolved := vault.Resolve(ev.Name, o.nameTaken, o.now())
	dst := filepath.Join(o.Layout.NeedsAction(), resolved)
	if err := vault.Move(src, dst); err != nil {
		if !os.IsNotExist(errors.Unwrap(err)) {
			o.Log.Warn("entry move failed, skipping", "name", ev.Name, "error", err)
		}
		return nil
	}

	task, registered, err := o.register(ctx, ev.Name, resolved)
	if err != nil {
		return err
	}
	if !registered {
		return nil
	}
	identity := task.Identity
	dst = filepath.Join(o.Layout.NeedsAction(), task.CurrentName)
	o.Log.Info("task detected", "identity", identity, "original", ev.Name, "renamed", task.Renamed())

	urgency, err := o.Classifier.Classify(ctx, dst)
	if err != nil {
		return o.recordTaskFailure(ctx, identity, "classify", err)
	}
	task, err = o.Registry.Apply(ctx, registry.TransitionRequest{
		Identity: identity,
		To:       domain.StateClassified,
		Note:     "urgency " + string(urgency),
		Kind:     domain.EventClassified,
		Detail:   audit.Detail{"urgency": string(urgency)},
		Mutate:   func(t *domain.Task) { t.Urgency = urgency },
	})
	if err != nil {
		return o.transitionFailure(ctx, identity, "classify", err)
	}

	steps, err := o.Planner.Plan(ctx, dst, urgency)
	if err != nil {
		return o.recordTaskFailure(ctx, identity, "plan", err)
	}
	task.Plan = steps

	data, err := os.ReadFile(dst)
	if err != nil {
		return o.recordTaskFailure(ctx, identity, "read", err)
	}
	content := string(data)

	if o.Policy.RequiresApproval(task, content) {
		return o.route(ctx, task, o.openApproval)
	}
	return o.route(ctx, task, o.autoRoute)
}

// register creates the task for a file already moved into Needs_Action.
// Resolution and registration are not one atomic step, so two concurrent
// arrivals sharing a stem can both resolve to the same identity; the loser
// re-resolves against the now-registered winner and renames its file until
// its registration sticks. Returns registered=false only for a duplicate
// event whose task already exists.
func (o *Orchestrator) register(ctx context.Context, original, resolved string) (domain.Task, bool, error) {
	for {
		identity := vault.Identity(resolved)
		task, created, err := o.Registry.Register(ctx, identity, original, resolved)
		if err != nil {
			return domain.Task{}, false, err
		}
		if created {
			return task, true, nil
		}
		if task.OriginalName == original && task.CurrentName == resolved {
			o.Log.Info("already registered", "identity", identity)
			return task, false, nil
		}
		// Identity lost to a concurrent arrival with the same stem. The
		// winner is in the taken set now, so re-resolving yields a free name.
		renamed := vault.Resolve(original, o.nameTaken, o.now())
		if err := vault.Move(
			filepath.Join(o.Layout.NeedsAction(), resolved),
			filepath.Join(o.Layout.NeedsAction(), renamed),
		); err != nil {
			return domain.Task{}, false, err
		}
		o.Log.Warn("identity raced, renaming", "identity", identity, "from", resolved, "to", renamed)
		resolved = renamed
	}
}

// openApproval routes a sensitive task to the human gate.
func (o *Orchestrator) openApproval(ctx context.Context, task domain.Task) error {
	description := "Execute " + task.CurrentName
	if len(task.Plan) > 0 {
		description = task.Plan[0]
	}
	deadline := o.now().Add(o.Config.ApprovalTTL())
	if _, err := o.Gate.Open(ctx, task, description, deadline); err != nil {
		return err
	}
	o.Log.Info("approval requested", "identity", task.Identity, "deadline", deadline.UTC().Format(time.RFC3339))
	return nil
}

// autoRoute executes a routine task and archives it.
func (o *Orchestrator) autoRoute(ctx context.Context, task domain.Task) error {
	task, err := o.Registry.Apply(ctx, registry.TransitionRequest{
		Identity: task.Identity,
		To:       domain.StateAutoRouted,
		Note:     "no approval required",
		Kind:     domain.EventRouted,
		Detail:   audit.Detail{"to": string(domain.StateAutoRouted), "plan": task.Plan},
		Mutate:   func(t *domain.Task) { t.Plan = task.Plan },
	})
	if err != nil {
		return err
	}
	return o.finish(ctx, task)
}

// route runs one routing step and classifies its failure: capability errors
// are recorded and swallowed, storage errors propagate.
func (o *Orchestrator) route(ctx context.Context, task domain.Task, step func(context.Context, domain.Task) error) error {
	if err := step(ctx, task); err != nil {
		return o.transitionFailure(ctx, task.Identity, "route", err)
	}
	return nil
}

// HandleDecision applies one human decision artifact. The artifact is
// consumed whether or not the decision still applied; the committed state
// already reflects the winning observation.
func (o *Orchestrator) HandleDecision(ctx context.Context, ev watch.DecisionEvent) error {
	applied, err := o.Gate.ObserveDecision(ctx, ev.Identity, ev.Decision)
	if err != nil {
		return err
	}
	o.Gate.ConsumeRequestFile(ev.Path)
	if !applied {
		o.Log.Info("stale decision ignored", "identity", ev.Identity, "decision", string(ev.Decision))
		return nil
	}
	o.Log.Info("decision applied", "identity", ev.Identity, "decision", string(ev.Decision))
	if ev.Decision != domain.DecisionApproved {
		return nil
	}
	task, ok := o.Registry.Lookup(ev.Identity)
	if !ok {
		return fmt.Errorf("task %s vanished after approval", ev.Identity)
	}
	return o.finish(ctx, task)
}

// finish executes the task's action, archives its file into Done/, and
// commits the completing transition.
func (o *Orchestrator) finish(ctx context.Context, task domain.Task) error {
	path := filepath.Join(o.Layout.NeedsAction(), task.CurrentName)
	if err := o.Executor.Execute(ctx, task, path); err != nil {
		return o.recordTaskFailure(ctx, task.Identity, "execute", err)
	}
	archived := filepath.Join(o.Layout.Done(), task.CurrentName)
	if err := vault.Move(path, archived); err != nil {
		return o.recordTaskFailure(ctx, task.Identity, "archive", err)
	}
	_, err := o.Registry.Apply(ctx, registry.TransitionRequest{
		Identity: task.Identity,
		To:       domain.StateCompleted,
		Note:     "action executed, file archived",
		Kind:     domain.EventCompleted,
		Detail:   audit.Detail{"archived_to": "Done/" + task.CurrentName},
	})
	if err != nil {
		return o.transitionFailure(ctx, task.Identity, "complete", err)
	}
	o.Log.Info("task completed", "identity", task.Identity)
	return nil
}

// recordTaskFailure writes a task.error audit entry and keeps the run alive.
// Only a failure of the audit write itself propagates.
func (o *Orchestrator) recordTaskFailure(ctx context.Context, identity, action string, cause error) error {
	o.Log.Warn("task step failed", "identity", identity, "action", action, "error", cause)
	return o.Registry.RecordError(ctx, identity, action, cause)
}

// transitionFailure routes an Apply error: refused transitions become audit
// entries, anything else is a storage failure.
func (o *Orchestrator) transitionFailure(ctx context.Context, identity, action string, err error) error {
	var capErr *domain.CapabilityError
	if errors.Is(err, domain.ErrIllegalTransition) || errors.As(err, &capErr) {
		return o.recordTaskFailure(ctx, identity, action, err)
	}
	return err
}

// nameTaken reports whether a candidate file name would collide with a live
// file or with an identity that has ever existed. Identities are never
// reused, so a completed task still blocks its name.
func (o *Orchestrator) nameTaken(name string) bool {
	if o.Registry.Has(vault.Identity(name)) {
		return true
	}
	for _, dir := range []string{o.Layout.NeedsAction(), o.Layout.Done()} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}
