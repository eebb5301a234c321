package gate_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultd/internal/audit"
	"vaultd/internal/db"
	"vaultd/internal/domain"
	"vaultd/internal/gate"
	"vaultd/internal/migrate"
	"vaultd/internal/registry"
	"vaultd/internal/vault"
)

var frozen = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Reg    *registry.Registry
	Gate   *gate.Gate
	Layout vault.Layout
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	root := t.TempDir()
	layout := vault.NewLayout(root)
	require.NoError(t, layout.Ensure())
	conn, err := db.Open(db.Config{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	reg := registry.New(conn)
	reg.Now = func() time.Time { return frozen }
	g := gate.New(reg, layout)
	g.Now = reg.Now
	return testEnv{Reg: reg, Gate: g, Layout: layout, Ctx: context.Background()}
}

// pendingTask registers a task, drives it to classified, creates its file in
// Needs_Action and opens an approval with the given deadline.
func pendingTask(t *testing.T, env testEnv, identity string, deadline time.Time) domain.Task {
	t.Helper()
	name := identity + ".txt"
	_, _, err := env.Reg.Register(env.Ctx, identity, name, name)
	require.NoError(t, err)
	task, err := env.Reg.Apply(env.Ctx, registry.TransitionRequest{
		Identity: identity,
		To:       domain.StateClassified,
		Kind:     domain.EventClassified,
		Detail:   audit.Detail{"urgency": "High"},
		Mutate:   func(task *domain.Task) { task.Urgency = domain.UrgencyHigh },
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(env.Layout.NeedsAction(), name), []byte("pay invoice\namount: $450\n"), 0o644))
	_, err = env.Gate.Open(env.Ctx, task, "Pay invoice", deadline)
	require.NoError(t, err)
	task, _ = env.Reg.Lookup(identity)
	return task
}

func TestOpenWritesRequestAndDeadline(t *testing.T) {
	env := newTestEnv(t)
	task := pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))

	require.Equal(t, domain.StatePendingApproval, task.State)
	require.NotNil(t, task.ApprovalDeadline)
	require.Equal(t, frozen.Add(24*time.Hour).Format(time.RFC3339), *task.ApprovalDeadline)

	requestPath := filepath.Join(env.Layout.PendingApproval(), vault.RequestFileName("invoice"))
	f, err := vault.ParseApprovalFile(requestPath)
	require.NoError(t, err)
	require.Equal(t, "invoice", f.Identity)

	rec, err := env.Gate.Repo.GetApproval(env.Ctx, "invoice")
	require.NoError(t, err)
	require.True(t, rec.Open())
}

func TestDecisionAppliesExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))

	applied, err := env.Gate.ObserveDecision(env.Ctx, "invoice", domain.DecisionApproved)
	require.NoError(t, err)
	require.True(t, applied)

	task, _ := env.Reg.Lookup("invoice")
	require.Equal(t, domain.StateApproved, task.State)
	require.Nil(t, task.ApprovalDeadline)

	// repeated and conflicting observations are no-ops
	applied, err = env.Gate.ObserveDecision(env.Ctx, "invoice", domain.DecisionApproved)
	require.NoError(t, err)
	require.False(t, applied)
	applied, err = env.Gate.ObserveDecision(env.Ctx, "invoice", domain.DecisionRejected)
	require.NoError(t, err)
	require.False(t, applied)

	task, _ = env.Reg.Lookup("invoice")
	require.Equal(t, domain.StateApproved, task.State)

	rec, err := env.Gate.Repo.GetApproval(env.Ctx, "invoice")
	require.NoError(t, err)
	require.False(t, rec.Open())
	require.Equal(t, "approved", rec.Outcome)
}

func TestConcurrentDecisionsOneWinner(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))

	type outcome struct {
		applied bool
		err     error
	}
	var wg sync.WaitGroup
	results := make(chan outcome, 2)
	for _, d := range []domain.Decision{domain.DecisionApproved, domain.DecisionRejected} {
		wg.Add(1)
		go func(d domain.Decision) {
			defer wg.Done()
			applied, err := env.Gate.ObserveDecision(env.Ctx, "invoice", d)
			results <- outcome{applied: applied, err: err}
		}(d)
	}
	wg.Wait()
	close(results)
	wins := 0
	for res := range results {
		require.NoError(t, res.err)
		if res.applied {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one decision must win")

	task, _ := env.Reg.Lookup("invoice")
	require.Contains(t, []domain.TaskState{domain.StateApproved, domain.StateRejected}, task.State)
}

func TestRejectionArchivesFile(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))

	applied, err := env.Gate.ObserveDecision(env.Ctx, "invoice", domain.DecisionRejected)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = os.Stat(filepath.Join(env.Layout.NeedsAction(), "invoice.txt"))
	require.True(t, os.IsNotExist(err), "rejected file must leave Needs_Action")
	_, err = os.Stat(filepath.Join(env.Layout.Done(), "REJECTED_invoice.txt"))
	require.NoError(t, err, "rejected file must land in Done with prefix")
}

func TestSweepExpiresPastDeadline(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))
	pendingTask(t, env, "memo", frozen.Add(48*time.Hour))

	expired, err := env.Gate.SweepExpired(env.Ctx, frozen.Add(25*time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"invoice"}, expired)

	task, _ := env.Reg.Lookup("invoice")
	require.Equal(t, domain.StateExpired, task.State)
	require.Nil(t, task.ApprovalDeadline)
	other, _ := env.Reg.Lookup("memo")
	require.Equal(t, domain.StatePendingApproval, other.State)

	// request artifact consumed, file archived
	_, err = os.Stat(filepath.Join(env.Layout.PendingApproval(), vault.RequestFileName("invoice")))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.Layout.Done(), "EXPIRED_invoice.txt"))
	require.NoError(t, err)

	// second sweep finds nothing
	expired, err = env.Gate.SweepExpired(env.Ctx, frozen.Add(26*time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestDecisionForUnknownTaskIsIgnored(t *testing.T) {
	env := newTestEnv(t)

	applied, err := env.Gate.ObserveDecision(env.Ctx, "ghost", domain.DecisionApproved)
	require.NoError(t, err, "a stray artifact naming an unknown task must not error")
	require.False(t, applied)

	// nothing was created or written
	require.False(t, env.Reg.Has("ghost"))
	entries, err := audit.Replay(env.Ctx, env.Reg.DB)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestDecisionAfterExpiryIsStale(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))

	_, err := env.Gate.SweepExpired(env.Ctx, frozen.Add(25*time.Hour))
	require.NoError(t, err)

	applied, err := env.Gate.ObserveDecision(env.Ctx, "invoice", domain.DecisionApproved)
	require.NoError(t, err)
	require.False(t, applied, "decision on an expired task must not apply")

	task, _ := env.Reg.Lookup("invoice")
	require.Equal(t, domain.StateExpired, task.State)
}

func TestExpiryScenarioLedger(t *testing.T) {
	env := newTestEnv(t)
	pendingTask(t, env, "invoice", frozen.Add(24*time.Hour))
	_, err := env.Gate.SweepExpired(env.Ctx, frozen.Add(25*time.Hour))
	require.NoError(t, err)

	entries, err := audit.Replay(env.Ctx, env.Reg.DB)
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		if e.TaskIdentity == "invoice" {
			kinds = append(kinds, e.Kind)
		}
	}
	require.Equal(t, []string{
		domain.EventDetected,
		domain.EventClassified,
		domain.EventApprovalOpened,
		domain.EventApprovalExpired,
	}, kinds)
}
