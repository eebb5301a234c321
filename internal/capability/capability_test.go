package capability_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vaultd/internal/capability"
	"vaultd/internal/domain"
)

func writeTaskFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKeywordClassifier(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	c := capability.KeywordClassifier{}

	cases := []struct {
		content string
		want    domain.Urgency
	}{
		{"URGENT: server down\n", domain.UrgencyHigh},
		{"please handle this soon\n", domain.UrgencyMedium},
		{"weekly notes\n", domain.UrgencyLow},
	}
	for i, tc := range cases {
		path := writeTaskFile(t, dir, "f"+string(rune('a'+i))+".txt", tc.content)
		got, err := c.Classify(ctx, path)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestClassifierMissingFile(t *testing.T) {
	c := capability.KeywordClassifier{}
	_, err := c.Classify(context.Background(), filepath.Join(t.TempDir(), "missing.txt"))
	var capErr *domain.CapabilityError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, "classifier", capErr.Capability)
}

func TestLinePlannerStepsAndPlanFile(t *testing.T) {
	dir := t.TempDir()
	plans := t.TempDir()
	path := writeTaskFile(t, dir, "chores.txt", "buy milk\n\nwalk the dog\n")
	p := capability.LinePlanner{
		PlansDir: plans,
		Now:      func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	steps, err := p.Plan(context.Background(), path, domain.UrgencyLow)
	require.NoError(t, err)
	require.Equal(t, []string{"buy milk", "walk the dog"}, steps)

	data, err := os.ReadFile(filepath.Join(plans, "PLAN_chores.md"))
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "identity: chores")
	require.Contains(t, text, "- [ ] Step 1: buy milk")
	require.Contains(t, text, "- [ ] Step 2: walk the dog")
}

func TestLinePlannerEmptyFile(t *testing.T) {
	dir := t.TempDir()
	plans := t.TempDir()
	path := writeTaskFile(t, dir, "empty.txt", "\n\n")
	p := capability.LinePlanner{PlansDir: plans}
	steps, err := p.Plan(context.Background(), path, domain.UrgencyLow)
	require.NoError(t, err)
	require.Empty(t, steps)
	data, err := os.ReadFile(filepath.Join(plans, "PLAN_empty.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "No actionable content")
}

func TestKeywordPolicy(t *testing.T) {
	p := capability.KeywordPolicy{
		Keywords:        []string{"payment", "delete"},
		AmountThreshold: 100,
	}
	task := domain.Task{Identity: "t"}

	require.True(t, p.RequiresApproval(task, "schedule a PAYMENT today"))
	require.True(t, p.RequiresApproval(task, "please delete old backups"))
	require.False(t, p.RequiresApproval(task, "weekly notes"))

	require.True(t, p.RequiresApproval(task, "invoice\nAmount: $450.00\n"))
	require.True(t, p.RequiresApproval(task, "invoice\namount: 1,250\n"))
	require.False(t, p.RequiresApproval(task, "coffee\nAmount: $4.50\n"))
}

func TestKeywordPolicyZeroThresholdDisablesAmounts(t *testing.T) {
	p := capability.KeywordPolicy{Keywords: nil, AmountThreshold: 0}
	require.False(t, p.RequiresApproval(domain.Task{}, "Amount: $99999\n"))
}

func TestDraftExecutorDryRun(t *testing.T) {
	dir := t.TempDir()
	drafts := t.TempDir()
	path := writeTaskFile(t, dir, "outreach.txt", "post to linkedin about the launch\n")
	e := capability.DraftExecutor{DraftsDir: drafts, DryRun: true}
	task := domain.Task{Identity: "outreach", CurrentName: "outreach.txt"}
	require.NoError(t, e.Execute(context.Background(), task, path))

	data, err := os.ReadFile(filepath.Join(drafts, "post_draft_outreach.json"))
	require.NoError(t, err)
	var d map[string]any
	require.NoError(t, json.Unmarshal(data, &d))
	require.Equal(t, "dry_run", d["mode"])
	require.Equal(t, "outreach", d["identity"])
}

func TestDraftExecutorEmailSplitsSubject(t *testing.T) {
	dir := t.TempDir()
	drafts := t.TempDir()
	path := writeTaskFile(t, dir, "mail.txt", "send email: quarterly report\nHi team,\nnumbers attached.\n")
	e := capability.DraftExecutor{DraftsDir: drafts}
	task := domain.Task{Identity: "mail", CurrentName: "mail.txt"}
	require.NoError(t, e.Execute(context.Background(), task, path))

	data, err := os.ReadFile(filepath.Join(drafts, "email_draft_mail.json"))
	require.NoError(t, err)
	var d map[string]any
	require.NoError(t, json.Unmarshal(data, &d))
	require.Equal(t, "send email: quarterly report", d["subject"])
	require.True(t, strings.HasPrefix(d["body"].(string), "Hi team,"))
	require.Equal(t, "live", d["mode"])
}
