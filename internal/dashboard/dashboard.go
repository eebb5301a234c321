// Package dashboard renders Dashboard.md, the human-facing summary of the
// vault. It is wired to the registry as the refresh hook, so every committed
// transition redraws it.
package dashboard

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"vaultd/internal/domain"
	"vaultd/internal/repo"
	"vaultd/internal/vault"
)

const recentEvents = 15

// stateOrder fixes the row order of the lifecycle table.
var stateOrder = []domain.TaskState{
	domain.StateDetected,
	domain.StateClassified,
	domain.StateAutoRouted,
	domain.StatePendingApproval,
	domain.StateApproved,
	domain.StateRejected,
	domain.StateExpired,
	domain.StateCompleted,
}

type Renderer struct {
	Repo   repo.Repo
	Layout vault.Layout
	Now    func() time.Time
}

// Refresh rewrites Dashboard.md from the current store. The file is written
// to a temp name and renamed into place, so a reader never sees a torn
// dashboard.
func (r Renderer) Refresh(ctx context.Context) error {
	body, err := r.render(ctx)
	if err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	tmp := r.Layout.Dashboard() + ".tmp"
	if err := os.WriteFile(tmp, []byte(body), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.Layout.Dashboard())
}

func (r Renderer) render(ctx context.Context) (string, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	var b strings.Builder
	b.WriteString("# Vault Dashboard\n\n")
	fmt.Fprintf(&b, "Updated: %s\n\n", now().UTC().Format(time.RFC3339))

	counts, err := r.Repo.CountByState(ctx)
	if err != nil {
		return "", err
	}
	b.WriteString("## Tasks by State\n\n")
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"State", "Tasks"})
	for _, s := range stateOrder {
		tw.AppendRow(table.Row{string(s), counts[s]})
	}
	b.WriteString(tw.RenderMarkdown())
	b.WriteString("\n\n")

	b.WriteString("## Folders\n\n")
	tw = table.NewWriter()
	tw.AppendHeader(table.Row{"Folder", "Files"})
	for _, dir := range []struct {
		label string
		path  string
	}{
		{"Inbox", r.Layout.Inbox()},
		{"Needs_Action", r.Layout.NeedsAction()},
		{"Pending_Approval", r.Layout.PendingApproval()},
		{"Drafts", r.Layout.Drafts()},
		{"Done", r.Layout.Done()},
	} {
		tw.AppendRow(table.Row{dir.label, vault.CountFiles(dir.path)})
	}
	b.WriteString(tw.RenderMarkdown())
	b.WriteString("\n\n")

	open, err := r.Repo.ListOpenApprovals(ctx)
	if err != nil {
		return "", err
	}
	b.WriteString("## Awaiting Approval\n\n")
	if len(open) == 0 {
		b.WriteString("None.\n\n")
	} else {
		tw = table.NewWriter()
		tw.AppendHeader(table.Row{"Task", "Action", "Deadline"})
		for _, rec := range open {
			tw.AppendRow(table.Row{rec.Identity, rec.Description, rec.Deadline})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n\n")
	}

	events, err := r.Repo.LatestAuditEvents(ctx, recentEvents, "", "")
	if err != nil {
		return "", err
	}
	b.WriteString("## Recent Activity\n\n")
	if len(events) == 0 {
		b.WriteString("No activity yet.\n")
	} else {
		tw = table.NewWriter()
		tw.AppendHeader(table.Row{"Time", "Task", "Event"})
		for _, e := range events {
			tw.AppendRow(table.Row{e.TS, e.TaskIdentity, e.Kind})
		}
		b.WriteString(tw.RenderMarkdown())
		b.WriteString("\n")
	}
	return b.String(), nil
}
