package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vaultd/internal/domain"
)

// DraftExecutor is the dry-run-capable action interface. Instead of calling
// out to mail or social APIs it writes a draft JSON artifact into the Drafts
// folder; live delivery stays out of scope.
type DraftExecutor struct {
	DraftsDir string
	DryRun    bool
	Now       func() time.Time
}

type draft struct {
	Kind       string `json:"kind"`
	Identity   string `json:"identity"`
	SourceFile string `json:"source_file"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
	Mode       string `json:"mode"`
	CreatedAt  string `json:"created_at"`
}

func (e DraftExecutor) Execute(ctx context.Context, task domain.Task, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &domain.CapabilityError{Capability: "executor", Err: err}
	}
	content := string(data)
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	d := draft{
		Kind:       actionKind(task.CurrentName, content),
		Identity:   task.Identity,
		SourceFile: task.CurrentName,
		Body:       strings.TrimSpace(content),
		Mode:       "live",
		CreatedAt:  now().UTC().Format(time.RFC3339),
	}
	if e.DryRun {
		d.Mode = "dry_run"
	}
	if d.Kind == "email" {
		lines := strings.SplitN(strings.TrimSpace(content), "\n", 2)
		d.Subject = strings.TrimSpace(lines[0])
		if len(lines) > 1 {
			d.Body = strings.TrimSpace(lines[1])
		}
	}
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return &domain.CapabilityError{Capability: "executor", Err: err}
	}
	name := fmt.Sprintf("%s_draft_%s.json", d.Kind, task.Identity)
	if err := os.WriteFile(filepath.Join(e.DraftsDir, name), out, 0o644); err != nil {
		return &domain.CapabilityError{Capability: "executor", Err: err}
	}
	return nil
}

func actionKind(name, content string) string {
	haystack := strings.ToLower(name + "\n" + content)
	switch {
	case strings.Contains(haystack, "linkedin"):
		return "post"
	case strings.Contains(haystack, "email"):
		return "email"
	default:
		return "note"
	}
}
