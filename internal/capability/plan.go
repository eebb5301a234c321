package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vaultd/internal/domain"
	"vaultd/internal/vault"
)

// LinePlanner turns each content line of a task file into one plan step and
// writes a PLAN_<identity>.md document into the Plans folder.
type LinePlanner struct {
	PlansDir string
	Now      func() time.Time
}

type planFrontmatter struct {
	Type       string `yaml:"type"`
	Identity   string `yaml:"identity"`
	SourceFile string `yaml:"source_file"`
	Urgency    string `yaml:"urgency"`
	Created    string `yaml:"created"`
	Steps      int    `yaml:"steps"`
}

func (p LinePlanner) Plan(ctx context.Context, path string, urgency domain.Urgency) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.CapabilityError{Capability: "planner", Err: err}
	}
	var steps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "---") {
			continue
		}
		steps = append(steps, line)
	}
	identity := vault.Identity(filepath.Base(path))
	if err := p.writePlanFile(identity, filepath.Base(path), urgency, steps); err != nil {
		return nil, &domain.CapabilityError{Capability: "planner", Err: err}
	}
	return steps, nil
}

func (p LinePlanner) writePlanFile(identity, source string, urgency domain.Urgency, steps []string) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	meta, err := yaml.Marshal(planFrontmatter{
		Type:       "plan",
		Identity:   identity,
		SourceFile: source,
		Urgency:    string(urgency),
		Created:    now().UTC().Format(time.RFC3339),
		Steps:      len(steps),
	})
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n## Steps\n\n")
	if len(steps) == 0 {
		b.WriteString("No actionable content; task completes as-is.\n")
	}
	for i, step := range steps {
		fmt.Fprintf(&b, "- [ ] Step %d: %s\n", i+1, step)
	}
	path := filepath.Join(p.PlansDir, fmt.Sprintf("PLAN_%s.md", identity))
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
