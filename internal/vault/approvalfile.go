package vault

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ApprovalFile is the human-facing approval request artifact. It is written
// into Pending_Approval/ and carries the task identity in yaml frontmatter
// so a decision can be matched back to its task after the human moves the
// file to Approved/ or Rejected/.
type ApprovalFile struct {
	Type       string `yaml:"type"`
	Identity   string `yaml:"identity"`
	SourceFile string `yaml:"source_file"`
	Action     string `yaml:"action"`
	Created    string `yaml:"created"`
	Expires    string `yaml:"expires"`
}

// RequestFileName returns the canonical approval request name for a task.
func RequestFileName(identity string) string {
	return fmt.Sprintf("APPROVAL_%s.md", identity)
}

// WriteApprovalFile renders the request with frontmatter and move-to-decide
// instructions, mirroring how tasks themselves move through the vault.
func WriteApprovalFile(path string, f ApprovalFile) error {
	f.Type = "approval_request"
	meta, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal approval frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "## Approval Required — %s\n\n", f.Action)
	fmt.Fprintf(&b, "- **Task:** %s\n", f.SourceFile)
	fmt.Fprintf(&b, "- **Created:** %s\n", f.Created)
	fmt.Fprintf(&b, "- **Expires:** %s\n\n", f.Expires)
	b.WriteString("Move this file to `Approved/` to approve, or `Rejected/` to reject.\n")
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ParseApprovalFile reads the frontmatter of an approval request.
func ParseApprovalFile(path string) (ApprovalFile, error) {
	var f ApprovalFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return f, fmt.Errorf("approval file %s: missing frontmatter", path)
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return f, fmt.Errorf("approval file %s: unterminated frontmatter", path)
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &f); err != nil {
		return f, fmt.Errorf("approval file %s: %w", path, err)
	}
	if f.Identity == "" {
		return f, fmt.Errorf("approval file %s: missing identity", path)
	}
	return f, nil
}
