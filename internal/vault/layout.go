// Package vault models the on-disk folder tree that tasks move through, and
// the file-level operations whose atomicity the lifecycle depends on.
package vault

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout locates the vault folders. Each lifecycle stage has exactly one
// folder, so a task file is observable in exactly one place at a time.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	if root == "" {
		root = "."
	}
	return Layout{Root: root}
}

func (l Layout) Inbox() string           { return filepath.Join(l.Root, "Inbox") }
func (l Layout) NeedsAction() string     { return filepath.Join(l.Root, "Needs_Action") }
func (l Layout) Plans() string           { return filepath.Join(l.Root, "Plans") }
func (l Layout) PendingApproval() string { return filepath.Join(l.Root, "Pending_Approval") }
func (l Layout) Approved() string        { return filepath.Join(l.Root, "Approved") }
func (l Layout) Rejected() string        { return filepath.Join(l.Root, "Rejected") }
func (l Layout) Done() string            { return filepath.Join(l.Root, "Done") }
func (l Layout) Drafts() string          { return filepath.Join(l.Root, "Drafts") }
func (l Layout) Dashboard() string       { return filepath.Join(l.Root, "Dashboard.md") }

// Ensure creates every vault folder that is missing.
func (l Layout) Ensure() error {
	dirs := []string{
		l.Inbox(), l.NeedsAction(), l.Plans(), l.PendingApproval(),
		l.Approved(), l.Rejected(), l.Done(), l.Drafts(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("ensure vault folder %s: %w", d, err)
		}
	}
	return nil
}

// Move relocates a task file with os.Rename. Within one vault the rename is
// atomic: an observer sees the file at the source or the destination, never
// both, never neither.
func Move(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s -> %s: %w", src, dst, err)
	}
	return nil
}

// ListFiles returns the names of regular files directly inside dir.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CountFiles returns the number of regular files directly inside dir.
// A missing dir counts as zero.
func CountFiles(dir string) int {
	names, err := ListFiles(dir)
	if err != nil {
		return 0
	}
	return len(names)
}
