package vault_test

import (
	"os"
	"path/filepath"
	"testing"

	"vaultd/internal/vault"
)

func TestApprovalFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, vault.RequestFileName("invoice_payment"))
	in := vault.ApprovalFile{
		Identity:   "invoice_payment",
		SourceFile: "invoice_payment.txt",
		Action:     "Pay invoice #42",
		Created:    "2024-03-01T12:00:00Z",
		Expires:    "2024-03-02T12:00:00Z",
	}
	if err := vault.WriteApprovalFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := vault.ParseApprovalFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.Identity != in.Identity || out.SourceFile != in.SourceFile || out.Expires != in.Expires {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if out.Type != "approval_request" {
		t.Fatalf("type should be stamped, got %q", out.Type)
	}
}

func TestParseApprovalFileRejectsPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("just some notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := vault.ParseApprovalFile(path); err == nil {
		t.Fatal("file without frontmatter should not parse")
	}
}

func TestLayoutEnsureAndMove(t *testing.T) {
	layout := vault.NewLayout(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	src := filepath.Join(layout.Inbox(), "a.txt")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(layout.NeedsAction(), "a.txt")
	if err := vault.Move(src, dst); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatal("source should be gone")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatal("destination should exist")
	}
	if n := vault.CountFiles(layout.NeedsAction()); n != 1 {
		t.Fatalf("want 1 file, got %d", n)
	}
}
