package config_test

import (
	"os"
	"testing"
	"time"

	"vaultd/internal/config"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	if cfg.Approval.TTLHours != 24 {
		t.Fatalf("default ttl_hours want 24, got %d", cfg.Approval.TTLHours)
	}
	if !cfg.Actions.DryRun {
		t.Fatal("defaults must be dry_run")
	}
	if len(cfg.Policy.Keywords) == 0 {
		t.Fatal("defaults should carry policy keywords")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []string{
		"watch:\n  poll_interval_seconds: 0\napproval:\n  ttl_hours: 24\n  sweep_every_seconds: 60\n",
		"watch:\n  poll_interval_seconds: 5\napproval:\n  ttl_hours: 0\n  sweep_every_seconds: 60\n",
		"watch:\n  poll_interval_seconds: 5\napproval:\n  ttl_hours: 24\n  sweep_every_seconds: 0\n",
		"watch:\n  poll_interval_seconds: 5\napproval:\n  ttl_hours: 24\n  sweep_every_seconds: 60\npolicy:\n  amount_threshold: -1\n",
		"watch:\n  poll_interval_seconds: 5\napproval:\n  ttl_hours: 24\n  sweep_every_seconds: 60\npolicy:\n  keywords: [\"\"]\n",
	}
	for i, yml := range cases {
		if _, err := config.FromYAML([]byte(yml)); err == nil {
			t.Errorf("case %d should fail validation", i)
		}
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := config.FromYAML([]byte("{not yaml")); err == nil {
		t.Fatal("garbage yaml should not parse")
	}
}

func TestLoadMissingConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil {
		t.Fatal("missing config should error")
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg != nil {
		t.Fatalf("optional load should be nil,nil, got %v %v", cfg, err)
	}
}

func TestLoadFromVaultRoot(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Fatalf("poll interval want 5s, got %s", cfg.PollInterval())
	}
	if cfg.ApprovalTTL() != 24*time.Hour {
		t.Fatalf("approval ttl want 24h, got %s", cfg.ApprovalTTL())
	}
	if cfg.SweepInterval() != time.Minute {
		t.Fatalf("sweep interval want 1m, got %s", cfg.SweepInterval())
	}
}
