package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vault.yml.
type Config struct {
	Vault struct {
		Root string `yaml:"root"`
	} `yaml:"vault"`
	Watch struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	} `yaml:"watch"`
	Approval struct {
		TTLHours          int `yaml:"ttl_hours"`
		SweepEverySeconds int `yaml:"sweep_every_seconds"`
	} `yaml:"approval"`
	Policy struct {
		Keywords        []string `yaml:"keywords"`
		AmountThreshold float64  `yaml:"amount_threshold"`
	} `yaml:"policy"`
	Actions struct {
		DryRun bool `yaml:"dry_run"`
	} `yaml:"actions"`
}

// Load reads and validates config from the vault root.
func Load(root string) (*Config, error) {
	path := Path(root)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vd init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(root string) (*Config, error) {
	data, err := os.ReadFile(Path(root))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Watch.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.watch.poll_interval_seconds must be > 0")
	}
	if c.Approval.TTLHours <= 0 {
		return fmt.Errorf("config.approval.ttl_hours must be > 0")
	}
	if c.Approval.SweepEverySeconds <= 0 {
		return fmt.Errorf("config.approval.sweep_every_seconds must be > 0")
	}
	if c.Policy.AmountThreshold < 0 {
		return fmt.Errorf("config.policy.amount_threshold must be >= 0")
	}
	for _, kw := range c.Policy.Keywords {
		if kw == "" {
			return fmt.Errorf("config.policy.keywords contains an empty keyword")
		}
	}
	return nil
}

// PollInterval returns the watcher poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Watch.PollIntervalSeconds) * time.Second
}

// ApprovalTTL returns how long an approval request stays open.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approval.TTLHours) * time.Hour
}

// SweepInterval returns how often the expiry sweep runs.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Approval.SweepEverySeconds) * time.Second
}

// Path returns the config file path for a vault root.
func Path(root string) string {
	if root == "" {
		root = "."
	}
	return filepath.Join(root, "vault.yml")
}

// Default returns the default Config struct for a vault root.
func Default(root string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.Vault.Root = root
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `vault:
  root: .

watch:
  poll_interval_seconds: 5

approval:
  ttl_hours: 24
  sweep_every_seconds: 60

# Tasks whose content matches a keyword, or carries an "Amount:" line above
# the threshold, are routed to human approval instead of auto-completing.
policy:
  keywords:
    - payment
    - invoice
    - send email
    - post to linkedin
    - delete
    - urgent
  amount_threshold: 100

actions:
  dry_run: true
`
