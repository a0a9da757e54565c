package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "escrowline.yml"

// Config models escrowline.yml.
type Config struct {
	Platform struct {
		FeeBps   int    `yaml:"fee_bps"`
		Currency string `yaml:"currency"`
	} `yaml:"platform"`
	Contracts struct {
		DefaultDueDays    int      `yaml:"default_due_days"`
		UnpaidCancelAfter Duration `yaml:"unpaid_cancel_after"`
		ReviewWindow      Duration `yaml:"review_window"`
	} `yaml:"contracts"`
	Checkout struct {
		SuccessURL string `yaml:"success_url"`
		CancelURL  string `yaml:"cancel_url"`
	} `yaml:"checkout"`
	Jobs     JobsConfig `yaml:"jobs"`
	Webhooks struct {
		Tolerance    Duration `yaml:"tolerance"`
		MaxBodyBytes int64    `yaml:"max_body_bytes"`
	} `yaml:"webhooks"`
	Storage struct {
		EvidenceRoot  string `yaml:"evidence_root"`
		DocumentsRoot string `yaml:"documents_root"`
	} `yaml:"storage"`
	Notifications struct {
		URL     string   `yaml:"url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"notifications"`
	Server struct {
		Addr string `yaml:"addr"`
		// Requests per actor per minute; 0 disables limiting.
		RateLimitPerMinute int   `yaml:"rate_limit_per_minute"`
		MaxBodyBytes       int64 `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Log struct {
		Level   string   `yaml:"level"`
		Format  string   `yaml:"format"`
		Outputs []string `yaml:"outputs"`
	} `yaml:"log"`
}

// JobsConfig controls the scheduled reconciliation sweeps.
type JobsConfig struct {
	BatchSize             int      `yaml:"batch_size"`
	AutoCancelUnpaidEvery Duration `yaml:"auto_cancel_unpaid_every"`
	AutoApproveEvery      Duration `yaml:"auto_approve_every"`
	ExpireOverdueEvery    Duration `yaml:"expire_overdue_every"`
}

// Duration is a time.Duration that reads Go duration strings ("48h") from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with el config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or the defaults when the file is absent.
func LoadOrDefault(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.FeeBps < 0 || c.Platform.FeeBps >= 10000 {
		return fmt.Errorf("config.platform.fee_bps must be in [0, 10000)")
	}
	if c.Platform.Currency == "" {
		return fmt.Errorf("config.platform.currency is required")
	}
	if c.Contracts.DefaultDueDays < 1 {
		return fmt.Errorf("config.contracts.default_due_days must be >= 1")
	}
	if c.Contracts.UnpaidCancelAfter.Duration <= 0 {
		return fmt.Errorf("config.contracts.unpaid_cancel_after must be positive")
	}
	if c.Contracts.ReviewWindow.Duration <= 0 {
		return fmt.Errorf("config.contracts.review_window must be positive")
	}
	if c.Checkout.SuccessURL == "" || c.Checkout.CancelURL == "" {
		return fmt.Errorf("config.checkout.success_url and cancel_url are required")
	}
	if c.Jobs.BatchSize < 1 {
		return fmt.Errorf("config.jobs.batch_size must be >= 1")
	}
	for name, d := range map[string]Duration{
		"auto_cancel_unpaid_every": c.Jobs.AutoCancelUnpaidEvery,
		"auto_approve_every":       c.Jobs.AutoApproveEvery,
		"expire_overdue_every":     c.Jobs.ExpireOverdueEvery,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("config.jobs.%s must be positive", name)
		}
	}
	if c.Webhooks.Tolerance.Duration <= 0 {
		return fmt.Errorf("config.webhooks.tolerance must be positive")
	}
	if c.Webhooks.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.webhooks.max_body_bytes must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config.server.max_body_bytes must be positive")
	}
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("config.server.rate_limit_per_minute must be >= 0")
	}
	if c.Storage.EvidenceRoot == "" {
		return fmt.Errorf("config.storage.evidence_root is required")
	}
	if c.Storage.DocumentsRoot == "" {
		return fmt.Errorf("config.storage.documents_root is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const defaultTemplate = `platform:
  fee_bps: 1000
  currency: usd

contracts:
  default_due_days: 14
  unpaid_cancel_after: 48h
  review_window: 72h

checkout:
  success_url: "http://localhost:8080/checkout/success"
  cancel_url: "http://localhost:8080/checkout/cancel"

jobs:
  batch_size: 50
  auto_cancel_unpaid_every: 1h
  auto_approve_every: 1h
  expire_overdue_every: 24h

webhooks:
  tolerance: 5m
  max_body_bytes: 1048576

storage:
  evidence_root: ".escrowline/objects"
  documents_root: ".escrowline/documents"

notifications:
  url: ""
  timeout: 5s

server:
  addr: ":8080"
  rate_limit_per_minute: 600
  max_body_bytes: 1048576

log:
  level: info
  format: console
`
