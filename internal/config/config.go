package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models escrowline.yml. Funding, quorum and settlement policy are
// snapshotted per escrow at creation; the file only supplies defaults.
type Config struct {
	Platform struct {
		ID         string `yaml:"id" json:"id"`
		FeeBps     int64  `yaml:"fee_bps" json:"fee_bps"`
		FeeAccount string `yaml:"fee_account" json:"fee_account"`
	} `yaml:"platform" json:"platform"`
	Funding struct {
		MinAmount int64 `yaml:"min_amount" json:"min_amount"`
	} `yaml:"funding" json:"funding"`
	Quorum struct {
		// Weight that agreeing oracles must reach before a worker
		// result is validated.
		Threshold int64 `yaml:"threshold" json:"threshold"`
	} `yaml:"quorum" json:"quorum"`
	Settlement struct {
		MaxAttempts     int    `yaml:"max_attempts" json:"max_attempts"`
		BackoffBaseMS   int    `yaml:"backoff_base_ms" json:"backoff_base_ms"`
		BackoffMaxMS    int    `yaml:"backoff_max_ms" json:"backoff_max_ms"`
		ConfirmPollMS   int    `yaml:"confirm_poll_ms" json:"confirm_poll_ms"`
		ConfirmTimeoutS int    `yaml:"confirm_timeout_s" json:"confirm_timeout_s"`
		LedgerURL       string `yaml:"ledger_url" json:"ledger_url"`
	} `yaml:"settlement" json:"settlement"`
	Oracles []OracleEntry `yaml:"oracles" json:"oracles"`
}

// OracleEntry is a default trusted-oracle set member applied to new escrows
// when the create request does not carry its own set.
type OracleEntry struct {
	ID      string `yaml:"id" json:"id"`
	Account string `yaml:"account" json:"account"`
	Weight  int64  `yaml:"weight" json:"weight"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	if c.Platform.FeeBps < 0 || c.Platform.FeeBps > 10000 {
		return fmt.Errorf("config.platform.fee_bps must be within [0,10000]")
	}
	if c.Platform.FeeBps > 0 && c.Platform.FeeAccount == "" {
		return fmt.Errorf("config.platform.fee_account required when fee_bps > 0")
	}
	if c.Funding.MinAmount < 0 {
		return fmt.Errorf("config.funding.min_amount must not be negative")
	}
	if c.Quorum.Threshold <= 0 {
		return fmt.Errorf("config.quorum.threshold must be positive")
	}
	if c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("config.settlement.max_attempts must be positive")
	}
	seen := map[string]bool{}
	for _, o := range c.Oracles {
		if o.ID == "" {
			return fmt.Errorf("config.oracles contains empty oracle id")
		}
		if o.Weight <= 0 {
			return fmt.Errorf("oracle %s has non-positive weight", o.ID)
		}
		if seen[o.ID] {
			return fmt.Errorf("oracle %s listed twice", o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "escrowline.yml")
}

// Load reads and validates config from workspace, falling back to the
// built-in defaults when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default("escrowline"), nil
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

// Default returns the default Config struct for a platform id.
func Default(platformID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, platformID))).Decode(&cfg)
	cfg.Platform.ID = platformID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
}

const defaultTemplate = `platform:
  id: %s
  fee_bps: 1000
  fee_account: acct-platform-fees

funding:
  min_amount: 1

quorum:
  threshold: 2

settlement:
  max_attempts: 5
  backoff_base_ms: 100
  backoff_max_ms: 5000
  confirm_poll_ms: 250
  confirm_timeout_s: 30
  ledger_url: ""

oracles: []
`
