package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"protovault/internal/tier"
)

// Config models protovault.yml.
type Config struct {
	Vault struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"vault"`
	Tiers struct {
		// Plans maps tier name to the credit grant applied on upgrade.
		Plans map[string]TierPlan `yaml:"plans"`
		// StartingBalance is the credit balance of a brand-new account.
		StartingBalance int `yaml:"starting_balance"`
	} `yaml:"tiers"`
	Categories []string        `yaml:"categories"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
}

type TierPlan struct {
	Credits   int  `yaml:"credits"`
	Unlimited bool `yaml:"unlimited"`
}

// WebhookConfig describes an external sink for events and audit reports.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Reports        bool     `yaml:"reports,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pv vault config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Vault.ID == "" {
		return fmt.Errorf("config.vault.id is required")
	}
	if c.Vault.Kind != "protocol-vault" {
		return fmt.Errorf("config.vault.kind must be 'protocol-vault'")
	}
	if c.Tiers.Plans == nil {
		return fmt.Errorf("config.tiers.plans is required")
	}
	for name, plan := range c.Tiers.Plans {
		if !tier.Valid(tier.Tier(name)) {
			return fmt.Errorf("unknown tier %s in plans", name)
		}
		if plan.Credits < 0 {
			return fmt.Errorf("tier %s has negative credit grant", name)
		}
		if plan.Unlimited && plan.Credits != 0 {
			return fmt.Errorf("tier %s cannot declare both credits and unlimited", name)
		}
	}
	if c.Tiers.StartingBalance < 0 {
		return fmt.Errorf("config.tiers.starting_balance must be non-negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "protovault.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(vaultID string) string {
	return fmt.Sprintf(defaultTemplate, vaultID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a vault.
func Default(vaultID string) *Config {
	var cfg Config
	cfg.Vault.ID = vaultID
	cfg.Vault.Kind = "protocol-vault"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, vaultID))).Decode(&cfg)
	return &cfg
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

// GrantFor returns the balance an actor receives when moving to a tier.
// Unlimited plans return the gate's sentinel via ok=false semantics: the
// second return is true when the plan is unlimited.
func (c *Config) GrantFor(t tier.Tier) (credits int, unlimited bool) {
	plan, ok := c.Tiers.Plans[string(t)]
	if !ok {
		return c.Tiers.StartingBalance, false
	}
	return plan.Credits, plan.Unlimited
}

const defaultTemplate = `vault:
  id: %s
  kind: protocol-vault

tiers:
  starting_balance: 2

  plans:
    observer:
      credits: 2
    operator:
      credits: 60
    commander:
      credits: 300
    authority:
      unlimited: true
    sovereign:
      unlimited: true

categories:
  - HR
  - Finance
  - Operations
  - Legal
  - QHSE
  - IT
  - Manufacturing
  - Healthcare
  - Sales
  - Marketing
`
