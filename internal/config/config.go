// Package config models siteline.yml and sets up logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"siteline/internal/flags"
	"siteline/internal/provision"
)

// Config models siteline.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Relay struct {
		URL string `yaml:"url"`
	} `yaml:"relay"`
	Features struct {
		OptimisticMutations    bool `yaml:"optimistic_mutations"`
		OptimisticLeads        bool `yaml:"optimistic_leads"`
		OptimisticEstimating   bool `yaml:"optimistic_estimating"`
		OptimisticDeliverables bool `yaml:"optimistic_deliverables"`
	} `yaml:"features"`
	Provisioning struct {
		FastPollMillis int `yaml:"fast_poll_millis"`
		SlowPollMillis int `yaml:"slow_poll_millis"`
	} `yaml:"provisioning"`
	Logging struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Toggles returns the feature flags as a provider for the mutation layer.
func (c *Config) Toggles() flags.Provider {
	return flags.Static{
		flags.OptimisticMutations:    c.Features.OptimisticMutations,
		flags.OptimisticLeads:        c.Features.OptimisticLeads,
		flags.OptimisticEstimating:   c.Features.OptimisticEstimating,
		flags.OptimisticDeliverables: c.Features.OptimisticDeliverables,
	}
}

// FastPoll returns the configured disconnected poll cadence.
func (c *Config) FastPoll() time.Duration {
	if c.Provisioning.FastPollMillis <= 0 {
		return provision.DefaultFastPoll
	}
	return time.Duration(c.Provisioning.FastPollMillis) * time.Millisecond
}

// SlowPoll returns the configured connected poll cadence.
func (c *Config) SlowPoll() time.Duration {
	if c.Provisioning.SlowPollMillis <= 0 {
		return provision.DefaultSlowPoll
	}
	return time.Duration(c.Provisioning.SlowPollMillis) * time.Millisecond
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Provisioning.FastPollMillis < 0 || c.Provisioning.SlowPollMillis < 0 {
		return fmt.Errorf("provisioning poll cadences must be positive")
	}
	switch strings.ToUpper(c.Logging.Level) {
	case "", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "siteline.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
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

// Default returns the built-in configuration: optimistic mutations on for
// every domain, standard cadences, server on localhost.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:8430"
	cfg.Features.OptimisticMutations = true
	cfg.Features.OptimisticLeads = true
	cfg.Features.OptimisticEstimating = true
	cfg.Features.OptimisticDeliverables = true
	cfg.Logging.Level = "INFO"
	return &cfg
}

// GenerateDefault returns default config YAML for siteline init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8430

features:
  optimistic_mutations: true
  optimistic_leads: true
  optimistic_estimating: true
  optimistic_deliverables: true

provisioning:
  fast_poll_millis: 800
  slow_poll_millis: 5000

logging:
  level: INFO
`
