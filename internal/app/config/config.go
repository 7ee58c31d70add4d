// Package config loads the YAML document describing every Coordinator
// prefix this process runs, plus the shared southbound/archival/metrics
// settings. Structure and Load/ApplyDefaults/Validate flow are adapted
// directly from the teacher's internal/app/config.Config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/beamsync/bsas/internal/adapters/opcuabus"
	"github.com/beamsync/bsas/internal/ports"
	"gopkg.in/yaml.v3"
)

// Config is the top-level document: shared bus/archiver/metrics settings
// plus one entry per table prefix this process serves.
type Config struct {
	OPCUA     opcuabus.Config `yaml:"opcua"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Publish   PublishConfig   `yaml:"publish"`
	SignalDir string          `yaml:"signal_store_dir"`
	Prefixes  []PrefixConfig  `yaml:"prefixes"`
}

// PrefixConfig configures one Coordinator.
type PrefixConfig struct {
	Prefix  string       `yaml:"prefix"`
	Signals []string     `yaml:"signals"`
	Policy  ports.Policy `yaml:"policy"`
}

// TimescaleConfig is optional: a zero-value ConnString disables the
// archiver entirely for that process.
type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

// MetricsConfig controls the one HTTP listener pkg/bsas.Runtime starts,
// which serves /metrics and /healthz alongside the /table/ endpoints.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PublishConfig holds the northbound table listener address. Addr is
// defaulted and validated, but pkg/bsas.Runtime does not open a listener
// on it: the tables are served on MetricsConfig.Addr.
type PublishConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in every tunable spec §6 names a default for.
func (c *Config) ApplyDefaults() {
	c.OPCUA.ApplyDefaults()

	if c.Timescale.Table == "" {
		c.Timescale.Table = "bsas_samples"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9110"
	}
	if c.Publish.Addr == "" {
		c.Publish.Addr = ":9111"
	}
	if c.SignalDir == "" {
		c.SignalDir = "./data/signals"
	}

	def := ports.DefaultPolicy()
	for i := range c.Prefixes {
		p := &c.Prefixes[i].Policy
		if p.MaxEventRate == 0 {
			p.MaxEventRate = def.MaxEventRate
		}
		if p.MaxEventAge == 0 {
			p.MaxEventAge = def.MaxEventAge
		}
		if p.FlushPeriod == 0 {
			p.FlushPeriod = def.FlushPeriod
		}
		if p.ScalarQueueDepth == 0 {
			p.ScalarQueueDepth = def.ScalarQueueDepth
		}
		if p.ArrayQueueDepth == 0 {
			p.ArrayQueueDepth = def.ArrayQueueDepth
		}
	}
}

// Validate checks that the document is complete enough to start from.
func (c *Config) Validate() error {
	if err := c.OPCUA.Validate(); err != nil {
		return fmt.Errorf("opcua config: %w", err)
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.Publish.Addr == "" {
		return fmt.Errorf("publish.addr is required")
	}
	if len(c.Prefixes) == 0 {
		return fmt.Errorf("at least one prefix must be configured")
	}
	seen := make(map[string]bool, len(c.Prefixes))
	for _, p := range c.Prefixes {
		if p.Prefix == "" {
			return fmt.Errorf("prefix name must not be empty")
		}
		if seen[p.Prefix] {
			return fmt.Errorf("duplicate prefix %q", p.Prefix)
		}
		seen[p.Prefix] = true
		if len(p.Signals) == 0 {
			return fmt.Errorf("prefix %q: at least one signal is required", p.Prefix)
		}
	}
	return nil
}

// ArchiverEnabled reports whether the Timescale archiver should be wired
// in for this process.
func (c *Config) ArchiverEnabled() bool { return c.Timescale.ConnString != "" }

// StatusExpiry is the fixed 1.0 s status-table publish period from
// spec §4.5; not user-tunable, kept here so callers don't hardcode it.
const StatusExpiry = time.Second
