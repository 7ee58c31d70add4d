// Package bsas is the public entry point for embedding a BSAS process:
// load a Config, build a Runtime from it, Start it, and Close it on
// shutdown. It mirrors the teacher's pkg/aegisflow re-export style —
// type aliases over the internal packages plus a small set of
// constructors — so callers never import anything under internal/.
package bsas

import (
	"github.com/beamsync/bsas/internal/adapters/opcuabus"
	"github.com/beamsync/bsas/internal/app/config"
	"github.com/beamsync/bsas/internal/ports"
)

// Config is the top-level document describing every prefix a Runtime
// serves, plus the shared bus/archiver/metrics settings.
type Config = config.Config

// PrefixConfig, Policy, OPCUAConfig, TimescaleConfig, MetricsConfig and
// PublishConfig are re-exported so callers can build a Config
// programmatically instead of only loading YAML.
type (
	PrefixConfig    = config.PrefixConfig
	Policy          = ports.Policy
	OPCUAConfig     = opcuabus.Config
	TimescaleConfig = config.TimescaleConfig
	MetricsConfig   = config.MetricsConfig
	PublishConfig   = config.PublishConfig
)

// TableSnapshot and TableDescriptor are re-exported so a caller of
// Runtime.Subscribe/Snapshot never needs to import internal/ports.
type (
	TableSnapshot   = ports.TableSnapshot
	TableDescriptor = ports.TableDescriptor
)

// DefaultPolicy returns the tunable defaults named in spec §6.
func DefaultPolicy() Policy { return ports.DefaultPolicy() }

// LoadConfig reads and validates the YAML document at path.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }
