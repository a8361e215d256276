// Package config loads the broker daemon's YAML configuration, following
// the same Load/defaulting/validation shape as the teacher's
// internal/config/config.go, generalized from GOX's support/broker/pool
// sections to the juno broker's own listener/limits/telemetry/admin
// sections plus a top-level debug flag.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	BrokerName string `yaml:"broker_name"`
	Debug      bool   `yaml:"debug"`

	Listener  ListenerConfig  `yaml:"listener"`
	Limits    LimitsConfig    `yaml:"limits"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ListenerConfig selects exactly one transport: a UNIX domain socket path,
// or a TCP host:port. Not both.
type ListenerConfig struct {
	Network  string `yaml:"network"` // "unix" or "tcp"
	SockPath string `yaml:"sock_path"`
	Address  string `yaml:"address"` // host:port, tcp only
}

// LimitsConfig bounds resource usage left implementation-chosen by the
// protocol.
type LimitsConfig struct {
	MaxFrameBytes int `yaml:"max_frame_bytes"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// AdminConfig configures the introspection/metrics HTTP surface.
type AdminConfig struct {
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

const (
	defaultBrokerName    = "broker"
	defaultSockPath      = "/tmp/juno.sock"
	defaultMaxFrameBytes = 1 << 20 // 1 MiB
	defaultAdminAddress  = ":9090"
)

// Load reads and parses filename, applying defaults for anything left
// unset and rejecting configurations that name both a unix socket path and
// a tcp address.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Config{Admin: AdminConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerName == "" {
		cfg.BrokerName = defaultBrokerName
	}
	if cfg.Listener.Network == "" {
		cfg.Listener.Network = "unix"
	}
	if cfg.Listener.Network == "unix" && cfg.Listener.SockPath == "" {
		cfg.Listener.SockPath = defaultSockPath
	}
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.Admin.Address == "" {
		cfg.Admin.Address = defaultAdminAddress
	}
}

// Validate checks invariants Load's defaulting can't repair on its own.
func (c *Config) Validate() error {
	switch c.Listener.Network {
	case "unix":
		if c.Listener.SockPath == "" {
			return fmt.Errorf("listener.sock_path is required for network \"unix\"")
		}
		if c.Listener.Address != "" {
			return fmt.Errorf("listener.address must be empty when network is \"unix\" (not both transports simultaneously)")
		}
	case "tcp":
		if c.Listener.Address == "" {
			return fmt.Errorf("listener.address is required for network \"tcp\"")
		}
		if c.Listener.SockPath != "" {
			return fmt.Errorf("listener.sock_path must be empty when network is \"tcp\" (not both transports simultaneously)")
		}
	default:
		return fmt.Errorf("listener.network must be \"unix\" or \"tcp\", got %q", c.Listener.Network)
	}
	if c.Limits.MaxFrameBytes <= 0 {
		return fmt.Errorf("limits.max_frame_bytes must be positive")
	}
	return nil
}

// Default returns a ready-to-run configuration, used when no config file is
// given on the command line -- the same hardcoded-defaults fallback the
// teacher's cmd/orchestrator/main.go implements as getDefaultConfig().
func Default() *Config {
	cfg := &Config{Admin: AdminConfig{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}
