package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.pigeon/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// Endpoints is the prioritized list of candidate backend base addresses.
	// The resolver probes the persisted last known-good address first, then
	// these in order.
	Endpoints []string `toml:"endpoints"`

	// ProbeTimeoutSec bounds each individual health-probe request.
	ProbeTimeoutSec int `toml:"probe_timeout_sec"`

	// Reconnect tuning for the transport.
	ReconnectMaxAttempts int `toml:"reconnect_max_attempts"`
	ReconnectBaseDelayMs int `toml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMs  int `toml:"reconnect_max_delay_ms"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Default returns a config with all tuning knobs at their defaults and no
// endpoints configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ProbeTimeoutSec <= 0 {
		c.ProbeTimeoutSec = 3
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 10
	}
	if c.ReconnectBaseDelayMs <= 0 {
		c.ReconnectBaseDelayMs = 1000
	}
	if c.ReconnectMaxDelayMs <= 0 {
		c.ReconnectMaxDelayMs = 30000
	}
}

// ProbeTimeout returns the per-path probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// ReconnectBaseDelay returns the initial reconnect delay as a duration.
func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelayMs) * time.Millisecond
}

// ReconnectMaxDelay returns the backoff ceiling as a duration.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelayMs) * time.Millisecond
}
