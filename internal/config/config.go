// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and defaults the qlink-bridge configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Server identifies one controller the bridge can connect to. Multiple
// entries may be configured; only one is ever connected at a time (no
// multi-controller multiplexing).
type Server struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Logging configures the slog-based logger.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
	File   string `yaml:"file"`   // optional path, appended to stdout

	// ConnectionLogDir, if set, gets one dedicated debug-level log file per
	// connection attempt at {dir}/{server}/{attempt}.log, fanned out
	// alongside the global sink. Meant for capturing the wire traffic of a
	// single flaky reconnect without raising the global level to debug.
	ConnectionLogDir string `yaml:"connection_log_dir"`
}

// Metrics configures the Prometheus exposition.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the full recognized option set.
type Config struct {
	Servers []Server `yaml:"servers"`

	Handshake         string `yaml:"handshake"`
	LineEnding        string `yaml:"line_ending"`
	MinGapMs          int    `yaml:"min_gap_ms"`
	MinPollIntervalMs int    `yaml:"min_poll_interval_ms"`
	PushFreshMs       int    `yaml:"push_fresh_ms"`
	HandshakeRetryMs  int    `yaml:"handshake_retry_ms"`

	WhitelistStrict        bool   `yaml:"whitelist_strict"`
	WhitelistPath          string `yaml:"whitelist_path"`
	DefaultLoadFadeSeconds int    `yaml:"default_load_fade_seconds"`
	LoadAwaitersMaxPerKey  int    `yaml:"load_awaiters_max_per_key"`
	AwaitersMaxPerKey      int    `yaml:"awaiters_max_per_key"`

	AutoConnect        bool `yaml:"auto_connect"`
	AutoConnectIndex   int  `yaml:"auto_connect_index"`
	AutoConnectRetryMs int  `yaml:"auto_connect_retry_ms"`

	DebounceMs  int `yaml:"debounce_ms"`
	RecvRingMax int `yaml:"recv_ring_max"`

	Listen  string  `yaml:"listen"`
	Logging Logging `yaml:"logging"`
	Metrics Metrics `yaml:"metrics"`
}

// applyDefaults fills in defaults for any option the config file left at
// its zero value. Parse handles, via presence flags, the booleans that
// default to true (WhitelistStrict, AutoConnect, Metrics.Enabled) and the
// options whose explicit zero value is meaningful (min_gap_ms,
// auto_connect_retry_ms, handshake), since yaml unmarshal cannot
// distinguish "absent" from a zero value.
func (c *Config) applyDefaults() {
	if c.LineEnding == "" {
		c.LineEnding = "\r\n"
	}
	if c.Handshake == "" {
		c.Handshake = "VCL 1 0\r\n"
	}
	if c.MinGapMs == 0 {
		c.MinGapMs = 120
	}
	if c.MinPollIntervalMs == 0 {
		c.MinPollIntervalMs = 400
	}
	if c.PushFreshMs == 0 {
		c.PushFreshMs = 10000
	}
	if c.DefaultLoadFadeSeconds == 0 {
		c.DefaultLoadFadeSeconds = 3
	}
	if c.LoadAwaitersMaxPerKey == 0 {
		c.LoadAwaitersMaxPerKey = 200
	}
	if c.AwaitersMaxPerKey == 0 {
		c.AwaitersMaxPerKey = 200
	}
	if c.AutoConnectRetryMs == 0 {
		c.AutoConnectRetryMs = 5000
	}
	if c.DebounceMs == 0 {
		c.DebounceMs = 250
	}
	if c.RecvRingMax == 0 {
		c.RecvRingMax = 32768
	}
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Load reads and defaults a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and defaults a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.WhitelistStrict = true
	cfg.AutoConnect = true
	cfg.Metrics.Enabled = true

	var p struct {
		WhitelistStrict    *bool   `yaml:"whitelist_strict"`
		AutoConnect        *bool   `yaml:"auto_connect"`
		MinGapMs           *int    `yaml:"min_gap_ms"`
		AutoConnectRetryMs *int    `yaml:"auto_connect_retry_ms"`
		Handshake          *string `yaml:"handshake"`
		Metrics            struct {
			Enabled *bool `yaml:"enabled"`
		} `yaml:"metrics"`
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if p.WhitelistStrict != nil {
		cfg.WhitelistStrict = *p.WhitelistStrict
	}
	if p.AutoConnect != nil {
		cfg.AutoConnect = *p.AutoConnect
	}
	if p.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *p.Metrics.Enabled
	}

	cfg.applyDefaults()
	// An explicit 0 / "" is kept for these: no pacing gap, no reconnect,
	// no handshake.
	if p.MinGapMs != nil {
		cfg.MinGapMs = *p.MinGapMs
	}
	if p.AutoConnectRetryMs != nil {
		cfg.AutoConnectRetryMs = *p.AutoConnectRetryMs
	}
	if p.Handshake != nil {
		cfg.Handshake = *p.Handshake
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges that would otherwise fail confusingly deep
// inside the queue or awaiter registry.
func (c *Config) Validate() error {
	if c.MinGapMs < 0 {
		return fmt.Errorf("min_gap_ms must be >= 0, got %d", c.MinGapMs)
	}
	if c.AwaitersMaxPerKey <= 0 {
		return fmt.Errorf("awaiters_max_per_key must be > 0, got %d", c.AwaitersMaxPerKey)
	}
	if c.LoadAwaitersMaxPerKey <= 0 {
		return fmt.Errorf("load_awaiters_max_per_key must be > 0, got %d", c.LoadAwaitersMaxPerKey)
	}
	if c.LineEnding != "\r\n" && c.LineEnding != "\r" && c.LineEnding != "\n" {
		return fmt.Errorf("line_ending must be one of \\r\\n, \\r, \\n")
	}
	if c.AutoConnect {
		if c.AutoConnectIndex < 0 || c.AutoConnectIndex >= len(c.Servers) {
			return fmt.Errorf("auto_connect_index %d out of range for %d configured servers", c.AutoConnectIndex, len(c.Servers))
		}
	}
	return nil
}

// MinGap returns MinGapMs as a time.Duration.
func (c *Config) MinGap() time.Duration { return time.Duration(c.MinGapMs) * time.Millisecond }

// PushFresh returns PushFreshMs as a time.Duration.
func (c *Config) PushFresh() time.Duration { return time.Duration(c.PushFreshMs) * time.Millisecond }

// Debounce returns DebounceMs as a time.Duration.
func (c *Config) Debounce() time.Duration { return time.Duration(c.DebounceMs) * time.Millisecond }

// AutoConnectRetry returns AutoConnectRetryMs as a time.Duration.
func (c *Config) AutoConnectRetry() time.Duration {
	return time.Duration(c.AutoConnectRetryMs) * time.Millisecond
}

// HandshakeRetry returns HandshakeRetryMs as a time.Duration.
func (c *Config) HandshakeRetry() time.Duration {
	return time.Duration(c.HandshakeRetryMs) * time.Millisecond
}
