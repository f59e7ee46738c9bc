// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package config loads host configuration from an optional YAML file with
// command-line flag overrides.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/roseybot/rosey/internal/xdg"
)

// Config is the host configuration. Zero values fall back to defaults.
type Config struct {
	// BusURL is the message-bus endpoint, e.g. "mem://" or a registered
	// external transport scheme.
	BusURL string `koanf:"bus-url"`
	// DataDir is the root for per-plugin isolated data directories.
	DataDir string `koanf:"data-dir"`
	// PluginsDir holds one subdirectory per installed plugin.
	PluginsDir string `koanf:"plugins-dir"`
	// DatabaseURL enables the persistent plugin registry when set.
	DatabaseURL string `koanf:"database-url"`
	// MetricsAddr is the observability listen address.
	MetricsAddr string `koanf:"metrics-addr"`
	// LogFormat is "text" or "json".
	LogFormat string `koanf:"log-format"`

	HealthInterval time.Duration `koanf:"health-interval"`
	CheckTimeout   time.Duration `koanf:"check-timeout"`
	StopGrace      time.Duration `koanf:"stop-grace"`
	CrashThreshold int           `koanf:"crash-threshold"`
	MaxBackoff     time.Duration `koanf:"max-backoff"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BusURL:         "mem://",
		DataDir:        xdg.DataDir(),
		PluginsDir:     xdg.PluginsDir(),
		MetricsAddr:    ":9090",
		LogFormat:      "text",
		HealthInterval: 30 * time.Second,
		CheckTimeout:   5 * time.Second,
		StopGrace:      10 * time.Second,
		CrashThreshold: 3,
		MaxBackoff:     60 * time.Second,
	}
}

// Load merges, in increasing precedence: defaults, the YAML file at path
// (skipped when empty or absent), and set command-line flags.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, oops.Code("CONFIG_INVALID").With("path", path).
					Wrapf(err, "failed to load config file")
			}
		} else if !os.IsNotExist(err) {
			return Config{}, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_INVALID").Wrapf(err, "failed to load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrapf(err, "failed to unmarshal config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the host cannot run with.
func (c Config) Validate() error {
	if c.BusURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("bus-url is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return oops.Code("CONFIG_INVALID").With("log-format", c.LogFormat).
			Errorf("log-format must be 'text' or 'json'")
	}
	if c.HealthInterval <= 0 || c.CheckTimeout <= 0 || c.StopGrace <= 0 || c.MaxBackoff <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("intervals must be positive")
	}
	if c.CrashThreshold < 1 {
		return oops.Code("CONFIG_INVALID").With("crash-threshold", c.CrashThreshold).
			Errorf("crash-threshold must be at least 1")
	}
	return nil
}
