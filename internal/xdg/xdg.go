// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package xdg provides XDG Base Directory paths for Rosey.
package xdg

import (
	"fmt"
	"os"
	"path/filepath"
)

const appName = "rosey"

// ConfigDir returns the XDG config directory for rosey.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(base, appName)
}

// DataDir returns the XDG data directory for rosey.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(base, appName)
}

// StateDir returns the XDG state directory for rosey.
// Checks XDG_STATE_HOME first, falls back to ~/.local/state.
func StateDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		base = filepath.Join(os.Getenv("HOME"), ".local", "state")
	}
	return filepath.Join(base, appName)
}

// PluginsDir returns the default directory installed plugins live in.
// Each plugin occupies one subdirectory containing a plugin.yaml manifest.
func PluginsDir() string {
	return filepath.Join(DataDir(), "plugins")
}

// PluginDataDir returns the isolated data directory for a single plugin.
// The supervisor hands this path to the plugin process; plugins must not
// write outside it.
func PluginDataDir(name string) string {
	return filepath.Join(DataDir(), "plugin-data", name)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}
