// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// ManifestFileName is the manifest file expected in each plugin directory.
const ManifestFileName = "plugin.yaml"

// Discover scans the plugins directory and registers every plugin with a
// valid manifest. Invalid plugins are logged and skipped so one bad
// install cannot keep the host from booting. Previously persisted
// administrative state (enabled flag, counters) is restored first.
func (m *Manager) Discover(ctx context.Context) error {
	m.loadRecords(ctx)

	entries, err := os.ReadDir(m.cfg.PluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return oops.With("dir", m.cfg.PluginsDir).Wrapf(err, "failed to read plugins directory")
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.cfg.PluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFileName)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		m.mu.Lock()
		err = m.registerLocked(ctx, manifest, pluginDir)
		m.mu.Unlock()
		if err != nil {
			slog.Warn("skipping plugin",
				"plugin", manifest.Name,
				"dir", entry.Name(),
				"error", err)
		}
	}

	return nil
}

// loadRecords pulls persisted administrative records into the restore map
// consulted by registration. A store failure degrades to defaults.
func (m *Manager) loadRecords(ctx context.Context) {
	if m.cfg.Store == nil {
		return
	}
	recs, err := m.cfg.Store.ListPlugins(ctx)
	if err != nil {
		slog.Warn("failed to load plugin records; using defaults", "error", err)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.restored[rec.Name] = rec
	}
}
