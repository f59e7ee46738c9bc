// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/internal/plugin"
)

func writePluginDir(t *testing.T, root, name, manifest string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest), 0o600))
}

func TestManager_Discover(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "alpha", "name: alpha\nversion: 1.0.0\nexec:\n  command: run\n")
	writePluginDir(t, root, "beta", "name: beta\nversion: 2.0.0\nexec:\n  command: run\n")

	fleet := newFleet()
	m := newTestManager(t, fleet, plugin.ManagerConfig{PluginsDir: root})

	require.NoError(t, m.Discover(context.Background()))

	statuses := m.List()
	require.Len(t, statuses, 2)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "beta", statuses[1].Name)
	assert.Equal(t, plugin.StateStopped, statuses[0].State)
}

func TestManager_DiscoverSkipsBrokenPlugins(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "good", "name: good\nversion: 1.0.0\nexec:\n  command: run\n")
	// Invalid manifest: no exec command.
	writePluginDir(t, root, "bad", "name: bad\nversion: 1.0.0\n")
	// Directory without a manifest at all.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o750))
	// Stray file at the top level is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("notes"), 0o600))

	fleet := newFleet()
	m := newTestManager(t, fleet, plugin.ManagerConfig{PluginsDir: root})

	require.NoError(t, m.Discover(context.Background()))

	statuses := m.List()
	require.Len(t, statuses, 1, "only the valid plugin registers")
	assert.Equal(t, "good", statuses[0].Name)
}

func TestManager_DiscoverMissingDirIsEmpty(t *testing.T) {
	fleet := newFleet()
	m := newTestManager(t, fleet, plugin.ManagerConfig{
		PluginsDir: filepath.Join(t.TempDir(), "does-not-exist"),
	})

	require.NoError(t, m.Discover(context.Background()))
	assert.Empty(t, m.List())
}

func TestManager_DiscoverRestoresStoredState(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "flaky", "name: flaky\nversion: 1.0.0\nexec:\n  command: run\n")

	store := &fakeRecordStore{records: []plugin.AdminRecord{
		{Name: "flaky", Version: "1.0.0", Enabled: false, CrashCount: 3},
	}}

	fleet := newFleet()
	m := newTestManager(t, fleet, plugin.ManagerConfig{PluginsDir: root, Store: store})

	require.NoError(t, m.Discover(context.Background()))

	st, err := m.Status("flaky")
	require.NoError(t, err)
	assert.Equal(t, plugin.StateDisabled, st.State)
	assert.False(t, st.Enabled)
	assert.Equal(t, 3, st.CrashCount)
}

// fakeRecordStore is an in-memory RecordStore.
type fakeRecordStore struct {
	records []plugin.AdminRecord
	deleted []string
}

func (s *fakeRecordStore) UpsertPlugin(_ context.Context, rec plugin.AdminRecord) error {
	for i, r := range s.records {
		if r.Name == rec.Name {
			s.records[i] = rec
			return nil
		}
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeRecordStore) ListPlugins(context.Context) ([]plugin.AdminRecord, error) {
	return append([]plugin.AdminRecord(nil), s.records...), nil
}

func (s *fakeRecordStore) DeletePlugin(_ context.Context, name string) error {
	s.deleted = append(s.deleted, name)
	return nil
}
