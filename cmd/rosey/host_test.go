// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostArgs builds the common flag set pointing every path at dir.
func hostArgs(dir string, extra ...string) []string {
	args := []string{
		"host",
		"--bus-url", "mem://",
		"--plugins-dir", filepath.Join(dir, "plugins"),
		"--data-dir", filepath.Join(dir, "data"),
		"--metrics-addr", "127.0.0.1:0",
	}
	return append(args, extra...)
}

// installPlugin writes a runnable plugin directory under dir/plugins.
func installPlugin(t *testing.T, dir, name string) {
	t.Helper()
	pluginDir := filepath.Join(dir, "plugins", name)
	require.NoError(t, os.MkdirAll(pluginDir, 0o750))

	manifest := "name: " + name + "\nversion: 0.1.0\nexec:\n  command: run.sh\n"
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(manifest), 0o600))

	script := "#!/bin/sh\nsleep 60\n"
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte(script), 0o755)) //nolint:gosec // must be executable
}

func TestHostCommand_StartsAndShutsDown(t *testing.T) {
	configFile = ""
	dir := t.TempDir()
	installPlugin(t, dir, "sleeper")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(300*time.Millisecond, cancel)

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs(hostArgs(dir))

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, buf.String(), "Supervisor started")
}

func TestHostCommand_EmptyPluginsDir(t *testing.T) {
	configFile = ""
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs(hostArgs(dir))

	require.NoError(t, cmd.ExecuteContext(ctx))
}

func TestHostCommand_RejectsInvalidLogFormat(t *testing.T) {
	configFile = ""
	dir := t.TempDir()

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(hostArgs(dir, "--log-format", "xml"))

	require.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestHostCommand_UnknownBusScheme(t *testing.T) {
	configFile = ""
	dir := t.TempDir()

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(hostArgs(dir, "--bus-url", "carrier-pigeon://loft"))

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestHostCommand_ConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "rosey.yaml")
	cfgYAML := "log-format: json\nmetrics-addr: \"\"\n" +
		"plugins-dir: " + filepath.Join(dir, "plugins") + "\n" +
		"data-dir: " + filepath.Join(dir, "data") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o600))

	configFile = ""
	t.Cleanup(func() { configFile = "" })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	// No metrics-addr flag: the config file's empty value must win and the
	// observability server must stay off.
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--config", cfgPath, "host", "--bus-url", "mem://"})

	require.NoError(t, cmd.ExecuteContext(ctx))
	assert.Contains(t, buf.String(), "Supervisor started")
}
