// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"context"
)

// Unit supervises one running plugin instance. Implementations own exactly
// one process and carry no recovery policy: start failures and detected
// exits are reported to the Manager, which decides what happens next.
type Unit interface {
	// Start spawns the plugin's execution context. Failure is returned,
	// never retried internally.
	Start(ctx context.Context) error
	// Stop requests graceful shutdown and escalates to forced termination
	// after a bounded grace period. It returns once the process is gone.
	Stop(ctx context.Context) error
	// Running reports liveness without blocking.
	Running() bool
	// Exited returns the exit code once the process has exited.
	Exited() (code int, exited bool)
	// Sample reads point-in-time resource usage for the running process.
	Sample() (ResourceSnapshot, error)
}

// UnitFactory builds the supervision unit for a plugin installed in dir.
// The Manager calls it once per start attempt.
type UnitFactory func(m *Manifest, dir string) Unit

// AdminRecord is the administrative state persisted per plugin: the
// operator's enabled/disabled decision and lifetime counters. Runtime
// lifecycle state is deliberately not persisted.
type AdminRecord struct {
	Name         string
	Version      string
	Enabled      bool
	CrashCount   int
	RestartCount int
	Successes    uint64
	Errors       uint64
}

// RecordStore persists AdminRecords across host restarts. Optional: a nil
// store means administrative state is process-scoped.
type RecordStore interface {
	UpsertPlugin(ctx context.Context, rec AdminRecord) error
	ListPlugins(ctx context.Context) ([]AdminRecord, error)
	DeletePlugin(ctx context.Context, name string) error
}
