// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/roseybot/rosey/pkg/bus"
)

// Manager defaults.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultCheckTimeout   = 5 * time.Second
	DefaultCrashThreshold = 3
	DefaultMaxBackoff     = 60 * time.Second
)

// ManagerConfig carries the Manager's collaborators and tuning. Units is
// required; everything else has a usable default or is optional.
type ManagerConfig struct {
	// Units builds the supervision unit for each start attempt.
	Units UnitFactory
	// Bus is the host's bus connection, used for health pings and command
	// result accounting. Optional.
	Bus bus.Conn
	// Store persists administrative state across host restarts. Optional.
	Store RecordStore
	// PluginsDir is scanned by Discover for installed plugins.
	PluginsDir string

	HealthInterval time.Duration
	CheckTimeout   time.Duration
	CrashThreshold int
	MaxBackoff     time.Duration
}

// pluginEntry is the runtime state for one registered plugin. Owned
// exclusively by the Manager; every field is guarded by Manager.mu.
type pluginEntry struct {
	manifest *Manifest
	perms    *PermissionSet
	dir      string

	state   State
	enabled bool
	unit    Unit

	startedAt   time.Time
	stoppedAt   time.Time
	lastChecked time.Time

	crashCount   int
	restartCount int
	successes    uint64
	errors       uint64

	// consecutive health checks with at least one resource violation
	resourceStrikes int

	// pending crash-backoff restart, nil when none is scheduled
	restartCancel chan struct{}
}

// Manager owns the plugin registry and drives every lifecycle transition.
// All lifecycle operations serialize on one mutex so that, for example, a
// stop triggered by a crash and a stop triggered by an operator cannot
// interleave. Plugin workloads run in separate OS processes; the only
// cross-process channel is the message bus.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	plugins  map[string]*pluginEntry
	restored map[string]AdminRecord

	subs     []bus.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a plugin manager. When cfg.Bus is set the manager
// subscribes to every plugin's result and error subjects to maintain the
// per-plugin success/error counters used by health checks.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Units == nil {
		return nil, oops.Errorf("plugin manager requires a unit factory")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.CrashThreshold <= 0 {
		cfg.CrashThreshold = DefaultCrashThreshold
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	m := &Manager{
		cfg:      cfg,
		plugins:  make(map[string]*pluginEntry),
		restored: make(map[string]AdminRecord),
		stopCh:   make(chan struct{}),
	}

	if cfg.Bus != nil {
		resultSub, err := cfg.Bus.Subscribe(bus.ResultSubject("*"), m.onResult)
		if err != nil {
			return nil, oops.Wrapf(err, "failed to subscribe to plugin results")
		}
		errorSub, err := cfg.Bus.Subscribe(bus.ErrorSubject("*"), m.onError)
		if err != nil {
			_ = resultSub.Unsubscribe()
			return nil, oops.Wrapf(err, "failed to subscribe to plugin errors")
		}
		m.subs = append(m.subs, resultSub, errorSub)
	}

	return m, nil
}

// Run drives the periodic health sweep until ctx is cancelled, then shuts
// the manager down. Stopping plugins first is the caller's job.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.Close()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close cancels pending backoff restarts, drops bus subscriptions, and
// waits for background goroutines. Safe to call more than once.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	for _, e := range m.plugins {
		m.cancelRestartLocked(e)
	}
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	m.wg.Wait()
	return nil
}

// Register adds a validated plugin to the registry without starting it.
func (m *Manager) Register(ctx context.Context, manifest *Manifest, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registerLocked(ctx, manifest, dir)
}

func (m *Manager) registerLocked(ctx context.Context, manifest *Manifest, dir string) error {
	if _, ok := m.plugins[manifest.Name]; ok {
		return oops.Code("PLUGIN_EXISTS").With("plugin", manifest.Name).
			Errorf("plugin %q is already registered", manifest.Name)
	}

	perms, err := NewPermissionSet(manifest)
	if err != nil {
		return oops.Code("MANIFEST_BAD_PATTERN").With("plugin", manifest.Name).
			Wrapf(err, "failed to compile permissions")
	}

	e := &pluginEntry{
		manifest: manifest,
		perms:    perms,
		dir:      dir,
		state:    StateStopped,
		enabled:  true,
	}
	if rec, ok := m.restored[manifest.Name]; ok {
		e.enabled = rec.Enabled
		e.crashCount = rec.CrashCount
		e.restartCount = rec.RestartCount
		e.successes = rec.Successes
		e.errors = rec.Errors
		if !rec.Enabled {
			e.state = StateDisabled
		}
	}

	m.plugins[manifest.Name] = e
	m.persistLocked(ctx, e)
	slog.Info("plugin registered",
		"plugin", manifest.Name,
		"version", manifest.Version,
		"enabled", e.enabled)
	return nil
}

// Start brings a stopped or crashed plugin to running. Every declared
// dependency must already be running. A disabled plugin refuses to start
// unless enabled first.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, name, false)
}

// startLocked performs the STOPPED→STARTING→RUNNING transition. force is
// the crash-recovery and resource-restart path: it overrides DISABLED and
// preserves crashCount so the disable threshold can still be reached.
// A non-forced successful start resets crashCount.
func (m *Manager) startLocked(ctx context.Context, name string, force bool) error {
	e, ok := m.plugins[name]
	if !ok {
		return errPluginNotFound(name)
	}

	if e.state == StateDisabled {
		if !force {
			return oops.Code("PLUGIN_DISABLED").With("plugin", name).
				Errorf("plugin %q is disabled; enable it first", name)
		}
		e.state = StateStopped
	}
	if e.state == StateRunning || e.state == StateStarting {
		return nil
	}
	if !ValidTransition(e.state, StateStarting) {
		return oops.Code("PLUGIN_WRONG_STATE").With("plugin", name).With("state", e.state.String()).
			Errorf("plugin %q cannot start from state %s", name, e.state)
	}

	for _, dep := range e.manifest.DependsOn {
		de, ok := m.plugins[dep]
		if !ok || de.state != StateRunning {
			return oops.Code("PLUGIN_DEP_NOT_RUNNING").With("plugin", name).With("dependency", dep).
				Errorf("dependency %q of plugin %q is not running", dep, name)
		}
	}

	m.cancelRestartLocked(e)
	e.state = StateStarting

	unit := m.cfg.Units(e.manifest, e.dir)
	if err := unit.Start(ctx); err != nil {
		e.state = StateStopped
		Starts.WithLabelValues(name, "error").Inc()
		return oops.Code("PROCESS_START_FAILED").With("plugin", name).
			Wrapf(err, "failed to start plugin %q", name)
	}

	e.unit = unit
	e.state = StateRunning
	e.startedAt = time.Now()
	e.resourceStrikes = 0
	if !force {
		e.crashCount = 0
	}
	Starts.WithLabelValues(name, "success").Inc()
	Running.Inc()
	m.persistLocked(ctx, e)
	slog.Info("plugin started", "plugin", name, "version", e.manifest.Version)
	return nil
}

// Stop takes a running plugin to stopped. With stopDependents, every
// plugin that transitively depends on this one is stopped first, so no
// running plugin is ever left with a stopped dependency.
func (m *Manager) Stop(ctx context.Context, name string, stopDependents bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx, name, stopDependents)
}

func (m *Manager) stopLocked(ctx context.Context, name string, stopDependents bool) error {
	e, ok := m.plugins[name]
	if !ok {
		return errPluginNotFound(name)
	}

	m.cancelRestartLocked(e)

	if stopDependents {
		for _, dependent := range m.dependentsLocked(name) {
			if err := m.stopLocked(ctx, dependent, true); err != nil {
				slog.Error("failed to stop dependent plugin",
					"plugin", dependent,
					"dependency", name,
					"error", err)
			}
		}
	}

	switch e.state {
	case StateRunning, StateUnhealthy:
	case StateCrashed:
		e.state = StateStopped
		e.unit = nil
		return nil
	default:
		return nil
	}

	e.state = StateStopping
	if e.unit != nil {
		_ = e.unit.Stop(ctx)
	}
	e.state = StateStopped
	e.stoppedAt = time.Now()
	e.unit = nil
	Running.Dec()
	slog.Info("plugin stopped", "plugin", name)
	return nil
}

// Restart stops and starts a single plugin without touching its
// dependents, incrementing its restart count.
func (m *Manager) Restart(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restartLocked(ctx, name, "manual")
}

func (m *Manager) restartLocked(ctx context.Context, name, reason string) error {
	if err := m.stopLocked(ctx, name, false); err != nil {
		return err
	}
	e := m.plugins[name]
	e.restartCount++
	Restarts.WithLabelValues(name, reason).Inc()

	force := reason != "manual"
	if err := m.startLocked(ctx, name, force); err != nil {
		return err
	}
	m.persistLocked(ctx, e)
	return nil
}

// StartAll starts every enabled plugin in dependency order. Plugins caught
// in a dependency cycle are disabled and logged as a configuration error
// instead of being started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, cyclic := topoSort(m.depsLocked())
	for _, name := range cyclic {
		e := m.plugins[name]
		if ValidTransition(e.state, StateDisabled) {
			e.state = StateDisabled
		}
		slog.Error("plugin disabled: dependency cycle", "plugin", name, "cycle", cyclic)
	}

	for _, name := range order {
		e := m.plugins[name]
		if !e.enabled || e.state == StateDisabled || e.state == StateRunning {
			continue
		}
		if err := m.startLocked(ctx, name, false); err != nil {
			slog.Error("failed to start plugin", "plugin", name, "error", err)
		}
	}
	return nil
}

// StopAll stops every plugin in reverse dependency order.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, cyclic := topoSort(m.depsLocked())
	for i := len(order) - 1; i >= 0; i-- {
		if err := m.stopLocked(ctx, order[i], false); err != nil {
			slog.Error("failed to stop plugin", "plugin", order[i], "error", err)
		}
	}
	for _, name := range cyclic {
		if err := m.stopLocked(ctx, name, false); err != nil {
			slog.Error("failed to stop plugin", "plugin", name, "error", err)
		}
	}
	return nil
}

// Enable clears a plugin's crash count and returns a disabled plugin to
// stopped so it can start again.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plugins[name]
	if !ok {
		return errPluginNotFound(name)
	}
	e.enabled = true
	e.crashCount = 0
	if e.state == StateDisabled {
		e.state = StateStopped
	}
	m.persistLocked(ctx, e)
	slog.Info("plugin enabled", "plugin", name)
	return nil
}

// Disable prevents future automatic starts. A running instance keeps
// running until stopped.
func (m *Manager) Disable(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plugins[name]
	if !ok {
		return errPluginNotFound(name)
	}
	e.enabled = false
	m.cancelRestartLocked(e)
	if ValidTransition(e.state, StateDisabled) {
		e.state = StateDisabled
	}
	m.persistLocked(ctx, e)
	slog.Info("plugin disabled", "plugin", name)
	return nil
}

// Load registers a freshly installed plugin and starts it. No other
// plugin's state is touched; the host keeps running.
func (m *Manager) Load(ctx context.Context, manifest *Manifest, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.registerLocked(ctx, manifest, dir); err != nil {
		return err
	}
	return m.startLocked(ctx, manifest.Name, false)
}

// Unload stops a plugin and removes it from the registry. It refuses when
// an active plugin still depends on the target, since unload must not
// touch any other plugin's state.
func (m *Manager) Unload(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plugins[name]
	if !ok {
		return errPluginNotFound(name)
	}
	for _, dependent := range m.dependentsLocked(name) {
		switch m.plugins[dependent].state {
		case StateStarting, StateRunning, StateUnhealthy:
			return oops.Code("PLUGIN_IN_USE").With("plugin", name).With("dependent", dependent).
				Errorf("plugin %q is still required by running plugin %q", name, dependent)
		}
	}

	if err := m.stopLocked(ctx, name, false); err != nil {
		return err
	}
	m.cancelRestartLocked(e)
	delete(m.plugins, name)
	if m.cfg.Store != nil {
		if err := m.cfg.Store.DeletePlugin(ctx, name); err != nil {
			slog.Warn("failed to delete plugin record", "plugin", name, "error", err)
		}
	}
	slog.Info("plugin unloaded", "plugin", name)
	return nil
}

// depsLocked builds the dependency adjacency map from the registered
// manifests.
func (m *Manager) depsLocked() map[string][]string {
	deps := make(map[string][]string, len(m.plugins))
	for name, e := range m.plugins {
		deps[name] = e.manifest.DependsOn
	}
	return deps
}

// dependentsLocked returns the names of plugins that directly depend on
// name, sorted.
func (m *Manager) dependentsLocked(name string) []string {
	return transpose(m.depsLocked())[name]
}

// cancelRestartLocked voids a pending crash-backoff restart, if any.
func (m *Manager) cancelRestartLocked(e *pluginEntry) {
	if e.restartCancel != nil {
		close(e.restartCancel)
		e.restartCancel = nil
	}
}

// persistLocked writes the plugin's administrative record through the
// optional store. Persistence failures are logged, never fatal.
func (m *Manager) persistLocked(ctx context.Context, e *pluginEntry) {
	if m.cfg.Store == nil {
		return
	}
	rec := AdminRecord{
		Name:         e.manifest.Name,
		Version:      e.manifest.Version,
		Enabled:      e.enabled,
		CrashCount:   e.crashCount,
		RestartCount: e.restartCount,
		Successes:    e.successes,
		Errors:       e.errors,
	}
	if err := m.cfg.Store.UpsertPlugin(ctx, rec); err != nil {
		slog.Warn("failed to persist plugin record", "plugin", rec.Name, "error", err)
	}
}

// onResult counts a successful command execution reported on a plugin's
// result subject.
func (m *Manager) onResult(_ context.Context, msg *bus.Msg) {
	m.countResult(msg.Subject, false)
}

// onError counts a failed command execution reported on a plugin's error
// subject.
func (m *Manager) onError(_ context.Context, msg *bus.Msg) {
	m.countResult(msg.Subject, true)
}

func (m *Manager) countResult(subject string, isError bool) {
	name, ok := bus.PluginFromSubject(subject)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.plugins[name]
	if !ok {
		return
	}
	if isError {
		e.errors++
	} else {
		e.successes++
	}
}

func errPluginNotFound(name string) error {
	return oops.Code("PLUGIN_NOT_FOUND").With("plugin", name).
		Errorf("plugin %q is not registered", name)
}
