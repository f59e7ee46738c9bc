// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/roseybot/rosey/pkg/bus"
)

// errorRateLimit is the lifetime command error rate above which a plugin
// is considered unhealthy.
const errorRateLimit = 0.5

// Sweep health-checks every active plugin once. Each check is bounded by
// the configured per-check timeout so one slow plugin cannot stall the
// sweep; failures are isolated per plugin.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.plugins))
	for name, e := range m.plugins {
		if e.state == StateRunning || e.state == StateUnhealthy {
			names = append(names, name)
		}
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
		m.checkPlugin(checkCtx, name)
		cancel()
	}
}

// checkPlugin evaluates one plugin: dead process means a crash, otherwise
// resource usage, lifetime error rate, and an optional bus ping decide
// between RUNNING and UNHEALTHY. Sampling and the ping happen outside the
// registry lock.
func (m *Manager) checkPlugin(ctx context.Context, name string) {
	begin := time.Now()
	defer func() {
		HealthCheckDuration.WithLabelValues(name).Observe(time.Since(begin).Seconds())
	}()

	m.mu.Lock()
	e, ok := m.plugins[name]
	if !ok || (e.state != StateRunning && e.state != StateUnhealthy) {
		m.mu.Unlock()
		return
	}
	unit := e.unit
	perms := e.perms
	successes, errors := e.successes, e.errors
	e.lastChecked = begin
	m.mu.Unlock()

	if unit == nil || !unit.Running() {
		m.handleCrash(ctx, name)
		return
	}

	var violations []string
	resourceViolations := 0
	if snap, err := unit.Sample(); err == nil {
		rv := perms.CheckResourceLimits(snap)
		resourceViolations = len(rv)
		violations = append(violations, rv...)
	}
	if total := successes + errors; total > 0 {
		if rate := float64(errors) / float64(total); rate > errorRateLimit {
			violations = append(violations,
				fmt.Sprintf("command error rate %.0f%% exceeds %.0f%%", rate*100, errorRateLimit*100))
		}
	}
	if m.cfg.Bus != nil {
		if _, err := m.cfg.Bus.Request(ctx, bus.PingSubject(name), nil); err != nil {
			violations = append(violations, "health ping timed out")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok = m.plugins[name]
	if !ok || (e.state != StateRunning && e.state != StateUnhealthy) {
		return
	}

	if resourceViolations > 0 {
		e.resourceStrikes++
	} else {
		e.resourceStrikes = 0
	}

	if len(violations) == 0 {
		if e.state == StateUnhealthy {
			e.state = StateRunning
			slog.Info("plugin recovered", "plugin", name)
		}
		return
	}

	slog.Warn("plugin unhealthy", "plugin", name, "violations", violations)
	if e.state == StateRunning {
		e.state = StateUnhealthy
	}

	// Two violations at once, or a resource limit exceeded on consecutive
	// checks, escalates to a restart. This path preserves crashCount: it
	// is resource-triggered, not crash-triggered.
	if len(violations) >= 2 || e.resourceStrikes >= 2 {
		e.resourceStrikes = 0
		slog.Warn("restarting plugin after repeated violations", "plugin", name)
		if err := m.restartLocked(ctx, name, "health"); err != nil {
			slog.Error("health restart failed", "plugin", name, "error", err)
		}
	}
}

// handleCrash records an unexpected process exit and applies the restart
// policy: disable at the crash threshold, otherwise back off and force a
// restart (policy always), or leave recovery to the operator.
func (m *Manager) handleCrash(ctx context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plugins[name]
	if !ok || (e.state != StateRunning && e.state != StateUnhealthy) {
		return
	}

	exitCode := -1
	if e.unit != nil {
		if code, exited := e.unit.Exited(); exited {
			exitCode = code
		}
	}

	e.state = StateCrashed
	e.unit = nil
	e.crashCount++
	Crashes.WithLabelValues(name).Inc()
	Running.Dec()
	slog.Error("plugin crashed",
		"plugin", name,
		"exit_code", exitCode,
		"crash_count", e.crashCount)
	m.persistLocked(ctx, e)

	if e.crashCount >= m.cfg.CrashThreshold {
		e.state = StateDisabled
		slog.Error("plugin disabled after repeated crashes",
			"plugin", name,
			"crash_count", e.crashCount)
		m.persistLocked(ctx, e)
		return
	}

	switch e.manifest.EffectiveRestartPolicy() {
	case RestartAlways:
		delay := crashBackoff(e.crashCount, m.cfg.MaxBackoff)
		slog.Info("scheduling crash restart", "plugin", name, "delay", delay)
		m.scheduleRestartLocked(name, delay)
	case RestartOnFailure:
		slog.Warn("plugin crashed; restart left to the operator",
			"plugin", name,
			"exit_code", exitCode)
	case RestartNever:
		slog.Info("plugin crashed; restart policy is never", "plugin", name)
	}
}

// scheduleRestartLocked arms a one-shot force start after delay without
// blocking the control loop. The attempt is dropped when it is cancelled,
// the manager shuts down, or the plugin has left the crashed state.
func (m *Manager) scheduleRestartLocked(name string, delay time.Duration) {
	e := m.plugins[name]
	cancel := make(chan struct{})
	e.restartCancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-cancel:
			return
		case <-m.stopCh:
			return
		case <-timer.C:
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		current, ok := m.plugins[name]
		if !ok || current != e || e.restartCancel != cancel {
			return
		}
		e.restartCancel = nil
		if e.state != StateCrashed {
			return
		}
		if err := m.startLocked(context.Background(), name, true); err != nil {
			slog.Error("crash restart failed", "plugin", name, "error", err)
		}
	}()
}

// crashBackoff returns min(2^crashCount, maxBackoff) in seconds.
func crashBackoff(crashCount int, maxBackoff time.Duration) time.Duration {
	seconds := math.Min(math.Pow(2, float64(crashCount)), maxBackoff.Seconds())
	return time.Duration(seconds * float64(time.Second))
}
