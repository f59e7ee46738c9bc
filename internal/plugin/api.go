// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"sort"
	"time"
)

// Status is the management view of one plugin, safe to hand across the
// API boundary: plain values, no registry references.
type Status struct {
	Name         string        `json:"name"`
	Version      string        `json:"version"`
	State        State         `json:"state"`
	Enabled      bool          `json:"enabled"`
	Uptime       time.Duration `json:"uptime"`
	CrashCount   int           `json:"crash_count"`
	RestartCount int           `json:"restart_count"`
	Successes    uint64        `json:"successes"`
	Errors       uint64        `json:"errors"`
	ErrorRate    float64       `json:"error_rate"`
	LastChecked  time.Time     `json:"last_checked,omitzero"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Dependents   []string      `json:"dependents,omitempty"`
}

// List returns the status of every registered plugin, sorted by name.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	dependents := transpose(m.depsLocked())
	statuses := make([]Status, 0, len(m.plugins))
	for name, e := range m.plugins {
		statuses = append(statuses, statusLocked(e, dependents[name]))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Status returns the status of one plugin.
func (m *Manager) Status(name string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plugins[name]
	if !ok {
		return Status{}, errPluginNotFound(name)
	}
	return statusLocked(e, m.dependentsLocked(name)), nil
}

func statusLocked(e *pluginEntry, dependents []string) Status {
	s := Status{
		Name:         e.manifest.Name,
		Version:      e.manifest.Version,
		State:        e.state,
		Enabled:      e.enabled,
		CrashCount:   e.crashCount,
		RestartCount: e.restartCount,
		Successes:    e.successes,
		Errors:       e.errors,
		LastChecked:  e.lastChecked,
		Dependencies: append([]string(nil), e.manifest.DependsOn...),
		Dependents:   dependents,
	}
	if e.state == StateRunning || e.state == StateUnhealthy {
		s.Uptime = time.Since(e.startedAt)
	}
	if total := e.successes + e.errors; total > 0 {
		s.ErrorRate = float64(e.errors) / float64(total)
	}
	return s
}
