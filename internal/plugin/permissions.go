// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/roseybot/rosey/pkg/bus"
)

// ResourceSnapshot is a point-in-time view of one plugin process,
// produced by the supervision unit and consumed by health checks.
type ResourceSnapshot struct {
	CPUPercent  float64
	MemoryBytes uint64
	Uptime      time.Duration
}

// Decision is the result of a permission check. Decisions are recomputed on
// every check and never persisted.
type Decision struct {
	Allowed bool
	// Reason explains a denial in terms the plugin author can act on.
	Reason string
	// NeededPattern is the exact pattern the manifest would need to declare
	// for the denied operation to succeed. Empty when allowed.
	NeededPattern string
}

// allow is the positive decision.
var allow = Decision{Allowed: true}

// compiledGrant holds a declared pattern and its compiled matcher.
type compiledGrant struct {
	pattern string
	g       glob.Glob
}

// PermissionSet answers subject and capability checks for one plugin.
// It is compiled once from a validated manifest and is immutable and safe
// for concurrent use afterwards.
type PermissionSet struct {
	plugin    string
	caps      map[Capability]bool
	subscribe []compiledGrant
	publish   []compiledGrant
	limits    ResourceLimits
}

// broadcastPattern is the shared namespace granted by the plugin-broadcast
// and plugin-listen capabilities.
const broadcastPattern = "rosey.broadcast.**"

// NewPermissionSet compiles a manifest's declared permissions plus the
// implicit own-namespace grants: every plugin may subscribe to its own
// command and ping subjects and publish to its own result, error, and
// event subjects without declaring them.
func NewPermissionSet(m *Manifest) (*PermissionSet, error) {
	ps := &PermissionSet{
		plugin: m.Name,
		caps:   make(map[Capability]bool, len(m.Capabilities)),
		limits: m.Limits,
	}

	for _, c := range m.Capabilities {
		ps.caps[c] = true
	}

	implicitSubscribe := []string{
		bus.CommandSubject(m.Name),
		bus.PingSubject(m.Name),
	}
	implicitPublish := []string{
		bus.ResultSubject(m.Name),
		bus.ErrorSubject(m.Name),
		bus.EventSubject(m.Name),
	}
	if ps.caps[CapPluginListen] {
		implicitSubscribe = append(implicitSubscribe, broadcastPattern)
	}
	if ps.caps[CapPluginBroadcast] {
		implicitPublish = append(implicitPublish, broadcastPattern)
	}

	for _, pattern := range implicitSubscribe {
		grant, err := compileGrant(pattern)
		if err != nil {
			return nil, err
		}
		ps.subscribe = append(ps.subscribe, grant)
	}
	for _, pattern := range implicitPublish {
		grant, err := compileGrant(pattern)
		if err != nil {
			return nil, err
		}
		ps.publish = append(ps.publish, grant)
	}

	for _, p := range m.Permissions {
		grant, err := compileGrant(p.Pattern)
		if err != nil {
			return nil, err
		}
		if p.Subscribe {
			ps.subscribe = append(ps.subscribe, grant)
		}
		if p.Publish {
			ps.publish = append(ps.publish, grant)
		}
	}

	return ps, nil
}

func compileGrant(pattern string) (compiledGrant, error) {
	g, err := bus.CompilePattern(pattern)
	if err != nil {
		return compiledGrant{}, err
	}
	return compiledGrant{pattern: pattern, g: g}, nil
}

// Plugin returns the name of the plugin this set was compiled for.
func (ps *PermissionSet) Plugin() string { return ps.plugin }

// ValidateSubscribe decides whether the plugin may subscribe to a subject.
func (ps *PermissionSet) ValidateSubscribe(subject string) Decision {
	return ps.decide(subject, "subscribe", ps.subscribe)
}

// ValidatePublish decides whether the plugin may publish to a subject.
func (ps *PermissionSet) ValidatePublish(subject string) Decision {
	return ps.decide(subject, "publish", ps.publish)
}

func (ps *PermissionSet) decide(subject, op string, grants []compiledGrant) Decision {
	for _, grant := range grants {
		if grant.g.Match(subject) {
			return allow
		}
	}
	return Decision{
		Allowed: false,
		Reason: fmt.Sprintf(
			"plugin %q may not %s %q; declare {pattern: %q, %s: true} in its manifest permissions",
			ps.plugin, op, subject, subject, op),
		NeededPattern: subject,
	}
}

// ValidateCapability decides whether the plugin holds a capability.
func (ps *PermissionSet) ValidateCapability(c Capability) Decision {
	if ps.caps[c] {
		return allow
	}
	return Decision{
		Allowed: false,
		Reason: fmt.Sprintf(
			"plugin %q does not hold capability %q; declare it in the manifest capabilities list",
			ps.plugin, string(c)),
		NeededPattern: string(c),
	}
}

// CheckResourceLimits compares a snapshot against the manifest's declared
// limits and returns zero or more human-readable violations. It never fails;
// an undeclared limit is unlimited.
func (ps *PermissionSet) CheckResourceLimits(s ResourceSnapshot) []string {
	var violations []string

	if ps.limits.MaxCPUPercent > 0 && s.CPUPercent > ps.limits.MaxCPUPercent {
		violations = append(violations, fmt.Sprintf(
			"cpu %.1f%% exceeds limit %.1f%%", s.CPUPercent, ps.limits.MaxCPUPercent))
	}
	if ps.limits.MaxMemoryMB > 0 && s.MemoryBytes > ps.limits.MaxMemoryMB*1024*1024 {
		violations = append(violations, fmt.Sprintf(
			"memory %d MiB exceeds limit %d MiB", s.MemoryBytes/(1024*1024), ps.limits.MaxMemoryMB))
	}
	if ps.limits.MaxUptime > 0 && s.Uptime > ps.limits.MaxUptime.Std() {
		violations = append(violations, fmt.Sprintf(
			"uptime %s exceeds limit %s", s.Uptime.Round(time.Second), ps.limits.MaxUptime.Std()))
	}

	return violations
}
