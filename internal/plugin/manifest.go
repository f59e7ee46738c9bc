// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package plugin provides plugin manifest validation, permission checking,
// and lifecycle management.
package plugin

import (
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/roseybot/rosey/pkg/bus"
)

// Capability is an opt-in grant checked independently of subject permissions.
type Capability string

// Capabilities plugins may declare.
const (
	CapFilesystemRead  Capability = "filesystem-read"
	CapFilesystemWrite Capability = "filesystem-write"
	CapNetworkHTTP     Capability = "network-http"
	CapDatabaseRead    Capability = "database-read"
	CapDatabaseWrite   Capability = "database-write"
	CapPluginBroadcast Capability = "plugin-broadcast"
	CapPluginListen    Capability = "plugin-listen"
)

// knownCapabilities enumerates every capability the supervisor understands.
var knownCapabilities = map[Capability]bool{
	CapFilesystemRead:  true,
	CapFilesystemWrite: true,
	CapNetworkHTTP:     true,
	CapDatabaseRead:    true,
	CapDatabaseWrite:   true,
	CapPluginBroadcast: true,
	CapPluginListen:    true,
}

// RestartPolicy controls automatic recovery after a crash.
type RestartPolicy string

// Restart policies.
const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// SubjectPermission declares what a plugin may do with subjects matching
// a pattern. At least one of subscribe/publish must be set.
type SubjectPermission struct {
	Pattern   string `yaml:"pattern" json:"pattern"`
	Subscribe bool   `yaml:"subscribe,omitempty" json:"subscribe,omitempty"`
	Publish   bool   `yaml:"publish,omitempty" json:"publish,omitempty"`
}

// Duration wraps time.Duration for YAML values like "5m" or "1h30m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return oops.Code("MANIFEST_INVALID").Wrapf(err, "duration must be a string")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return oops.Code("MANIFEST_INVALID").With("value", s).
			Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ResourceLimits bounds a plugin process. A zero value means unlimited for
// that dimension. Limits are advisory: violations mark the plugin unhealthy
// and accumulate toward a forced restart, they are not hard OS caps.
type ResourceLimits struct {
	MaxCPUPercent     float64  `yaml:"max-cpu-percent,omitempty" json:"max-cpu-percent,omitempty"`
	MaxMemoryMB       uint64   `yaml:"max-memory-mb,omitempty" json:"max-memory-mb,omitempty"`
	MaxUptime         Duration `yaml:"max-uptime,omitempty" json:"max-uptime,omitempty"`
	MaxMessagesPerSec float64  `yaml:"max-messages-per-sec,omitempty" json:"max-messages-per-sec,omitempty"`
}

// ExecConfig names the plugin's entry point, relative to its directory.
type ExecConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Manifest represents a plugin.yaml file. A manifest is never mutated after
// load; updating a plugin means unloading it and reloading a new manifest.
type Manifest struct {
	Name          string              `yaml:"name" json:"name"`
	Version       string              `yaml:"version" json:"version"`
	Description   string              `yaml:"description,omitempty" json:"description,omitempty"`
	Exec          ExecConfig          `yaml:"exec" json:"exec"`
	Permissions   []SubjectPermission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Capabilities  []Capability        `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Limits        ResourceLimits      `yaml:"limits,omitempty" json:"limits,omitempty"`
	RestartPolicy RestartPolicy       `yaml:"restart-policy,omitempty" json:"restart-policy,omitempty"`
	DependsOn     []string            `yaml:"depends-on,omitempty" json:"depends-on,omitempty"`
	ConfigSchema  map[string]any      `yaml:"config-schema,omitempty" json:"config-schema,omitempty"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file. Unknown extra
// fields are ignored for forward compatibility.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code("MANIFEST_INVALID").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("MANIFEST_INVALID").Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return oops.Code("MANIFEST_INVALID").With("name", m.Name).
			Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return oops.Code("MANIFEST_INVALID").With("name", m.Name).
			Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
			Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).With("version", m.Version).
			Wrapf(err, "version %q must follow major.minor.patch", m.Version)
	}

	if m.Exec.Command == "" {
		return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
			Errorf("exec.command is required")
	}

	for i, p := range m.Permissions {
		if !p.Subscribe && !p.Publish {
			return oops.Code("MANIFEST_BAD_PATTERN").With("plugin", m.Name).With("pattern", p.Pattern).
				Errorf("permission %d (%q) grants neither subscribe nor publish", i, p.Pattern)
		}
		if _, err := bus.CompilePattern(p.Pattern); err != nil {
			return oops.Code("MANIFEST_BAD_PATTERN").With("plugin", m.Name).
				Wrapf(err, "permission %d", i)
		}
	}

	seenCaps := make(map[Capability]bool, len(m.Capabilities))
	for _, c := range m.Capabilities {
		if !knownCapabilities[c] {
			return oops.Code("MANIFEST_UNKNOWN_CAPABILITY").With("plugin", m.Name).With("capability", string(c)).
				Errorf("unknown capability %q", c)
		}
		if seenCaps[c] {
			return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
				Errorf("duplicate capability %q", c)
		}
		seenCaps[c] = true
	}

	switch m.RestartPolicy {
	case "", RestartAlways, RestartOnFailure, RestartNever:
	default:
		return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
			Errorf("restart-policy must be 'always', 'on-failure', or 'never', got %q", m.RestartPolicy)
	}

	seenDeps := make(map[string]bool, len(m.DependsOn))
	for _, dep := range m.DependsOn {
		if dep == m.Name {
			return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
				Errorf("plugin cannot depend on itself")
		}
		if !namePattern.MatchString(dep) {
			return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
				Errorf("dependency %q is not a valid plugin name", dep)
		}
		if seenDeps[dep] {
			return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
				Errorf("duplicate dependency %q", dep)
		}
		seenDeps[dep] = true
	}

	if m.Limits.MaxCPUPercent < 0 || m.Limits.MaxMessagesPerSec < 0 || m.Limits.MaxUptime < 0 {
		return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
			Errorf("resource limits cannot be negative")
	}

	if m.ConfigSchema != nil {
		if err := compileConfigSchema(m.ConfigSchema); err != nil {
			return oops.Code("MANIFEST_INVALID").With("plugin", m.Name).
				Wrapf(err, "config-schema is not a well-formed JSON Schema")
		}
	}

	return nil
}

// EffectiveRestartPolicy resolves the default: plugins restart automatically
// unless they opt out.
func (m *Manifest) EffectiveRestartPolicy() RestartPolicy {
	if m.RestartPolicy == "" {
		return RestartAlways
	}
	return m.RestartPolicy
}
