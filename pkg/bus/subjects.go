// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package bus

import "strings"

// Per-plugin subject layout. Every plugin owns the namespace
// rosey.plugin.<name> and receives implicit grants for exactly these
// subjects; anything else must be declared in its manifest.
const pluginPrefix = "rosey.plugin."

// CommandSubject is where a plugin receives commands (implicit subscribe).
func CommandSubject(name string) string {
	return pluginPrefix + name + ".cmd"
}

// PingSubject is where a plugin answers health pings (implicit subscribe).
func PingSubject(name string) string {
	return pluginPrefix + name + ".ping"
}

// ResultSubject is where a plugin publishes command results (implicit publish).
func ResultSubject(name string) string {
	return pluginPrefix + name + ".result"
}

// ErrorSubject is where a plugin publishes command failures (implicit publish).
func ErrorSubject(name string) string {
	return pluginPrefix + name + ".error"
}

// EventSubject is where a plugin publishes its own events (implicit publish).
func EventSubject(name string) string {
	return pluginPrefix + name + ".event"
}

// PluginFromSubject extracts the plugin name from a subject inside the
// plugin namespace. ok is false for subjects outside rosey.plugin.*.
func PluginFromSubject(subject string) (name string, ok bool) {
	rest, found := strings.CutPrefix(subject, pluginPrefix)
	if !found {
		return "", false
	}
	name, _, found = strings.Cut(rest, ".")
	if !found || name == "" {
		return "", false
	}
	return name, true
}
