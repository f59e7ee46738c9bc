// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin

// State is the lifecycle state of a registered plugin.
type State int

// Lifecycle states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateUnhealthy
	StateStopping
	StateCrashed
	StateDisabled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name so Status serializes readably.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions defines allowed state transitions as an adjacency list.
//
// Disabled is terminal until an explicit enable returns the plugin to
// Stopped. Crashed plugins either recover through Starting or cross the
// crash threshold into Disabled.
var validTransitions = map[State]map[State]bool{
	StateStopped: {
		StateStarting: true,
		StateDisabled: true, // dependency cycle detected at startup
	},
	StateStarting: {
		StateRunning: true,
		StateStopped: true, // spawn failed
		StateCrashed: true, // died during startup
	},
	StateRunning: {
		StateUnhealthy: true,
		StateStopping:  true,
		StateCrashed:   true,
	},
	StateUnhealthy: {
		StateRunning:  true,
		StateStopping: true,
		StateCrashed:  true,
	},
	StateStopping: {
		StateStopped: true,
	},
	StateCrashed: {
		StateStarting: true, // automatic or forced restart
		StateStopped:  true, // administrative stop clears the crash
		StateDisabled: true, // crash threshold reached
	},
	StateDisabled: {
		StateStopped: true, // explicit enable
	},
}

// ValidTransition returns true if moving from one state to another is allowed.
func ValidTransition(from, to State) bool {
	allowed, exists := validTransitions[from][to]
	return exists && allowed
}
