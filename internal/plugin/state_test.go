// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roseybot/rosey/internal/plugin"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name string
		from plugin.State
		to   plugin.State
		want bool
	}{
		{"stopped to starting", plugin.StateStopped, plugin.StateStarting, true},
		{"starting to running", plugin.StateStarting, plugin.StateRunning, true},
		{"starting to stopped on spawn failure", plugin.StateStarting, plugin.StateStopped, true},
		{"running to unhealthy", plugin.StateRunning, plugin.StateUnhealthy, true},
		{"unhealthy back to running", plugin.StateUnhealthy, plugin.StateRunning, true},
		{"running to crashed", plugin.StateRunning, plugin.StateCrashed, true},
		{"unhealthy to crashed", plugin.StateUnhealthy, plugin.StateCrashed, true},
		{"crashed to starting", plugin.StateCrashed, plugin.StateStarting, true},
		{"crashed to disabled", plugin.StateCrashed, plugin.StateDisabled, true},
		{"disabled to stopped via enable", plugin.StateDisabled, plugin.StateStopped, true},
		{"stopping to stopped", plugin.StateStopping, plugin.StateStopped, true},

		{"stopped straight to running", plugin.StateStopped, plugin.StateRunning, false},
		{"disabled straight to starting", plugin.StateDisabled, plugin.StateStarting, false},
		{"running to starting", plugin.StateRunning, plugin.StateStarting, false},
		{"stopped to stopping", plugin.StateStopped, plugin.StateStopping, false},
		{"crashed to running", plugin.StateCrashed, plugin.StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plugin.ValidTransition(tt.from, tt.to))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "stopped", plugin.StateStopped.String())
	assert.Equal(t, "running", plugin.StateRunning.String())
	assert.Equal(t, "unhealthy", plugin.StateUnhealthy.String())
	assert.Equal(t, "disabled", plugin.StateDisabled.String())
	assert.Equal(t, "unknown", plugin.State(99).String())
}
