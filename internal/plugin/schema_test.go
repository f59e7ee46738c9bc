// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package plugin_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/internal/plugin"
)

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(data, &schema))

	assert.Equal(t, plugin.GetSchemaID(), schema["$id"])
	assert.Equal(t, "Rosey Plugin Manifest", schema["title"])

	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"name", "version", "exec", "permissions", "capabilities", "limits"} {
		assert.Contains(t, props, field)
	}
}

func TestValidateSchema_ValidManifest(t *testing.T) {
	yaml := `
name: echo
version: 1.0.0
exec:
  command: echo-plugin
permissions:
  - pattern: rosey.events.*
    subscribe: true
capabilities:
  - network-http
`
	plugin.ResetSchemaCache()
	assert.NoError(t, plugin.ValidateSchema([]byte(yaml)))
}

func TestValidateSchema_MissingRequiredFields(t *testing.T) {
	yaml := `
name: echo
`
	err := plugin.ValidateSchema([]byte(yaml))
	require.Error(t, err)
}

func TestValidateSchema_WrongTypes(t *testing.T) {
	yaml := `
name: echo
version: 1.0.0
exec:
  command: run
capabilities: not-a-list
`
	err := plugin.ValidateSchema([]byte(yaml))
	require.Error(t, err)
	assert.NotEmpty(t, plugin.FormatSchemaError(err))
}

func TestValidateSchema_Empty(t *testing.T) {
	assert.Error(t, plugin.ValidateSchema(nil))
}

func TestFormatSchemaError_Nil(t *testing.T) {
	assert.Empty(t, plugin.FormatSchemaError(nil))
}
