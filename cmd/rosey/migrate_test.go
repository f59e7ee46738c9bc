// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/errutil"
)

func TestMigrateCommand_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate"})

	err := cmd.Execute()
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestMigrateCommand_RejectsUnsupportedScheme(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"migrate", "--database-url", "carrier-pigeon://loft/registry"})

	require.Error(t, cmd.Execute())
}
