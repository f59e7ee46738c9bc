// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Rosey CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rosey",
		Short: "Rosey - plugin supervisor for the Rosey assistant",
		Long: `Rosey supervises assistant plugins: each plugin runs as an isolated
worker process and talks to the host exclusively over the message bus.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewHostCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
