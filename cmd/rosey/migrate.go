// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/roseybot/rosey/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run plugin registry migrations",
		Long:  `Run all pending migrations against the PostgreSQL plugin registry.`,
		RunE:  runMigrate,
	}
	cmd.Flags().String("database-url", "", "PostgreSQL URL (default: DATABASE_URL)")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	databaseURL, err := cmd.Flags().GetString("database-url")
	if err != nil {
		return err
	}
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database URL is required (--database-url flag or DATABASE_URL)")
	}

	cmd.Println("Running migrations...")
	mig, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer mig.Close() //nolint:errcheck // best-effort cleanup

	if err := mig.Up(); err != nil {
		return err
	}

	v, dirty, err := mig.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Migrations completed (version %d, dirty=%v)\n", v, dirty)
	return nil
}
