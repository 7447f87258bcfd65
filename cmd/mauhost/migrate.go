// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/config"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run catalogue database migrations",
		Long:  `Apply all pending schema migrations to the catalogue database.`,
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return err
	}

	migrator, err := catalog.NewMigrator(cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	if err := migrator.Up(); err != nil {
		return err
	}
	ver, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Catalogue schema at version %d (dirty=%v)\n", ver, dirty)
	return nil
}
