// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/mauhost/mauhost/internal/version"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the mauhost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mauhost",
		Short: "mauhost - a multi-tenant Matrix bot host",
		Long: `mauhost hosts plugin-based Matrix bots: it loads .mbp plugin
archives, binds them to stored Matrix accounts, and exposes a management
API to operate clients, instances and plugins at runtime.`,
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "config file path")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the mauhost version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("mauhost " + version.Version)
		},
	}
}
