// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/mauhost/mauhost/internal/api"
	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/config"
	"github.com/mauhost/mauhost/internal/instance"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/logging"
	"github.com/mauhost/mauhost/internal/plugindb"
	"github.com/mauhost/mauhost/internal/version"
)

// shutdownTimeout bounds how long stop sequences may take after a signal.
const shutdownTimeout = 5 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the mauhost server",
		Long: `Load the configuration, hydrate clients and instances from the
catalogue, start every enabled client and serve the management API until
interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	stream := logging.NewStream(logging.DefaultBacklog)
	logger := logging.Setup("mauhost", version.Version, cfg.Logging.Format,
		logging.ParseLevel(cfg.Logging.Level), nil, stream)
	slog.SetDefault(logger)
	logger.Info("starting mauhost", "version", version.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureDirectories(cfg); err != nil {
		return err
	}

	migrator, err := catalog.NewMigrator(cfg.Database)
	if err != nil {
		return err
	}
	if err := migrator.Up(); err != nil {
		_ = migrator.Close()
		return err
	}
	if err := migrator.Close(); err != nil {
		return err
	}

	store, err := catalog.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	pgPool, err := openPluginPool(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if pgPool != nil {
		defer pgPool.Close()
	}

	registry := loader.NewRegistry(logger)
	registry.LoadAll(cfg.PluginDirectories.Load...)
	logger.Info("plugins loaded", "count", len(registry.All()))

	clients := client.NewManager(store, client.ManagerOptions{Logger: logger})
	if err := clients.Hydrate(ctx); err != nil {
		return err
	}

	engine := instance.NewEngine(store, registry, clients, instance.EngineOptions{
		Logger:           logger,
		PostgresPool:     pgPool,
		PostgresMaxConns: cfg.PluginDatabases.PostgresOpts.MaxConnsPerPlugin,
		SQLiteDir:        cfg.PluginDatabases.SQLite,
		PublicURL:        cfg.Server.PublicURL,
		PluginBasePath:   cfg.Server.PluginBasePath,
	})
	if err := engine.Hydrate(ctx); err != nil {
		return err
	}

	// Instances are started by their client's transition, not on their
	// own: StartAll fans out to each session's instances.
	clients.StartAll(ctx)

	server := api.New(cfg, store, registry, clients, engine, api.Options{
		Logger: logger,
		Stream: stream,
	})
	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	engine.StopAll(shutdownCtx)
	clients.StopAll(shutdownCtx)
	logger.Info("mauhost stopped")
	return serveErr
}

// ensureDirectories creates the plugin directories the config names.
func ensureDirectories(cfg *config.Config) error {
	dirs := []string{cfg.PluginDirectories.Upload, cfg.PluginDatabases.SQLite}
	if cfg.PluginDirectories.TrashEnabled() {
		dirs = append(dirs, cfg.PluginDirectories.Trash)
	}
	dirs = append(dirs, cfg.PluginDirectories.Load...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return oops.Code("CONFIG_INVALID").
				With("dir", dir).
				Hint("creating plugin directory").
				Wrap(err)
		}
	}
	return nil
}

// openPluginPool resolves the shared-Postgres plugin database config:
// "default" borrows the catalogue database when that is Postgres, a
// postgres:// URL names a separate backing database, anything else
// disables the shared mode.
func openPluginPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*plugindb.PostgresPool, error) {
	uri := cfg.PluginDatabases.Postgres
	if uri == "default" {
		if !strings.HasPrefix(cfg.Database, "postgres") {
			return nil, nil
		}
		uri = cfg.Database
	}
	if !strings.HasPrefix(uri, "postgres") {
		return nil, nil
	}
	pool, err := plugindb.NewPostgresPool(ctx, uri,
		cfg.PluginDatabases.PostgresOpts.PoolSize, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("shared plugin database pool opened")
	return pool, nil
}
