// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package plugindb gives each plugin instance an isolated database: a
// dedicated schema inside the shared Postgres cluster, or a standalone
// SQLite file. Plugins only ever see their own handle and cannot name
// another instance's tables.
package plugindb

import (
	"context"
	"fmt"

	"github.com/samber/oops"
)

// Row is one fetched row, keyed by column name.
type Row map[string]any

// Column describes one column of an instance table. The shape is the
// same for both backends even though the introspection queries differ.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	Default    string `json:"default,omitempty"`
	PrimaryKey bool   `json:"primary_key"`
	Unique     bool   `json:"unique"`
}

// Database is the handle a plugin instance queries through.
type Database interface {
	// Execute runs a statement and returns the number of affected rows.
	Execute(ctx context.Context, query string, args ...any) (int64, error)
	// Fetch runs a query and returns every row.
	Fetch(ctx context.Context, query string, args ...any) ([]Row, error)
	// FetchRow runs a query and returns the first row, or nil without
	// error when there are none.
	FetchRow(ctx context.Context, query string, args ...any) (Row, error)
	// FetchVal runs a query and returns the first column of the first
	// row, or nil without error when there are none.
	FetchVal(ctx context.Context, query string, args ...any) (any, error)
	// ListTables returns the instance's table names.
	ListTables(ctx context.Context) ([]string, error)
	// Describe returns the columns of one table.
	Describe(ctx context.Context, table string) ([]Column, error)

	// Start prepares the backend (creates the schema or opens the file).
	Start(ctx context.Context) error
	// Stop releases the backend's resources.
	Stop(ctx context.Context) error
	// Delete destroys the instance's data permanently.
	Delete(ctx context.Context) error
}

// UpgradeStep is one schema migration declared by a plugin.
type UpgradeStep struct {
	Description string
	SQL         string
}

// versionTable tracks which upgrade steps have been applied.
const versionTable = "version"

// RunUpgrades applies the plugin's pending schema upgrades in order. The
// current version is tracked in a single-row version table inside the
// instance database, so each step runs exactly once.
func RunUpgrades(ctx context.Context, db Database, steps []UpgradeStep) error {
	_, err := db.Execute(ctx, fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)", versionTable))
	if err != nil {
		return oops.Code("UPGRADE_FAILED").Hint("creating version table").Wrap(err)
	}
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(steps) {
		return oops.Code("SCHEMA_TOO_NEW").
			With("version", current).
			With("steps", len(steps)).
			New("instance database version is newer than the plugin's upgrade list")
	}
	for i := current; i < len(steps); i++ {
		step := steps[i]
		if _, err := db.Execute(ctx, step.SQL); err != nil {
			return oops.Code("UPGRADE_FAILED").
				With("step", i+1).
				With("description", step.Description).
				Wrap(err)
		}
		if err := setVersion(ctx, db, i+1); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db Database) (int, error) {
	val, err := db.FetchVal(ctx, fmt.Sprintf("SELECT version FROM %s LIMIT 1", versionTable))
	if err != nil {
		return 0, oops.Code("UPGRADE_FAILED").Hint("reading version").Wrap(err)
	}
	switch v := val.(type) {
	case nil:
		return 0, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, oops.Code("UPGRADE_FAILED").
			With("value", val).
			New("unexpected version value type")
	}
}

func setVersion(ctx context.Context, db Database, v int) error {
	if _, err := db.Execute(ctx, fmt.Sprintf("DELETE FROM %s", versionTable)); err != nil {
		return oops.Code("UPGRADE_FAILED").Hint("clearing version").Wrap(err)
	}
	_, err := db.Execute(ctx, fmt.Sprintf(
		"INSERT INTO %s (version) VALUES (%d)", versionTable, v))
	if err != nil {
		return oops.Code("UPGRADE_FAILED").Hint("writing version").Wrap(err)
	}
	return nil
}
