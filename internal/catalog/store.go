// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package catalog is the host's own database: the registered Matrix
// clients, the plugin instances bound to them, and sync bookkeeping. It
// runs on Postgres or on a local SQLite file.
package catalog

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"
)

// Dialect identifies the backing database engine.
type Dialect string

// Supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Store is the host database handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	uri     string
	logger  *slog.Logger
}

// Connect opens the host database. postgres:// and postgresql:// URIs go
// to Postgres; sqlite:<path> or a bare path goes to SQLite.
func Connect(ctx context.Context, uri string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialect, driver, dsn := parseURI(uri)
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, oops.Code("DATABASE_CONNECT_FAILED").With("uri", uri).Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, oops.Code("DATABASE_CONNECT_FAILED").With("uri", uri).Wrap(err)
	}
	if dialect == DialectSQLite {
		// SQLite serializes writers; a single connection avoids busy errors.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, dialect: dialect, uri: uri, logger: logger}, nil
}

func parseURI(uri string) (Dialect, string, string) {
	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		return DialectPostgres, "pgx", uri
	case strings.HasPrefix(uri, "sqlite://"):
		return DialectSQLite, "sqlite3", sqliteDSN(strings.TrimPrefix(uri, "sqlite://"))
	case strings.HasPrefix(uri, "sqlite:"):
		return DialectSQLite, "sqlite3", sqliteDSN(strings.TrimPrefix(uri, "sqlite:"))
	default:
		return DialectSQLite, "sqlite3", sqliteDSN(uri)
	}
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_fk=on&_busy_timeout=5000"
}

// Dialect returns the backing engine.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
