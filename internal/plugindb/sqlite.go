// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package plugindb

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/samber/oops"
)

// SQLiteDatabase is one instance's standalone database file.
type SQLiteDatabase struct {
	path   string
	logger *slog.Logger
	db     *sql.DB
}

var _ Database = (*SQLiteDatabase)(nil)

// NewSQLite creates the handle for an instance database stored under
// dir. Nothing is opened until Start.
func NewSQLite(dir, instanceID string, logger *slog.Logger) *SQLiteDatabase {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteDatabase{
		path:   filepath.Join(dir, sanitizeFilename(instanceID)+".db"),
		logger: logger.With("instance_id", instanceID),
	}
}

// sanitizeFilename keeps instance IDs from escaping the database
// directory.
func sanitizeFilename(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

// Path returns the database file path.
func (d *SQLiteDatabase) Path() string { return d.path }

func (d *SQLiteDatabase) Start(ctx context.Context) error {
	if d.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", "file:"+d.path+"?_fk=on&_busy_timeout=5000")
	if err != nil {
		return oops.Code("DATABASE_START_FAILED").With("path", d.path).Wrap(err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return oops.Code("DATABASE_START_FAILED").With("path", d.path).Wrap(err)
	}
	d.db = db
	return nil
}

func (d *SQLiteDatabase) Stop(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return oops.Code("DATABASE_STOP_FAILED").With("path", d.path).Wrap(err)
	}
	return nil
}

// Delete closes the database and removes its file.
func (d *SQLiteDatabase) Delete(ctx context.Context) error {
	if err := d.Stop(ctx); err != nil {
		return err
	}
	d.logger.Info("deleting instance database file", "path", d.path)
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return oops.Code("DATABASE_DELETE_FAILED").With("path", d.path).Wrap(err)
	}
	return nil
}

func (d *SQLiteDatabase) conn() (*sql.DB, error) {
	if d.db == nil {
		return nil, oops.Code("DATABASE_NOT_STARTED").
			With("path", d.path).
			New("instance database is not started")
	}
	return d.db, nil
}

func (d *SQLiteDatabase) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	db, err := d.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, oops.Code("QUERY_FAILED").Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, oops.Code("QUERY_FAILED").Wrap(err)
	}
	return affected, nil
}

func (d *SQLiteDatabase) Fetch(ctx context.Context, query string, args ...any) ([]Row, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	return collectSQLRows(rows)
}

func (d *SQLiteDatabase) FetchRow(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := d.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (d *SQLiteDatabase) FetchVal(ctx context.Context, query string, args ...any) (any, error) {
	db, err := d.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	columns, err := rows.Columns()
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := rows.Scan(pointers...); err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	if b, ok := values[0].([]byte); ok {
		return string(b), nil
	}
	return values[0], nil
}

func (d *SQLiteDatabase) ListTables(ctx context.Context) ([]string, error) {
	rows, err := d.Fetch(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' "+
			"AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(rows))
	for _, row := range rows {
		if name, ok := row["name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// Describe reads a table's column shapes from the pragma tables. Unique
// is reported for columns covered by a single-column unique index.
func (d *SQLiteDatabase) Describe(ctx context.Context, table string) ([]Column, error) {
	info, err := d.Fetch(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info($1)`, table)
	if err != nil {
		return nil, err
	}
	if len(info) == 0 {
		return nil, oops.Code("TABLE_NOT_FOUND").
			With("table", table).
			New("table not found in instance database")
	}

	unique := make(map[string]bool)
	indexes, err := d.Fetch(ctx,
		`SELECT name FROM pragma_index_list($1) WHERE "unique" = 1`, table)
	if err != nil {
		return nil, err
	}
	for _, idx := range indexes {
		idxName, ok := idx["name"].(string)
		if !ok {
			continue
		}
		cols, err := d.Fetch(ctx, "SELECT name FROM pragma_index_info($1)", idxName)
		if err != nil {
			return nil, err
		}
		if len(cols) == 1 {
			if col, ok := cols[0]["name"].(string); ok {
				unique[col] = true
			}
		}
	}

	out := make([]Column, 0, len(info))
	for _, row := range info {
		name, _ := row["name"].(string)
		colType, _ := row["type"].(string)
		def, _ := row["dflt_value"].(string)
		pk := asInt64(row["pk"]) > 0
		out = append(out, Column{
			Name:       name,
			Type:       colType,
			Nullable:   asInt64(row["notnull"]) == 0 && !pk,
			Default:    def,
			PrimaryKey: pk,
			Unique:     unique[name] || pk,
		})
	}
	return out, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func collectSQLRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	var out []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, oops.Code("QUERY_FAILED").Wrap(err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("QUERY_FAILED").Wrap(err)
	}
	return out, nil
}
