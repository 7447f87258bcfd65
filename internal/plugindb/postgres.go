// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package plugindb

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// pgxQuerier is the pool-level query surface. *pgxpool.Pool and the
// pgxmock pool both satisfy it.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresPool is the shared cluster connection all instance databases
// proxy through.
type PostgresPool struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresPool connects the shared pool.
func NewPostgresPool(ctx context.Context, uri string, poolSize int, logger *slog.Logger) (*PostgresPool, error) {
	cfg, err := pgxpool.ParseConfig(uri)
	if err != nil {
		return nil, oops.Code("BAD_DATABASE_URI").Wrap(err)
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, oops.Code("DATABASE_CONNECT_FAILED").Wrap(err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresPool{pool: pool, logger: logger}, nil
}

// Close shuts the shared pool down.
func (p *PostgresPool) Close() {
	p.pool.Close()
}

// ForInstance creates the proxy database for one instance. maxConns caps
// how many shared-pool connections this instance can hold at once.
func (p *PostgresPool) ForInstance(instanceID string, maxConns int) *PostgresDatabase {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &PostgresDatabase{
		acquirer:   p.pool,
		querier:    p.pool,
		schemaName: SchemaName(instanceID),
		sema:       make(chan struct{}, maxConns),
		maxConns:   maxConns,
		// Overwritten with the server's actual value on Start.
		defaultSearchPath: `"$user", public`,
		logger:            p.logger.With("instance_id", instanceID),
	}
}

// SchemaName is the Postgres schema an instance's tables live in. Double
// quotes are stripped so the quoted identifier cannot be escaped;
// instance IDs are admin-controlled, so this does not need to be
// bulletproof.
func SchemaName(instanceID string) string {
	return "mbp_" + strings.ReplaceAll(instanceID, `"`, "_")
}

// PostgresDatabase proxies one instance onto a dedicated schema of the
// shared pool. Every acquired connection gets its search_path pinned to
// the instance schema and restored on release, so plugin queries can
// only name their own tables.
type PostgresDatabase struct {
	acquirer   *pgxpool.Pool
	querier    pgxQuerier
	schemaName string
	sema       chan struct{}
	maxConns   int

	defaultSearchPath string
	logger            *slog.Logger
}

var _ Database = (*PostgresDatabase)(nil)

func (d *PostgresDatabase) quotedSchema() string {
	return `"` + d.schemaName + `"`
}

// Start records the server's default search_path and creates the
// instance schema.
func (d *PostgresDatabase) Start(ctx context.Context) error {
	conn, err := d.acquirer.Acquire(ctx)
	if err != nil {
		return oops.Code("DATABASE_CONNECT_FAILED").Wrap(err)
	}
	defer conn.Release()

	if err := conn.QueryRow(ctx, "SHOW search_path").Scan(&d.defaultSearchPath); err != nil {
		return oops.Code("DATABASE_START_FAILED").Hint("reading search_path").Wrap(err)
	}
	d.logger.Debug("found default search path", "search_path", d.defaultSearchPath)
	if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+d.quotedSchema()); err != nil {
		return oops.Code("DATABASE_START_FAILED").
			With("schema", d.schemaName).
			Wrap(err)
	}
	return nil
}

// Stop drains the instance's connection slots so no plugin query is left
// running. A slot that does not come back within 3 seconds is abandoned
// with a warning.
func (d *PostgresDatabase) Stop(ctx context.Context) error {
	for i := 0; i < d.maxConns; i++ {
		select {
		case d.sema <- struct{}{}:
		case <-time.After(3 * time.Second):
			d.logger.Warn("failed to drain plugin database connections, " +
				"the plugin may be leaking database connections")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for i := 0; i < d.maxConns; i++ {
		<-d.sema
	}
	return nil
}

// Delete drops the instance schema and everything in it.
func (d *PostgresDatabase) Delete(ctx context.Context) error {
	d.logger.Info("deleting instance schema and all data in it", "schema", d.schemaName)
	_, err := d.querier.Exec(ctx, "DROP SCHEMA IF EXISTS "+d.quotedSchema()+" CASCADE")
	if err != nil {
		return oops.Code("DATABASE_DELETE_FAILED").
			With("schema", d.schemaName).
			Wrap(err)
	}
	return nil
}

// acquire pins a pooled connection to the instance schema. The returned
// release function restores the default search_path, or destroys the
// connection when that fails.
func (d *PostgresDatabase) acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	select {
	case d.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	conn, err := d.acquirer.Acquire(ctx)
	if err != nil {
		<-d.sema
		return nil, nil, oops.Code("DATABASE_CONNECT_FAILED").Wrap(err)
	}
	if _, err := conn.Exec(ctx, "SET search_path = "+d.quotedSchema()); err != nil {
		conn.Release()
		<-d.sema
		return nil, nil, oops.Code("DATABASE_CONNECT_FAILED").
			Hint("setting search_path").
			Wrap(err)
	}
	release := func() {
		defer func() { <-d.sema }()
		if conn.Conn().IsClosed() {
			d.logger.Debug("connection was closed after use, not resetting search_path")
			conn.Release()
			return
		}
		if _, err := conn.Exec(context.Background(),
			"SET search_path = "+d.defaultSearchPath); err != nil {
			d.logger.Error("error resetting search_path after use", "error", err)
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}
	return conn, release, nil
}

func (d *PostgresDatabase) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	conn, release, err := d.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	tag, err := conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrapQueryError(err)
	}
	return tag.RowsAffected(), nil
}

func (d *PostgresDatabase) Fetch(ctx context.Context, query string, args ...any) ([]Row, error) {
	conn, release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	defer rows.Close()
	return collectPgxRows(rows)
}

func (d *PostgresDatabase) FetchRow(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := d.Fetch(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (d *PostgresDatabase) FetchVal(ctx context.Context, query string, args ...any) (any, error) {
	conn, release, err := d.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, wrapQueryError(err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values[0], nil
}

// ListTables lists the tables in the instance schema. It goes through
// the shared pool directly since pg_tables is filtered by schema name.
func (d *PostgresDatabase) ListTables(ctx context.Context) ([]string, error) {
	rows, err := d.querier.Query(ctx,
		"SELECT tablename FROM pg_tables WHERE schemaname = $1 ORDER BY tablename",
		d.schemaName)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, oops.Code("QUERY_FAILED").Wrap(err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Describe reads a table's column shapes from information_schema. Like
// ListTables it goes through the shared pool, filtered by schema name.
func (d *PostgresDatabase) Describe(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.querier.Query(ctx, `
		SELECT c.column_name,
		       c.data_type,
		       c.is_nullable = 'YES',
		       COALESCE(c.column_default, ''),
		       COALESCE(bool_or(tc.constraint_type = 'PRIMARY KEY'), FALSE),
		       COALESCE(bool_or(tc.constraint_type = 'UNIQUE'), FALSE)
		FROM information_schema.columns c
		LEFT JOIN information_schema.key_column_usage kcu
			ON kcu.table_schema = c.table_schema
			AND kcu.table_name = c.table_name
			AND kcu.column_name = c.column_name
		LEFT JOIN information_schema.table_constraints tc
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE c.table_schema = $1 AND c.table_name = $2
		GROUP BY c.ordinal_position, c.column_name, c.data_type,
		         c.is_nullable, c.column_default
		ORDER BY c.ordinal_position`,
		d.schemaName, table)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	defer rows.Close()
	var out []Column
	for rows.Next() {
		var col Column
		err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.Default,
			&col.PrimaryKey, &col.Unique)
		if err != nil {
			return nil, oops.Code("QUERY_FAILED").Wrap(err)
		}
		col.Unique = col.Unique || col.PrimaryKey
		out = append(out, col)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(err)
	}
	if len(out) == 0 {
		return nil, oops.Code("TABLE_NOT_FOUND").
			With("table", table).
			New("table not found in instance database")
	}
	return out, nil
}

func collectPgxRows(rows pgx.Rows) ([]Row, error) {
	fields := rows.FieldDescriptions()
	var out []Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, oops.Code("QUERY_FAILED").Wrap(err)
		}
		row := make(Row, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(err)
	}
	return out, nil
}

// wrapQueryError classifies Postgres errors so the management API can
// tell plugin mistakes (bad SQL, constraint violations) from
// infrastructure failures.
func wrapQueryError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := "QUERY_FAILED"
		switch {
		case pgerrcode.IsSyntaxErrororAccessRuleViolation(pgErr.Code):
			code = "QUERY_SYNTAX_ERROR"
		case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
			code = "QUERY_CONSTRAINT_VIOLATION"
		}
		return oops.Code(code).
			With("pg_code", pgErr.Code).
			With("detail", pgErr.Detail).
			Wrap(err)
	}
	return oops.Code("QUERY_FAILED").Wrap(err)
}
