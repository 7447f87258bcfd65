// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package plugindb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, instanceID string) *SQLiteDatabase {
	t.Helper()
	db := NewSQLite(t.TempDir(), instanceID, nil)
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() { _ = db.Stop(context.Background()) })
	return db
}

func TestSQLiteExecuteAndFetch(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")

	_, err := db.Execute(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)

	affected, err := db.Execute(ctx, "INSERT INTO notes (body) VALUES (?), (?)", "one", "two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	rows, err := db.Fetch(ctx, "SELECT id, body FROM notes ORDER BY id")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "one", rows[0]["body"])
	assert.Equal(t, "two", rows[1]["body"])

	row, err := db.FetchRow(ctx, "SELECT body FROM notes WHERE id = ?", 1)
	require.NoError(t, err)
	assert.Equal(t, "one", row["body"])

	val, err := db.FetchVal(ctx, "SELECT COUNT(*) FROM notes")
	require.NoError(t, err)
	assert.EqualValues(t, 2, val)
}

func TestSQLiteFetchRowEmptyResult(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")
	_, err := db.Execute(ctx, "CREATE TABLE empty_t (id INTEGER)")
	require.NoError(t, err)

	row, err := db.FetchRow(ctx, "SELECT * FROM empty_t")
	require.NoError(t, err)
	assert.Nil(t, row)

	val, err := db.FetchVal(ctx, "SELECT id FROM empty_t")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestSQLiteQueryBeforeStart(t *testing.T) {
	db := NewSQLite(t.TempDir(), "echo-1", nil)
	_, err := db.Execute(context.Background(), "SELECT 1")
	require.Error(t, err)
}

func TestSQLiteListTables(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")
	_, err := db.Execute(ctx, "CREATE TABLE bbb (id INTEGER)")
	require.NoError(t, err)
	_, err = db.Execute(ctx, "CREATE TABLE aaa (id INTEGER)")
	require.NoError(t, err)

	tables, err := db.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "bbb"}, tables)
}

func TestSQLiteDescribe(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")
	_, err := db.Execute(ctx, `CREATE TABLE note (
		id      INTEGER PRIMARY KEY,
		text    TEXT    NOT NULL DEFAULT 'empty',
		tag     TEXT    UNIQUE,
		creator TEXT
	)`)
	require.NoError(t, err)

	cols, err := db.Describe(ctx, "note")
	require.NoError(t, err)
	byName := make(map[string]Column, len(cols))
	for _, col := range cols {
		byName[col.Name] = col
	}

	assert.True(t, byName["id"].PrimaryKey)
	assert.True(t, byName["id"].Unique)
	assert.False(t, byName["text"].Nullable)
	assert.Equal(t, "'empty'", byName["text"].Default)
	assert.True(t, byName["tag"].Unique)
	assert.True(t, byName["tag"].Nullable)
	assert.True(t, byName["creator"].Nullable)
	assert.False(t, byName["creator"].Unique)

	_, err = db.Describe(ctx, "missing")
	require.Error(t, err)
}

func TestSQLiteDeleteRemovesFile(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")
	_, err := db.Execute(ctx, "CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)

	require.NoError(t, db.Delete(ctx))
	assert.NoFileExists(t, db.Path())
}

func TestSQLiteInstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := NewSQLite(dir, "echo-1", nil)
	second := NewSQLite(dir, "echo-2", nil)
	require.NoError(t, first.Start(ctx))
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() {
		_ = first.Stop(ctx)
		_ = second.Stop(ctx)
	})

	_, err := first.Execute(ctx, "CREATE TABLE secrets (v TEXT)")
	require.NoError(t, err)
	_, err = first.Execute(ctx, "INSERT INTO secrets (v) VALUES ('hidden')")
	require.NoError(t, err)

	// The second instance must not see the first instance's tables.
	_, err = second.Fetch(ctx, "SELECT * FROM secrets")
	require.Error(t, err)

	tables, err := second.ListTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "echo_1", sanitizeFilename("echo/1"))
	assert.Equal(t, "a.b-c_d", sanitizeFilename("a.b-c_d"))
	assert.Equal(t, "______etc_passwd", sanitizeFilename("../../etc/passwd"))
}

func TestRunUpgradesAppliesStepsOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")

	steps := []UpgradeStep{
		{Description: "initial schema", SQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)"},
		{Description: "add author", SQL: "ALTER TABLE notes ADD COLUMN author TEXT"},
	}
	require.NoError(t, RunUpgrades(ctx, db, steps))

	val, err := db.FetchVal(ctx, "SELECT version FROM version")
	require.NoError(t, err)
	assert.EqualValues(t, 2, val)

	// Re-running must be a no-op: the steps would fail if applied twice.
	require.NoError(t, RunUpgrades(ctx, db, steps))
}

func TestRunUpgradesAppliesNewSteps(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")

	v1 := []UpgradeStep{
		{Description: "initial schema", SQL: "CREATE TABLE notes (id INTEGER PRIMARY KEY)"},
	}
	require.NoError(t, RunUpgrades(ctx, db, v1))

	v2 := append(v1, UpgradeStep{
		Description: "add body",
		SQL:         "ALTER TABLE notes ADD COLUMN body TEXT",
	})
	require.NoError(t, RunUpgrades(ctx, db, v2))

	_, err := db.Execute(ctx, "INSERT INTO notes (body) VALUES ('works')")
	require.NoError(t, err)
}

func TestRunUpgradesRejectsNewerSchema(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")

	steps := []UpgradeStep{
		{Description: "one", SQL: "CREATE TABLE a (id INTEGER)"},
		{Description: "two", SQL: "CREATE TABLE b (id INTEGER)"},
	}
	require.NoError(t, RunUpgrades(ctx, db, steps))

	// A downgraded plugin with fewer steps than the stored version must
	// refuse to run.
	err := RunUpgrades(ctx, db, steps[:1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer")
}

func TestRunUpgradesStopsOnBrokenStep(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t, "echo-1")

	steps := []UpgradeStep{
		{Description: "good", SQL: "CREATE TABLE a (id INTEGER)"},
		{Description: "broken", SQL: "THIS IS NOT SQL"},
	}
	err := RunUpgrades(ctx, db, steps)
	require.Error(t, err)

	// The version must reflect only the applied step.
	val, err := db.FetchVal(ctx, "SELECT version FROM version")
	require.NoError(t, err)
	assert.EqualValues(t, 1, val)
}
