// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/samber/oops"
)

// Instance is one stored plugin instance row.
type Instance struct {
	ID          string
	Type        string
	Enabled     bool
	PrimaryUser string
	Config      string
	// DatabaseEngine records which backend ("sqlite" or "postgres") holds
	// the instance's data. Empty until the database is first opened; once
	// set it pins the backend so the data stays reachable when the plugin
	// or host config changes.
	DatabaseEngine string
}

const instanceColumns = "id, type, enabled, primary_user, config, database_engine"

func scanInstance(row interface{ Scan(dest ...any) error }) (*Instance, error) {
	var inst Instance
	var engine sql.NullString
	err := row.Scan(&inst.ID, &inst.Type, &inst.Enabled, &inst.PrimaryUser, &inst.Config, &engine)
	if err != nil {
		return nil, err
	}
	inst.DatabaseEngine = engine.String
	return &inst, nil
}

// AllInstances returns every stored instance.
func (s *Store) AllInstances(ctx context.Context) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+instanceColumns+" FROM instance ORDER BY id")
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Hint("listing instances").Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, oops.Code("QUERY_FAILED").Hint("scanning instance").Wrap(err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// GetInstance returns one instance, or nil when it does not exist.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM instance WHERE id = $1", id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").With("instance_id", id).Wrap(err)
	}
	return inst, nil
}

// PutInstance inserts or fully updates an instance row.
func (s *Store) PutInstance(ctx context.Context, inst *Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		ON CONFLICT (id) DO UPDATE SET
			type = excluded.type,
			enabled = excluded.enabled,
			primary_user = excluded.primary_user,
			config = excluded.config,
			database_engine = excluded.database_engine`,
		inst.ID, inst.Type, inst.Enabled, inst.PrimaryUser, inst.Config, inst.DatabaseEngine)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("instance_id", inst.ID).Wrap(err)
	}
	return nil
}

// RenameInstance moves an instance row to a new primary key.
func (s *Store) RenameInstance(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE instance SET id = $1 WHERE id = $2", newID, oldID)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("instance_id", oldID).Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return oops.Code("NOT_FOUND").With("instance_id", oldID).New("instance not found")
	}
	return nil
}

// DeleteInstance removes an instance row.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM instance WHERE id = $1", id)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("instance_id", id).Wrap(err)
	}
	return nil
}
