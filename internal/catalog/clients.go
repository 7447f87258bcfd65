// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package catalog

import (
	"context"
	"database/sql"
	"errors"

	"github.com/samber/oops"
)

// Client is one stored Matrix account.
type Client struct {
	UserID      string
	Homeserver  string
	AccessToken string
	DeviceID    string
	Enabled     bool

	NextBatch string
	FilterID  string

	Sync     bool
	Autojoin bool
	Online   bool

	Displayname string
	AvatarURL   string
}

const clientColumns = `id, homeserver, access_token, device_id, enabled,
	next_batch, filter_id, sync, autojoin, online, displayname, avatar_url`

func scanClient(row interface{ Scan(dest ...any) error }) (*Client, error) {
	var c Client
	err := row.Scan(&c.UserID, &c.Homeserver, &c.AccessToken, &c.DeviceID, &c.Enabled,
		&c.NextBatch, &c.FilterID, &c.Sync, &c.Autojoin, &c.Online,
		&c.Displayname, &c.AvatarURL)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AllClients returns every stored client.
func (s *Store) AllClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+clientColumns+" FROM client ORDER BY id")
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").Hint("listing clients").Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, oops.Code("QUERY_FAILED").Hint("scanning client").Wrap(err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// GetClient returns one client, or nil when it does not exist.
func (s *Store) GetClient(ctx context.Context, userID string) (*Client, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+clientColumns+" FROM client WHERE id = $1", userID)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").With("user_id", userID).Wrap(err)
	}
	return c, nil
}

// PutClient inserts or fully updates a client row.
func (s *Store) PutClient(ctx context.Context, c *Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			homeserver = excluded.homeserver,
			access_token = excluded.access_token,
			device_id = excluded.device_id,
			enabled = excluded.enabled,
			next_batch = excluded.next_batch,
			filter_id = excluded.filter_id,
			sync = excluded.sync,
			autojoin = excluded.autojoin,
			online = excluded.online,
			displayname = excluded.displayname,
			avatar_url = excluded.avatar_url`,
		c.UserID, c.Homeserver, c.AccessToken, c.DeviceID, c.Enabled,
		c.NextBatch, c.FilterID, c.Sync, c.Autojoin, c.Online,
		c.Displayname, c.AvatarURL)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("user_id", c.UserID).Wrap(err)
	}
	return nil
}

// DeleteClient removes a client row. The instance table's RESTRICT
// foreign key makes deleting a client with instances fail.
func (s *Store) DeleteClient(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM client WHERE id = $1", userID)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("user_id", userID).Wrap(err)
	}
	return nil
}

// SetClientNextBatch persists the sync cursor without touching the rest
// of the row. Called after every successful sync.
func (s *Store) SetClientNextBatch(ctx context.Context, userID, nextBatch string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE client SET next_batch = $1 WHERE id = $2", nextBatch, userID)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("user_id", userID).Wrap(err)
	}
	return nil
}

// SetClientFilterID persists the server-side filter ID.
func (s *Store) SetClientFilterID(ctx context.Context, userID, filterID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE client SET filter_id = $1 WHERE id = $2", filterID, userID)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("user_id", userID).Wrap(err)
	}
	return nil
}
