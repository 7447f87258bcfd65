// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package catalog

import (
	"context"
	"time"

	"github.com/samber/oops"
)

// Invite is one pending room invite a client has seen but not resolved.
type Invite struct {
	ClientID   string
	RoomID     string
	Sender     string
	ReceivedAt time.Time
}

// PutInvite records a pending invite. Re-inviting to the same room
// refreshes the sender and timestamp.
func (s *Store) PutInvite(ctx context.Context, inv *Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_invite (client_id, room_id, sender, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, room_id) DO UPDATE SET
			sender = excluded.sender,
			received_at = excluded.received_at`,
		inv.ClientID, inv.RoomID, inv.Sender, inv.ReceivedAt.Unix())
	if err != nil {
		return oops.Code("QUERY_FAILED").With("room_id", inv.RoomID).Wrap(err)
	}
	return nil
}

// DeleteInvite removes an invite once it has been joined or rejected.
func (s *Store) DeleteInvite(ctx context.Context, clientID, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM client_invite WHERE client_id = $1 AND room_id = $2",
		clientID, roomID)
	if err != nil {
		return oops.Code("QUERY_FAILED").With("room_id", roomID).Wrap(err)
	}
	return nil
}

// PendingInvites lists a client's unresolved invites.
func (s *Store) PendingInvites(ctx context.Context, clientID string) ([]*Invite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, room_id, sender, received_at
		FROM client_invite WHERE client_id = $1 ORDER BY received_at`,
		clientID)
	if err != nil {
		return nil, oops.Code("QUERY_FAILED").With("client_id", clientID).Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	var invites []*Invite
	for rows.Next() {
		var inv Invite
		var ts int64
		if err := rows.Scan(&inv.ClientID, &inv.RoomID, &inv.Sender, &ts); err != nil {
			return nil, oops.Code("QUERY_FAILED").Hint("scanning invite").Wrap(err)
		}
		inv.ReceivedAt = time.Unix(ts, 0)
		invites = append(invites, &inv)
	}
	return invites, rows.Err()
}
