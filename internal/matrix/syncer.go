// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package matrix

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// SyncStore persists the sync cursor between runs so the client resumes
// where it left off. The catalogue's client row implements it.
type SyncStore interface {
	NextBatch() string
	SetNextBatch(ctx context.Context, token string) error
}

// Syncer runs one client's long-poll sync loop and feeds its dispatcher.
// The transport is resolved per iteration so an access-token swap takes
// effect on the next poll.
type Syncer struct {
	client     func() *Client
	dispatcher *Dispatcher
	store      SyncStore
	logger     *slog.Logger

	// FilterID is the server-side filter used for every poll.
	FilterID string
	// Presence is sent as set_presence on every poll ("online"/"offline").
	Presence string
	// Timeout is the long-poll timeout. Zero uses 30 seconds.
	Timeout time.Duration
}

// NewSyncer creates a Syncer.
func NewSyncer(client func() *Client, dispatcher *Dispatcher, store SyncStore, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		client:     client,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
	}
}

// Run loops /sync until ctx is cancelled. The first successful response
// after start resumes from the persisted cursor. Transient errors back off
// and retry; cancellation breaks and returns nil. Invalid-token errors are
// returned so the session engine can demote the client.
func (s *Syncer) Run(ctx context.Context) error {
	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	errorSleep := time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := s.client().Sync(ctx, SyncOptions{
			Since:       s.store.NextBatch(),
			Timeout:     int(timeout.Milliseconds()),
			Filter:      s.FilterID,
			SetPresence: s.Presence,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			s.dispatcher.DispatchInternal(ctx, EventTypeSyncErrored)
			if IsInvalidToken(err) {
				return err
			}
			s.logger.Warn("sync failed, retrying", "error", err, "sleep", errorSleep)
			select {
			case <-time.After(errorSleep):
			case <-ctx.Done():
				return nil
			}
			if errorSleep < 30*time.Second {
				errorSleep *= 2
			}
			continue
		}
		errorSleep = time.Second

		if err := s.store.SetNextBatch(ctx, resp.NextBatch); err != nil {
			s.logger.Error("failed to persist sync cursor", "error", err)
		}
		s.dispatcher.DispatchInternal(ctx, EventTypeSyncSuccessful)
		s.process(ctx, resp)
	}
}

// process fans a sync response out through the dispatcher: stripped invite
// state (so autojoin sees membership invites) followed by joined-room
// timelines in server order.
func (s *Syncer) process(ctx context.Context, resp *SyncResponse) {
	for roomID, invited := range resp.Rooms.Invite {
		for _, raw := range invited.InviteState.Events {
			raw.RoomID = roomID
			s.dispatcher.Dispatch(ctx, raw)
		}
	}
	for roomID, joined := range resp.Rooms.Join {
		for _, raw := range joined.Timeline.Events {
			raw.RoomID = roomID
			s.dispatcher.Dispatch(ctx, raw)
		}
	}
}
