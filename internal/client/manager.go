// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package client

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/mauhost/mauhost/internal/catalog"
)

// Manager is the process-wide client cache. Construction is serialized per
// user id so concurrent get-or-create requests never build two sessions
// for the same account.
type Manager struct {
	store      *catalog.Store
	logger     *slog.Logger
	httpClient *http.Client
	crypto     func(userID string) Crypto

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOptions configures the manager.
type ManagerOptions struct {
	Logger *slog.Logger
	// HTTPClient overrides the transport for every session, used by tests.
	HTTPClient *http.Client
	// Crypto builds the per-client crypto subsystem; nil disables it.
	Crypto func(userID string) Crypto
}

// NewManager creates an empty client cache.
func NewManager(store *catalog.Store, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      store,
		logger:     logger,
		httpClient: opts.HTTPClient,
		crypto:     opts.Crypto,
		sessions:   make(map[string]*Session),
	}
}

// Get returns the cached session, or nil.
func (m *Manager) Get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

// All returns every cached session sorted by user id.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID() < out[j].UserID() })
	return out
}

// GetOrCreate returns the cached session for the row's user id, building
// it exactly once.
func (m *Manager) GetOrCreate(row *catalog.Client) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[row.UserID]; ok {
		return s, nil
	}
	var crypto Crypto
	if m.crypto != nil {
		crypto = m.crypto(row.UserID)
	}
	s, err := NewSession(row, m.store, Options{
		Logger:     m.logger,
		HTTPClient: m.httpClient,
		Crypto:     crypto,
	})
	if err != nil {
		return nil, err
	}
	m.sessions[row.UserID] = s
	return s, nil
}

// Remove stops a session and drops it from the cache. Sessions with bound
// instances are refused.
func (m *Manager) Remove(ctx context.Context, userID string) error {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return oops.Code("NOT_FOUND").With("user_id", userID).New("client not found")
	}
	if len(s.Instances()) > 0 {
		return oops.Code("IN_USE").
			With("user_id", userID).
			With("instances", len(s.Instances())).
			New("client still has instances")
	}
	if err := s.Stop(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return m.store.DeleteClient(ctx, userID)
}

// Hydrate loads every stored client row into the cache without starting
// anything. Rows that fail to construct are logged and skipped.
func (m *Manager) Hydrate(ctx context.Context) error {
	rows, err := m.store.AllClients(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := m.GetOrCreate(row); err != nil {
			m.logger.Error("failed to hydrate client",
				"user_id", row.UserID, "error", err)
		}
	}
	m.logger.Info("client cache hydrated", "count", len(rows))
	return nil
}

// StartAll starts every enabled session concurrently. Individual start
// failures are logged by the sessions themselves and do not abort the
// rest.
func (m *Manager) StartAll(ctx context.Context) {
	var g errgroup.Group
	for _, s := range m.All() {
		g.Go(func() error {
			if err := s.Start(ctx); err != nil {
				m.logger.Error("client session failed to start",
					"user_id", s.UserID(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// StopAll stops every running session.
func (m *Manager) StopAll(ctx context.Context) {
	for _, s := range m.All() {
		if err := s.Stop(ctx); err != nil {
			m.logger.Error("client session failed to stop",
				"user_id", s.UserID(), "error", err)
		}
	}
}
