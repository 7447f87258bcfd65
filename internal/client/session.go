// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package client runs the per-account session engine: it owns the Matrix
// transport, the sync loop, the internal membership handlers, and the set
// of plugin instances bound to the account.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/matrix"
)

// Instance is the slice of the instance lifecycle engine a session drives:
// instances whose primary user is this client are started after the
// session comes up and stopped before it goes down.
type Instance interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Crypto is the pluggable end-to-end encryption subsystem. The host ships
// only the disabled implementation; the interface keeps the session engine
// ready for a real one.
type Crypto interface {
	// Start opens the crypto store and reconciles the device identity.
	Start(ctx context.Context, deviceID string) error
	Stop(ctx context.Context) error
	// Decryptor is installed on the dispatcher when non-nil.
	Decryptor() matrix.Decryptor
}

// startAttempts bounds how often a failing session start is retried before
// the client is demoted to disabled.
const startAttempts = 8

// Session is one client account's running state.
type Session struct {
	store      *catalog.Store
	logger     *slog.Logger
	httpClient *http.Client
	crypto     Crypto

	dispatcher *matrix.Dispatcher

	mu        sync.Mutex
	row       *catalog.Client
	client    *matrix.Client
	instances map[string]Instance
	started   bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}
	syncOK     bool

	remoteDisplayname string
	remoteAvatarURL   string

	autojoinReg *matrix.Registration
	inviteReg   *matrix.Registration
	// Rooms an autojoin has already been issued for. Servers keep
	// repeating an invite in sync responses until it is resolved; only
	// the first occurrence may trigger a join request.
	autojoined map[string]bool
}

// Options configures session construction.
type Options struct {
	Logger *slog.Logger
	// HTTPClient overrides the transport, used by tests.
	HTTPClient *http.Client
	// Crypto enables end-to-end encryption when non-nil.
	Crypto Crypto
}

// NewSession builds a session for a stored client row. The transport is
// constructed immediately; nothing touches the network until Start.
func NewSession(row *catalog.Client, store *catalog.Store, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", row.UserID)

	s := &Session{
		store:      store,
		logger:     logger,
		httpClient: opts.HTTPClient,
		crypto:     opts.Crypto,
		row:        row,
		instances:  make(map[string]Instance),
		autojoined: make(map[string]bool),
	}
	client, err := s.buildClient(row.Homeserver, row.UserID, row.DeviceID, row.AccessToken)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.dispatcher = matrix.NewDispatcher(s.currentSender, logger)
	if opts.Crypto != nil {
		s.dispatcher.SetDecryptor(opts.Crypto.Decryptor())
	}

	s.dispatcher.AddEventHandler(matrix.EventTypeSyncSuccessful, func(context.Context, *matrix.Event) error {
		s.setSyncOK(true)
		return nil
	})
	s.dispatcher.AddEventHandler(matrix.EventTypeSyncErrored, func(context.Context, *matrix.Event) error {
		s.setSyncOK(false)
		return nil
	})
	s.dispatcher.AddEventHandler(matrix.EventTypeTombstone, s.handleTombstone)
	s.applyMembershipHandlers(row.Autojoin)
	return s, nil
}

func (s *Session) buildClient(homeserver, userID, deviceID, token string) (*matrix.Client, error) {
	return matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: homeserver,
		UserID:        userID,
		DeviceID:      deviceID,
		AccessToken:   token,
		HTTPClient:    s.httpClient,
		Logger:        s.logger,
	})
}

func (s *Session) currentSender() matrix.EventSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) currentClient() *matrix.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// UserID returns the account this session runs.
func (s *Session) UserID() string { return s.row.UserID }

// Row returns a copy of the stored state backing this session.
func (s *Session) Row() catalog.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.row
}

// Started reports whether the session is running.
func (s *Session) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// SyncOK reports whether the most recent sync poll succeeded.
func (s *Session) SyncOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncOK
}

func (s *Session) setSyncOK(ok bool) {
	s.mu.Lock()
	s.syncOK = ok
	s.mu.Unlock()
}

// Dispatcher exposes the event handler table so instances can register
// plugin handlers.
func (s *Session) Dispatcher() *matrix.Dispatcher { return s.dispatcher }

// AddInstance records an instance whose primary user is this client.
func (s *Session) AddInstance(inst Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID()] = inst
}

// RemoveInstance drops an instance reference.
func (s *Session) RemoveInstance(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
}

// Instances returns the bound instances sorted by id.
func (s *Session) Instances() []Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Start brings the session up: verify the account identity, ensure the
// server-side filter, push the configured profile, start the sync loop and
// finally start the bound instances. Transient failures retry with a
// growing backoff; exhausting the retries or hitting an invalid token
// disables the client.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.logger.Warn("session already started, ignoring start request")
		return nil
	}
	if !s.row.Enabled {
		s.mu.Unlock()
		s.logger.Debug("session is disabled, not starting")
		return nil
	}
	s.mu.Unlock()

	attempt := 0
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= startAttempts {
			return 0, true
		}
		return time.Duration(attempt) * 10 * time.Second, false
	})
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.verifyIdentity(ctx, s.currentClient()); err != nil {
			if matrix.IsInvalidToken(err) {
				s.logger.Error("access token rejected, disabling client", "error", err)
				return s.disable(ctx, err)
			}
			if oopsErr, ok := oops.AsOops(err); ok && oopsErr.Code() != "" && !isTransientCode(oopsErr.Code()) {
				return s.disable(ctx, err)
			}
			s.logger.Warn("session start failed, will retry", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if rerr := ctx.Err(); rerr != nil {
			return nil
		}
		// Retries exhausted on a transient failure: demote.
		if _, ok := oops.AsOops(err); !ok || !isDisabled(err) {
			s.logger.Error("session start retries exhausted, disabling client", "error", err)
			_ = s.disable(ctx, err)
		}
		return err
	}

	client := s.currentClient()
	if err := s.ensureFilter(ctx, client); err != nil {
		return err
	}
	s.pushProfile(ctx, client)

	if s.crypto != nil {
		if err := s.crypto.Start(ctx, client.DeviceID()); err != nil {
			return oops.Code("CRYPTO_INIT_FAILED").Wrap(err)
		}
	}

	s.mu.Lock()
	s.started = true
	shouldSync := s.row.Sync
	s.mu.Unlock()
	if shouldSync {
		s.startSync()
	}

	s.cacheRemoteProfile(ctx, client)

	for _, inst := range s.Instances() {
		if err := inst.Start(ctx); err != nil {
			s.logger.Error("failed to start instance",
				"instance_id", inst.ID(), "error", err)
		}
	}
	s.logger.Info("client session started", "sync", shouldSync)
	return nil
}

// verifyIdentity checks server reachability and that the token belongs to
// the stored account and device.
func (s *Session) verifyIdentity(ctx context.Context, client *matrix.Client) error {
	if _, err := client.Versions(ctx); err != nil {
		return err
	}
	whoami, err := client.WhoAmI(ctx)
	if err != nil {
		return err
	}
	if whoami.UserID != s.row.UserID {
		return oops.Code("MXID_MISMATCH").
			With("expected", s.row.UserID).
			With("actual", whoami.UserID).
			New("access token belongs to another user")
	}
	if s.row.DeviceID != "" && whoami.DeviceID != "" && whoami.DeviceID != s.row.DeviceID {
		return oops.Code("DEVICE_ID_MISMATCH").
			With("expected", s.row.DeviceID).
			With("actual", whoami.DeviceID).
			New("access token belongs to another device")
	}
	return nil
}

func isTransientCode(code string) bool {
	switch code {
	case "MXID_MISMATCH", "DEVICE_ID_MISMATCH", "INVALID_TOKEN":
		return false
	}
	return true
}

func isDisabled(err error) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == "CLIENT_DISABLED"
}

// disable demotes the client to enabled=false and persists the change.
func (s *Session) disable(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.row.Enabled = false
	row := *s.row
	s.mu.Unlock()
	if err := s.store.PutClient(ctx, &row); err != nil {
		s.logger.Error("failed to persist disabled state", "error", err)
	}
	return oops.Code("CLIENT_DISABLED").With("user_id", s.row.UserID).Wrap(cause)
}

func (s *Session) ensureFilter(ctx context.Context, client *matrix.Client) error {
	s.mu.Lock()
	filterID := s.row.FilterID
	s.mu.Unlock()
	if filterID != "" {
		return nil
	}
	filterID, err := client.CreateFilter(ctx, matrix.DefaultFilter())
	if err != nil {
		return oops.Code("FILTER_CREATE_FAILED").Wrap(err)
	}
	s.mu.Lock()
	s.row.FilterID = filterID
	s.mu.Unlock()
	return s.store.SetClientFilterID(ctx, s.row.UserID, filterID)
}

// pushProfile pushes the configured displayname and avatar to the server.
// The sentinel value "disable" leaves the server-side value alone.
func (s *Session) pushProfile(ctx context.Context, client *matrix.Client) {
	s.mu.Lock()
	displayname, avatarURL := s.row.Displayname, s.row.AvatarURL
	s.mu.Unlock()
	if displayname != "disable" && displayname != "" {
		if err := client.SetDisplayname(ctx, displayname); err != nil {
			s.logger.Warn("failed to set displayname", "error", err)
		}
	}
	if avatarURL != "disable" && avatarURL != "" {
		if err := client.SetAvatarURL(ctx, avatarURL); err != nil {
			s.logger.Warn("failed to set avatar", "error", err)
		}
	}
}

func (s *Session) cacheRemoteProfile(ctx context.Context, client *matrix.Client) {
	profile, err := client.GetProfile(ctx, s.row.UserID)
	if err != nil {
		s.logger.Debug("failed to fetch remote profile", "error", err)
		return
	}
	s.mu.Lock()
	s.remoteDisplayname = profile.Displayname
	s.remoteAvatarURL = profile.AvatarURL
	s.mu.Unlock()
}

// RemoteProfile returns the last profile observed on the server.
func (s *Session) RemoteProfile() (displayname, avatarURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteDisplayname, s.remoteAvatarURL
}

// Stop reverses Start: instances first, then the sync loop, then crypto.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.logger.Warn("session not started, ignoring stop request")
		return nil
	}
	s.started = false
	s.mu.Unlock()

	for _, inst := range s.Instances() {
		if err := inst.Stop(ctx); err != nil {
			s.logger.Error("failed to stop instance",
				"instance_id", inst.ID(), "error", err)
		}
	}
	s.stopSync()
	if s.crypto != nil {
		if err := s.crypto.Stop(ctx); err != nil {
			s.logger.Warn("failed to stop crypto subsystem", "error", err)
		}
	}
	s.logger.Info("client session stopped")
	return nil
}

// startSync launches the sync loop goroutine. The loop exits on its own
// when the access token turns invalid; that also demotes the client.
func (s *Session) startSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startSyncLocked()
}

func (s *Session) startSyncLocked() {
	if s.syncCancel != nil {
		return
	}
	syncer := matrix.NewSyncer(s.currentClient, s.dispatcher, s, s.logger)
	syncer.FilterID = s.row.FilterID
	if s.row.Online {
		syncer.Presence = "online"
	} else {
		syncer.Presence = "offline"
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.syncCancel = cancel
	s.syncDone = done
	go func() {
		defer close(done)
		if err := syncer.Run(ctx); err != nil {
			s.logger.Error("sync loop terminated, disabling client", "error", err)
			_ = s.disable(context.Background(), err)
		}
	}()
}

func (s *Session) stopSync() {
	s.mu.Lock()
	cancel, done := s.syncCancel, s.syncDone
	s.syncCancel, s.syncDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.dispatcher.Wait()
}

// Syncing reports whether the sync loop is running.
func (s *Session) Syncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncCancel != nil
}

// NextBatch implements matrix.SyncStore.
func (s *Session) NextBatch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.row.NextBatch
}

// SetNextBatch implements matrix.SyncStore, persisting the cursor.
func (s *Session) SetNextBatch(ctx context.Context, token string) error {
	s.mu.Lock()
	s.row.NextBatch = token
	s.mu.Unlock()
	return s.store.SetClientNextBatch(ctx, s.row.UserID, token)
}

// UpdateAccessDetails swaps in new credentials without disturbing the
// registered event handlers. The new transport is verified first; on a
// mismatch the old client keeps running untouched.
func (s *Session) UpdateAccessDetails(ctx context.Context, accessToken, homeserver, deviceID string) error {
	s.mu.Lock()
	if homeserver == "" {
		homeserver = s.row.Homeserver
	}
	if deviceID == "" {
		deviceID = s.row.DeviceID
	}
	userID := s.row.UserID
	wasSyncing := s.syncCancel != nil
	s.mu.Unlock()

	newClient, err := s.buildClient(homeserver, userID, deviceID, accessToken)
	if err != nil {
		return err
	}
	whoami, err := newClient.WhoAmI(ctx)
	if err != nil {
		if matrix.IsInvalidToken(err) {
			return oops.Code("INVALID_TOKEN").Wrap(err)
		}
		return err
	}
	if whoami.UserID != userID {
		return oops.Code("MXID_MISMATCH").
			With("expected", userID).
			With("actual", whoami.UserID).
			New("new access token belongs to another user")
	}
	if deviceID != "" && whoami.DeviceID != "" && whoami.DeviceID != deviceID {
		return oops.Code("DEVICE_ID_MISMATCH").
			With("expected", deviceID).
			With("actual", whoami.DeviceID).
			New("new access token belongs to another device")
	}

	s.stopSync()
	s.mu.Lock()
	s.client = newClient
	s.row.AccessToken = accessToken
	s.row.Homeserver = homeserver
	s.row.DeviceID = deviceID
	row := *s.row
	restartSync := s.started && wasSyncing
	s.mu.Unlock()
	if err := s.store.PutClient(ctx, &row); err != nil {
		return err
	}
	if s.crypto != nil {
		if err := s.crypto.Start(ctx, deviceID); err != nil {
			s.logger.Error("failed to re-initialize crypto after credential swap", "error", err)
		}
	}
	if restartSync {
		s.startSync()
	}
	s.logger.Info("access details updated", "homeserver", homeserver)
	return nil
}

// ClearCache drops the sync cursor and server-side filter, persists, and
// restarts the sync loop from scratch.
func (s *Session) ClearCache(ctx context.Context) error {
	s.mu.Lock()
	wasSyncing := s.syncCancel != nil
	s.mu.Unlock()
	s.stopSync()

	s.mu.Lock()
	s.row.NextBatch = ""
	s.row.FilterID = ""
	row := *s.row
	s.mu.Unlock()
	if err := s.store.PutClient(ctx, &row); err != nil {
		return err
	}
	if err := s.ensureFilter(ctx, s.currentClient()); err != nil {
		return err
	}
	if wasSyncing {
		s.startSync()
	}
	return nil
}

// SetSync toggles the sync flag, starting or stopping the loop in place
// when the session is running.
func (s *Session) SetSync(ctx context.Context, sync bool) error {
	s.mu.Lock()
	s.row.Sync = sync
	row := *s.row
	started := s.started
	s.mu.Unlock()
	if err := s.store.PutClient(ctx, &row); err != nil {
		return err
	}
	if !started {
		return nil
	}
	if sync {
		s.startSync()
	} else {
		s.stopSync()
	}
	return nil
}

// SetAutojoin toggles invite handling between joining immediately and
// recording the invite for later review.
func (s *Session) SetAutojoin(ctx context.Context, autojoin bool) error {
	s.mu.Lock()
	s.row.Autojoin = autojoin
	row := *s.row
	s.mu.Unlock()
	if err := s.store.PutClient(ctx, &row); err != nil {
		return err
	}
	s.applyMembershipHandlers(autojoin)
	return nil
}

// SetEnabled persists the enabled flag. Starting or stopping on toggle is
// the caller's decision.
func (s *Session) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	s.row.Enabled = enabled
	row := *s.row
	s.mu.Unlock()
	return s.store.PutClient(ctx, &row)
}

// Update persists arbitrary row changes made through fn.
func (s *Session) Update(ctx context.Context, fn func(row *catalog.Client)) error {
	s.mu.Lock()
	fn(s.row)
	row := *s.row
	s.mu.Unlock()
	return s.store.PutClient(ctx, &row)
}

// applyMembershipHandlers installs the invite handling that matches the
// autojoin flag: join immediately, or record the invite.
func (s *Session) applyMembershipHandlers(autojoin bool) {
	s.mu.Lock()
	autojoinReg, inviteReg := s.autojoinReg, s.inviteReg
	s.autojoinReg, s.inviteReg = nil, nil
	s.mu.Unlock()
	if autojoinReg != nil {
		s.dispatcher.RemoveEventHandler(autojoinReg)
	}
	if inviteReg != nil {
		s.dispatcher.RemoveEventHandler(inviteReg)
	}

	var reg *matrix.Registration
	if autojoin {
		reg = s.dispatcher.AddEventHandler(matrix.EventTypeMember, s.handleAutojoin)
	} else {
		reg = s.dispatcher.AddEventHandler(matrix.EventTypeMember, s.handleInviteBookkeeping)
	}
	s.mu.Lock()
	if autojoin {
		s.autojoinReg = reg
	} else {
		s.inviteReg = reg
	}
	s.mu.Unlock()
}

func (s *Session) isOwnInvite(evt *matrix.Event) bool {
	return evt.StateKey != nil && *evt.StateKey == s.row.UserID &&
		evt.ContentString("membership") == "invite"
}

func (s *Session) handleAutojoin(ctx context.Context, evt *matrix.Event) error {
	if evt.StateKey != nil && *evt.StateKey == s.row.UserID &&
		evt.ContentString("membership") == "leave" {
		s.mu.Lock()
		delete(s.autojoined, evt.RoomID)
		s.mu.Unlock()
		return nil
	}
	if !s.isOwnInvite(evt) {
		return nil
	}
	s.mu.Lock()
	if s.autojoined[evt.RoomID] {
		s.mu.Unlock()
		return nil
	}
	s.autojoined[evt.RoomID] = true
	s.mu.Unlock()
	s.logger.Info("accepting invite", "room_id", evt.RoomID, "inviter", evt.Sender)
	if _, err := s.currentClient().JoinRoom(ctx, evt.RoomID); err != nil {
		s.mu.Lock()
		delete(s.autojoined, evt.RoomID)
		s.mu.Unlock()
		return oops.Code("JOIN_FAILED").With("room_id", evt.RoomID).Wrap(err)
	}
	_ = s.store.DeleteInvite(ctx, s.row.UserID, evt.RoomID)
	return nil
}

// handleInviteBookkeeping records invites for non-autojoin clients so the
// management surface can list and resolve them. Membership changes away
// from invite clear the record.
func (s *Session) handleInviteBookkeeping(ctx context.Context, evt *matrix.Event) error {
	if evt.StateKey == nil || *evt.StateKey != s.row.UserID {
		return nil
	}
	switch evt.ContentString("membership") {
	case "invite":
		return s.store.PutInvite(ctx, &catalog.Invite{
			ClientID:   s.row.UserID,
			RoomID:     evt.RoomID,
			Sender:     evt.Sender,
			ReceivedAt: time.Now(),
		})
	case "join", "leave", "ban":
		return s.store.DeleteInvite(ctx, s.row.UserID, evt.RoomID)
	}
	return nil
}

// handleTombstone follows room upgrades: join the replacement room with
// the tombstoning user's server as a routing hint.
func (s *Session) handleTombstone(ctx context.Context, evt *matrix.Event) error {
	replacement := evt.ContentString("replacement_room")
	if replacement == "" {
		s.logger.Warn("tombstone without replacement room", "room_id", evt.RoomID)
		return nil
	}
	via := matrix.ServerName(evt.Sender)
	s.logger.Info("following room tombstone",
		"old_room", evt.RoomID, "new_room", replacement, "via", via)
	var vias []string
	if via != "" {
		vias = append(vias, via)
	}
	if _, err := s.currentClient().JoinRoom(ctx, replacement, vias...); err != nil {
		return oops.Code("JOIN_FAILED").With("room_id", replacement).Wrap(err)
	}
	return nil
}

// JoinRoom resolves a pending invite by joining.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	if _, err := s.currentClient().JoinRoom(ctx, roomID); err != nil {
		return oops.Code("JOIN_FAILED").With("room_id", roomID).Wrap(err)
	}
	return s.store.DeleteInvite(ctx, s.row.UserID, roomID)
}

// RejectInvite resolves a pending invite by leaving.
func (s *Session) RejectInvite(ctx context.Context, roomID string) error {
	if err := s.currentClient().LeaveRoom(ctx, roomID); err != nil {
		return oops.Code("LEAVE_FAILED").With("room_id", roomID).Wrap(err)
	}
	return s.store.DeleteInvite(ctx, s.row.UserID, roomID)
}

// Client returns the current transport for plugin bridges.
func (s *Session) Client() *matrix.Client {
	return s.currentClient()
}
