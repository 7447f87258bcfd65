// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package matrix implements the slice of the Matrix client-server API the
// host needs: account introspection, sync, room membership, profile
// management and event sending, plus the event dispatcher that fans
// incoming events out to plugin handlers.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
)

// Client is an authenticated connection to one Matrix account. It is a
// plain transport: the session engine layers sync-loop and dispatch state
// on top and may swap a Client out underneath a running dispatcher when
// access details change.
type Client struct {
	baseURL     string
	userID      string
	deviceID    string
	accessToken string
	httpClient  *http.Client
	logger      *slog.Logger

	// transactionCounter generates unique transaction IDs for idempotent
	// event sends.
	transactionCounter atomic.Int64
}

// ClientConfig holds everything needed to construct a Client.
type ClientConfig struct {
	HomeserverURL string
	UserID        string
	DeviceID      string
	AccessToken   string
	// HTTPClient is used for all requests. If nil, a client with a 3 minute
	// timeout is used (sync long-polls stay under it).
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a Client. It performs no network I/O.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, oops.Code("BAD_HOMESERVER").New("homeserver URL is required")
	}
	if _, err := url.Parse(cfg.HomeserverURL); err != nil {
		return nil, oops.Code("BAD_HOMESERVER").With("url", cfg.HomeserverURL).Wrap(err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.HomeserverURL, "/"),
		userID:      cfg.UserID,
		deviceID:    cfg.DeviceID,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// UserID returns the Matrix user ID this client was constructed for.
func (c *Client) UserID() string { return c.userID }

// DeviceID returns the device ID, which may be empty.
func (c *Client) DeviceID() string { return c.deviceID }

// HomeserverURL returns the base homeserver URL.
func (c *Client) HomeserverURL() string { return c.baseURL }

// AccessToken returns the access token.
func (c *Client) AccessToken() string { return c.accessToken }

// ServerName returns the server part of a Matrix user ID, used as a via
// hint when following tombstones. Returns "" for malformed IDs.
func ServerName(userID string) string {
	if idx := strings.IndexByte(userID, ':'); idx >= 0 {
		return userID[idx+1:]
	}
	return ""
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := marshalContent(reqBody)
		if err != nil {
			return oops.Code("BAD_REQUEST_BODY").Wrap(err)
		}
		bodyReader = bytes.NewReader(data)
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return oops.Code("BAD_REQUEST").Wrap(err)
	}
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return oops.Code("HOMESERVER_UNREACHABLE").With("url", reqURL).Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return oops.Code("RESPONSE_READ_FAILED").Wrap(err)
	}

	if resp.StatusCode >= 400 {
		matrixErr := &Error{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(data, matrixErr); jsonErr != nil || matrixErr.Code == "" {
			matrixErr.Code = ErrCodeUnknown
			matrixErr.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return matrixErr
	}

	if respBody != nil {
		if err := json.Unmarshal(data, respBody); err != nil {
			return oops.Code("RESPONSE_PARSE_FAILED").With("path", path).Wrap(err)
		}
	}
	return nil
}

// Versions fetches the protocol versions supported by the homeserver.
func (c *Client) Versions(ctx context.Context) (*VersionsResponse, error) {
	var resp VersionsResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/versions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WhoAmI validates the access token and returns the server's view of the
// account behind it.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	var resp WhoAmIResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login performs a password login. Used by the client creation flow.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/login", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateFilter uploads a sync filter and returns its server-side ID.
func (c *Client) CreateFilter(ctx context.Context, filter Filter) (string, error) {
	path := "/_matrix/client/v3/user/" + url.PathEscape(c.userID) + "/filter"
	var resp struct {
		FilterID string `json:"filter_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, filter, &resp); err != nil {
		return "", err
	}
	return resp.FilterID, nil
}

// Sync performs one /sync long-poll.
func (c *Client) Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if opts.Since != "" {
		query.Set("since", opts.Since)
	}
	if opts.Timeout > 0 {
		query.Set("timeout", strconv.Itoa(opts.Timeout))
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	if opts.SetPresence != "" {
		query.Set("set_presence", opts.SetPresence)
	}
	var resp SyncResponse
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinRoom joins a room by ID. via lists server names to route the join
// through (used when following tombstones).
func (c *Client) JoinRoom(ctx context.Context, roomID string, via ...string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	query := url.Values{}
	for _, server := range via {
		if server != "" {
			query.Add("server_name", server)
		}
	}
	var resp struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, query, struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

// LeaveRoom leaves a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	return c.do(ctx, http.MethodPost, path, nil, struct{}{}, nil)
}

// JoinedRooms returns the room IDs the account has joined.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	var resp struct {
		JoinedRooms []string `json:"joined_rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

// SendEvent sends an event of any type to a room and returns the event ID.
func (c *Client) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), url.PathEscape(eventType), c.nextTransactionID())
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, nil, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SendMessage sends an m.room.message event.
func (c *Client) SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error) {
	return c.SendEvent(ctx, roomID, EventTypeMessage, content)
}

// SendReceipt marks an event as read.
func (c *Client) SendReceipt(ctx context.Context, roomID, eventID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/m.read/%s",
		url.PathEscape(roomID), url.PathEscape(eventID))
	return c.do(ctx, http.MethodPost, path, nil, struct{}{}, nil)
}

// GetProfile fetches a user's displayname and avatar.
func (c *Client) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID)
	var resp Profile
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetDisplayname sets the account's displayname.
func (c *Client) SetDisplayname(ctx context.Context, displayname string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(c.userID) + "/displayname"
	return c.do(ctx, http.MethodPut, path, nil, map[string]string{"displayname": displayname}, nil)
}

// SetAvatarURL sets the account's avatar.
func (c *Client) SetAvatarURL(ctx context.Context, avatarURL string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(c.userID) + "/avatar_url"
	return c.do(ctx, http.MethodPut, path, nil, map[string]string{"avatar_url": avatarURL}, nil)
}

func (c *Client) nextTransactionID() string {
	return fmt.Sprintf("mauhost-%d-%d", time.Now().UnixMilli(), c.transactionCounter.Add(1))
}
