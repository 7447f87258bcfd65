// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
)

type clientJSON struct {
	ID          string `json:"id"`
	Homeserver  string `json:"homeserver"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	Enabled     bool   `json:"enabled"`
	Started     bool   `json:"started"`
	Sync        bool   `json:"sync"`
	SyncOK      bool   `json:"sync_ok"`
	Autojoin    bool   `json:"autojoin"`
	Online      bool   `json:"online"`
	Displayname string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`

	RemoteDisplayname string `json:"remote_displayname,omitempty"`
	RemoteAvatarURL   string `json:"remote_avatar_url,omitempty"`

	Instances []string `json:"instances"`
}

func clientToJSON(s *client.Session) clientJSON {
	row := s.Row()
	remoteName, remoteAvatar := s.RemoteProfile()
	out := clientJSON{
		ID:                row.UserID,
		Homeserver:        row.Homeserver,
		AccessToken:       row.AccessToken,
		DeviceID:          row.DeviceID,
		Enabled:           row.Enabled,
		Started:           s.Started(),
		Sync:              row.Sync,
		SyncOK:            s.SyncOK(),
		Autojoin:          row.Autojoin,
		Online:            row.Online,
		Displayname:       row.Displayname,
		AvatarURL:         row.AvatarURL,
		RemoteDisplayname: remoteName,
		RemoteAvatarURL:   remoteAvatar,
		Instances:         []string{},
	}
	for _, inst := range s.Instances() {
		out.Instances = append(out.Instances, inst.ID())
	}
	return out
}

func (s *Server) handleListClients(c echo.Context) error {
	out := make([]clientJSON, 0)
	for _, sess := range s.clients.All() {
		out = append(out, clientToJSON(sess))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) sessionOr404(c echo.Context) (*client.Session, error) {
	sess := s.clients.Get(c.Param("id"))
	if sess == nil {
		return nil, oops.Code("NOT_FOUND").
			With("user_id", c.Param("id")).
			New("client not found")
	}
	return sess, nil
}

func (s *Server) handleGetClient(c echo.Context) error {
	sess, err := s.sessionOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, clientToJSON(sess))
}

// clientUpdate is the PUT body. Pointer fields distinguish "omitted"
// from zero values.
type clientUpdate struct {
	Homeserver  *string `json:"homeserver"`
	AccessToken *string `json:"access_token"`
	DeviceID    *string `json:"device_id"`
	Enabled     *bool   `json:"enabled"`
	Sync        *bool   `json:"sync"`
	Autojoin    *bool   `json:"autojoin"`
	Online      *bool   `json:"online"`
	Displayname *string `json:"displayname"`
	AvatarURL   *string `json:"avatar_url"`
}

// handlePutClient creates a client or applies the given field changes to
// an existing one. Access-detail changes are verified against the
// homeserver before they replace the stored values.
func (s *Server) handlePutClient(c echo.Context) error {
	var req clientUpdate
	if err := c.Bind(&req); err != nil {
		return respondError(c, oops.Code("BAD_REQUEST_BODY").Wrap(err))
	}
	ctx := c.Request().Context()
	userID := c.Param("id")

	sess := s.clients.Get(userID)
	if sess == nil {
		return s.createClient(c, ctx, userID, req)
	}

	if req.AccessToken != nil || req.Homeserver != nil || req.DeviceID != nil {
		token, homeserver, deviceID := "", "", ""
		if req.AccessToken != nil {
			token = *req.AccessToken
		}
		if req.Homeserver != nil {
			homeserver = *req.Homeserver
		}
		if req.DeviceID != nil {
			deviceID = *req.DeviceID
		}
		if err := sess.UpdateAccessDetails(ctx, token, homeserver, deviceID); err != nil {
			return respondError(c, err)
		}
	}
	if req.Sync != nil {
		if err := sess.SetSync(ctx, *req.Sync); err != nil {
			return respondError(c, err)
		}
	}
	if req.Autojoin != nil {
		if err := sess.SetAutojoin(ctx, *req.Autojoin); err != nil {
			return respondError(c, err)
		}
	}
	if req.Online != nil || req.Displayname != nil || req.AvatarURL != nil {
		err := sess.Update(ctx, func(row *catalog.Client) {
			if req.Online != nil {
				row.Online = *req.Online
			}
			if req.Displayname != nil {
				row.Displayname = *req.Displayname
			}
			if req.AvatarURL != nil {
				row.AvatarURL = *req.AvatarURL
			}
		})
		if err != nil {
			return respondError(c, err)
		}
	}
	if req.Enabled != nil {
		if err := sess.SetEnabled(ctx, *req.Enabled); err != nil {
			return respondError(c, err)
		}
		switch {
		case *req.Enabled && !sess.Started():
			s.startClientBackground(sess)
		case !*req.Enabled && sess.Started():
			if err := sess.Stop(ctx); err != nil {
				return respondError(c, err)
			}
		}
	}
	return c.JSON(http.StatusOK, clientToJSON(sess))
}

func (s *Server) createClient(c echo.Context, ctx context.Context, userID string, req clientUpdate) error {
	if req.Homeserver == nil || req.AccessToken == nil {
		return respondError(c, oops.Code("BAD_REQUEST").
			New("creating a client requires homeserver and access_token"))
	}
	row := &catalog.Client{
		UserID:      userID,
		Homeserver:  *req.Homeserver,
		AccessToken: *req.AccessToken,
		Enabled:     true,
		Sync:        true,
		Autojoin:    true,
		Online:      true,
	}
	if req.DeviceID != nil {
		row.DeviceID = *req.DeviceID
	}
	if req.Enabled != nil {
		row.Enabled = *req.Enabled
	}
	if req.Sync != nil {
		row.Sync = *req.Sync
	}
	if req.Autojoin != nil {
		row.Autojoin = *req.Autojoin
	}
	if req.Online != nil {
		row.Online = *req.Online
	}
	if req.Displayname != nil {
		row.Displayname = *req.Displayname
	}
	if req.AvatarURL != nil {
		row.AvatarURL = *req.AvatarURL
	}

	if err := s.store.PutClient(ctx, row); err != nil {
		return respondError(c, err)
	}
	sess, err := s.clients.GetOrCreate(row)
	if err != nil {
		return respondError(c, err)
	}
	if row.Enabled {
		s.startClientBackground(sess)
	}
	return c.JSON(http.StatusCreated, clientToJSON(sess))
}

// startClientBackground kicks the start sequence off without holding the
// HTTP request open through the retry schedule. Failures disable the
// client and are logged.
func (s *Server) startClientBackground(sess *client.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := sess.Start(ctx); err != nil {
			s.logger.Error("client start failed",
				"user_id", sess.UserID(), "error", err)
		}
	}()
}

func (s *Server) handleDeleteClient(c echo.Context) error {
	if err := s.clients.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleClearCache(c echo.Context) error {
	sess, err := s.sessionOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := sess.ClearCache(c.Request().Context()); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, clientToJSON(sess))
}

type inviteJSON struct {
	RoomID     string    `json:"room_id"`
	Sender     string    `json:"sender"`
	ReceivedAt time.Time `json:"received_at"`
}

func (s *Server) handleListInvites(c echo.Context) error {
	if _, err := s.sessionOr404(c); err != nil {
		return respondError(c, err)
	}
	invites, err := s.store.PendingInvites(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	out := make([]inviteJSON, 0, len(invites))
	for _, inv := range invites {
		out = append(out, inviteJSON{
			RoomID:     inv.RoomID,
			Sender:     inv.Sender,
			ReceivedAt: inv.ReceivedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleJoinInvite(c echo.Context) error {
	sess, err := s.sessionOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := sess.JoinRoom(c.Request().Context(), c.Param("room")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleRejectInvite(c echo.Context) error {
	sess, err := s.sessionOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := sess.RejectInvite(c.Request().Context(), c.Param("room")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
