// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/oops"
)

// authGrace is how long an unauthenticated log viewer may sit on the
// socket before the server closes it.
const authGrace = 5 * time.Second

var upgrader = websocket.Upgrader{
	// The token handshake is the access control; origin checks would
	// only block the management frontend behind a proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

type logAuthResult struct {
	AuthSuccess bool `json:"auth_success"`
}

// handleLogs serves the management log stream. The first client message
// must be a valid management token; after a successful handshake the
// backlog is replayed and new records are pushed as they arrive.
func (s *Server) handleLogs(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return oops.Code("WEBSOCKET_UPGRADE_FAILED").Wrap(err)
	}
	defer conn.Close()

	if !s.logAuthHandshake(conn) {
		return nil
	}

	records, backlog := s.stream.Subscribe()
	defer s.stream.Unsubscribe(records)

	for _, rec := range backlog {
		if err := conn.WriteJSON(rec); err != nil {
			return nil
		}
	}

	// Drain client messages so pings and close frames are processed; a
	// read error ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(rec); err != nil {
				return nil
			}
		case <-done:
			return nil
		}
	}
}

// logAuthHandshake reads token messages until one validates or the grace
// period runs out.
func (s *Server) logAuthHandshake(conn *websocket.Conn) bool {
	deadline := time.Now().Add(authGrace)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return false
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		if _, err := s.verifyToken(string(msg)); err == nil {
			_ = conn.SetReadDeadline(time.Time{})
			return conn.WriteJSON(logAuthResult{AuthSuccess: true}) == nil
		}
		if err := conn.WriteJSON(logAuthResult{AuthSuccess: false}); err != nil {
			return false
		}
	}
}
