// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package matrix

import "encoding/json"

// Common event types dispatched by the host.
const (
	EventTypeMessage   = "m.room.message"
	EventTypeEncrypted = "m.room.encrypted"
	EventTypeMember    = "m.room.member"
	EventTypeTombstone = "m.room.tombstone"
	EventTypeReaction  = "m.reaction"
)

// Internal pseudo event types emitted by the sync loop itself.
const (
	EventTypeSyncSuccessful = "mauhost.sync_successful"
	EventTypeSyncErrored    = "mauhost.sync_errored"
)

// Membership states carried in m.room.member content.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
)

// RawEvent is a Matrix event as returned by the server.
type RawEvent struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ContentString returns a string field from the event content, or "" when
// the field is absent or not a string.
func (e *RawEvent) ContentString(key string) string {
	if e.Content == nil {
		return ""
	}
	s, _ := e.Content[key].(string)
	return s
}

// WhoAmIResponse is returned by GET /account/whoami.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// VersionsResponse is returned by GET /versions.
type VersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// Profile is returned by GET /profile/{userID}.
type Profile struct {
	Displayname string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// LoginRequest is the password login body for POST /login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               LoginIdentifier `json:"identifier"`
	Password                 string          `json:"password,omitempty"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// LoginIdentifier identifies the account logging in.
type LoginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// LoginResponse is returned by POST /login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since   string // next_batch token from previous sync; empty for initial sync
	Timeout int    // long-poll timeout in milliseconds; 0 for immediate return
	Filter  string // server-side filter ID
	// SetPresence is sent as the presence query parameter ("online" or
	// "offline"); empty omits it.
	SetPresence string
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains stripped state for a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection holds timeline events plus pagination info.
type TimelineSection struct {
	Events    []RawEvent `json:"events"`
	Limited   bool       `json:"limited,omitempty"`
	PrevBatch string     `json:"prev_batch,omitempty"`
}

// StateSection holds state events.
type StateSection struct {
	Events []RawEvent `json:"events"`
}

// Filter is the server-side sync filter created for every client: timeline
// limit 50 with lazy-loaded members, presence excluded.
type Filter struct {
	Room     RoomFilter  `json:"room"`
	Presence EventFilter `json:"presence"`
}

// RoomFilter filters room events.
type RoomFilter struct {
	Timeline RoomEventFilter `json:"timeline"`
	State    RoomEventFilter `json:"state"`
}

// RoomEventFilter filters events within a room section.
type RoomEventFilter struct {
	Limit           int  `json:"limit,omitempty"`
	LazyLoadMembers bool `json:"lazy_load_members,omitempty"`
}

// EventFilter filters non-room events.
type EventFilter struct {
	NotTypes []string `json:"not_types,omitempty"`
}

// DefaultFilter returns the sync filter registered for every client.
func DefaultFilter() Filter {
	return Filter{
		Room: RoomFilter{
			Timeline: RoomEventFilter{Limit: 50, LazyLoadMembers: true},
			State:    RoomEventFilter{LazyLoadMembers: true},
		},
		Presence: EventFilter{NotTypes: []string{"m.presence"}},
	}
}

// MessageContent is the content body of an m.room.message event.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
}

// RelatesTo expresses relationships between events (replies, edits,
// reactions).
type RelatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *InReplyTo `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID string `json:"event_id"`
}

// Relation types used by the rich event operations.
const (
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
)

// NewTextMessage creates a plain text message.
func NewTextMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.text", Body: body}
}

// NewNoticeMessage creates an m.notice message, the conventional message
// type for bot responses.
func NewNoticeMessage(body string) MessageContent {
	return MessageContent{MsgType: "m.notice", Body: body}
}

// marshalContent round-trips arbitrary content through JSON so callers can
// pass either typed structs or map[string]any.
func marshalContent(content any) (json.RawMessage, error) {
	return json.Marshal(content)
}
