// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package matrix

import "context"

// EventSender is the slice of Client the rich event operations need. The
// dispatcher resolves it at call time so events keep working across an
// access-token swap.
type EventSender interface {
	UserID() string
	SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	SendMessage(ctx context.Context, roomID string, content MessageContent) (string, error)
	SendReceipt(ctx context.Context, roomID, eventID string) error
}

// Event is the richer event handed to plugin handlers: the raw server
// event plus convenience operations bound to the owning client.
type Event struct {
	RawEvent

	sender func() EventSender
}

// NewEvent wraps a raw event. sender is resolved on every operation.
func NewEvent(raw RawEvent, sender func() EventSender) *Event {
	return &Event{RawEvent: raw, sender: sender}
}

// ClientUserID returns the user ID of the client that received this event.
func (e *Event) ClientUserID() string {
	return e.sender().UserID()
}

// Reply sends a notice that references this event as its reply target.
func (e *Event) Reply(ctx context.Context, text string) (string, error) {
	content := NewNoticeMessage(text)
	content.RelatesTo = &RelatesTo{InReplyTo: &InReplyTo{EventID: e.EventID}}
	return e.sender().SendMessage(ctx, e.RoomID, content)
}

// Respond sends a notice to the event's room without a reply relation.
func (e *Event) Respond(ctx context.Context, text string) (string, error) {
	return e.sender().SendMessage(ctx, e.RoomID, NewNoticeMessage(text))
}

// React attaches an annotation (e.g. an emoji) to this event.
func (e *Event) React(ctx context.Context, key string) (string, error) {
	return e.sender().SendEvent(ctx, e.RoomID, EventTypeReaction, map[string]any{
		"m.relates_to": RelatesTo{
			RelType: RelAnnotation,
			EventID: e.EventID,
			Key:     key,
		},
	})
}

// Edit replaces the body of a previously sent event.
func (e *Event) Edit(ctx context.Context, eventID, text string) (string, error) {
	content := NewNoticeMessage("* " + text)
	newContent := NewNoticeMessage(text)
	content.NewContent = &newContent
	content.RelatesTo = &RelatesTo{RelType: RelReplace, EventID: eventID}
	return e.sender().SendMessage(ctx, e.RoomID, content)
}

// MarkRead sends a read receipt for this event.
func (e *Event) MarkRead(ctx context.Context) error {
	return e.sender().SendReceipt(ctx, e.RoomID, e.EventID)
}
