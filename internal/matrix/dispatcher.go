// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package matrix

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one dispatched event. Handlers run concurrently; a
// panic or error in one handler never affects siblings or the sync loop.
type Handler func(ctx context.Context, evt *Event) error

// Registration is the handle returned by AddEventHandler. It identifies
// one registered handler so it can be removed later.
type Registration struct {
	eventType string
	handler   Handler
}

// EventType returns the event type this registration listens for.
func (r *Registration) EventType() string { return r.eventType }

// Decryptor decrypts m.room.encrypted events before dispatch. Optional:
// when nil, encrypted events are logged and dropped.
type Decryptor interface {
	Decrypt(ctx context.Context, evt *RawEvent) (*RawEvent, error)
}

// Dispatcher owns the handler table for one client session. It survives
// access-token swaps: the underlying transport is resolved through the
// sender function on every operation, so registered handlers keep firing
// on events delivered by a replacement client.
type Dispatcher struct {
	logger *slog.Logger
	sender func() EventSender

	mu        sync.RWMutex
	handlers  map[string][]*Registration
	decryptor Decryptor

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. sender must return the current
// transport client and never nil.
func NewDispatcher(sender func() EventSender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		sender:   sender,
		handlers: make(map[string][]*Registration),
	}
}

// SetDecryptor installs the optional crypto subsystem.
func (d *Dispatcher) SetDecryptor(dec Decryptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.decryptor = dec
}

// AddEventHandler registers a handler for an event type.
func (d *Dispatcher) AddEventHandler(eventType string, handler Handler) *Registration {
	reg := &Registration{eventType: eventType, handler: handler}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], reg)
	return reg
}

// RemoveEventHandler removes a previously registered handler. Unknown
// registrations are ignored.
func (d *Dispatcher) RemoveEventHandler(reg *Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[reg.eventType]
	for i, r := range regs {
		if r == reg {
			d.handlers[reg.eventType] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of handlers registered for a type.
func (d *Dispatcher) HandlerCount(eventType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[eventType])
}

// Dispatch fans one raw event out to every handler registered for its
// type. Each handler runs in its own goroutine; no ordering is guaranteed
// between handlers. Encrypted events are decrypted first when a decryptor
// is installed, otherwise logged and dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, raw RawEvent) {
	if raw.Type == EventTypeEncrypted {
		d.mu.RLock()
		dec := d.decryptor
		d.mu.RUnlock()
		if dec == nil {
			d.logger.Debug("dropping encrypted event without crypto support",
				"room_id", raw.RoomID, "event_id", raw.EventID)
			return
		}
		decrypted, err := dec.Decrypt(ctx, &raw)
		if err != nil {
			d.logger.Warn("failed to decrypt event, dropping",
				"room_id", raw.RoomID, "event_id", raw.EventID, "error", err)
			return
		}
		raw = *decrypted
	}

	d.mu.RLock()
	regs := make([]*Registration, len(d.handlers[raw.Type]))
	copy(regs, d.handlers[raw.Type])
	d.mu.RUnlock()

	if len(regs) == 0 {
		return
	}
	evt := NewEvent(raw, d.sender)
	for _, reg := range regs {
		d.wg.Add(1)
		go func(reg *Registration) {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("event handler panicked",
						"event_type", raw.Type, "panic", r)
				}
			}()
			if err := reg.handler(ctx, evt); err != nil {
				d.logger.Error("event handler failed",
					"event_type", raw.Type, "event_id", raw.EventID, "error", err)
			}
		}(reg)
	}
}

// DispatchInternal delivers a host-internal pseudo event (sync state
// changes) to registered handlers. Internal events carry no room context.
func (d *Dispatcher) DispatchInternal(ctx context.Context, eventType string) {
	d.Dispatch(ctx, RawEvent{Type: eventType})
}

// Wait blocks until all in-flight handler goroutines have returned. Used
// by tests and by shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
