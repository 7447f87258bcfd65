// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package logging

import (
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultBacklog is how many records the stream retains for replay to
// newly attached log viewers.
const DefaultBacklog = 2048

// Record is the wire shape pushed over the management log websocket.
// Field names and the level numbering are kept compatible with the
// management frontend's expectations.
type Record struct {
	ID        string `json:"id"`
	Msg       string `json:"msg"`
	Time      string `json:"time"`
	LevelName string `json:"levelname"`
	LevelNo   int    `json:"levelno"`
	Name      string `json:"name"`
	Module    string `json:"module"`
	Filename  string `json:"filename"`
	FuncName  string `json:"funcName"`
	LineNo    int    `json:"lineno"`
	Pathname  string `json:"pathname"`
	ExcInfo   string `json:"exc_info,omitempty"`
}

// Stream retains a bounded backlog of log records and fans new records out
// to subscribers. Subscribers with full buffers miss records rather than
// blocking the logger.
type Stream struct {
	mu      sync.RWMutex
	backlog []Record
	max     int
	subs    map[chan Record]struct{}
}

// NewStream creates a Stream retaining up to backlog records. backlog <= 0
// uses DefaultBacklog.
func NewStream(backlog int) *Stream {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Stream{
		max:  backlog,
		subs: make(map[chan Record]struct{}),
	}
}

// Subscribe returns a channel of live records plus a snapshot of the
// backlog. The caller must Unsubscribe when done.
func (s *Stream) Subscribe() (<-chan Record, []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Record, 256)
	s.subs[ch] = struct{}{}
	snapshot := make([]Record, len(s.backlog))
	copy(snapshot, s.backlog)
	return ch, snapshot
}

// Unsubscribe detaches a subscriber channel.
func (s *Stream) Unsubscribe(ch <-chan Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sub := range s.subs {
		if sub == ch {
			delete(s.subs, sub)
			close(sub)
			return
		}
	}
}

func (s *Stream) publish(r slog.Record, attrs []slog.Attr) {
	rec := convert(r, attrs)

	s.mu.Lock()
	if len(s.backlog) >= s.max {
		s.backlog = s.backlog[1:]
	}
	s.backlog = append(s.backlog, rec)
	subs := make([]chan Record, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- rec:
		default:
			// Subscriber buffer full; the viewer misses this record.
		}
	}
}

// Level numbering follows the original management API contract.
const (
	levelNoDebug = 10
	levelNoInfo  = 20
	levelNoWarn  = 30
	levelNoError = 40
)

func convert(r slog.Record, attrs []slog.Attr) Record {
	rec := Record{
		ID:        ulid.Make().String(),
		Msg:       r.Message,
		Time:      r.Time.Format(time.RFC3339Nano),
		LevelName: levelName(r.Level),
		LevelNo:   levelNo(r.Level),
		Name:      "mauhost",
	}

	collect := func(a slog.Attr) {
		switch a.Key {
		case "name", "logger":
			rec.Name = a.Value.String()
		case "error", "err":
			rec.ExcInfo = a.Value.String()
		}
	}
	for _, a := range attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	if r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		rec.Pathname = frame.File
		rec.Filename = filepath.Base(frame.File)
		rec.LineNo = frame.Line
		rec.FuncName = frame.Function
		if idx := strings.LastIndex(frame.Function, "/"); idx >= 0 {
			short := frame.Function[idx+1:]
			if dot := strings.Index(short, "."); dot >= 0 {
				rec.Module = short[:dot]
				rec.FuncName = short[dot+1:]
			}
		}
	}
	return rec
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARNING"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelNo(l slog.Level) int {
	switch {
	case l >= slog.LevelError:
		return levelNoError
	case l >= slog.LevelWarn:
		return levelNoWarn
	case l >= slog.LevelInfo:
		return levelNoInfo
	default:
		return levelNoDebug
	}
}
