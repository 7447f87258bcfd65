// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package command

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mauhost/mauhost/internal/matrix"
)

type replySender struct {
	mu      sync.Mutex
	replies []string
}

func (r *replySender) UserID() string { return "@bot:example.com" }

func (r *replySender) SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	return "$ev", nil
}

func (r *replySender) SendMessage(ctx context.Context, roomID string, content matrix.MessageContent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, content.Body)
	return "$ev", nil
}

func (r *replySender) SendReceipt(ctx context.Context, roomID, eventID string) error {
	return nil
}

func messageEvent(sender, body string) (*matrix.Event, *replySender) {
	rs := &replySender{}
	evt := matrix.NewEvent(matrix.RawEvent{
		Type:    matrix.EventTypeMessage,
		EventID: "$msg",
		RoomID:  "!room:example.com",
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}, func() matrix.EventSender { return rs })
	return evt, rs
}

func TestSimpleCommandMatches(t *testing.T) {
	var gotArgs Args
	spec := NewSpec("ping")
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		gotArgs = args
		_, err := evt.Reply(ctx, "pong")
		return err
	}

	evt, rs := messageEvent("@user:example.com", "!ping")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Empty(t, gotArgs)
	require.Len(t, rs.replies, 1)
	assert.Equal(t, "pong", rs.replies[0])
}

func TestCommandIgnoresOwnSender(t *testing.T) {
	spec := NewSpec("ping")
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		t.Error("command must never fire on the client's own events")
		return nil
	}

	evt, _ := messageEvent("@bot:example.com", "!ping")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCommandIgnoresNonPrefixedAndWrongName(t *testing.T) {
	spec := NewSpec("ping")
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error { return nil }

	evt, _ := messageEvent("@user:example.com", "ping")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, matched)

	evt, _ = messageEvent("@user:example.com", "!pong")
	matched, err = spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestCommandAliasesAndCaseInsensitiveName(t *testing.T) {
	spec := NewSpec("ping")
	spec.Aliases = []string{"p"}
	var fired int
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired++
		return nil
	}

	for _, body := range []string{"!p", "!PING", "!Ping"} {
		evt, _ := messageEvent("@user:example.com", body)
		matched, err := spec.Process(context.Background(), evt)
		require.NoError(t, err)
		assert.True(t, matched, body)
	}
	assert.Equal(t, 3, fired)
}

func TestSimpleArgumentParsing(t *testing.T) {
	target, err := NewArgument("target", ArgumentOptions{Required: true})
	require.NoError(t, err)
	message, err := NewArgument("message", ArgumentOptions{Required: true, PassRaw: true})
	require.NoError(t, err)

	spec := NewSpec("tell")
	spec.Arguments = []Argument{target, message}
	var got Args
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		got = args
		return nil
	}

	evt, _ := messageEvent("@user:example.com", "!tell @friend:example.com hello there")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "@friend:example.com", got["target"])
	assert.Equal(t, "hello there", got["message"])
}

func TestMissingRequiredArgumentRepliesUsage(t *testing.T) {
	target, err := NewArgument("target", ArgumentOptions{Required: true})
	require.NoError(t, err)

	spec := NewSpec("tell")
	spec.Arguments = []Argument{target}
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		t.Error("handler must not run when a required argument is missing")
		return nil
	}

	evt, rs := messageEvent("@user:example.com", "!tell")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, rs.replies, 1)
	assert.Contains(t, rs.replies[0], "**Usage:** !tell <target>")
}

func TestRegexArgumentGroups(t *testing.T) {
	dice, err := NewArgument("roll", ArgumentOptions{
		Required: true,
		Matches:  `(\d+)d(\d+)`,
	})
	require.NoError(t, err)

	spec := NewSpec("roll")
	spec.Arguments = []Argument{dice}
	var got Args
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		got = args
		return nil
	}

	evt, _ := messageEvent("@user:example.com", "!roll 2d6")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, []string{"2", "6"}, got["roll"])
}

func TestCustomArgumentParser(t *testing.T) {
	count, err := NewArgument("count", ArgumentOptions{
		Required: true,
		Parser: func(val string) any {
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil
			}
			return n
		},
	})
	require.NoError(t, err)

	spec := NewSpec("repeat")
	spec.MustConsumeArgs = false
	spec.Arguments = []Argument{count}
	var got Args
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		got = args
		return nil
	}

	evt, _ := messageEvent("@user:example.com", "!repeat 3 whatever")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, 3, got["count"])

	evt, rs := messageEvent("@user:example.com", "!repeat notanumber")
	matched, err = spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, rs.replies, 1)
	assert.Contains(t, rs.replies[0], "**Usage:**")
}

func TestSubcommandDispatch(t *testing.T) {
	spec := NewSpec("admin")
	var fired string
	sub := NewSpec("reload")
	sub.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired = "reload"
		return nil
	}
	spec.AddSubcommand(sub)

	evt, _ := messageEvent("@user:example.com", "!admin reload")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	assert.Equal(t, "reload", fired)
}

func TestRequireSubcommandRepliesHelp(t *testing.T) {
	spec := NewSpec("admin")
	spec.Help = "administrative commands"
	sub := NewSpec("reload")
	sub.Help = "reload everything"
	sub.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error { return nil }
	spec.AddSubcommand(sub)

	evt, rs := messageEvent("@user:example.com", "!admin")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, rs.replies, 1)
	assert.Contains(t, rs.replies[0], "**Usage:** !admin")
	assert.Contains(t, rs.replies[0], "* reload")
}

func TestOptionalSubcommandFallsThroughToOwnHandler(t *testing.T) {
	spec := NewSpec("stats")
	spec.RequireSubcommand = false
	spec.MustConsumeArgs = false
	var fired string
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired = "root"
		return nil
	}
	sub := NewSpec("detailed")
	sub.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired = "detailed"
		return nil
	}
	spec.AddSubcommand(sub)

	evt, _ := messageEvent("@user:example.com", "!stats")
	_, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "root", fired)

	evt, _ = messageEvent("@user:example.com", "!stats detailed")
	_, err = spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "detailed", fired)
}

func TestNoArgFallthroughTriesSubcommandFirst(t *testing.T) {
	// The root takes a raw argument, but a literal subcommand word must win
	// when arg fallthrough is off.
	raw, err := NewArgument("text", ArgumentOptions{PassRaw: true})
	require.NoError(t, err)

	spec := NewSpec("note")
	spec.ArgFallthrough = false
	spec.RequireSubcommand = false
	spec.Arguments = []Argument{raw}
	var fired string
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired = "root"
		return nil
	}
	sub := NewSpec("list")
	sub.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		fired = "list"
		return nil
	}
	spec.AddSubcommand(sub)

	evt, _ := messageEvent("@user:example.com", "!note list")
	_, err = spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "list", fired)

	evt, _ = messageEvent("@user:example.com", "!note remember the milk")
	_, err = spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "root", fired)
}

func TestLeftoverArgsRepliesHelp(t *testing.T) {
	spec := NewSpec("ping")
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		t.Error("handler must not run with unconsumed arguments")
		return nil
	}

	evt, rs := messageEvent("@user:example.com", "!ping extra junk")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, rs.replies, 1)
	assert.Contains(t, rs.replies[0], "**Usage:** !ping")
}

func TestFailureRepliesWithoutPropagating(t *testing.T) {
	spec := NewSpec("ping")
	spec.Handler = func(ctx context.Context, evt *matrix.Event, args Args) error {
		return Failf("no pong available")
	}

	evt, rs := messageEvent("@user:example.com", "!ping")
	matched, err := spec.Process(context.Background(), evt)
	require.NoError(t, err)
	assert.True(t, matched)
	require.Len(t, rs.replies, 1)
	assert.Equal(t, "Error: no pong available", rs.replies[0])
}

func TestUsageStringFormat(t *testing.T) {
	target, err := NewArgument("target", ArgumentOptions{Required: true, Label: "user"})
	require.NoError(t, err)
	reason, err := NewArgument("reason", ArgumentOptions{PassRaw: true})
	require.NoError(t, err)

	spec := NewSpec("kick")
	spec.Arguments = []Argument{target, reason}
	assert.Equal(t, "**Usage:** !kick <user> [reason]", spec.Usage())
}
