// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package command implements the active and passive command matching
// engine plugins declare their handlers with: prefix commands with typed
// arguments and subcommand trees, and passive regex matchers that scan
// every message.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mauhost/mauhost/internal/matrix"
)

// Handler runs a matched command with its parsed arguments.
type Handler func(ctx context.Context, evt *matrix.Event, args Args) error

// Failure is a user-facing command error: its message is sent to the room
// as "Error: <message>" and the error is considered handled.
type Failure struct {
	Message string
}

func (f *Failure) Error() string { return f.Message }

// Failf creates a Failure.
func Failf(format string, args ...any) error {
	return &Failure{Message: fmt.Sprintf(format, args...)}
}

// Spec describes one command: how it is matched, its arguments, and its
// subcommand tree. NewSpec applies the defaults; zero-value Specs are not
// usable.
type Spec struct {
	Name    string
	Aliases []string
	Help    string

	Arguments   []Argument
	Subcommands []*Spec

	// RequireSubcommand replies with the full help when the command has
	// subcommands and none matched.
	RequireSubcommand bool
	// ArgFallthrough parses this command's own arguments before trying
	// subcommands; when false, subcommands are tried first.
	ArgFallthrough bool
	// MustConsumeArgs replies with the full help when text is left over
	// after parsing.
	MustConsumeArgs bool
	// MsgTypes limits which message types trigger the command.
	MsgTypes []string

	Handler Handler

	parent *Spec
}

// NewSpec creates a Spec with the default flags: subcommand required,
// argument fallthrough on, leftover text rejected, m.text only.
func NewSpec(name string) *Spec {
	return &Spec{
		Name:              strings.ToLower(name),
		RequireSubcommand: true,
		ArgFallthrough:    true,
		MustConsumeArgs:   true,
		MsgTypes:          []string{"m.text"},
	}
}

// AddSubcommand attaches a subcommand and returns it.
func (s *Spec) AddSubcommand(sub *Spec) *Spec {
	sub.parent = s
	s.Subcommands = append(s.Subcommands, sub)
	return sub
}

// MatchesName reports whether a (lowercased) command word invokes this
// spec, by name or alias.
func (s *Spec) MatchesName(word string) bool {
	if word == s.Name {
		return true
	}
	for _, alias := range s.Aliases {
		if word == strings.ToLower(alias) {
			return true
		}
	}
	return false
}

func (s *Spec) acceptsMsgType(msgtype string) bool {
	for _, mt := range s.MsgTypes {
		if mt == msgtype {
			return true
		}
	}
	return false
}

// splitInTwo splits on the first occurrence of sep; the second part is ""
// when sep is absent.
func splitInTwo(val, sep string) (string, string) {
	if idx := strings.Index(val, sep); idx >= 0 {
		return val[:idx], val[idx+len(sep):]
	}
	return val, ""
}

// Process checks whether evt invokes this command and executes it if so.
// The returned bool reports whether the event was consumed, which includes
// invocations that only produced a usage reply. Events sent by the owning
// client itself are never dispatched.
func (s *Spec) Process(ctx context.Context, evt *matrix.Event) (bool, error) {
	if evt.Sender == evt.ClientUserID() {
		return false, nil
	}
	if !s.acceptsMsgType(evt.ContentString("msgtype")) {
		return false, nil
	}
	body := evt.ContentString("body")
	if body == "" || body[0] != '!' {
		return false, nil
	}
	word, remaining := splitInTwo(body[1:], " ")
	if !s.MatchesName(strings.ToLower(word)) {
		return false, nil
	}
	return true, s.execute(ctx, evt, Args{}, remaining)
}

func (s *Spec) execute(ctx context.Context, evt *matrix.Event, args Args, remaining string) error {
	if !s.ArgFallthrough && len(s.Subcommands) > 0 {
		if ok, err := s.trySubcommands(ctx, evt, args, remaining); ok {
			return err
		}
	}

	ok, remaining, err := s.parseArgs(ctx, evt, args, remaining)
	if err != nil || !ok {
		return err
	}

	if s.ArgFallthrough && len(s.Subcommands) > 0 {
		if ok, err := s.trySubcommands(ctx, evt, args, remaining); ok {
			return err
		}
		if s.RequireSubcommand {
			_, err := evt.Reply(ctx, s.FullHelp())
			return err
		}
	}

	if s.MustConsumeArgs && strings.TrimSpace(remaining) != "" {
		_, err := evt.Reply(ctx, s.FullHelp())
		return err
	}

	if s.Handler == nil {
		return nil
	}
	if err := s.Handler(ctx, evt, args); err != nil {
		var failure *Failure
		if errors.As(err, &failure) {
			_, replyErr := evt.Reply(ctx, "Error: "+failure.Message)
			return replyErr
		}
		_, _ = evt.Reply(ctx, "An error happened while running the command")
		return err
	}
	return nil
}

func (s *Spec) trySubcommands(ctx context.Context, evt *matrix.Event, args Args, remaining string) (bool, error) {
	word, rest := splitInTwo(strings.TrimSpace(remaining), " ")
	word = strings.ToLower(word)
	for _, sub := range s.Subcommands {
		if sub.MatchesName(word) {
			return true, sub.execute(ctx, evt, args, rest)
		}
	}
	return false, nil
}

// parseArgs consumes the spec's arguments from remaining in declaration
// order. A syntax error or a missing required argument produces a usage
// reply and stops processing.
func (s *Spec) parseArgs(ctx context.Context, evt *matrix.Event, args Args, remaining string) (bool, string, error) {
	for _, arg := range s.Arguments {
		rest, value, err := arg.Match(strings.TrimSpace(remaining))
		if err != nil {
			var syntaxErr *SyntaxError
			if errors.As(err, &syntaxErr) {
				msg := syntaxErr.Message
				if syntaxErr.ShowUsage {
					msg += "\n" + s.Usage()
				}
				_, replyErr := evt.Reply(ctx, msg)
				return false, remaining, replyErr
			}
			_, replyErr := evt.Reply(ctx, s.Usage())
			return false, remaining, replyErr
		}
		if value == nil {
			if arg.Required() {
				_, replyErr := evt.Reply(ctx, s.Usage())
				return false, remaining, replyErr
			}
			continue
		}
		args[arg.Name()] = value
		remaining = rest
	}
	return true, remaining, nil
}

// Prefix is the full invocation prefix including the parent command.
func (s *Spec) Prefix() string {
	if s.parent != nil {
		return fmt.Sprintf("!%s %s", s.parent.Name, s.Name)
	}
	return "!" + s.Name
}

func (s *Spec) usageArgs() string {
	parts := make([]string, 0, len(s.Arguments)+1)
	for _, arg := range s.Arguments {
		if arg.Required() {
			parts = append(parts, "<"+arg.Label()+">")
		} else {
			parts = append(parts, "["+arg.Label()+"]")
		}
	}
	if len(s.Subcommands) > 0 && s.ArgFallthrough {
		parts = append(parts, "<subcommand> [...]")
	}
	return strings.Join(parts, " ")
}

func (s *Spec) usageWithoutSubcommands() string {
	if !s.ArgFallthrough {
		if len(s.Arguments) == 0 {
			return fmt.Sprintf("**Usage:** %s [subcommand] [...]", s.Prefix())
		}
		return fmt.Sprintf("**Usage:** %s %s _OR_ %s <subcommand> [...]",
			s.Prefix(), s.usageArgs(), s.Prefix())
	}
	return fmt.Sprintf("**Usage:** %s %s", s.Prefix(), s.usageArgs())
}

// Usage is the one-line usage string sent on argument errors.
func (s *Spec) Usage() string {
	if len(s.Subcommands) > 0 {
		names := make([]string, len(s.Subcommands))
		for i, sub := range s.Subcommands {
			names[i] = sub.Name
		}
		return fmt.Sprintf("%s  \n**Subcommands:** %s",
			s.usageWithoutSubcommands(), strings.Join(names, ", "))
	}
	return s.usageWithoutSubcommands()
}

func (s *Spec) usageInline() string {
	if !s.ArgFallthrough {
		return fmt.Sprintf("* %s %s - %s\n* %s <subcommand> [...]",
			s.Name, s.usageArgs(), s.Help, s.Name)
	}
	return fmt.Sprintf("* %s %s - %s", s.Name, s.usageArgs(), s.Help)
}

// FullHelp is the multi-line help listing every subcommand, sent when a
// required subcommand is missing or leftover text remains.
func (s *Spec) FullHelp() string {
	var b strings.Builder
	b.WriteString(s.usageWithoutSubcommands())
	b.WriteString("\n\n")
	if !s.RequireSubcommand {
		fmt.Fprintf(&b, "* %s %s - %s\n", s.Prefix(), s.usageArgs(), s.Help)
	}
	lines := make([]string, len(s.Subcommands))
	for i, sub := range s.Subcommands {
		lines[i] = sub.usageInline()
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
