// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package command

import (
	"regexp"
	"strings"

	"github.com/samber/oops"
)

// Args holds the values parsed from a command invocation, keyed by
// argument name.
type Args map[string]any

// SyntaxError is returned by an argument matcher when the input is
// recognizably for this argument but malformed. Its message is sent to the
// room, optionally followed by the usage string.
type SyntaxError struct {
	Message   string
	ShowUsage bool
}

func (e *SyntaxError) Error() string { return e.Message }

// Argument consumes a piece of the remaining command text and produces a
// value. A nil value means the argument did not match.
type Argument interface {
	Name() string
	Label() string
	Required() bool
	// Match consumes input from val and returns the remaining text plus the
	// parsed value, or nil when nothing matched.
	Match(val string) (remaining string, value any, err error)
}

// ParserFunc converts matched text into a value. Returning nil means no
// match.
type ParserFunc func(val string) any

// ArgumentOptions configures NewArgument.
type ArgumentOptions struct {
	// Label is shown in usage strings; defaults to the name.
	Label string
	// Required makes a non-match a usage error.
	Required bool
	// PassRaw hands the whole remaining text to this argument instead of a
	// single whitespace-delimited token.
	PassRaw bool
	// Matches selects a regex argument.
	Matches string
	// Parser selects a custom argument.
	Parser ParserFunc
}

// NewArgument builds the right argument kind from options: a regex
// argument when Matches is set, a custom argument when Parser is set, and
// a simple token argument otherwise.
func NewArgument(name string, opts ArgumentOptions) (Argument, error) {
	base := baseArgument{
		name:     name,
		label:    opts.Label,
		required: opts.Required,
		passRaw:  opts.PassRaw,
	}
	if base.label == "" {
		base.label = name
	}
	switch {
	case opts.Matches != "":
		pattern := "^" + opts.Matches
		if !opts.PassRaw {
			pattern += "$"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, oops.Code("BAD_ARGUMENT_REGEX").
				With("argument", name).
				With("pattern", opts.Matches).
				Wrap(err)
		}
		return &RegexArgument{baseArgument: base, regex: re}, nil
	case opts.Parser != nil:
		return &CustomArgument{baseArgument: base, parser: opts.Parser}, nil
	default:
		return &SimpleArgument{baseArgument: base}, nil
	}
}

type baseArgument struct {
	name     string
	label    string
	required bool
	passRaw  bool
}

func (a baseArgument) Name() string   { return a.name }
func (a baseArgument) Label() string  { return a.label }
func (a baseArgument) Required() bool { return a.required }

// firstToken splits val into its first whitespace-delimited token and the
// rest (rest keeps its leading separator stripped by the caller later).
func firstToken(val string) string {
	if idx := strings.IndexFunc(val, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n'
	}); idx >= 0 {
		return val[:idx]
	}
	return val
}

// SimpleArgument consumes one token, or the whole remaining text when
// pass-raw.
type SimpleArgument struct {
	baseArgument
}

func (a *SimpleArgument) Match(val string) (string, any, error) {
	if a.passRaw {
		if val == "" {
			return "", nil, nil
		}
		return "", val, nil
	}
	token := firstToken(val)
	if token == "" {
		return val, nil, nil
	}
	return val[len(token):], token, nil
}

// RegexArgument consumes text matching a pattern. The pattern is anchored
// at the start; non-pass-raw arguments are also anchored at the end of the
// first token. When the pattern has capture groups the value is the slice
// of group texts, otherwise the full matched text.
type RegexArgument struct {
	baseArgument
	regex *regexp.Regexp
}

func (a *RegexArgument) Match(val string) (string, any, error) {
	target := val
	if !a.passRaw {
		target = firstToken(val)
	}
	loc := a.regex.FindStringSubmatchIndex(target)
	if loc == nil {
		return val, nil, nil
	}
	match := a.regex.FindStringSubmatch(target)
	var value any
	if len(match) > 1 {
		value = match[1:]
	} else {
		value = match[0]
	}
	return val[loc[1]:], value, nil
}

// CustomArgument delegates matching to a parser function. Non-pass-raw
// arguments feed the parser one token; pass-raw arguments feed it the
// whole remaining text and consume all of it on a match.
type CustomArgument struct {
	baseArgument
	parser ParserFunc
}

func (a *CustomArgument) Match(val string) (string, any, error) {
	if a.passRaw {
		value := a.parser(val)
		if value == nil {
			return val, nil, nil
		}
		return "", value, nil
	}
	token := firstToken(val)
	if token == "" {
		return val, nil, nil
	}
	value := a.parser(token)
	if value == nil {
		return val, nil, nil
	}
	return val[len(token):], value, nil
}
