// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package command

import (
	"context"
	"regexp"

	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/matrix"
)

// PassiveMatch is one regex hit: the full matched text plus any capture
// groups.
type PassiveMatch struct {
	Full   string
	Groups []string
}

// PassiveHandler receives the matches found in one message. With Multiple
// off it is called with exactly one match.
type PassiveHandler func(ctx context.Context, evt *matrix.Event, matches []PassiveMatch) error

// PassiveSpec scans every message of the accepted types against a regex
// and fires its handler on hits.
type PassiveSpec struct {
	Regex *regexp.Regexp
	// MsgTypes limits which message types are scanned.
	MsgTypes []string
	// Field extracts the scanned text from the event; nil scans the body.
	Field func(evt *matrix.Event) string
	// Multiple delivers every non-overlapping match instead of only the
	// first.
	Multiple bool
	Handler  PassiveHandler
}

// PassiveOptions are the regex flags a plugin can request.
type PassiveOptions struct {
	CaseInsensitive bool
	Multiline       bool
	DotAll          bool
	Multiple        bool
	MsgTypes        []string
}

// NewPassive compiles a passive matcher.
func NewPassive(pattern string, opts PassiveOptions, handler PassiveHandler) (*PassiveSpec, error) {
	flags := ""
	if opts.CaseInsensitive {
		flags += "i"
	}
	if opts.Multiline {
		flags += "m"
	}
	if opts.DotAll {
		flags += "s"
	}
	if flags != "" {
		pattern = "(?" + flags + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, oops.Code("BAD_PASSIVE_REGEX").With("pattern", pattern).Wrap(err)
	}
	msgtypes := opts.MsgTypes
	if len(msgtypes) == 0 {
		msgtypes = []string{"m.text"}
	}
	return &PassiveSpec{
		Regex:    re,
		MsgTypes: msgtypes,
		Multiple: opts.Multiple,
		Handler:  handler,
	}, nil
}

// Process scans evt and fires the handler on a match. Events sent by the
// owning client itself are never scanned. The returned bool reports
// whether the handler fired.
func (p *PassiveSpec) Process(ctx context.Context, evt *matrix.Event) (bool, error) {
	if evt.Sender == evt.ClientUserID() {
		return false, nil
	}
	accepted := false
	for _, mt := range p.MsgTypes {
		if mt == evt.ContentString("msgtype") {
			accepted = true
			break
		}
	}
	if !accepted {
		return false, nil
	}

	data := evt.ContentString("body")
	if p.Field != nil {
		data = p.Field(evt)
	}

	var matches []PassiveMatch
	if p.Multiple {
		for _, m := range p.Regex.FindAllStringSubmatch(data, -1) {
			matches = append(matches, toPassiveMatch(m))
		}
	} else if m := p.Regex.FindStringSubmatch(data); m != nil {
		matches = append(matches, toPassiveMatch(m))
	}
	if len(matches) == 0 {
		return false, nil
	}
	return true, p.Handler(ctx, evt, matches)
}

func toPassiveMatch(m []string) PassiveMatch {
	return PassiveMatch{Full: m[0], Groups: m[1:]}
}
