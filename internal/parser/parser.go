// Package parser turns raw log lines into typed domain events.
//
// A Parser evaluates an ordered list of rules against each line; the first
// rule that matches and builds an event wins. Lines no rule accepts are
// skipped.
package parser

import (
	"strings"

	"github.com/killfeed/killfeed/pkg/types"
)

// Parser classifies log lines. It is safe for concurrent use.
type Parser struct {
	rules     []Rule
	envCauses map[string]bool
	factionOf func(playerID string) string
}

// Option configures a Parser.
type Option func(*Parser)

// WithFactionLookup attaches faction names to events by player id.
func WithFactionLookup(fn func(playerID string) string) Option {
	return func(p *Parser) { p.factionOf = fn }
}

// WithEnvironmentalCauses replaces the causes classified as environmental deaths.
func WithEnvironmentalCauses(causes ...string) Option {
	return func(p *Parser) {
		p.envCauses = make(map[string]bool, len(causes))
		for _, c := range causes {
			p.envCauses[strings.ToLower(c)] = true
		}
	}
}

// WithRules prepends custom rules ahead of the defaults.
func WithRules(rules ...Rule) Option {
	return func(p *Parser) { p.rules = append(append([]Rule(nil), rules...), p.rules...) }
}

// New returns a parser with the default rule set.
func New(opts ...Option) *Parser {
	p := &Parser{
		factionOf: func(string) string { return "" },
	}
	WithEnvironmentalCauses(DefaultEnvironmentalCauses...)(p)
	p.rules = p.defaultRules()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RuleNames lists rules in evaluation order.
func (p *Parser) RuleNames() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.Name
	}
	return names
}

// Parse classifies one line. ok is false when the line is skipped.
func (p *Parser) Parse(sourceID string, line RawLine) (types.DomainEvent, bool) {
	raw := strings.TrimSpace(line.Text)
	if raw == "" {
		return types.DomainEvent{}, false
	}
	l := Line{SourceID: sourceID, Raw: raw, Offset: line.Offset}
	if strings.Count(raw, ";") >= deathlogFields-1 {
		l.Fields = strings.Split(raw, ";")
	}

	for _, r := range p.rules {
		if !r.Match(l) {
			continue
		}
		if e, ok := r.Build(l); ok {
			if e.Offset == 0 {
				e.Offset = line.Offset
			}
			return e, true
		}
	}
	return types.DomainEvent{}, false
}

// Result is the outcome of parsing a chunk of bytes.
type Result struct {
	Events  []types.DomainEvent
	Lines   int
	Skipped int
}

// ParseChunk feeds chunk (starting at source offset at) through buf and
// parses every completed line.
func (p *Parser) ParseChunk(sourceID string, buf *LineBuffer, at int64, chunk []byte) Result {
	return p.parseLines(sourceID, buf.Feed(at, chunk))
}

// FlushBuffer parses the fragment left in buf, if any.
func (p *Parser) FlushBuffer(sourceID string, buf *LineBuffer) Result {
	line, ok := buf.Flush()
	if !ok {
		return Result{}
	}
	return p.parseLines(sourceID, []RawLine{line})
}

func (p *Parser) parseLines(sourceID string, lines []RawLine) Result {
	res := Result{Lines: len(lines)}
	for _, line := range lines {
		if e, ok := p.Parse(sourceID, line); ok {
			res.Events = append(res.Events, e)
		} else {
			res.Skipped++
		}
	}
	return res
}
