package console

import (
	"bytes"
	"fmt"
	"strings"
)

// Kind is the way a Pattern is located in console output.
type Kind uint8

const (
	// KindSubstring matches the literal anywhere in the output.
	KindSubstring Kind = iota
	// KindLinePrefix matches the literal only at the start of a line.
	KindLinePrefix
	// KindAnyOf matches whichever alternative occurs first.
	KindAnyOf
	// KindThen matches its first member once the second follows it.
	KindThen
)

// Pattern is a declarative description of a console marker. The zero value never matches.
type Pattern struct {
	Kind   Kind
	Text   string
	Any    []Pattern
	Reason string
}

func Substring(text string) Pattern {
	return Pattern{Kind: KindSubstring, Text: text}
}

func LinePrefix(text string) Pattern {
	return Pattern{Kind: KindLinePrefix, Text: text}
}

// AnyOf builds a set pattern. Empty members are dropped.
func AnyOf(patterns ...Pattern) Pattern {
	p := Pattern{Kind: KindAnyOf}

	for _, alt := range patterns {
		if alt.IsZero() {
			continue
		}

		p.Any = append(p.Any, alt)
	}

	return p
}

// Then matches head followed by tail, the match is reported at the offset of
// head. A command finishing on a marker and then a prompt is only complete
// once both were printed.
func Then(head, tail Pattern) Pattern {
	return Pattern{Kind: KindThen, Any: []Pattern{head, tail}}
}

// Substrings is AnyOf over literal substrings.
func Substrings(texts ...string) Pattern {
	patterns := make([]Pattern, 0, len(texts))
	for _, t := range texts {
		patterns = append(patterns, Substring(t))
	}

	return AnyOf(patterns...)
}

// WithReason attaches the description reported when the pattern signals a failure.
func (p Pattern) WithReason(reason string) Pattern {
	p.Reason = reason
	return p
}

func (p Pattern) IsZero() bool {
	switch p.Kind {
	case KindAnyOf:
		return len(p.Any) == 0
	case KindThen:
		return len(p.Any) != 2 || p.Any[0].IsZero() || p.Any[1].IsZero()
	default:
		return p.Text == ""
	}
}

func (p Pattern) String() string {
	switch p.Kind {
	case KindLinePrefix:
		return fmt.Sprintf("^%q", p.Text)
	case KindAnyOf:
		alts := make([]string, 0, len(p.Any))
		for _, a := range p.Any {
			alts = append(alts, a.String())
		}

		return "any(" + strings.Join(alts, ", ") + ")"
	case KindThen:
		return p.Any[0].String() + " then " + p.Any[1].String()
	default:
		return fmt.Sprintf("%q", p.Text)
	}
}

// Index returns the offset of the earliest occurrence of p in buf, or -1.
// For AnyOf the matched alternative is returned, ties go to the first listed.
func (p Pattern) Index(buf []byte) (int, Pattern) {
	return p.find(buf, false)
}

// LastIndex returns the offset of the latest occurrence of p in buf, or -1.
func (p Pattern) LastIndex(buf []byte) (int, Pattern) {
	return p.find(buf, true)
}

func (p Pattern) find(buf []byte, last bool) (int, Pattern) {
	if !last {
		return p.indexFrom(buf, 0)
	}

	if p.IsZero() {
		return -1, p
	}

	switch p.Kind {
	case KindAnyOf:
		best, matched := -1, Pattern{}

		for _, alt := range p.Any {
			idx, m := alt.find(buf, true)
			if idx > best {
				best, matched = idx, m
			}
		}

		if best >= 0 && matched.Reason == "" {
			matched.Reason = p.Reason
		}

		return best, matched
	case KindThen:
		found := -1

		for from := 0; from <= len(buf); {
			idx, _ := p.indexFrom(buf, from)
			if idx < 0 {
				break
			}

			found, from = idx, idx+1
		}

		return found, p
	case KindLinePrefix:
		return findLinePrefix(buf, []byte(p.Text)), p
	default:
		return bytes.LastIndex(buf, []byte(p.Text)), p
	}
}

// indexFrom returns the earliest match of p starting at or after from.
func (p Pattern) indexFrom(buf []byte, from int) (int, Pattern) {
	if p.IsZero() || from > len(buf) {
		return -1, p
	}

	switch p.Kind {
	case KindAnyOf:
		best, matched := -1, Pattern{}

		for _, alt := range p.Any {
			idx, m := alt.indexFrom(buf, from)
			if idx >= 0 && (best < 0 || idx < best) {
				best, matched = idx, m
			}
		}

		if best >= 0 && matched.Reason == "" {
			matched.Reason = p.Reason
		}

		return best, matched
	case KindThen:
		// a later head cannot be followed by a tail the earliest head is not followed by
		idx, head := p.Any[0].indexFrom(buf, from)
		if idx < 0 {
			return -1, p
		}

		if tail, _ := p.Any[1].indexFrom(buf, idx+len(head.Text)); tail < 0 {
			return -1, p
		}

		return idx, p
	case KindLinePrefix:
		text := []byte(p.Text)

		for start := from; start <= len(buf); {
			idx := bytes.Index(buf[start:], text)
			if idx < 0 {
				break
			}

			idx += start
			if atLineStart(buf, idx) {
				return idx, p
			}

			start = idx + 1
		}

		return -1, p
	default:
		idx := bytes.Index(buf[from:], []byte(p.Text))
		if idx < 0 {
			return -1, p
		}

		return idx + from, p
	}
}

// findLinePrefix returns the offset of the latest line starting with text, or -1.
func findLinePrefix(buf, text []byte) int {
	found := -1

	for from := 0; from <= len(buf); {
		idx := bytes.Index(buf[from:], text)
		if idx < 0 {
			break
		}

		idx += from
		if atLineStart(buf, idx) {
			found = idx
		}

		from = idx + 1
	}

	return found
}

func atLineStart(buf []byte, idx int) bool {
	if idx == 0 {
		return true
	}

	return buf[idx-1] == '\n' || buf[idx-1] == '\r'
}
