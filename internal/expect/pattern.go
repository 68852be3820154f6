// Package expect provides a pattern-matching view over the merged output of a
// child process.
//
// A background reader appends everything the child prints to a buffer. Callers
// block in Expect until one of their regular expressions matches the unconsumed
// part of that buffer, the stream reaches EOF, or the timeout fires. A match
// consumes the buffer up to and including the matched text.
package expect

import (
	"fmt"
	"regexp"
)

type specialKind int

const (
	kindRegexp specialKind = iota
	kindEOF
	kindTimeout
)

// Pattern is one alternative passed to Expect.
// The zero value is not usable; build patterns with Re, MustCompile or Literal.
type Pattern struct {
	re   *regexp.Regexp
	kind specialKind
}

var (
	// EOF matches when the stream has been closed and nothing else matched.
	EOF = Pattern{kind: kindEOF}

	// TIMEOUT matches when the deadline passes and nothing else matched.
	TIMEOUT = Pattern{kind: kindTimeout}
)

// Re compiles a regular expression pattern.
func Re(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return Pattern{re: re}, nil
}

// MustCompile is like Re but panics on an invalid expression.
func MustCompile(expr string) Pattern {
	return Pattern{re: regexp.MustCompile(expr)}
}

// Literal returns a pattern matching s verbatim.
func Literal(s string) Pattern {
	return Pattern{re: regexp.MustCompile(regexp.QuoteMeta(s))}
}

// FromRegexp wraps an already compiled expression.
func FromRegexp(re *regexp.Regexp) Pattern {
	return Pattern{re: re}
}

// String returns the source of the pattern.
func (p Pattern) String() string {
	switch p.kind {
	case kindEOF:
		return "<EOF>"
	case kindTimeout:
		return "<TIMEOUT>"
	}
	if p.re == nil {
		return "<nil>"
	}
	return p.re.String()
}

// IsEOF reports whether p is the EOF pseudo-pattern.
func (p Pattern) IsEOF() bool { return p.kind == kindEOF }

// IsTimeout reports whether p is the TIMEOUT pseudo-pattern.
func (p Pattern) IsTimeout() bool { return p.kind == kindTimeout }

func patternStrings(patterns []Pattern) []string {
	out := make([]string, len(patterns))
	for i, p := range patterns {
		out[i] = p.String()
	}
	return out
}

func indexOfKind(patterns []Pattern, kind specialKind) int {
	for i, p := range patterns {
		if p.kind == kind {
			return i
		}
	}
	return -1
}
