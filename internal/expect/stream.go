package expect

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/logging"
)

// DefaultTimeout applies when Expect or Wait is called with a zero timeout.
// A negative timeout waits forever.
const DefaultTimeout = 60 * time.Second

// StreamConfig configures a Stream.
type StreamConfig struct {
	// Name identifies the stream in errors and logs.
	Name string

	// Echo receives every complete output line unless Quiet is set.
	Echo  io.Writer
	Quiet bool

	// Filters suppress matching lines from Echo. Matching is unaffected.
	Filters []*regexp.Regexp

	// Raw receives every chunk as written, partial lines included. Quiet and
	// Filters do not apply.
	Raw io.Writer

	// Progress is called on every chunk of output and every match.
	Progress func()

	// Output keeps the most recent lines for failure reports. Optional.
	Output *logging.OutputHandler

	// DefaultTimeout replaces the package default when non-zero.
	DefaultTimeout time.Duration
}

// Stream is the matching engine behind a Channel. Output is fed with Write and
// terminated with Close; Expect and ExpectAll consume it.
//
// Writers never block on readers: Write appends under a mutex and signals a
// single-slot notification channel.
type Stream struct {
	cfg StreamConfig

	mu      sync.Mutex
	buf     []byte // unconsumed output
	all     bytes.Buffer
	line    []byte // partial line awaiting a newline, for Echo
	closed  bool
	before  string
	matched []string

	notify chan struct{}
}

// NewStream creates an open, empty stream.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	return &Stream{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
}

// Write appends p to the stream. It implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, p...)
	s.all.Write(p)
	lines := s.splitLines(p)
	s.mu.Unlock()

	if s.cfg.Raw != nil {
		s.cfg.Raw.Write(p)
	}
	s.emit(lines)
	s.progress()
	s.wake()
	return len(p), nil
}

// Close marks the end of output. Pending Expect calls get one final match attempt.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var rest []string
	if len(s.line) > 0 {
		rest = []string{string(bytes.TrimRight(s.line, "\r"))}
		s.line = nil
	}
	s.mu.Unlock()

	s.emit(rest)
	s.wake()
}

// Closed reports whether the stream reached EOF.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Buffer returns the output that has not been consumed by a match yet.
func (s *Stream) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// Output returns everything written to the stream so far.
func (s *Stream) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.all.String()
}

// Before returns the text that preceded the most recent match.
func (s *Stream) Before() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.before
}

// Match returns the most recent match followed by its submatches.
func (s *Stream) Match() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.matched...)
}

// Expect blocks until one of patterns matches and returns its index.
//
// When several patterns match, the one whose match starts earliest wins; ties
// go to the lower index. On EOF the buffer is scanned one final time and the
// EOF pattern, if present, is selected. On timeout the TIMEOUT pattern, if
// present, is selected. Otherwise a *TimeoutError is returned.
func (s *Stream) Expect(ctx context.Context, timeout time.Duration, patterns ...Pattern) (int, error) {
	timer, stop := s.deadline(timeout)
	defer stop()

	for {
		s.mu.Lock()
		idx, loc := s.scan(patterns, nil)
		if idx >= 0 {
			s.consume(loc)
			s.mu.Unlock()
			s.progress()
			return idx, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			if i := indexOfKind(patterns, kindEOF); i >= 0 {
				return i, nil
			}
			return -1, s.timeoutError("expect", patterns, timeout, true)
		}

		select {
		case <-s.notify:
		case <-timer:
			// Output may have landed between the scan and the timer firing.
			s.mu.Lock()
			idx, loc := s.scan(patterns, nil)
			if idx >= 0 {
				s.consume(loc)
			}
			s.mu.Unlock()
			if idx >= 0 {
				return idx, nil
			}
			if i := indexOfKind(patterns, kindTimeout); i >= 0 {
				return i, nil
			}
			return -1, s.timeoutError("expect", patterns, timeout, false)
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
}

// ExpectAll blocks until every pattern has matched once, in any order, and
// returns the consumed output. EOF and TIMEOUT pseudo-patterns are ignored.
func (s *Stream) ExpectAll(ctx context.Context, timeout time.Duration, patterns ...Pattern) (string, error) {
	timer, stop := s.deadline(timeout)
	defer stop()

	pending := make([]bool, len(patterns))
	remaining := 0
	for i, p := range patterns {
		if p.kind == kindRegexp {
			pending[i] = true
			remaining++
		}
	}

	var consumed bytes.Buffer
	for remaining > 0 {
		s.mu.Lock()
		for remaining > 0 {
			idx, loc := s.scan(patterns, pending)
			if idx < 0 {
				break
			}
			consumed.WriteString(s.consume(loc))
			pending[idx] = false
			remaining--
		}
		closed := s.closed
		s.mu.Unlock()

		if remaining == 0 {
			break
		}
		s.progress()

		if closed {
			return consumed.String(), s.timeoutError("expect all", pendingPatterns(patterns, pending), timeout, true)
		}

		select {
		case <-s.notify:
		case <-timer:
			return consumed.String(), s.timeoutError("expect all", pendingPatterns(patterns, pending), timeout, false)
		case <-ctx.Done():
			return consumed.String(), ctx.Err()
		}
	}

	s.progress()
	return consumed.String(), nil
}

// scan finds the earliest match among the patterns selected by mask.
// Caller holds s.mu.
func (s *Stream) scan(patterns []Pattern, mask []bool) (int, []int) {
	best := -1
	var bestLoc []int
	for i, p := range patterns {
		if p.kind != kindRegexp || p.re == nil {
			continue
		}
		if mask != nil && !mask[i] {
			continue
		}
		loc := p.re.FindSubmatchIndex(s.buf)
		if loc == nil {
			continue
		}
		if best < 0 || loc[0] < bestLoc[0] {
			best, bestLoc = i, loc
		}
	}
	return best, bestLoc
}

// consume drops the buffer up to the end of the match and records it.
// Caller holds s.mu.
func (s *Stream) consume(loc []int) string {
	s.before = string(s.buf[:loc[0]])
	s.matched = s.matched[:0]
	for i := 0; i+1 < len(loc); i += 2 {
		if loc[i] < 0 {
			s.matched = append(s.matched, "")
			continue
		}
		s.matched = append(s.matched, string(s.buf[loc[i]:loc[i+1]]))
	}
	out := string(s.buf[:loc[1]])
	s.buf = append(s.buf[:0], s.buf[loc[1]:]...)
	return out
}

// splitLines extracts complete lines from the pending partial line plus p.
// Caller holds s.mu.
func (s *Stream) splitLines(p []byte) []string {
	s.line = append(s.line, p...)
	var lines []string
	for {
		i := bytes.IndexByte(s.line, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(s.line[:i], "\r")))
		s.line = s.line[i+1:]
	}
	if len(s.line) == 0 {
		s.line = nil
	}
	return lines
}

func (s *Stream) emit(lines []string) {
	for _, line := range lines {
		if s.cfg.Output != nil {
			s.cfg.Output.HandleLine(line)
		}
		if s.cfg.Quiet || s.cfg.Echo == nil || s.filtered(line) {
			continue
		}
		io.WriteString(s.cfg.Echo, line+"\n")
	}
}

func (s *Stream) filtered(line string) bool {
	for _, f := range s.cfg.Filters {
		if f.MatchString(line) {
			return true
		}
	}
	return false
}

func (s *Stream) progress() {
	if s.cfg.Progress != nil {
		s.cfg.Progress()
	}
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// deadline returns a timer channel for timeout. A nil channel never fires.
func (s *Stream) deadline(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

func (s *Stream) timeoutError(op string, patterns []Pattern, timeout time.Duration, eof bool) *TimeoutError {
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return &TimeoutError{
		Name:     s.cfg.Name,
		Op:       op,
		Patterns: patternStrings(patterns),
		Buffer:   s.Buffer(),
		Timeout:  timeout,
		EOF:      eof,
	}
}

func pendingPatterns(patterns []Pattern, pending []bool) []Pattern {
	var out []Pattern
	for i, p := range patterns {
		if pending[i] {
			out = append(out, p)
		}
	}
	return out
}
