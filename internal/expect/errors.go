package expect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned by SendLine once the child's stdin has been closed.
var ErrClosed = errors.New("channel closed")

// SpawnError reports that a child could not be started.
type SpawnError struct {
	Name string
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Name, strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError reports that an expectation or a wait was not satisfied in time.
// Buffer holds the unconsumed output at the moment of failure.
type TimeoutError struct {
	Name     string
	Op       string
	Patterns []string
	Buffer   string
	Timeout  time.Duration
	EOF      bool
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Name, e.Op)
	if len(e.Patterns) > 0 {
		fmt.Fprintf(&b, " %q", e.Patterns)
	}
	if e.EOF {
		b.WriteString(": end of output reached without a match")
	} else {
		fmt.Fprintf(&b, ": timed out after %s", e.Timeout)
	}
	if e.Buffer != "" {
		fmt.Fprintf(&b, "\nunmatched output:\n%s", e.Buffer)
	}
	return b.String()
}

// UnexpectedExitStatusError reports a child that exited with the wrong status.
type UnexpectedExitStatusError struct {
	Name     string
	Expected int
	Actual   int
	Tail     []string
}

func (e *UnexpectedExitStatusError) Error() string {
	msg := fmt.Sprintf("%s: unexpected exit status: expected %d, got %d", e.Name, e.Expected, e.Actual)
	if len(e.Tail) > 0 {
		msg += "\nlast output:\n  " + strings.Join(e.Tail, "\n  ")
	}
	return msg
}

// IsTimeout reports whether err wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
