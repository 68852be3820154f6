// Package process describes test participants and the controllers that run
// them.
package process

import (
	"context"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
)

// Controller turns a descriptor into a running instance. Implementations must
// honour the same readiness and termination contract, so test cases do not
// care where a participant runs.
type Controller interface {
	// Start launches d. It does not wait for readiness.
	Start(ctx context.Context, d *Descriptor, pc *Context) (Instance, error)

	// Name returns a human-readable name for this controller type.
	Name() string

	// Close releases controller resources. Running instances are not touched.
	Close() error
}

// Instance is a live participant. It is owned by the test case that started
// it and must not be reused after Terminate or a successful Wait.
type Instance interface {
	Name() string
	Expect(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (int, error)
	ExpectAll(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (string, error)
	SendLine(text string) error
	Kill(sig expect.Signal) error
	Terminate() (int, error)
	Wait(ctx context.Context, timeout time.Duration) (int, error)
	WaitSuccess(ctx context.Context, expected int, timeout time.Duration) error
	Running() bool
	Output() string
	RecentLines(n int) []string

	// Finish ends the instance's bookkeeping. On success the trace file is
	// removed; on failure its path is returned so it can be reported.
	Finish(success bool) string
}

