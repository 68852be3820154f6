package process

import (
	"io"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/watchdog"
)

// Timeouts bounds the blocking steps of a test case.
type Timeouts struct {
	Ready  time.Duration
	Client time.Duration
	Stop   time.Duration
	// Expect is the default for Expect calls made by test scripts.
	Expect time.Duration
}

// Context is the run state a descriptor is resolved against. Child contexts
// keep a pointer to their parent.
type Context struct {
	Parent *Context

	Mapping  *mapping.Mapping
	Config   *config.Configuration
	TestPath string
	Dir      string
	CertsDir string

	// Props and Env apply to every participant.
	Props map[string]string
	Env   map[string]string

	Timeouts Timeouts

	Watchdog  *watchdog.Handle
	Registry  *expect.Registry
	ExitTable *expect.ExitTable
	Logger    *slog.Logger

	// Echo receives participant output line by line.
	Echo     io.Writer
	Debug    bool
	TraceDir string
	Valgrind bool
}

// Child returns a context for running participants of m under this one.
// The configuration follows CloneFor: the child keeps m's defaults except for
// axes the user pinned.
func (c *Context) Child(m *mapping.Mapping, testPath string) *Context {
	child := *c
	child.Parent = c
	if m != nil {
		child.Mapping = m
		child.Config = c.Config.CloneFor(m.Defaults)
	} else {
		child.Config = c.Config.Clone()
	}
	if testPath != "" {
		child.TestPath = testPath
	}
	return &child
}

// Root returns the outermost context.
func (c *Context) Root() *Context {
	for c.Parent != nil {
		c = c.Parent
	}
	return c
}

// Depth is the number of ancestors.
func (c *Context) Depth() int {
	n := 0
	for p := c.Parent; p != nil; p = p.Parent {
		n++
	}
	return n
}

func (c *Context) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Context) progress() func() {
	if c.Watchdog == nil {
		return nil
	}
	return c.Watchdog.Reset
}
