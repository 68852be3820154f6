package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/logging"
)

// DefaultGracePeriod bounds each step of Terminate.
const DefaultGracePeriod = 5 * time.Second

// Options describes a child to spawn.
type Options struct {
	Name string
	Argv []string
	Env  []string // KEY=VALUE pairs added to the inherited environment
	Dir  string

	Runtime Runtime

	// Echo receives the child's output line by line unless Quiet is set.
	Echo    io.Writer
	Quiet   bool
	Filters []*regexp.Regexp

	// Raw receives the child's output chunk by chunk, unfiltered.
	Raw io.Writer

	// Progress is called whenever the child makes progress (watchdog reset).
	Progress func()

	Registry  *Registry
	ExitTable *ExitTable
	Logger    *slog.Logger
	Verbose   bool

	DefaultTimeout time.Duration
	GracePeriod    time.Duration
}

// Channel is a running child with stdout and stderr merged into one Stream.
type Channel struct {
	opts   Options
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stream *Stream
	output *logging.OutputHandler
	logger *slog.Logger

	startTime time.Time
	done      chan struct{}
	drained   chan struct{}
	status    int
	waitErr   error

	mu   sync.Mutex
	sent Signal

	stdinMu sync.Mutex
}

// Spawn starts a child and its background reader.
func Spawn(opts Options) (*Channel, error) {
	if opts.Name == "" && len(opts.Argv) > 0 {
		opts.Name = opts.Argv[0]
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.ExitTable == nil {
		opts.ExitTable = DefaultExitTable()
	}
	if len(opts.Argv) == 0 {
		return nil, &SpawnError{Name: opts.Name, Err: errors.New("empty command line")}
	}

	path, err := exec.LookPath(opts.Argv[0])
	if err != nil {
		return nil, &SpawnError{Name: opts.Name, Argv: opts.Argv, Err: err}
	}

	cmd := exec.Command(path, opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	configureProcAttr(cmd)

	// One pipe for both streams keeps stderr ordered with stdout.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Name: opts.Name, Argv: opts.Argv, Err: fmt.Errorf("output pipe: %w", err)}
	}
	cmd.Stdout = w
	cmd.Stderr = w

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Name: opts.Name, Argv: opts.Argv, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	output := logging.NewOutputHandler(opts.Name, opts.Logger, opts.Verbose)
	c := &Channel{
		opts:    opts,
		cmd:     cmd,
		stdin:   stdin,
		output:  output,
		logger:  opts.Logger,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
		stream: NewStream(StreamConfig{
			Name:           opts.Name,
			Echo:           opts.Echo,
			Quiet:          opts.Quiet,
			Filters:        opts.Filters,
			Raw:            opts.Raw,
			Progress:       opts.Progress,
			Output:         output,
			DefaultTimeout: opts.DefaultTimeout,
		}),
	}

	c.startTime = time.Now()
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, &SpawnError{Name: opts.Name, Argv: opts.Argv, Err: err}
	}

	// The child holds its own copy; closing ours lets EOF through when it exits.
	w.Close()

	if opts.Registry != nil {
		opts.Registry.Register(c)
	}

	c.logger.Debug("process_spawned",
		"process", opts.Name,
		"pid", cmd.Process.Pid,
		"argv", opts.Argv,
	)

	go c.readLoop(r)
	go c.waitLoop()

	return c, nil
}

func (c *Channel) readLoop(r *os.File) {
	defer close(c.drained)
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.stream.Write(buf[:n])
		}
		if err != nil {
			c.stream.Close()
			return
		}
	}
}

func (c *Channel) waitLoop() {
	err := c.cmd.Wait()
	status := -1
	if c.cmd.ProcessState != nil {
		status = exitStatus(c.cmd.ProcessState)
	}

	c.mu.Lock()
	c.status = status
	c.waitErr = err
	c.mu.Unlock()

	if c.opts.Registry != nil {
		c.opts.Registry.Unregister(c)
	}

	c.logger.Debug("process_exited",
		"process", c.opts.Name,
		"status", status,
		"uptime", time.Since(c.startTime).String(),
	)
	close(c.done)
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.opts.Name }

// Pid returns the child's process ID.
func (c *Channel) Pid() int { return c.cmd.Process.Pid }

// Runtime returns the runtime the child was declared with.
func (c *Channel) Runtime() Runtime { return c.opts.Runtime }

// Stream exposes the underlying matching engine.
func (c *Channel) Stream() *Stream { return c.stream }

// Output returns everything the child printed so far.
func (c *Channel) Output() string { return c.stream.Output() }

// RecentLines returns up to n of the child's most recent output lines.
func (c *Channel) RecentLines(n int) []string { return c.output.RecentLines(n) }

// Running reports whether the child has not exited yet.
func (c *Channel) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Expect waits for one of patterns. See Stream.Expect.
func (c *Channel) Expect(ctx context.Context, timeout time.Duration, patterns ...Pattern) (int, error) {
	return c.stream.Expect(ctx, timeout, patterns...)
}

// ExpectAll waits for every pattern. See Stream.ExpectAll.
func (c *Channel) ExpectAll(ctx context.Context, timeout time.Duration, patterns ...Pattern) (string, error) {
	return c.stream.ExpectAll(ctx, timeout, patterns...)
}

// SendLine writes text and a newline to the child's stdin.
func (c *Channel) SendLine(text string) error {
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := io.WriteString(c.stdin, text+"\n"); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("%s: send line: %w", c.opts.Name, err)
	}
	return nil
}

// Kill delivers sig to the child's process group. Signalling an exited
// child is a no-op.
func (c *Channel) Kill(sig Signal) error {
	if !c.Running() {
		return nil
	}
	c.mu.Lock()
	c.sent = sig
	c.mu.Unlock()

	err := signalGroup(c.cmd.Process, sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Terminate interrupts the child, waits up to the grace period, then kills it.
// It returns the exit status.
func (c *Channel) Terminate() (int, error) {
	if !c.Running() {
		return c.result()
	}

	if err := c.Kill(SignalInterrupt); err != nil {
		c.logger.Debug("interrupt_failed", "process", c.opts.Name, "error", err)
	}

	select {
	case <-c.done:
		return c.result()
	case <-time.After(c.opts.GracePeriod):
	}

	c.logger.Warn("force_killing_process",
		"process", c.opts.Name,
		"pid", c.cmd.Process.Pid,
	)
	if err := c.Kill(SignalKill); err != nil {
		return -1, fmt.Errorf("%s: kill: %w", c.opts.Name, err)
	}

	select {
	case <-c.done:
		return c.result()
	case <-time.After(c.opts.GracePeriod):
		return -1, &TimeoutError{Name: c.opts.Name, Op: "terminate", Timeout: c.opts.GracePeriod}
	}
}

// Wait blocks until the child exits and returns its signed status: a child
// killed by signal N reports -N.
func (c *Channel) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout == 0 {
		timeout = c.stream.cfg.DefaultTimeout
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-c.done:
		return c.result()
	case <-timer:
		return -1, &TimeoutError{Name: c.opts.Name, Op: "wait", Timeout: timeout, Buffer: c.stream.Buffer()}
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// WaitSuccess waits for exit and checks the status against expected, after
// normalizing it for the signal the driver delivered, if any.
func (c *Channel) WaitSuccess(ctx context.Context, expected int, timeout time.Duration) error {
	status, err := c.Wait(ctx, timeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sent := c.sent
	c.mu.Unlock()

	want := c.opts.ExitTable.Expected(c.opts.Runtime, sent, expected)
	if status != want {
		// Let the reader catch up so the report carries the last lines.
		select {
		case <-c.drained:
		case <-time.After(500 * time.Millisecond):
		}
		return &UnexpectedExitStatusError{
			Name:     c.opts.Name,
			Expected: want,
			Actual:   status,
			Tail:     c.output.RecentLines(10),
		}
	}
	return nil
}

func (c *Channel) result() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}
