package driver

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
)

// behaviour describes how a fake participant acts, keyed by descriptor name.
type behaviour struct {
	status int  // exit status when it exits on its own
	hang   bool // runs until killed or the context ends
}

type fakeController struct {
	behaviour map[string]behaviour

	// started receives every participant name as it starts.
	started chan string

	mu        sync.Mutex
	instances []*fakeInstance
}

func newFakeController(b map[string]behaviour) *fakeController {
	return &fakeController{behaviour: b, started: make(chan string, 64)}
}

func (c *fakeController) Name() string { return "fake" }
func (c *fakeController) Close() error { return nil }

func (c *fakeController) Start(ctx context.Context, d *process.Descriptor, pc *process.Context) (process.Instance, error) {
	inst := &fakeInstance{
		name: d.Name,
		b:    c.behaviour[d.Name],
		reg:  pc.Registry,
		done: make(chan struct{}),
	}
	if inst.reg != nil {
		inst.reg.Register(inst)
	}
	c.mu.Lock()
	c.instances = append(c.instances, inst)
	c.mu.Unlock()
	select {
	case c.started <- d.Name:
	default:
	}
	return inst, nil
}

func (c *fakeController) running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, inst := range c.instances {
		if inst.Running() {
			out = append(out, inst.name)
		}
	}
	return out
}

func (c *fakeController) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

type fakeInstance struct {
	name string
	b    behaviour
	reg  *expect.Registry

	once   sync.Once
	mu     sync.Mutex
	status int
	done   chan struct{}
}

func (f *fakeInstance) exit(status int) {
	f.once.Do(func() {
		f.mu.Lock()
		f.status = status
		f.mu.Unlock()
		close(f.done)
		if f.reg != nil {
			f.reg.Unregister(f)
		}
	})
}

func (f *fakeInstance) Name() string { return f.name }

func (f *fakeInstance) Expect(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (int, error) {
	return 0, nil
}

func (f *fakeInstance) ExpectAll(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (string, error) {
	return f.name + " ready\n", nil
}

func (f *fakeInstance) SendLine(string) error { return nil }

func (f *fakeInstance) Kill(sig expect.Signal) error {
	if sig == expect.SignalKill {
		f.exit(-9)
		return nil
	}
	f.exit(f.b.status)
	return nil
}

func (f *fakeInstance) Terminate() (int, error) {
	f.exit(-9)
	return f.Wait(context.Background(), time.Second)
}

func (f *fakeInstance) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if !f.b.hang {
		f.exit(f.b.status)
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.status, nil
	case <-timer:
		return -1, &expect.TimeoutError{Name: f.name, Op: "wait", Timeout: timeout}
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeInstance) WaitSuccess(ctx context.Context, expected int, timeout time.Duration) error {
	status, err := f.Wait(ctx, timeout)
	if err != nil {
		return err
	}
	if status != expected {
		return &expect.UnexpectedExitStatusError{Name: f.name, Expected: expected, Actual: status}
	}
	return nil
}

func (f *fakeInstance) Running() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeInstance) Output() string           { return "" }
func (f *fakeInstance) RecentLines(int) []string { return nil }
func (f *fakeInstance) Finish(bool) string       { return "" }

// fakeSource serves suites per mapping name.
type fakeSource map[string][]*suite.TestSuite

func (f fakeSource) Suites(m *mapping.Mapping) []*suite.TestSuite { return f[m.Name()] }

// clientServerSuite declares a suite with one server/client case per name.
// Participants are called "<case>-server" and "<case>-client".
func clientServerSuite(t *testing.T, m *mapping.Mapping, id string, cases ...string) *suite.TestSuite {
	t.Helper()
	var tcs []*suite.TestCase
	for _, name := range cases {
		tcs = append(tcs, &suite.TestCase{
			Name:    name,
			Servers: []*process.Descriptor{process.NewServer(name + "-server")},
			Clients: []*process.Descriptor{process.NewClient(name + "-client")},
		})
	}
	s, err := suite.NewTestSuite(id, m, tcs...)
	require.NoError(t, err)
	return s
}

func testOptions() *config.Options {
	opts := config.DefaultOptions()
	opts.SkipPreflight = true
	opts.HistoryPath = ""
	opts.ReadyTimeout = 2 * time.Second
	opts.ClientTimeout = 5 * time.Second
	opts.ServerStopTimeout = 2 * time.Second
	return opts
}

type testDriver struct {
	*Driver
	ctl     *fakeController
	out     *lockedBuffer
	signals chan os.Signal
}

func newTestDriver(t *testing.T, opts *config.Options, src fakeSource, b map[string]behaviour) *testDriver {
	t.Helper()
	td := &testDriver{
		ctl:     newFakeController(b),
		out:     &lockedBuffer{},
		signals: make(chan os.Signal, 2),
	}
	d, err := New(Config{
		Options:  opts,
		Suites:   src,
		Mappings: []*mapping.Mapping{mapping.New(mapping.Cpp)},
		Version:  "test",
		Out:      td.out,
		Logger:   logging.Discard(),
		Local:    td.ctl,
		Signals:  td.signals,
	})
	require.NoError(t, err)
	td.Driver = d
	return td
}

// lockedBuffer is a goroutine-safe output sink.
type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
