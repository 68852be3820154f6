package suite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

// eventLog records start and stop events in the order they happen.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// behaviour describes how a fake participant acts.
type behaviour struct {
	notReady bool // never prints its ready lines
	status   int  // exit status when it exits on its own
	hang     bool // never exits on its own
	spawnErr error
}

type fakeController struct {
	log       *eventLog
	behaviour map[string]behaviour

	mu        sync.Mutex
	instances []*fakeInstance
}

func newFakeController(b map[string]behaviour) *fakeController {
	return &fakeController{log: &eventLog{}, behaviour: b}
}

func (c *fakeController) Name() string { return "fake" }
func (c *fakeController) Close() error { return nil }

func (c *fakeController) Start(ctx context.Context, d *process.Descriptor, pc *process.Context) (process.Instance, error) {
	b := c.behaviour[d.Label()]
	if b.spawnErr != nil {
		return nil, &expect.SpawnError{Name: d.Label(), Argv: []string{d.Label()}, Err: b.spawnErr}
	}
	inst := &fakeInstance{
		name:    d.Label(),
		log:     c.log,
		b:       b,
		mapping: d.MappingFor(pc).Name(),
		config:  pc.Config,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.instances = append(c.instances, inst)
	c.mu.Unlock()
	c.log.add("start:%s", d.Label())
	return inst, nil
}

func (c *fakeController) all() []*fakeInstance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeInstance(nil), c.instances...)
}

func (c *fakeController) running() []string {
	var out []string
	for _, inst := range c.all() {
		if inst.Running() {
			out = append(out, inst.name)
		}
	}
	return out
}

type fakeInstance struct {
	name    string
	log     *eventLog
	b       behaviour
	mapping string
	config  *config.Configuration

	mu     sync.Mutex
	status int
	killed bool
	sent   []string
	done   chan struct{}
}

func (f *fakeInstance) exit(status int, killed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.status = status
	f.killed = killed
	close(f.done)
	f.log.add("stop:%s", f.name)
}

func (f *fakeInstance) Name() string { return f.name }

func (f *fakeInstance) Expect(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (int, error) {
	return 0, nil
}

func (f *fakeInstance) ExpectAll(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (string, error) {
	if !f.b.notReady {
		return f.name + " ready\n", nil
	}
	select {
	case <-time.After(timeout):
		return "", &expect.TimeoutError{Name: f.name, Op: "expect all", Timeout: timeout}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeInstance) SendLine(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeInstance) Kill(sig expect.Signal) error {
	if sig == expect.SignalKill {
		f.exit(-9, true)
		return nil
	}
	f.log.add("signal:%s", f.name)
	if !f.b.hang {
		f.exit(f.b.status, false)
	}
	return nil
}

func (f *fakeInstance) Terminate() (int, error) {
	f.exit(-9, true)
	return f.Wait(context.Background(), time.Second)
}

func (f *fakeInstance) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if !f.b.hang {
		f.exit(f.b.status, false)
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

func (f *fakeInstance) Finish(success bool) string {
	if success {
		return ""
	}
	return "/tmp/traces/" + f.name + ".log"
}

func (f *fakeInstance) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeInstance) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// countingRecorder counts Recorder callbacks.
type countingRecorder struct {
	mu       sync.Mutex
	started  int
	stopped  int
	timeouts int
	finished map[string]bool
}

func (r *countingRecorder) ProcessStarted(string, mapping.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started++
}

func (r *countingRecorder) ProcessStopped(string, mapping.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped++
}

func (r *countingRecorder) ExpectTimeout(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts++
}

func (r *countingRecorder) TestFinished(path string, passed bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = make(map[string]bool)
	}
	r.finished[path] = passed
}

func testRunContext(ctl process.Controller) *RunContext {
	logger := logging.Discard()
	return &RunContext{
		Process: &process.Context{
			Mapping: mapping.New(mapping.Cpp),
			Config:  config.NewConfiguration(),
			Timeouts: process.Timeouts{
				Ready:  200 * time.Millisecond,
				Client: 2 * time.Second,
				Stop:   2 * time.Second,
				Expect: time.Second,
			},
			Logger: logger,
		},
		Route:  Static(ctl),
		Logger: logger,
	}
}

func clientServer(name string, servers []string, clients []string) *TestCase {
	tc := &TestCase{Name: name}
	for _, s := range servers {
		tc.Servers = append(tc.Servers, process.NewServer(s))
	}
	for _, c := range clients {
		tc.Clients = append(tc.Clients, process.NewClient(c))
	}
	return tc
}
