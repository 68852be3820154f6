package suite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

// killWait bounds the reap after a forced kill.
const killWait = 10 * time.Second

var (
	// ErrInterrupted marks a case or suite stopped by an external interrupt.
	ErrInterrupted = errors.New("interrupted")

	// ErrAborted is returned by a suite that stopped at its first failure.
	ErrAborted = errors.New("aborted after failure")
)

// Hook runs before or after a case with the case's process context.
type Hook func(ctx context.Context, pc *process.Context) error

// Interaction drives a running client before its exit status is checked.
type Interaction func(ctx context.Context, pc *process.Context, d *process.Descriptor, inst process.Instance) error

// TestCase is one scenario: servers started in order, clients run in order,
// servers stopped in reverse. Children run after the clients while the
// servers are still up, each under a context parented to this one.
type TestCase struct {
	Name     string
	Servers  []*process.Descriptor
	Clients  []*process.Descriptor
	Children []*TestCase

	// Mapping runs the case under a different mapping. The configuration
	// follows Configuration.CloneFor.
	Mapping *mapping.Mapping

	// Options restricts the configurations the case runs under. Nil runs
	// under every configuration.
	Options map[config.Axis][]string

	Setup    Hook
	Teardown Hook
	Interact Interaction
}

// Applies reports whether the case runs under cfg.
func (tc *TestCase) Applies(cfg *config.Configuration) bool {
	return tc.Options == nil || cfg.Matches(tc.Options)
}

// Recorder observes test case execution. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ProcessStarted(controller string, role mapping.Role)
	ProcessStopped(controller string, role mapping.Role)
	ExpectTimeout(path string)
	TestFinished(path string, passed bool, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ProcessStarted(string, mapping.Role)      {}
func (nopRecorder) ProcessStopped(string, mapping.Role)      {}
func (nopRecorder) ExpectTimeout(string)                     {}
func (nopRecorder) TestFinished(string, bool, time.Duration) {}

// Timings widens a static client timeout for a test path.
type Timings interface {
	Timeout(path string, static time.Duration) time.Duration
}

// Route returns the controller that runs participants of m under cfg.
type Route func(m *mapping.Mapping, cfg *config.Configuration) process.Controller

// Static routes every participant to c.
func Static(c process.Controller) Route {
	return func(*mapping.Mapping, *config.Configuration) process.Controller { return c }
}

// RunContext carries what a case needs beyond its own declaration.
type RunContext struct {
	Process  *process.Context
	Route    Route
	Recorder Recorder
	Timings  Timings
	Logger   *slog.Logger

	// OnState is called on every state transition.
	OnState func(path string, s State)
}

func (rc *RunContext) recorder() Recorder {
	if rc.Recorder == nil {
		return nopRecorder{}
	}
	return rc.Recorder
}

func (rc *RunContext) logger() *slog.Logger {
	if rc.Logger != nil {
		return rc.Logger
	}
	return slog.Default()
}

// CaseError is a failed case with its identifying path and the state it
// failed in. Traces lists preserved trace files.
type CaseError struct {
	Path   string
	State  State
	Err    error
	Traces []string
}

func (e *CaseError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Path, e.State, e.Err)
}

func (e *CaseError) Unwrap() error { return e.Err }

type participant struct {
	d       *process.Descriptor
	inst    process.Instance
	ctl     string
	stopped bool
}

type caseRun struct {
	tc     *TestCase
	rc     *RunContext
	pc     *process.Context
	path   string
	logger *slog.Logger

	state    State
	failed   bool
	failedIn State

	servers []*participant
	clients []*participant
	traces  []string
}

// Run executes the case once. Participants are always stopped before Run
// returns, including on failure and interrupt.
func (tc *TestCase) Run(ctx context.Context, rc *RunContext, path string) error {
	pc := rc.Process.Child(tc.Mapping, path)
	r := &caseRun{
		tc:     tc,
		rc:     rc,
		pc:     pc,
		path:   path,
		logger: rc.logger().With("test", path),
	}
	r.set(StateCreated)

	err := r.run(ctx)
	r.set(StateDone)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && !errors.Is(err, ErrInterrupted) {
		err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	var ce *CaseError
	if errors.As(err, &ce) {
		// A child failed; it already carries its own path.
		ce.Traces = append(ce.Traces, r.traces...)
		return err
	}
	return &CaseError{Path: path, State: r.failedIn, Err: err, Traces: r.traces}
}

func (r *caseRun) run(ctx context.Context) (err error) {
	defer func() {
		if h := r.tc.Teardown; h != nil {
			if terr := h(context.WithoutCancel(ctx), r.pc); terr != nil && err == nil {
				err = r.fail(fmt.Errorf("teardown: %w", terr))
			}
		}
	}()
	if h := r.tc.Setup; h != nil {
		if err := h(ctx, r.pc); err != nil {
			return r.fail(fmt.Errorf("setup: %w", err))
		}
	}

	err = r.startServers(ctx)
	if err == nil {
		err = r.runClients(ctx)
	}
	if err == nil {
		err = r.runChildren(ctx)
	}
	if err != nil {
		r.fail(err)
	}

	if serr := r.stopServers(ctx, err == nil); serr != nil && err == nil {
		err = r.fail(serr)
	}
	r.finish(err == nil)
	return err
}

func (r *caseRun) fail(err error) error {
	if !r.failed {
		r.failed = true
		r.failedIn = r.state
	}
	return err
}

func (r *caseRun) set(s State) {
	r.state = s
	if r.pc.Watchdog != nil {
		r.pc.Watchdog.Reset()
	}
	r.logger.Debug("test_state", "state", s.String())
	if r.rc.OnState != nil {
		r.rc.OnState(r.path, s)
	}
}

// contextFor returns the context d runs under. A participant from another
// mapping keeps its own defaults but shares the case's wire axes.
func (r *caseRun) contextFor(d *process.Descriptor) *process.Context {
	if d.Mapping == nil || d.Mapping == r.pc.Mapping {
		return r.pc
	}
	pc := r.pc.Child(d.Mapping, "")
	pc.Config = r.pc.Config.PeerFor(d.Mapping.Defaults)
	return pc
}

func (r *caseRun) start(ctx context.Context, d *process.Descriptor) (*participant, error) {
	pc := r.contextFor(d)
	ctl := r.rc.Route(d.MappingFor(pc), pc.Config)
	if ctl == nil {
		return nil, fmt.Errorf("%s: no controller", d.Label())
	}
	inst, err := ctl.Start(ctx, d, pc)
	if err != nil {
		return nil, err
	}
	r.rc.recorder().ProcessStarted(ctl.Name(), d.Role)
	return &participant{d: d, inst: inst, ctl: ctl.Name()}, nil
}

func (r *caseRun) startServers(ctx context.Context) error {
	if len(r.tc.Servers) == 0 {
		return nil
	}
	r.set(StateServersStarting)
	for _, d := range r.tc.Servers {
		p, err := r.start(ctx, d)
		if err != nil {
			return err
		}
		r.servers = append(r.servers, p)

		if err := process.WaitReady(ctx, p.inst, d, r.pc.Config.MX(), r.pc.Timeouts.Ready); err != nil {
			r.observe(err)
			return err
		}
		r.logger.Info("server_ready", "server", d.Label(), "controller", p.ctl)
	}
	r.set(StateServersReady)
	return nil
}

func (r *caseRun) runClients(ctx context.Context) error {
	if len(r.tc.Clients) == 0 {
		return nil
	}
	r.set(StateClientsRunning)
	for _, d := range r.tc.Clients {
		p, err := r.start(ctx, d)
		if err != nil {
			return err
		}
		r.clients = append(r.clients, p)

		if err := r.runClient(ctx, p); err != nil {
			r.observe(err)
			r.kill(p)
			return err
		}
		r.release(p)
		r.logger.Info("client_exited", "client", d.Label())
	}
	return nil
}

func (r *caseRun) runClient(ctx context.Context, p *participant) error {
	if r.tc.Interact != nil {
		if err := r.tc.Interact(ctx, r.pc, p.d, p.inst); err != nil {
			return err
		}
	}
	return p.inst.WaitSuccess(ctx, p.d.ExpectedStatus, r.clientTimeout(p.d))
}

func (r *caseRun) clientTimeout(d *process.Descriptor) time.Duration {
	t := d.Timeout
	if t == 0 {
		t = r.pc.Timeouts.Client
	}
	if r.rc.Timings != nil && t > 0 {
		t = r.rc.Timings.Timeout(r.path, t)
	}
	return t
}

func (r *caseRun) runChildren(ctx context.Context) error {
	for _, child := range r.tc.Children {
		rc := *r.rc
		rc.Process = r.pc
		if err := child.Run(ctx, &rc, r.path+"/"+child.Name); err != nil {
			return err
		}
	}
	return nil
}

// stopServers stops servers in reverse order. graceful waits for each server
// to exit on its own (after an interrupt if the descriptor asks for one);
// otherwise, or once the context is cancelled, servers are killed.
func (r *caseRun) stopServers(ctx context.Context, graceful bool) error {
	if len(r.servers) == 0 {
		return nil
	}
	r.set(StateServersStopping)

	var errs []error
	for i := len(r.servers) - 1; i >= 0; i-- {
		p := r.servers[i]
		if !graceful || ctx.Err() != nil {
			r.kill(p)
			continue
		}
		if err := r.stopServer(ctx, p); err != nil {
			r.observe(err)
			errs = append(errs, err)
			r.kill(p)
		}
	}
	return errors.Join(errs...)
}

func (r *caseRun) stopServer(ctx context.Context, p *participant) error {
	if p.d.Interrupt {
		if err := p.inst.Kill(expect.SignalInterrupt); err != nil {
			return fmt.Errorf("%s: interrupt: %w", p.d.Label(), err)
		}
	}
	if err := p.inst.WaitSuccess(ctx, p.d.ExpectedStatus, r.pc.Timeouts.Stop); err != nil {
		return err
	}
	r.release(p)
	r.logger.Info("server_stopped", "server", p.d.Label())
	return nil
}

// kill force-stops p without a grace period.
func (r *caseRun) kill(p *participant) {
	if p.stopped {
		return
	}
	if p.inst.Running() {
		if err := p.inst.Kill(expect.SignalKill); err != nil {
			r.logger.Warn("participant_kill_failed", "name", p.d.Label(), "error", err)
		}
		if _, err := p.inst.Wait(context.Background(), killWait); err != nil {
			r.logger.Warn("participant_kill_timeout", "name", p.d.Label(), "error", err)
		}
	}
	r.release(p)
	r.logger.Info("participant_killed", "name", p.d.Label(), "role", p.d.Role.String())
}

func (r *caseRun) release(p *participant) {
	if p.stopped {
		return
	}
	p.stopped = true
	r.rc.recorder().ProcessStopped(p.ctl, p.d.Role)
}

func (r *caseRun) observe(err error) {
	if expect.IsTimeout(err) {
		r.rc.recorder().ExpectTimeout(r.path)
	}
}

func (r *caseRun) finish(success bool) {
	all := append(append([]*participant(nil), r.servers...), r.clients...)
	for _, p := range all {
		if tr := p.inst.Finish(success); tr != "" {
			r.traces = append(r.traces, tr)
			r.logger.Warn("trace_preserved", "name", p.d.Label(), "path", tr)
		}
	}
}
