package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

var errConnectionLost = errors.New("agent connection lost")

// Config configures a remote Controller.
type Config struct {
	Variant   Variant
	Discovery *Discovery

	// GracePeriod bounds each step of Terminate.
	GracePeriod time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Controller runs participants through a process-controller agent. It
// connects lazily on the first Start and reconnects after a dropped
// connection.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *agentConn
}

// NewController creates a remote controller.
func NewController(cfg Config) *Controller {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = expect.DefaultGracePeriod
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: cfg.Logger}
}

// Name returns "remote/<variant>".
func (c *Controller) Name() string { return "remote/" + c.cfg.Variant.String() }

// Variant returns the agent flavour this controller talks to.
func (c *Controller) Variant() Variant { return c.cfg.Variant }

// Close drops the agent connection. Processes still running on the agent are
// killed by the agent when it notices.
func (c *Controller) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.close()
}

// Start resolves d and asks the agent to run it. A dropped connection gets
// one restart-and-retry cycle.
func (c *Controller) Start(ctx context.Context, d *process.Descriptor, pc *process.Context) (process.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := d.Resolve(pc, nil)
	if err != nil {
		return nil, err
	}

	inst, err := c.start(ctx, cmd, pc)
	if errors.Is(err, errConnectionLost) {
		c.logger.Warn("agent_connection_lost", "controller", c.Name(), "process", cmd.Name)
		c.drop()
		if rerr := c.cfg.Discovery.Restart(ctx); rerr != nil {
			c.logger.Warn("agent_restart_failed", "controller", c.Name(), "error", rerr)
		}
		inst, err = c.start(ctx, cmd, pc)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (c *Controller) start(ctx context.Context, cmd *process.Command, pc *process.Context) (*remoteInstance, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	logger := c.logger.With("test", pc.TestPath, "role", cmd.Role.String())
	inst := newRemoteInstance(uuid.NewString(), cmd, conn, pc, c.cfg.GracePeriod, logger)
	reply := conn.expectReply(inst)

	err = conn.send(Message{
		Op:      OpStart,
		ID:      inst.id,
		Argv:    cmd.Argv,
		Env:     envMap(cmd.Env),
		Dir:     cmd.Dir,
		Runtime: string(cmd.Runtime),
	})
	if err != nil {
		conn.forget(inst.id)
		return nil, errConnectionLost
	}

	select {
	case m, ok := <-reply:
		if !ok {
			return nil, errConnectionLost
		}
		if m.Op == OpError {
			conn.forget(inst.id)
			return nil, &expect.SpawnError{Name: cmd.Name, Argv: cmd.Argv, Err: errors.New(m.Message)}
		}
		inst.started(m.Pid)
		logger.Info("process_started",
			"process", cmd.Name,
			"pid", m.Pid,
			"controller", c.Name(),
		)
		return inst, nil
	case <-ctx.Done():
		conn.forget(inst.id)
		return nil, ctx.Err()
	}
}

func (c *Controller) connect(ctx context.Context) (*agentConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.isClosed() {
		return c.conn, nil
	}

	ep, err := c.cfg.Discovery.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	u := url.URL{Scheme: "ws", Host: ep.Address, Path: "/v1/ws"}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent %s: %w", ep.Address, err)
	}
	c.logger.Debug("agent_connected", "endpoint", ep.Address, "identity", ep.Identity)
	c.conn = newAgentConn(ws, c.logger)
	return c.conn, nil
}

func (c *Controller) drop() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// agentConn multiplexes instances over one websocket.
type agentConn struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]chan Message
	instances map[string]*remoteInstance
	closed    chan struct{}
	closeOnce sync.Once
}

func newAgentConn(ws *websocket.Conn, logger *slog.Logger) *agentConn {
	c := &agentConn{
		ws:        ws,
		logger:    logger,
		pending:   make(map[string]chan Message),
		instances: make(map[string]*remoteInstance),
		closed:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// expectReply registers inst before its start frame goes out so no output
// is lost.
func (c *agentConn) expectReply(inst *remoteInstance) <-chan Message {
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[inst.id] = ch
	c.instances[inst.id] = inst
	c.mu.Unlock()
	return ch
}

func (c *agentConn) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.instances, id)
	c.mu.Unlock()
}

func (c *agentConn) send(m Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return errConnectionLost
	}
	return c.ws.WriteJSON(m)
}

func (c *agentConn) readLoop() {
	defer c.shutdown()
	for {
		var m Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if !c.isClosed() {
				c.logger.Debug("agent_read_failed", "error", err)
			}
			return
		}
		c.dispatch(m)
	}
}

func (c *agentConn) dispatch(m Message) {
	c.mu.Lock()
	inst := c.instances[m.ID]
	reply, waiting := c.pending[m.ID]
	switch m.Op {
	case OpStarted:
		delete(c.pending, m.ID)
	case OpError:
		delete(c.pending, m.ID)
		if !waiting {
			delete(c.instances, m.ID)
		}
	case OpExit:
		delete(c.instances, m.ID)
	}
	c.mu.Unlock()

	switch m.Op {
	case OpStarted, OpError:
		if waiting {
			reply <- m
			return
		}
		if m.Op == OpError && inst != nil {
			inst.logger.Warn("agent_error", "process", inst.name, "message", m.Message)
		}
	case OpOutput:
		if inst != nil {
			inst.stream.Write([]byte(m.Data))
		}
	case OpExit:
		if inst != nil {
			inst.exited(m.Status)
		}
	default:
		c.logger.Debug("agent_unknown_op", "op", m.Op, "id", m.ID)
	}
}

// shutdown fails every waiter and marks live instances as lost.
func (c *agentConn) shutdown() {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	pending := c.pending
	instances := c.instances
	c.pending = make(map[string]chan Message)
	c.instances = make(map[string]*remoteInstance)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, inst := range instances {
		inst.lost()
	}
}

func (c *agentConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *agentConn) close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// remoteInstance is a participant running on an agent. It honours the same
// contract as a local child: a signed exit status, exit-table normalization,
// registry membership.
type remoteInstance struct {
	id      string
	name    string
	runtime expect.Runtime
	conn    *agentConn

	stream    *expect.Stream
	output    *logging.OutputHandler
	registry  *expect.Registry
	exitTable *expect.ExitTable
	grace     time.Duration
	logger    *slog.Logger
	defTime   time.Duration

	done     chan struct{}
	doneOnce sync.Once

	// regMu orders registration against exit so an exit frame that beats
	// the started reply never leaves a stale registry entry.
	regMu    sync.Mutex
	finished bool

	mu     sync.Mutex
	pid    int
	status int
	sent   expect.Signal
}

func newRemoteInstance(id string, cmd *process.Command, conn *agentConn, pc *process.Context, grace time.Duration, logger *slog.Logger) *remoteInstance {
	output := logging.NewOutputHandler(cmd.Name, logger, pc.Debug)
	var progress func()
	if pc.Watchdog != nil {
		progress = pc.Watchdog.Reset
	}
	cfg := expect.StreamConfig{
		Name:           cmd.Name,
		Echo:           pc.Echo,
		Quiet:          cmd.Quiet,
		Filters:        cmd.Filters,
		Progress:       progress,
		Output:         output,
		DefaultTimeout: pc.Timeouts.Expect,
	}
	exitTable := pc.ExitTable
	if exitTable == nil {
		exitTable = expect.DefaultExitTable()
	}
	timeout := pc.Timeouts.Expect
	if timeout == 0 {
		timeout = expect.DefaultTimeout
	}
	return &remoteInstance{
		id:        id,
		name:      cmd.Name,
		runtime:   cmd.Runtime,
		conn:      conn,
		stream:    expect.NewStream(cfg),
		output:    output,
		registry:  pc.Registry,
		exitTable: exitTable,
		grace:     grace,
		logger:    logger,
		defTime:   timeout,
		done:      make(chan struct{}),
		status:    -1,
	}
}

func (i *remoteInstance) started(pid int) {
	i.mu.Lock()
	i.pid = pid
	i.mu.Unlock()

	i.regMu.Lock()
	defer i.regMu.Unlock()
	if i.registry != nil && !i.finished {
		i.registry.Register(i)
	}
}

func (i *remoteInstance) exited(status int) {
	i.doneOnce.Do(func() {
		i.mu.Lock()
		i.status = status
		i.mu.Unlock()
		i.stream.Close()
		i.regMu.Lock()
		i.finished = true
		if i.registry != nil {
			i.registry.Unregister(i)
		}
		i.regMu.Unlock()
		i.logger.Debug("process_exited", "process", i.name, "status", status)
		close(i.done)
	})
}

func (i *remoteInstance) lost() {
	if i.Running() {
		i.logger.Warn("process_lost", "process", i.name, "reason", "agent connection closed")
	}
	i.exited(-1)
}

func (i *remoteInstance) Name() string { return i.name }

// Pid is the process ID on the agent's host.
func (i *remoteInstance) Pid() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pid
}

func (i *remoteInstance) Expect(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (int, error) {
	return i.stream.Expect(ctx, timeout, patterns...)
}

func (i *remoteInstance) ExpectAll(ctx context.Context, timeout time.Duration, patterns ...expect.Pattern) (string, error) {
	return i.stream.ExpectAll(ctx, timeout, patterns...)
}

func (i *remoteInstance) SendLine(text string) error {
	if !i.Running() {
		return expect.ErrClosed
	}
	if err := i.conn.send(Message{Op: OpInput, ID: i.id, Data: text + "\n"}); err != nil {
		return fmt.Errorf("%s: send line: %w", i.name, err)
	}
	return nil
}

func (i *remoteInstance) Kill(sig expect.Signal) error {
	if !i.Running() {
		return nil
	}
	i.mu.Lock()
	i.sent = sig
	i.mu.Unlock()
	if err := i.conn.send(Message{Op: OpSignal, ID: i.id, Signal: string(sig)}); err != nil {
		if errors.Is(err, errConnectionLost) {
			return nil
		}
		return fmt.Errorf("%s: signal: %w", i.name, err)
	}
	return nil
}

func (i *remoteInstance) Terminate() (int, error) {
	if !i.Running() {
		return i.result(), nil
	}
	if err := i.Kill(expect.SignalInterrupt); err != nil {
		i.logger.Debug("interrupt_failed", "process", i.name, "error", err)
	}
	select {
	case <-i.done:
		return i.result(), nil
	case <-time.After(i.grace):
	}

	i.logger.Warn("force_killing_process", "process", i.name, "pid", i.Pid())
	if err := i.Kill(expect.SignalKill); err != nil {
		return -1, err
	}
	select {
	case <-i.done:
		return i.result(), nil
	case <-time.After(i.grace):
		return -1, &expect.TimeoutError{Name: i.name, Op: "terminate", Timeout: i.grace}
	}
}

func (i *remoteInstance) Wait(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout == 0 {
		timeout = i.defTime
	}
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-i.done:
		return i.result(), nil
	case <-timer:
		return -1, &expect.TimeoutError{Name: i.name, Op: "wait", Timeout: timeout, Buffer: i.stream.Buffer()}
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (i *remoteInstance) WaitSuccess(ctx context.Context, expected int, timeout time.Duration) error {
	status, err := i.Wait(ctx, timeout)
	if err != nil {
		return err
	}
	i.mu.Lock()
	sent := i.sent
	i.mu.Unlock()

	want := i.exitTable.Expected(i.runtime, sent, expected)
	if status != want {
		return &expect.UnexpectedExitStatusError{
			Name:     i.name,
			Expected: want,
			Actual:   status,
			Tail:     i.output.RecentLines(10),
		}
	}
	return nil
}

func (i *remoteInstance) Running() bool {
	select {
	case <-i.done:
		return false
	default:
		return true
	}
}

func (i *remoteInstance) Output() string             { return i.stream.Output() }
func (i *remoteInstance) RecentLines(n int) []string { return i.output.RecentLines(n) }

// Finish has nothing to clean up locally; traces stay on the agent's host.
func (i *remoteInstance) Finish(success bool) string { return "" }

func (i *remoteInstance) result() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// envMap turns KEY=VALUE pairs back into the wire's map form.
func envMap(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
