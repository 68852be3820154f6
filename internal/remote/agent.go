package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
)

// drainTimeout bounds how long the agent waits for a child's last output
// after it exited.
const drainTimeout = 2 * time.Second

// AgentConfig configures an Agent.
type AgentConfig struct {
	// Identity is the stable id reported on ping. Empty generates one.
	Identity string
	Version  string

	// Dir is the working directory for children that do not name one.
	Dir string

	GracePeriod time.Duration
	Logger      *slog.Logger
}

// Agent is the process-controller service. It runs commands on behalf of a
// remote Controller and relays their output.
type Agent struct {
	cfg      AgentConfig
	logger   *slog.Logger
	registry *expect.Registry
	upgrader websocket.Upgrader

	metrics   *prometheus.Registry
	processes prometheus.Gauge
	started   prometheus.Counter

	router *mux.Router
	server *http.Server
}

// NewAgent creates an agent and its routes.
func NewAgent(cfg AgentConfig) *Agent {
	if cfg.Identity == "" {
		cfg.Identity = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = expect.DefaultGracePeriod
	}

	a := &Agent{
		cfg:      cfg,
		logger:   cfg.Logger,
		registry: expect.NewRegistry("agent", cfg.Logger),
		metrics:  prometheus.NewRegistry(),
		processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "procctl_agent_processes",
			Help: "Processes currently running under the agent",
		}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "procctl_agent_started_total",
			Help: "Processes started by the agent",
		}),
	}
	a.metrics.MustRegister(a.processes, a.started)

	r := mux.NewRouter()
	r.HandleFunc("/v1/ping", a.handlePing).Methods("GET")
	r.HandleFunc("/v1/ws", a.handleSession).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", healthHandler).Methods("GET")
	a.router = r
	return a
}

// Handler returns the agent's HTTP routes.
func (a *Agent) Handler() http.Handler { return a.router }

// Identity returns the id reported on ping.
func (a *Agent) Identity() string { return a.cfg.Identity }

// ListenAndServe serves until ctx is cancelled, then kills every child.
func (a *Agent) ListenAndServe(ctx context.Context, addr string) error {
	a.server = &http.Server{
		Addr:        addr,
		Handler:     a.router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("agent_listening", "addr", addr, "identity", a.cfg.Identity)
		errCh <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		a.Shutdown()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Shutdown()
	return a.server.Shutdown(shutdownCtx)
}

// Shutdown kills every child of every session.
func (a *Agent) Shutdown() int {
	n := a.registry.Shutdown()
	if n > 0 {
		a.logger.Warn("agent_shutdown_killed", "processes", n)
	}
	return n
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (a *Agent) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PingResponse{Identity: a.cfg.Identity, Version: a.cfg.Version})
}

func (a *Agent) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("agent_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := &session{
		agent:    a,
		ws:       ws,
		logger:   a.logger.With("session", r.RemoteAddr),
		registry: a.registry.Partition(r.RemoteAddr),
		procs:    make(map[string]*expect.Channel),
	}
	s.serve()
}

// session is one driver connection. Its children die with it.
type session struct {
	agent    *Agent
	ws       *websocket.Conn
	logger   *slog.Logger
	registry *expect.Registry

	writeMu sync.Mutex

	mu    sync.Mutex
	procs map[string]*expect.Channel
	wg    sync.WaitGroup
}

func (s *session) serve() {
	s.logger.Info("session_opened")
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		if n := s.registry.Shutdown(); n > 0 {
			s.logger.Warn("session_closed_killed", "processes", n)
		}
		s.wg.Wait()
		s.ws.Close()
		s.logger.Info("session_closed")
	}()

	for {
		var m Message
		if err := s.ws.ReadJSON(&m); err != nil {
			return
		}
		switch m.Op {
		case OpStart:
			s.start(ctx, m)
		case OpInput:
			if ch := s.lookup(m.ID); ch != nil {
				if err := ch.SendLine(trimNewline(m.Data)); err != nil {
					s.send(Message{Op: OpError, ID: m.ID, Message: err.Error()})
				}
			}
		case OpSignal:
			if ch := s.lookup(m.ID); ch != nil {
				if err := ch.Kill(expect.Signal(m.Signal)); err != nil {
					s.send(Message{Op: OpError, ID: m.ID, Message: err.Error()})
				}
			}
		default:
			s.send(Message{Op: OpError, ID: m.ID, Message: "unknown op " + m.Op})
		}
	}
}

func (s *session) start(ctx context.Context, m Message) {
	dir := m.Dir
	if dir == "" {
		dir = s.agent.cfg.Dir
	}
	ch, err := expect.Spawn(expect.Options{
		Name:        m.ID,
		Argv:        m.Argv,
		Env:         envList(m.Env),
		Dir:         dir,
		Runtime:     expect.Runtime(m.Runtime),
		Raw:         &frameWriter{s: s, id: m.ID},
		Registry:    s.registry,
		Logger:      s.logger,
		GracePeriod: s.agent.cfg.GracePeriod,
	})
	if err != nil {
		s.logger.Warn("spawn_failed", "id", m.ID, "argv", m.Argv, "error", err)
		s.send(Message{Op: OpError, ID: m.ID, Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.procs[m.ID] = ch
	s.mu.Unlock()
	s.agent.started.Inc()
	s.agent.processes.Inc()
	s.logger.Info("process_started", "id", m.ID, "pid", ch.Pid(), "argv", m.Argv)

	s.send(Message{Op: OpStarted, ID: m.ID, Pid: ch.Pid()})

	s.wg.Add(1)
	go s.watch(ctx, m.ID, ch)
}

// watch reports exit once the child's output is fully relayed.
func (s *session) watch(ctx context.Context, id string, ch *expect.Channel) {
	defer s.wg.Done()
	<-ch.Done()
	ch.Expect(ctx, drainTimeout, expect.EOF)
	status, _ := ch.Wait(ctx, -1)

	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	s.agent.processes.Dec()

	s.logger.Info("process_exited", "id", id, "status", status)
	s.send(Message{Op: OpExit, ID: id, Status: status})
}

func (s *session) lookup(id string) *expect.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.procs[id]
	if ch == nil {
		s.logger.Debug("unknown_process", "id", id)
	}
	return ch
}

func (s *session) send(m Message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteJSON(m); err != nil {
		s.logger.Debug("session_write_failed", "op", m.Op, "error", err)
	}
}

// frameWriter turns raw output chunks into output frames.
type frameWriter struct {
	s  *session
	id string
}

func (w *frameWriter) Write(p []byte) (int, error) {
	w.s.send(Message{Op: OpOutput, ID: w.id, Data: string(p)})
	return len(p), nil
}

var _ io.Writer = (*frameWriter)(nil)

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func trimNewline(s string) string {
	if n := len(s); n > 0 && s[n-1] == '\n' {
		return s[:n-1]
	}
	return s
}
