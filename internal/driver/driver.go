// Package driver owns a whole interop run: it expands the matrix, runs every
// planned suite through a pool of workers and prints the end-of-run summary.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/history"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/matrix"
	"github.com/randomizedcoder/go-interop-driver/internal/metrics"
	"github.com/randomizedcoder/go-interop-driver/internal/preflight"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
	"github.com/randomizedcoder/go-interop-driver/internal/remote"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
	"github.com/randomizedcoder/go-interop-driver/internal/tui"
	"github.com/randomizedcoder/go-interop-driver/internal/watchdog"
)

const (
	// defaultExpectTimeout bounds Expect calls made by suite steps.
	defaultExpectTimeout = 60 * time.Second

	shutdownTimeout = 10 * time.Second
)

// ErrPreflight is returned when a required preflight check failed.
var ErrPreflight = errors.New("preflight checks failed (use --skip-preflight to override)")

// Config holds what a Driver is built from.
type Config struct {
	Options *config.Options

	// Suites and Mappings come from the catalog and the selection flags.
	Suites   matrix.SuiteSource
	Mappings []*mapping.Mapping
	Cross    []*mapping.Mapping

	Version string

	// Out receives the transcript and the summary. Defaults to stdout.
	Out    io.Writer
	Logger *slog.Logger

	// Local runs participants for --driver=local. Nil uses a LocalController.
	Local process.Controller

	// Registry receives the driver metrics. Nil uses a private registry.
	Registry *prometheus.Registry

	// Interactive is set when a terminal is attached: colors, spinner and
	// the dashboard are allowed.
	Interactive bool

	// Signals, when set, replaces SIGINT/SIGTERM as the interrupt source.
	Signals <-chan os.Signal
}

// Driver coordinates all components for one run.
type Driver struct {
	cfg    Config
	opts   *config.Options
	logger *slog.Logger
	out    *syncWriter
	runID  string

	base      *config.Configuration
	exitTable *expect.ExitTable
	history   *history.Store

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server

	watchdog  *watchdog.Watchdog
	processes *expect.Registry
	local     process.Controller
	router    *remote.Router

	filter    *suite.Filter
	total     int
	// dashboard is set when the live view owns the terminal.
	dashboard bool
	progress  *progress
	startTime time.Time
}

// New creates a Driver. It fails on an invalid base configuration or an
// unreadable exit-status table.
func New(cfg Config) (*Driver, error) {
	if cfg.Options == nil {
		cfg.Options = config.DefaultOptions()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := cfg.Options

	base, err := opts.Configuration()
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}

	exitTable := expect.DefaultExitTable()
	if opts.ExitTable != "" {
		loaded, err := expect.LoadExitTable(opts.ExitTable)
		if err != nil {
			return nil, &config.ConfigurationError{Err: err}
		}
		exitTable = exitTable.Merge(loaded)
	}

	runID := uuid.NewString()
	logger := logging.ForRun(cfg.Logger, runID, 0)

	d := &Driver{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		out:       &syncWriter{w: cfg.Out},
		runID:     runID,
		base:      base,
		exitTable: exitTable,
		registry:  cfg.Registry,
		processes: expect.NewRegistry("driver", logger),
		local:     cfg.Local,
		dashboard: opts.TUIEnabled && cfg.Interactive,
	}

	if opts.HistoryPath != "" {
		store, err := history.Open(opts.HistoryPath)
		if err != nil {
			logger.Warn("history_unavailable", "path", opts.HistoryPath, "error", err)
		} else {
			d.history = store
		}
	}

	if d.registry == nil {
		d.registry = prometheus.NewRegistry()
	}
	d.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: cfg.Version,
		RunID:   runID,
	}, d.registry)
	if opts.MetricsAddr != "" {
		d.metricsServer = metrics.NewServer(opts.MetricsAddr, d.registry, logger)
	}

	// The dashboard owns the terminal; the warning still reaches the log.
	var banner io.Writer = os.Stderr
	if d.dashboard {
		banner = io.Discard
	}
	d.watchdog = watchdog.New(watchdog.Config{
		Interval:   opts.Scale(opts.WatchdogInterval),
		Logger:     logger,
		Out:        banner,
		DumpStacks: opts.CI,
		OnWarn:     func(time.Duration) { d.metrics.WatchdogWarning() },
	})

	if d.local == nil {
		d.local = process.NewLocalController(logger)
	}
	if opts.Remote() {
		d.router = remote.NewRouter(opts, logger)
		if cfg.Interactive && !d.dashboard {
			d.router.Progress = os.Stderr
		}
	}

	return d, nil
}

// RunID identifies this run in logs, metrics and history.
func (d *Driver) RunID() string { return d.runID }

// Metrics returns the metrics collector for external access.
func (d *Driver) Metrics() *metrics.Collector { return d.metrics }

// History returns the history store, nil when disabled.
func (d *Driver) History() *history.Store { return d.history }

// Plan expands the matrix for the configured mappings and filters. The
// --start offset is not applied.
func (d *Driver) Plan() (*matrix.Plan, error) {
	filter, err := suite.NewFilter(d.opts.Filter, d.opts.RFilter)
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}

	if d.opts.RerunFailed {
		failed, err := d.history.LastFailed()
		if err != nil {
			return nil, fmt.Errorf("read last failed tests: %w", err)
		}
		d.logger.Info("rerun_failed", "tests", len(failed))
		filter = filter.WithPaths(failed)
	}
	d.filter = filter

	var axes matrix.Axes
	if d.opts.All {
		axes = matrix.AllAxes()
	}

	return matrix.Expand(matrix.Input{
		Base:     d.base,
		Axes:     axes,
		Mappings: d.cfg.Mappings,
		Cross:    d.cfg.Cross,
		Suites:   d.cfg.Suites,
		Filter:   filter,
		GOOS:     runtime.GOOS,
	}), nil
}

// Run executes the plan. It blocks until every entry ran, the run was
// aborted by a failure, or an interrupt arrived. Test failures are reported
// through the Summary; the error is only set for setup problems, in which
// case the Summary is nil.
func (d *Driver) Run(ctx context.Context) (*stats.Summary, error) {
	d.startTime = time.Now()
	defer d.Close()

	plan, err := d.Plan()
	if err != nil {
		return nil, err
	}
	entries, err := plan.From(d.opts.Start)
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	d.total = len(plan.Entries)

	d.logger.Info("plan_expanded",
		"entries", len(plan.Entries),
		"skipped", len(plan.Skipped),
		"start", d.opts.Start,
		"workers", d.opts.Workers,
	)
	for _, s := range plan.Skipped {
		d.logger.Debug("combination_skipped", "suite", s.Suite, "config", s.Config, "reason", s.Reason)
	}

	// Run preflight checks
	if !d.opts.SkipPreflight {
		result := preflight.RunAll(ctx, preflight.Input{
			Mappings:     d.cfg.Mappings,
			Workers:      d.opts.Workers,
			ProbeTimeout: d.opts.Scale(10 * time.Second),
		})
		if !d.dashboard || !result.Passed {
			preflight.PrintResults(d.out, result)
		}
		if !result.Passed {
			return nil, ErrPreflight
		}
	}

	// Start metrics server
	if d.metricsServer != nil {
		if err := d.metricsServer.Start(); err != nil {
			return nil, fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.metrics.SetPlan(len(entries))
	d.progress = newProgress(len(entries), d.metrics.Active, d.watchdog.Idle)

	sigCh := d.cfg.Signals
	if sigCh == nil {
		ch := make(chan os.Signal, 2)
		signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(ch)
		sigCh = ch
	}
	runDone := make(chan struct{})
	defer close(runDone)
	go d.handleSignals(runDone, sigCh, cancel)

	d.watchdog.Start(ctx)
	defer d.watchdog.Stop()

	var program *tea.Program
	var uiDone chan struct{}
	if d.dashboard {
		program, uiDone = d.startDashboard(ctx, cancel)
	}

	result := d.runEntries(ctx, entries)

	d.progress.complete()
	if program != nil {
		tui.SendSnapshot(program, d.progress.Snapshot())
		tui.SendQuit(program)
		<-uiDone
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if n := d.processes.Shutdown(); n > 0 {
		d.logger.Warn("participants_swept", "count", n)
	}
	d.checkRemoteLeaks(shutdownCtx)

	if d.metricsServer != nil {
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	summary := &stats.Summary{
		Results:     result.results,
		Duration:    time.Since(d.startTime),
		Interrupted: result.interrupted,
		Aborted:     result.aborted && !result.interrupted,
	}
	for _, s := range plan.Skipped {
		summary.Skipped = append(summary.Skipped, s.String())
	}

	d.recordHistory(summary, result)
	d.printExitSummary(summary, result)

	return summary, nil
}

// handleSignals cancels the run on the first signal. A second signal kills
// every registered participant right away.
func (d *Driver) handleSignals(done <-chan struct{}, sigCh <-chan os.Signal, cancel context.CancelFunc) {
	select {
	case sig := <-sigCh:
		d.logger.Info("received_signal", "signal", sig.String())
		d.progress.interrupt()
		cancel()
	case <-done:
		return
	}

	select {
	case sig := <-sigCh:
		n := d.processes.Shutdown()
		d.logger.Warn("forced_sweep", "signal", sig.String(), "killed", n)
	case <-done:
	}
}

// startDashboard runs the live view until the run ends. Quitting the view
// interrupts the run.
func (d *Driver) startDashboard(ctx context.Context, cancel context.CancelFunc) (*tea.Program, chan struct{}) {
	addr := ""
	if d.metricsServer != nil {
		addr = d.metricsServer.Addr()
	}
	model := tui.New(tui.Config{
		MetricsAddr:      addr,
		WatchdogInterval: d.opts.Scale(d.opts.WatchdogInterval),
		Source:           d.progress,
	})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		final, err := program.Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			d.logger.Warn("dashboard_error", "error", err)
		}
		if m, ok := final.(tui.Model); ok && m.Quitting() && !d.progress.Snapshot().Done {
			d.logger.Info("dashboard_quit")
			d.progress.interrupt()
			cancel()
		}
	}()
	return program, done
}

// checkRemoteLeaks asks every remote agent used during the run how many
// processes it still holds.
func (d *Driver) checkRemoteLeaks(ctx context.Context) {
	if d.router == nil {
		return
	}
	for _, c := range d.router.Controllers() {
		n, err := c.Leaked(ctx)
		if err != nil {
			d.logger.Debug("leak_check_failed", "controller", c.Name(), "error", err)
			continue
		}
		if n > 0 {
			d.logger.Warn("remote_processes_leaked", "controller", c.Name(), "count", n)
		}
	}
}

// recordHistory stores per-test durations and the run outcome.
func (d *Driver) recordHistory(summary *stats.Summary, o *outcome) {
	if d.history == nil {
		return
	}
	var failedIDs []string
	for _, f := range summary.Failures() {
		failedIDs = append(failedIDs, f.Path)
	}
	failedSet := make(map[string]bool, len(failedIDs))
	for _, id := range failedIDs {
		failedSet[id] = true
	}

	for _, r := range summary.Results {
		for path, dur := range r.Durations() {
			if err := d.history.Record(path, dur, !failedSet[path]); err != nil {
				d.logger.Warn("history_record_failed", "test", path, "error", err)
				return
			}
		}
	}

	t := summary.Totals()
	err := d.history.AddRun(history.Run{
		ID:        d.runID,
		Started:   d.startTime,
		Finished:  time.Now(),
		Passed:    t.Passed,
		Failed:    t.Failed,
		NotRun:    t.NotRun + o.notStartedCases,
		Workers:   d.opts.Workers,
		FailedIDs: failedIDs,
	})
	if err != nil {
		d.logger.Warn("history_run_failed", "error", err)
	}
}

// printExitSummary prints the run summary and where to resume.
func (d *Driver) printExitSummary(summary *stats.Summary, o *outcome) {
	addr := ""
	if d.metricsServer != nil {
		addr = d.metricsServer.Addr()
	}
	fmt.Fprint(d.out, stats.FormatSummary(summary, stats.SummaryConfig{
		Color:       d.cfg.Interactive,
		ShowSuites:  len(summary.Results) > 1,
		MetricsAddr: addr,
		TraceDir:    d.opts.TraceDir,
	}))

	if o.resumeAt > 0 {
		fmt.Fprintf(d.out, "%d planned suite runs were not started; resume with --start=%d\n",
			o.notStarted, o.resumeAt)
	}

	m := d.metrics.GenerateSummary()
	d.logger.Info("run_complete",
		"duration", summary.Duration.Round(time.Millisecond).String(),
		"processes_started", m.ProcessesStarted,
		"peak_active", m.PeakActive,
		"expect_timeouts", m.ExpectTimeouts,
		"watchdog_warnings", m.WatchdogWarnings,
		"slowest", m.SlowestTest,
	)
}

// close releases controllers and the history database.
// Close releases the controllers and the history store. Run calls it;
// callers that only Plan must call it themselves.
func (d *Driver) Close() {
	if d.router != nil {
		if err := d.router.Close(); err != nil {
			d.logger.Debug("router_close_error", "error", err)
		}
	}
	if err := d.local.Close(); err != nil {
		d.logger.Debug("controller_close_error", "error", err)
	}
	if err := d.history.Close(); err != nil {
		d.logger.Warn("history_close_error", "error", err)
	}
}

// route picks the controller for a participant.
func (d *Driver) route() suite.Route {
	if d.router == nil {
		return suite.Static(d.local)
	}
	return func(m *mapping.Mapping, cfg *config.Configuration) process.Controller {
		return d.router.For(m, cfg)
	}
}

// processContext builds the root context of one entry run.
func (d *Driver) processContext(e *matrix.Entry, wd *watchdog.Handle, reg *expect.Registry, logger *slog.Logger) *process.Context {
	opts := d.opts
	var echo io.Writer
	if opts.Workers <= 1 && !d.dashboard {
		echo = d.out
	}
	return &process.Context{
		Mapping:  e.Mapping,
		Config:   e.Config,
		CertsDir: filepath.Join(opts.SuiteDir, "certs"),
		Props:    mapping.ParseProps(opts.Props),
		Timeouts: process.Timeouts{
			Ready:  opts.Scale(opts.ReadyTimeout),
			Client: opts.Scale(opts.ClientTimeout),
			Stop:   opts.Scale(opts.ServerStopTimeout),
			Expect: opts.Scale(defaultExpectTimeout),
		},
		Watchdog:  wd,
		Registry:  reg,
		ExitTable: d.exitTable,
		Logger:    logger,
		Echo:      echo,
		Debug:     opts.Debug,
		TraceDir:  opts.TraceDir,
		Valgrind:  opts.Valgrind,
	}
}

// syncWriter serialises writes from concurrent workers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
