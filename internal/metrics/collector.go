// Package metrics provides Prometheus metrics for the interop driver.
//
// Metrics are grouped by dashboard panel:
//   - Run overview: plan size, current position, build info
//   - Results: per-test and per-suite outcomes, test durations
//   - Processes: participants started by controller and role, live count
//   - Health: expect timeouts and watchdog warnings
package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
)

const namespace = "interop_driver"

// Result label values.
const (
	ResultPassed      = "passed"
	ResultFailed      = "failed"
	ResultSkipped     = "skipped"
	ResultInterrupted = "interrupted"
)

// Collector manages the driver's Prometheus metrics. It implements
// suite.Recorder.
type Collector struct {
	// --- Run overview ---
	info          *prometheus.GaugeVec
	plannedSuites prometheus.Gauge
	currentSuite  prometheus.Gauge

	// --- Results ---
	testsTotal   *prometheus.CounterVec
	suitesTotal  *prometheus.CounterVec
	testDuration prometheus.Histogram

	// --- Processes ---
	processesStarted *prometheus.CounterVec
	activeProcesses  prometheus.Gauge

	// --- Health ---
	expectTimeouts   prometheus.Counter
	watchdogWarnings prometheus.Counter

	startTime time.Time

	// For summary generation
	mu         sync.Mutex
	active     int
	peakActive int
	started    int64
	passed     int64
	failed     int64
	timeouts   int64
	warnings   int64
	durations  []time.Duration
	slowest    string
	slowestDur time.Duration
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	RunID   string
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the driver run (value always 1)",
		}, []string{"version", "run_id"}),
		plannedSuites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "planned_suites",
			Help:      "Suite runs in the expanded plan",
		}),
		currentSuite: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_suite_index",
			Help:      "1-based plan index of the most recently started suite run",
		}),
		testsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tests_total",
			Help:      "Test cases by result",
		}, []string{"result"}),
		suitesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suites_total",
			Help:      "Suite runs by result",
		}, []string{"result"}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "test_duration_seconds",
			Help:      "Test case wall-clock duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		processesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_started_total",
			Help:      "Participants started by controller and role",
		}, []string{"controller", "role"}),
		activeProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_processes",
			Help:      "Participants currently running",
		}),
		expectTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expect_timeouts_total",
			Help:      "Expect operations that timed out",
		}),
		watchdogWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_warnings_total",
			Help:      "Idle periods reported by the watchdog",
		}),
		startTime: time.Now(),
	}

	registry.MustRegister(
		c.info,
		c.plannedSuites,
		c.currentSuite,
		c.testsTotal,
		c.suitesTotal,
		c.testDuration,
		c.processesStarted,
		c.activeProcesses,
		c.expectTimeouts,
		c.watchdogWarnings,
	)

	c.info.WithLabelValues(cfg.Version, cfg.RunID).Set(1)
	return c
}

// =============================================================================
// Run progress
// =============================================================================

// SetPlan records the number of planned suite runs.
func (c *Collector) SetPlan(total int) {
	c.plannedSuites.Set(float64(total))
}

// SuiteStarted records the plan index of the suite run that just started.
func (c *Collector) SuiteStarted(index int) {
	c.currentSuite.Set(float64(index))
}

// SuiteFinished records the outcome of a suite run. Skipped cases are
// counted here since they never reach TestFinished.
func (c *Collector) SuiteFinished(res *stats.Result) {
	if res == nil {
		return
	}
	if n := res.Skipped(); n > 0 {
		c.testsTotal.WithLabelValues(ResultSkipped).Add(float64(n))
	}
	switch {
	case res.Interrupted():
		c.suitesTotal.WithLabelValues(ResultInterrupted).Inc()
	case res.Succeeded():
		c.suitesTotal.WithLabelValues(ResultPassed).Inc()
	default:
		c.suitesTotal.WithLabelValues(ResultFailed).Inc()
	}
}

// =============================================================================
// suite.Recorder
// =============================================================================

// ProcessStarted records a participant start.
func (c *Collector) ProcessStarted(controller string, role mapping.Role) {
	c.processesStarted.WithLabelValues(controller, role.String()).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.started++
	c.active++
	if c.active > c.peakActive {
		c.peakActive = c.active
	}
	c.activeProcesses.Set(float64(c.active))
}

// ProcessStopped records a participant exit.
func (c *Collector) ProcessStopped(controller string, role mapping.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 {
		c.active--
	}
	c.activeProcesses.Set(float64(c.active))
}

// ExpectTimeout records a timed out expect.
func (c *Collector) ExpectTimeout(path string) {
	c.expectTimeouts.Inc()

	c.mu.Lock()
	c.timeouts++
	c.mu.Unlock()
}

// TestFinished records a test case outcome.
func (c *Collector) TestFinished(path string, passed bool, d time.Duration) {
	result := ResultFailed
	if passed {
		result = ResultPassed
	}
	c.testsTotal.WithLabelValues(result).Inc()
	c.testDuration.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	if passed {
		c.passed++
	} else {
		c.failed++
	}
	c.durations = append(c.durations, d)
	if d > c.slowestDur {
		c.slowest, c.slowestDur = path, d
	}
}

// WatchdogWarning records an idle period reported by the watchdog.
func (c *Collector) WatchdogWarning() {
	c.watchdogWarnings.Inc()

	c.mu.Lock()
	c.warnings++
	c.mu.Unlock()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for the end-of-run log line.
type Summary struct {
	Duration         time.Duration
	ProcessesStarted int64
	PeakActive       int
	Passed           int64
	Failed           int64
	ExpectTimeouts   int64
	WatchdogWarnings int64
	TestP50          time.Duration
	TestP95          time.Duration
	SlowestTest      string
	SlowestDuration  time.Duration
}

// GenerateSummary creates a summary of the run so far.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:         time.Since(c.startTime),
		ProcessesStarted: c.started,
		PeakActive:       c.peakActive,
		Passed:           c.passed,
		Failed:           c.failed,
		ExpectTimeouts:   c.timeouts,
		WatchdogWarnings: c.warnings,
		SlowestTest:      c.slowest,
		SlowestDuration:  c.slowestDur,
	}

	if len(c.durations) > 0 {
		sorted := slices.Clone(c.durations)
		slices.Sort(sorted)
		s.TestP50 = percentile(sorted, 0.50)
		s.TestP95 = percentile(sorted, 0.95)
	}
	return s
}

// Active returns the number of running participants.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PeakActive returns the peak number of running participants.
func (c *Collector) PeakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peakActive
}

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
