// Package stats records test results and formats the end-of-run summary.
//
// A Result is kept per (mapping, configuration, suite). The driver merges
// them into a Summary once the whole matrix has run.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Summary aggregates every Result of a run.
type Summary struct {
	Results  []*Result
	Duration time.Duration

	// Interrupted is set when a signal stopped the run before the plan finished.
	Interrupted bool

	// Aborted is set when a failure stopped the run without --keep-going.
	Aborted bool

	// Skipped lists plan entries that were excluded, with the reason.
	Skipped []string
}

// Totals are the aggregate counters of a Summary.
type Totals struct {
	Suites  int
	Run     int
	Passed  int
	Failed  int
	Skipped int
	NotRun  int
}

// Totals sums all results.
func (s *Summary) Totals() Totals {
	var t Totals
	for _, r := range s.Results {
		t.Suites++
		t.Run += r.Run()
		t.Passed += r.Passed()
		t.Failed += len(r.Failures())
		t.Skipped += r.Skipped()
		t.NotRun += r.NotRun()
	}
	return t
}

// Failures returns every failure across results, in run order.
func (s *Summary) Failures() []Failure {
	var out []Failure
	for _, r := range s.Results {
		out = append(out, r.Failures()...)
	}
	return out
}

// Failed reports whether any test failed.
func (s *Summary) Failed() bool {
	for _, r := range s.Results {
		if !r.Succeeded() {
			return true
		}
	}
	return false
}

// Percentiles returns p50/p95/p99 of all test durations.
func (s *Summary) Percentiles() (p50, p95, p99 time.Duration) {
	td := tdigest.NewWithCompression(100)
	for _, r := range s.Results {
		for _, d := range r.Durations() {
			td.Add(d.Seconds(), 1)
		}
	}
	if td.Count() == 0 {
		return 0, 0, 0
	}
	q := func(v float64) time.Duration { return time.Duration(td.Quantile(v) * float64(time.Second)) }
	return q(0.50), q(0.95), q(0.99)
}

// Slowest returns up to n test paths ordered by decreasing duration.
func (s *Summary) Slowest(n int) []string {
	type entry struct {
		path string
		d    time.Duration
	}
	var all []entry
	for _, r := range s.Results {
		for p, d := range r.Durations() {
			all = append(all, entry{p + " [" + r.Config + "]", d})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d > all[j].d
		}
		return all[i].path < all[j].path
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = fmt.Sprintf("%s (%s)", e.path, FormatMs(e.d))
	}
	return out
}

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Color enables ANSI colors in tables.
	Color bool

	// ShowSuites adds the per-suite table.
	ShowSuites bool

	// MetricsAddr is the Prometheus metrics endpoint address, if any.
	MetricsAddr string

	// TraceDir is where preserved trace files live.
	TraceDir string
}

// FormatSummary formats the end-of-run report: totals, failures with their
// identifying paths, and timing.
func FormatSummary(s *Summary, cfg SummaryConfig) string {
	var b strings.Builder
	t := s.Totals()

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                          interop-driver Run Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	switch {
	case s.Interrupted:
		b.WriteString("⚠️  INTERRUPTED: the remaining tests were not run\n\n")
	case s.Aborted:
		b.WriteString("⚠️  ABORTED after a failure: the remaining tests were not run (--keep-going runs them)\n\n")
	}

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(s.Duration))
	fmt.Fprintf(&b, "Suites:                 %d\n", t.Suites)
	fmt.Fprintf(&b, "Tests Run:              %d\n", t.Run)
	fmt.Fprintf(&b, "Passed:                 %d\n", t.Passed)
	fmt.Fprintf(&b, "Failed:                 %d\n", t.Failed)
	if t.Skipped > 0 {
		fmt.Fprintf(&b, "Skipped:                %d\n", t.Skipped)
	}
	if t.NotRun > 0 {
		fmt.Fprintf(&b, "Not Run:                %d\n", t.NotRun)
	}
	if len(s.Skipped) > 0 {
		fmt.Fprintf(&b, "Excluded combinations:  %d\n", len(s.Skipped))
	}

	if p50, p95, p99 := s.Percentiles(); t.Run > 0 {
		fmt.Fprintf(&b, "Test Duration:          P50 %s  P95 %s  P99 %s\n", FormatMs(p50), FormatMs(p95), FormatMs(p99))
	}
	b.WriteString("\n")

	if cfg.ShowSuites && len(s.Results) > 0 {
		b.WriteString(sectionHeader("Suites"))
		b.WriteString(suiteTable(s.Results, cfg.Color))
		b.WriteString("\n\n")
	}

	if failures := s.Failures(); len(failures) > 0 {
		b.WriteString(sectionHeader("Failures"))
		b.WriteString(failureTable(failures, cfg.Color))
		b.WriteString("\n\n")
		for _, f := range failures {
			fmt.Fprintf(&b, "● %s [%s]\n", f.Path, f.Config)
			for _, line := range strings.Split(strings.TrimRight(f.Error, "\n"), "\n") {
				b.WriteString("    " + line + "\n")
			}
			for _, tr := range f.Traces {
				b.WriteString("    trace: " + tr + "\n")
			}
			b.WriteString("\n")
		}
	}

	if slow := s.Slowest(5); len(slow) > 0 && t.Run > 1 {
		b.WriteString("Slowest:\n")
		for _, line := range slow {
			b.WriteString("  " + line + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}
	if cfg.TraceDir != "" && t.Failed > 0 {
		fmt.Fprintf(&b, "Traces preserved in %s\n", cfg.TraceDir)
	}
	if t.Failed > 0 {
		fmt.Fprintf(&b, "FAILED: %d of %d tests\n", t.Failed, t.Run)
	} else {
		fmt.Fprintf(&b, "PASSED: %d tests\n", t.Run)
	}
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	return b.String()
}

func sectionHeader(title string) string {
	pad := (79 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	return "───────────────────────────────────────────────────────────────────────────────\n" +
		strings.Repeat(" ", pad) + title + "\n" +
		"───────────────────────────────────────────────────────────────────────────────\n\n"
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	return t
}

func header(color bool, cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		if color {
			row[i] = text.FgHiCyan.Sprint(c)
		} else {
			row[i] = c
		}
	}
	return row
}

func suiteTable(results []*Result, color bool) string {
	t := newTable()
	t.AppendHeader(header(color, "MAPPING", "CONFIG", "SUITE", "TESTS", "FAILED", "DURATION"))
	for _, r := range results {
		failed := fmt.Sprint(len(r.Failures()))
		if color && failed != "0" {
			failed = text.FgRed.Sprint(failed)
		}
		t.AppendRow(table.Row{r.Mapping, r.Config, r.Suite, r.Run(), failed, FormatDuration(r.Duration())})
	}
	return t.Render()
}

func failureTable(failures []Failure, color bool) string {
	t := newTable()
	t.AppendHeader(header(color, "TEST", "CONFIG", "CAUSE", "DURATION"))
	for _, f := range failures {
		path := f.Path
		if color {
			path = text.FgRed.Sprint(path)
		}
		t.AppendRow(table.Row{path, f.Config, shortCause(f.Error), FormatMs(f.Duration)})
	}
	return t.Render()
}

// shortCause is the first line of an error, truncated for tables.
func shortCause(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 70 {
		msg = msg[:67] + "..."
	}
	return msg
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatProgress formats the running index "[i/total]".
func FormatProgress(i, total int) string {
	return fmt.Sprintf("[%d/%d]", i, total)
}
