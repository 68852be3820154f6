package stats

import (
	"bytes"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// Failure is one failed test case.
type Failure struct {
	// Path identifies the test: "<mapping>/<suite>/<case>".
	Path     string
	Config   string
	Error    string
	Traces   []string
	Duration time.Duration
}

// Result accumulates the outcome of one (mapping, configuration, suite) run.
// It is safe for concurrent use; the transcript is written by participant
// echo while the test case records outcomes.
type Result struct {
	Mapping string
	Config  string
	Suite   string

	mu          sync.Mutex
	total       int
	index       int
	passed      int
	skipped     int
	notRun      int
	interrupted bool
	aborted     bool
	failures    []Failure
	durations   map[string]time.Duration
	digest      *tdigest.TDigest
	transcript  bytes.Buffer
	start       time.Time
	end         time.Time
}

// NewResult creates a result for a suite of total test cases.
func NewResult(mappingName, config, suite string, total int) *Result {
	return &Result{
		Mapping:   mappingName,
		Config:    config,
		Suite:     suite,
		total:     total,
		durations: make(map[string]time.Duration),
		digest:    tdigest.NewWithCompression(100),
		start:     time.Now(),
	}
}

// Begin advances the running index and returns it (1-based).
func (r *Result) Begin() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index++
	return r.index
}

// Pass records a successful test case.
func (r *Result) Pass(path string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passed++
	r.observe(path, d)
}

// Fail records a failed test case.
func (r *Result) Fail(path string, err error, traces []string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	r.failures = append(r.failures, Failure{
		Path:     path,
		Config:   r.Config,
		Error:    msg,
		Traces:   traces,
		Duration: d,
	})
	r.observe(path, d)
}

// Skip records a test case that did not apply to the configuration.
func (r *Result) Skip() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

// Interrupt marks the remaining test cases as consumed but not run after an
// external interrupt.
func (r *Result) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interrupted = true
	r.consumeRest()
}

// Abort marks the remaining test cases as consumed but not run after a
// failure stopped the suite.
func (r *Result) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aborted = true
	r.consumeRest()
}

func (r *Result) consumeRest() {
	if rest := r.total - r.index; rest > 0 {
		r.notRun += rest
		r.index = r.total
	}
}

// Finish stamps the end time.
func (r *Result) Finish() {
	r.mu.Lock()
	if r.end.IsZero() {
		r.end = time.Now()
	}
	r.mu.Unlock()
}

func (r *Result) observe(path string, d time.Duration) {
	r.durations[path] = d
	r.digest.Add(d.Seconds(), 1)
}

// Write appends to the transcript. It implements io.Writer.
func (r *Result) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.Write(p)
}

// Transcript returns the captured output.
func (r *Result) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

// Total is the number of test cases in the suite.
func (r *Result) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Index is the number of test cases visited so far.
func (r *Result) Index() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

// Run is the number of test cases that actually ran.
func (r *Result) Run() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passed + len(r.failures)
}

func (r *Result) Passed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passed
}

func (r *Result) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Result) NotRun() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notRun
}

func (r *Result) Interrupted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interrupted
}

// Aborted reports whether a failure stopped the suite early.
func (r *Result) Aborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Failures returns a copy of the recorded failures in order.
func (r *Result) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Failure(nil), r.failures...)
}

// Succeeded reports whether nothing failed.
func (r *Result) Succeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures) == 0
}

// Durations returns the per-test durations keyed by path.
func (r *Result) Durations() map[string]time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]time.Duration, len(r.durations))
	for k, v := range r.durations {
		out[k] = v
	}
	return out
}

// Duration is the wall-clock time of the suite run so far.
func (r *Result) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.end
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(r.start)
}

// Quantile returns the q-th quantile of test durations.
func (r *Result) Quantile(q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.digest.Count() == 0 {
		return 0
	}
	return time.Duration(r.digest.Quantile(q) * float64(time.Second))
}
