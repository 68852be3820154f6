package driver

import (
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/matrix"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
	"github.com/randomizedcoder/go-interop-driver/internal/tui"
)

// maxRecentFailures bounds the failure list kept for the dashboard.
const maxRecentFailures = 50

// progress tracks the run for the dashboard. It implements tui.Source.
type progress struct {
	mu          sync.Mutex
	total       int
	index       int
	passed      int
	failed      int
	skipped     int
	notRun      int
	workers     map[int]*tui.WorkerStatus
	failures    []string
	done        bool
	interrupted bool

	active func() int
	idle   func() time.Duration
}

func newProgress(total int, active func() int, idle func() time.Duration) *progress {
	return &progress{
		total:   total,
		workers: make(map[int]*tui.WorkerStatus),
		active:  active,
		idle:    idle,
	}
}

// begin marks entry as picked up by worker.
func (p *progress) begin(worker int, e *matrix.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index++
	p.workers[worker] = &tui.WorkerStatus{ID: worker, Entry: e.String()}
}

// state follows a case through its phases.
func (p *progress) state(worker int, casePath string, s suite.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[worker]
	if !ok {
		return
	}
	name := path.Base(casePath)
	if w.Case != name {
		w.Case = name
		w.Started = time.Now()
	}
	w.State = s.String()
}

// finish folds a suite result into the counters and frees the worker slot.
func (p *progress) finish(worker int, res *stats.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, worker)
	if res == nil {
		return
	}
	failures := res.Failures()
	p.passed += res.Passed()
	p.failed += len(failures)
	p.skipped += res.Skipped()
	p.notRun += res.NotRun()
	for _, f := range failures {
		p.failures = append(p.failures, fmt.Sprintf("%s: %s", f.Path, firstLine(f.Error)))
	}
	if n := len(p.failures); n > maxRecentFailures {
		p.failures = append([]string(nil), p.failures[n-maxRecentFailures:]...)
	}
}

func (p *progress) interrupt() {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
}

func (p *progress) complete() {
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
}

// Snapshot returns the current state of the run.
func (p *progress) Snapshot() tui.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := tui.Snapshot{
		Index:          p.index,
		Total:          p.total,
		Passed:         p.passed,
		Failed:         p.failed,
		Skipped:        p.skipped,
		NotRun:         p.notRun,
		RecentFailures: append([]string(nil), p.failures...),
		Done:           p.done,
		Interrupted:    p.interrupted,
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, *w)
	}
	sort.Slice(s.Workers, func(i, j int) bool { return s.Workers[i].ID < s.Workers[j].ID })
	if p.active != nil {
		s.ActiveProcesses = p.active()
	}
	if p.idle != nil {
		s.WatchdogIdle = p.idle()
	}
	return s
}
