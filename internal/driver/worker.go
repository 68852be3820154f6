package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/matrix"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
	"github.com/randomizedcoder/go-interop-driver/internal/watchdog"
)

// outcome is what the worker pool leaves behind.
type outcome struct {
	// results holds one Result per started entry, in plan order.
	results []*stats.Result

	interrupted bool
	aborted     bool

	// Entries never picked up, and the plan index to resume from.
	notStarted      int
	notStartedCases int
	resumeAt        int
}

// scheduler hands out entries in plan order until stopped.
type scheduler struct {
	mu      sync.Mutex
	entries []*matrix.Entry
	next    int
	stopped bool
}

func (s *scheduler) take(ctx context.Context) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || ctx.Err() != nil || s.next >= len(s.entries) {
		return 0, false
	}
	i := s.next
	s.next++
	return i, true
}

func (s *scheduler) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// runEntries runs entries on the configured number of workers. Workers pick
// entries in plan order; with one worker the run is strictly sequential.
// A suite aborted by a failure stops the scheduling of new entries, while
// suites already running on other workers finish.
func (d *Driver) runEntries(ctx context.Context, entries []*matrix.Entry) *outcome {
	workers := d.opts.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(entries) {
		workers = len(entries)
	}

	sched := &scheduler{entries: entries}
	results := make([]*stats.Result, len(entries))

	var g errgroup.Group
	for id := 1; id <= workers; id++ {
		g.Go(func() error {
			return d.worker(ctx, id, sched, results)
		})
	}
	err := g.Wait()

	o := &outcome{
		interrupted: ctx.Err() != nil,
		aborted:     errors.Is(err, suite.ErrAborted),
	}
	if o.aborted {
		d.logger.Warn("run_aborted", "error", err)
	}
	for i, res := range results {
		if res != nil {
			o.results = append(o.results, res)
			continue
		}
		if o.resumeAt == 0 {
			o.resumeAt = entries[i].Index
		}
		o.notStarted++
		o.notStartedCases += len(entries[i].Suite.Cases)
	}
	return o
}

// worker runs entries until the scheduler runs dry. Each worker owns a
// registry partition and a watchdog handle, so an interrupt sweep in one
// worker leaves the others' participants alone.
func (d *Driver) worker(ctx context.Context, id int, sched *scheduler, results []*stats.Result) error {
	name := fmt.Sprintf("worker-%d", id)
	reg := d.processes.Partition(name)
	wd := d.watchdog.Handle(name)
	defer d.watchdog.Release(wd)

	logger := d.logger
	if d.opts.Workers > 1 {
		logger = logging.ForRun(d.cfg.Logger, d.runID, id)
	}

	for {
		i, ok := sched.take(ctx)
		if !ok {
			return nil
		}
		res, err := d.runEntry(ctx, id, sched.entries[i], wd, reg, logger)
		results[i] = res

		switch {
		case err == nil:
		case errors.Is(err, suite.ErrInterrupted):
			if n := reg.Sweep(); n > 0 {
				logger.Warn("interrupt_swept", "worker", id, "count", n)
			}
			return nil
		case errors.Is(err, suite.ErrAborted):
			sched.stop()
			return err
		default:
			logger.Error("suite_error", "suite", sched.entries[i].String(), "error", err)
		}
	}
}

// runEntry runs one planned suite.
func (d *Driver) runEntry(ctx context.Context, worker int, e *matrix.Entry, wd *watchdog.Handle, reg *expect.Registry, logger *slog.Logger) (*stats.Result, error) {
	d.progress.begin(worker, e)
	d.metrics.SuiteStarted(e.Index)
	wd.Reset()

	var out io.Writer
	if !d.dashboard {
		out = d.out
		fmt.Fprintf(out, "%s %s\n", stats.FormatProgress(e.Index, d.total), e)
	}

	rc := &suite.RunContext{
		Process:  d.processContext(e, wd, reg, logger),
		Route:    d.route(),
		Recorder: d.metrics,
		Logger:   logger,
		OnState: func(path string, s suite.State) {
			d.progress.state(worker, path, s)
		},
	}
	if d.history != nil {
		rc.Timings = d.history
	}

	logger.Info("suite_starting", "index", e.Index, "suite", e.Suite.Path(), "config", e.Config.String())
	res, err := e.Suite.Run(ctx, rc, suite.RunOptions{
		KeepGoing: d.opts.KeepGoing,
		Filter:    d.filter,
		Out:       out,
	})

	d.metrics.SuiteFinished(res)
	d.progress.finish(worker, res)
	if res != nil {
		logger.Info("suite_finished",
			"index", e.Index,
			"suite", e.Suite.Path(),
			"passed", res.Passed(),
			"failed", len(res.Failures()),
			"skipped", res.Skipped(),
			"not_run", res.NotRun(),
			"duration", res.Duration().Round(time.Millisecond).String(),
		)
	}
	return res, err
}
