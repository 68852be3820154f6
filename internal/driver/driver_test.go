package driver

import (
	"context"
	"errors"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/history"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/matrix"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
	"github.com/randomizedcoder/go-interop-driver/internal/tui"
)

func cppSource(t *testing.T) fakeSource {
	cpp := mapping.New(mapping.Cpp)
	return fakeSource{"cpp": {
		clientServerSuite(t, cpp, "Ice/a", "first", "second"),
		clientServerSuite(t, cpp, "Ice/b", "third"),
	}}
}

func TestDriver_RunsPlanInOrder(t *testing.T) {
	td := newTestDriver(t, testOptions(), cppSource(t), nil)

	summary, err := td.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, summary)

	tot := summary.Totals()
	assert.Equal(t, 2, tot.Suites)
	assert.Equal(t, 3, tot.Run)
	assert.Equal(t, 3, tot.Passed)
	assert.False(t, summary.Failed())
	assert.False(t, summary.Interrupted)

	require.Len(t, summary.Results, 2)
	assert.Equal(t, "Ice/a", summary.Results[0].Suite)
	assert.Equal(t, "Ice/b", summary.Results[1].Suite)

	out := td.out.String()
	assert.Contains(t, out, "[1/2] cpp/Ice/a --protocol=tcp")
	assert.Contains(t, out, "[2/2] cpp/Ice/b --protocol=tcp")
	assert.Contains(t, out, "PASSED: 3 tests")
	assert.NotContains(t, out, "resume with")
	assert.Empty(t, td.ctl.running())
	assert.Equal(t, 6, td.ctl.count())

	m := td.Metrics().GenerateSummary()
	assert.Equal(t, int64(6), m.ProcessesStarted)
	assert.Equal(t, int64(3), m.Passed)
}

func TestDriver_AbortsWithoutKeepGoing(t *testing.T) {
	td := newTestDriver(t, testOptions(), cppSource(t), map[string]behaviour{
		"first-client": {status: 1},
	})

	summary, err := td.Run(context.Background())
	require.NoError(t, err)

	tot := summary.Totals()
	assert.Equal(t, 1, tot.Suites, "Ice/b is never started")
	assert.Equal(t, 1, tot.Failed)
	assert.Equal(t, 1, tot.NotRun)
	assert.True(t, summary.Failed())
	assert.True(t, summary.Aborted)
	assert.False(t, summary.Interrupted)
	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Aborted())
	assert.Contains(t, td.out.String(), "ABORTED after a failure")
	assert.NotContains(t, td.out.String(), "INTERRUPTED")

	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "cpp/Ice/a/first", failures[0].Path)

	assert.Contains(t, td.out.String(), "1 planned suite runs were not started; resume with --start=2")
	assert.Empty(t, td.ctl.running())
}

func TestDriver_KeepGoing(t *testing.T) {
	opts := testOptions()
	opts.KeepGoing = true
	td := newTestDriver(t, opts, cppSource(t), map[string]behaviour{
		"first-client": {status: 1},
		"third-client": {status: 2},
	})

	summary, err := td.Run(context.Background())
	require.NoError(t, err)

	tot := summary.Totals()
	assert.Equal(t, 3, tot.Run)
	assert.Equal(t, 1, tot.Passed)
	assert.Equal(t, 2, tot.Failed)

	var paths []string
	for _, f := range summary.Failures() {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"cpp/Ice/a/first", "cpp/Ice/b/third"}, paths)
	assert.Contains(t, td.out.String(), "FAILED: 2 of 3 tests")
	assert.False(t, summary.Aborted)
}

func TestDriver_Start(t *testing.T) {
	opts := testOptions()
	opts.Start = 2
	td := newTestDriver(t, opts, cppSource(t), nil)

	summary, err := td.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "Ice/b", summary.Results[0].Suite)
	assert.Contains(t, td.out.String(), "[2/2] cpp/Ice/b")

	opts = testOptions()
	opts.Start = 5
	td = newTestDriver(t, opts, cppSource(t), nil)
	_, err = td.Run(context.Background())
	var ce *config.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, err.Error(), "beyond the 2 planned entries")
}

func TestDriver_Interrupt(t *testing.T) {
	td := newTestDriver(t, testOptions(), cppSource(t), map[string]behaviour{
		"first-client": {hang: true},
	})

	type result struct {
		summary *stats.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		s, err := td.Run(context.Background())
		done <- result{s, err}
	}()

	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case name := <-td.ctl.started:
			started = name == "first-client"
		case <-deadline:
			t.Fatal("client never started")
		}
	}
	td.signals <- syscall.SIGINT

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after the interrupt")
	}
	require.NoError(t, r.err)

	assert.True(t, r.summary.Interrupted)
	require.Len(t, r.summary.Results, 1)
	res := r.summary.Results[0]
	assert.True(t, res.Interrupted())
	assert.Equal(t, 1, res.NotRun(), "second case is consumed but not run")

	assert.Empty(t, td.ctl.running(), "no participant survives an interrupt")
	out := td.out.String()
	assert.Contains(t, out, "INTERRUPTED")
	assert.Contains(t, out, "resume with --start=2")
	assert.True(t, td.progress.Snapshot().Interrupted)
}

func TestDriver_ParentContextCancelled(t *testing.T) {
	td := newTestDriver(t, testOptions(), cppSource(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := td.Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Empty(t, summary.Results)
	assert.Equal(t, 0, td.ctl.count())
}

func TestDriver_Workers(t *testing.T) {
	cpp := mapping.New(mapping.Cpp)
	src := fakeSource{"cpp": {
		clientServerSuite(t, cpp, "Ice/a", "a"),
		clientServerSuite(t, cpp, "Ice/b", "b"),
		clientServerSuite(t, cpp, "Ice/c", "c"),
		clientServerSuite(t, cpp, "Ice/d", "d"),
	}}
	opts := testOptions()
	opts.Workers = 3
	td := newTestDriver(t, opts, src, nil)

	summary, err := td.Run(context.Background())
	require.NoError(t, err)

	tot := summary.Totals()
	assert.Equal(t, 4, tot.Suites)
	assert.Equal(t, 4, tot.Passed)

	var suites []string
	for _, r := range summary.Results {
		suites = append(suites, r.Suite)
	}
	assert.Equal(t, []string{"Ice/a", "Ice/b", "Ice/c", "Ice/d"}, suites, "results keep plan order")
	assert.Empty(t, td.ctl.running())

	snap := td.progress.Snapshot()
	assert.True(t, snap.Done)
	assert.Equal(t, 4, snap.Index)
	assert.Empty(t, snap.Workers)
}

func TestDriver_HistoryAndRerunFailed(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	opts := testOptions()
	opts.HistoryPath = dbPath
	opts.KeepGoing = true
	td := newTestDriver(t, opts, cppSource(t), map[string]behaviour{
		"second-client": {status: 1},
	})
	_, err := td.Run(context.Background())
	require.NoError(t, err)

	store, err := history.Open(dbPath)
	require.NoError(t, err)
	failed, err := store.LastFailed()
	require.NoError(t, err)
	assert.Equal(t, []string{"cpp/Ice/a/second"}, failed)
	ts, ok := store.Stats("cpp/Ice/b/third")
	require.True(t, ok)
	assert.Equal(t, int64(1), ts.Count)
	require.NoError(t, store.Close())

	opts = testOptions()
	opts.HistoryPath = dbPath
	opts.RerunFailed = true
	td = newTestDriver(t, opts, cppSource(t), nil)

	plan, err := td.Plan()
	require.NoError(t, err)
	require.Len(t, plan.Entries, 1)
	assert.Equal(t, "cpp/Ice/a", plan.Entries[0].Suite.Path())
	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, "no case selected by the filters", plan.Skipped[0].Reason)

	summary, err := td.Run(context.Background())
	require.NoError(t, err)
	tot := summary.Totals()
	assert.Equal(t, 1, tot.Passed)
	assert.Equal(t, 1, tot.Skipped, "first is not in the failed set")
}

func TestDriver_InvalidFilter(t *testing.T) {
	opts := testOptions()
	opts.Filter = []string{"("}
	td := newTestDriver(t, opts, cppSource(t), nil)

	_, err := td.Run(context.Background())
	var ce *config.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestProgress_FollowsWorkers(t *testing.T) {
	p := newProgress(2, func() int { return 3 }, func() time.Duration { return time.Second })
	cpp := mapping.New(mapping.Cpp)
	s := clientServerSuite(t, cpp, "Ice/a", "first")
	e := &matrix.Entry{
		Index:   1,
		Mapping: cpp,
		Config:  config.NewConfiguration().CloneFor(cpp.Defaults),
		Suite:   s,
	}

	p.begin(1, e)
	p.state(1, "cpp/Ice/a/first", suite.StateClientsRunning)

	snap := p.Snapshot()
	assert.Equal(t, 1, snap.Index)
	assert.Equal(t, 3, snap.ActiveProcesses)
	assert.Equal(t, time.Second, snap.WatchdogIdle)
	require.Len(t, snap.Workers, 1)
	assert.Equal(t, tui.WorkerStatus{
		ID:      1,
		Entry:   "cpp/Ice/a --protocol=tcp",
		Case:    "first",
		State:   "clients running",
		Started: snap.Workers[0].Started,
	}, snap.Workers[0])
	assert.False(t, snap.Workers[0].Started.IsZero())

	res := stats.NewResult("cpp", "--protocol=tcp", "Ice/a", 1)
	res.Begin()
	res.Fail("cpp/Ice/a/first", errors.New("client: unexpected exit status\nmore"), nil, time.Second)
	p.finish(1, res)

	snap = p.Snapshot()
	assert.Empty(t, snap.Workers)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, []string{"cpp/Ice/a/first: client: unexpected exit status"}, snap.RecentFailures)
}

func TestProgress_BoundsFailures(t *testing.T) {
	p := newProgress(1, nil, nil)
	res := stats.NewResult("cpp", "--protocol=tcp", "Ice/a", maxRecentFailures+5)
	for i := 0; i < maxRecentFailures+5; i++ {
		res.Begin()
		res.Fail("cpp/Ice/a/case", errors.New("boom"), nil, time.Millisecond)
	}
	p.finish(1, res)

	snap := p.Snapshot()
	assert.Len(t, snap.RecentFailures, maxRecentFailures)
	assert.Equal(t, maxRecentFailures+5, snap.Failed)
}

func TestSelectMappings(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Languages = []string{"cpp", "java", "cpp", "python"}
	opts.RLanguages = []string{"java"}
	opts.Cross = []string{"python"}

	active, cross, err := SelectMappings(opts)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "cpp", active[0].Name())
	assert.Equal(t, "python", active[1].Name())
	require.Len(t, cross, 1)
	assert.Equal(t, "python", cross[0].Name())

	opts = config.DefaultOptions()
	active, _, err = SelectMappings(opts)
	require.NoError(t, err)
	assert.Len(t, active, len(mapping.Names()))

	opts.Languages = []string{"cobol"}
	_, _, err = SelectMappings(opts)
	var ce *config.ConfigurationError
	assert.ErrorAs(t, err, &ce)

	opts.Languages = []string{"cpp"}
	opts.RLanguages = []string{"cpp"}
	_, _, err = SelectMappings(opts)
	assert.ErrorAs(t, err, &ce)
}
