package history

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAverages(t *testing.T) {
	s := openTemp(t)
	const path = "cpp/Ice/operations/client"

	_, ok := s.Average(path)
	assert.False(t, ok)

	require.NoError(t, s.Record(path, 1*time.Second, true))
	require.NoError(t, s.Record(path, 3*time.Second, false))

	avg, ok := s.Average(path)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, avg)

	st, ok := s.Stats(path)
	require.True(t, ok)
	assert.EqualValues(t, 2, st.Count)
	assert.EqualValues(t, 1, st.Failures)
	assert.Equal(t, "fail", st.LastStatus)
	assert.Equal(t, 3*time.Second, st.MaxDuration)
	assert.InDelta(t, float64(1414*time.Millisecond), float64(st.StdDev()), float64(5*time.Millisecond))
}

func TestStore_Timeout(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Record("slow", 200*time.Second, true))
	require.NoError(t, s.Record("fast", time.Second, true))

	tests := []struct {
		path   string
		static time.Duration
		want   time.Duration
	}{
		{"slow", 240 * time.Second, 500 * time.Second},
		{"fast", 240 * time.Second, 240 * time.Second},
		{"unknown", 240 * time.Second, 240 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Timeout(tt.path, tt.static))
		})
	}
}

func TestStore_Runs(t *testing.T) {
	s := openTemp(t)

	_, err := s.LastRun()
	assert.True(t, errors.Is(err, ErrNoRuns))

	for i := 0; i < DefaultMaxRuns+5; i++ {
		require.NoError(t, s.AddRun(Run{ID: fmt.Sprintf("run-%02d", i), Passed: i}))
	}
	runs, err := s.Runs(0)
	require.NoError(t, err)
	assert.Len(t, runs, DefaultMaxRuns)
	assert.Equal(t, fmt.Sprintf("run-%02d", DefaultMaxRuns+4), runs[0].ID, "newest first")

	require.NoError(t, s.AddRun(Run{ID: "last", Failed: 2, FailedIDs: []string{"b/x", "a/y"}}))
	failed, err := s.LastFailed()
	require.NoError(t, err)
	assert.Equal(t, []string{"a/y", "b/x"}, failed)
}

func TestStore_TestsSorted(t *testing.T) {
	s := openTemp(t)
	for _, p := range []string{"java/b", "cpp/a", "python/c"} {
		require.NoError(t, s.Record(p, time.Second, true))
	}
	tests, err := s.Tests()
	require.NoError(t, err)
	require.Len(t, tests, 3)
	assert.Equal(t, "cpp/a", tests[0].Path)
	assert.Equal(t, "python/c", tests[2].Path)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record("cpp/a", time.Second, true))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	avg, ok := s.Average("cpp/a")
	assert.True(t, ok)
	assert.Equal(t, time.Second, avg)
}

func TestStore_NilIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.Record("x", time.Second, true))
	assert.Equal(t, time.Minute, s.Timeout("x", time.Minute))
	assert.NoError(t, s.AddRun(Run{}))
	assert.NoError(t, s.Close())
}
