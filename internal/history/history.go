// Package history persists per-test durations and the outcome of recent runs
// in a bbolt database. Durations widen client timeouts for tests known to be
// slow; the last run's failures feed --rerun-failed.
package history

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultMaxRuns is how many run records are kept.
	DefaultMaxRuns = 20

	// TimeoutFactor scales a test's average duration into its timeout.
	TimeoutFactor = 2.5
)

var (
	bucketTests = []byte("tests")
	bucketRuns  = []byte("runs")
)

// TestStats aggregates the executions of one test.
type TestStats struct {
	Path        string        `json:"path"`
	Count       int64         `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	Failures    int64         `json:"failures"`
	LastRun     time.Time     `json:"last_run"`
	LastStatus  string        `json:"last_status"` // "pass" or "fail"

	// Welford's online algorithm
	M2 float64 `json:"m2"`
}

// StdDev is the standard deviation of the test's duration.
func (s *TestStats) StdDev() time.Duration {
	if s.Count < 2 {
		return 0
	}
	return time.Duration(math.Sqrt(s.M2 / float64(s.Count-1)))
}

// Run summarises one driver invocation.
type Run struct {
	ID        string    `json:"id"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Passed    int       `json:"passed"`
	Failed    int       `json:"failed"`
	NotRun    int       `json:"not_run"`
	Workers   int       `json:"workers"`
	FailedIDs []string  `json:"failed_ids,omitempty"`
}

// Store is an open history database.
type Store struct {
	path    string
	db      *bolt.DB
	maxRuns int
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history dir: %w", err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTests, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{path: path, db: db, maxRuns: DefaultMaxRuns}, nil
}

// Close closes the database. A nil store is a no-op.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// Record adds one execution of the test at path.
func (s *Store) Record(path string, d time.Duration, passed bool) error {
	if s == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTests)
		st := &TestStats{Path: path}
		if raw := b.Get([]byte(path)); raw != nil {
			if err := json.Unmarshal(raw, st); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
		}

		st.Count++
		delta := float64(d - st.AvgDuration)
		st.AvgDuration += time.Duration(delta / float64(st.Count))
		st.M2 += delta * float64(d-st.AvgDuration)
		if d > st.MaxDuration {
			st.MaxDuration = d
		}
		st.LastRun = time.Now()
		st.LastStatus = "pass"
		if !passed {
			st.LastStatus = "fail"
			st.Failures++
		}

		raw, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), raw)
	})
}

// Stats returns the aggregate for path.
func (s *Store) Stats(path string) (*TestStats, bool) {
	if s == nil {
		return nil, false
	}
	var st *TestStats
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTests).Get([]byte(path))
		if raw == nil {
			return nil
		}
		var v TestStats
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		st = &v
		return nil
	})
	return st, st != nil
}

// Average returns the mean duration of path, if it has run before.
func (s *Store) Average(path string) (time.Duration, bool) {
	st, ok := s.Stats(path)
	if !ok || st.Count == 0 {
		return 0, false
	}
	return st.AvgDuration, true
}

// Timeout returns max(static, TimeoutFactor x average) for path.
func (s *Store) Timeout(path string, static time.Duration) time.Duration {
	avg, ok := s.Average(path)
	if !ok {
		return static
	}
	if scaled := time.Duration(float64(avg) * TimeoutFactor); scaled > static {
		return scaled
	}
	return static
}

// Tests returns every tracked test, sorted by path.
func (s *Store) Tests() ([]*TestStats, error) {
	if s == nil {
		return nil, nil
	}
	var out []*TestStats
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var st TestStats
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, &st)
		}
		return nil
	})
	return out, err
}

// AddRun stores a run record, pruning the oldest beyond the retention limit.
func (s *Store) AddRun(r Run) error {
	if s == nil {
		return nil
	}
	sort.Strings(r.FailedIDs)
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), raw); err != nil {
			return err
		}

		var keys [][]byte
		b.ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
		for i := 0; i < len(keys)-s.maxRuns; i++ {
			if err := b.Delete(keys[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Runs returns up to n most recent runs, newest first.
func (s *Store) Runs(n int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	var out []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(out) < n); k, v = c.Prev() {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// ErrNoRuns is returned by LastRun on an empty history.
var ErrNoRuns = errors.New("no recorded runs")

// LastRun returns the most recent run.
func (s *Store) LastRun() (*Run, error) {
	runs, err := s.Runs(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// LastFailed returns the IDs that failed in the most recent run.
func (s *Store) LastFailed() ([]string, error) {
	r, err := s.LastRun()
	if err != nil {
		return nil, err
	}
	return r.FailedIDs, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
