package expect

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedLater(s *Stream, delay time.Duration, chunks ...string) {
	go func() {
		for _, c := range chunks {
			time.Sleep(delay)
			s.Write([]byte(c))
		}
	}()
}

func TestStream_ExpectConsumesThroughMatch(t *testing.T) {
	const input = "starting\nHello.Adapter ready\ntrailing output"

	s := NewStream(StreamConfig{Name: "server"})
	s.Write([]byte(input))

	idx, err := s.Expect(context.Background(), time.Second, MustCompile(`(\S+) ready`))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	m := s.Match()
	require.Len(t, m, 2)
	assert.Equal(t, "Hello.Adapter ready", m[0])
	assert.Equal(t, "Hello.Adapter", m[1])

	// consumed prefix + match + remainder reproduces the stream
	assert.Equal(t, input, s.Before()+m[0]+s.Buffer())
	assert.Equal(t, "\ntrailing output", s.Buffer())
	assert.Equal(t, input, s.Output())
}

func TestStream_EarliestMatchWins(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		patterns []Pattern
		want     int
	}{
		{
			name:     "later pattern matches earlier text",
			input:    "error: boom\nok\n",
			patterns: []Pattern{Literal("ok"), Literal("error")},
			want:     1,
		},
		{
			name:     "tie goes to lower index",
			input:    "ready\n",
			patterns: []Pattern{MustCompile(`re\w+`), Literal("ready")},
			want:     0,
		},
		{
			name:     "first pattern only",
			input:    "abc",
			patterns: []Pattern{Literal("b"), Literal("zzz")},
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(StreamConfig{Name: "t"})
			s.Write([]byte(tt.input))
			idx, err := s.Expect(context.Background(), time.Second, tt.patterns...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, idx)
		})
	}
}

func TestStream_PartialReadsDoNotReportEOF(t *testing.T) {
	s := NewStream(StreamConfig{Name: "server"})
	feedLater(s, 20*time.Millisecond, "Hello.Ad", "apt", "er rea", "dy\n")

	idx, err := s.Expect(context.Background(), 2*time.Second, Literal("Hello.Adapter ready"), EOF)
	require.NoError(t, err)
	assert.Equal(t, 0, idx, "EOF must not be reported while the stream is open")
	assert.False(t, s.Closed())
}

func TestStream_SequentialExpectsShareBuffer(t *testing.T) {
	s := NewStream(StreamConfig{Name: "client"})
	s.Write([]byte("one\ntwo\nthree\n"))

	for _, want := range []string{"one", "two", "three"} {
		_, err := s.Expect(context.Background(), time.Second, Literal(want))
		require.NoError(t, err)
	}
	assert.Equal(t, "\n", s.Buffer())

	_, err := s.Expect(context.Background(), 50*time.Millisecond, Literal("one"))
	assert.True(t, IsTimeout(err), "consumed text must not match again")
}

func TestStream_TimeoutIsBounded(t *testing.T) {
	s := NewStream(StreamConfig{Name: "server"})
	s.Write([]byte("nothing useful\n"))

	const timeout = 150 * time.Millisecond
	start := time.Now()
	idx, err := s.Expect(context.Background(), timeout, Literal("never"))
	elapsed := time.Since(start)

	assert.Equal(t, -1, idx)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.False(t, te.EOF)
	assert.Equal(t, "nothing useful\n", te.Buffer)
	assert.Equal(t, []string{"never"}, te.Patterns)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
}

func TestStream_TimeoutWhileOutputKeepsFlowing(t *testing.T) {
	s := NewStream(StreamConfig{Name: "chatty"})
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				s.Write([]byte("tick\n"))
			}
		}
	}()

	start := time.Now()
	_, err := s.Expect(context.Background(), 100*time.Millisecond, Literal("never"))
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 600*time.Millisecond)
}

func TestStream_TimeoutPattern(t *testing.T) {
	s := NewStream(StreamConfig{Name: "t"})
	idx, err := s.Expect(context.Background(), 30*time.Millisecond, Literal("never"), TIMEOUT)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestStream_EOF(t *testing.T) {
	t.Run("final match after close", func(t *testing.T) {
		s := NewStream(StreamConfig{Name: "t"})
		s.Write([]byte("bye"))
		s.Close()
		idx, err := s.Expect(context.Background(), time.Second, Literal("bye"), EOF)
		require.NoError(t, err)
		assert.Equal(t, 0, idx)
	})

	t.Run("eof pattern", func(t *testing.T) {
		s := NewStream(StreamConfig{Name: "t"})
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Close()
		}()
		idx, err := s.Expect(context.Background(), time.Second, Literal("never"), EOF)
		require.NoError(t, err)
		assert.Equal(t, 1, idx)
	})

	t.Run("eof without pattern", func(t *testing.T) {
		s := NewStream(StreamConfig{Name: "t"})
		s.Write([]byte("partial"))
		s.Close()
		_, err := s.Expect(context.Background(), time.Second, Literal("never"))
		var te *TimeoutError
		require.True(t, errors.As(err, &te))
		assert.True(t, te.EOF)
		assert.Equal(t, "partial", te.Buffer)
	})

	t.Run("write after close", func(t *testing.T) {
		s := NewStream(StreamConfig{Name: "t"})
		s.Close()
		_, err := s.Write([]byte("late"))
		assert.Error(t, err)
	})
}

func TestStream_ContextCancel(t *testing.T) {
	s := NewStream(StreamConfig{Name: "t"})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := s.Expect(ctx, -1, Literal("never"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStream_ExpectAllOrderIndependent(t *testing.T) {
	patterns := []Pattern{Literal("Adapter1 ready"), Literal("Adapter2 ready"), Literal("Adapter3 ready")}
	orders := [][]string{
		{"Adapter1 ready\n", "Adapter2 ready\n", "Adapter3 ready\n"},
		{"Adapter3 ready\n", "Adapter1 ready\n", "Adapter2 ready\n"},
		{"Adapter2 ready\nnoise\n", "Adapter3 ", "ready\nAdapter1 ready\n"},
	}

	for _, chunks := range orders {
		s := NewStream(StreamConfig{Name: "t"})
		feedLater(s, 5*time.Millisecond, chunks...)

		out, err := s.ExpectAll(context.Background(), 2*time.Second, patterns...)
		require.NoError(t, err)
		for _, p := range []string{"Adapter1 ready", "Adapter2 ready", "Adapter3 ready"} {
			assert.Contains(t, out, p)
		}
	}
}

func TestStream_ExpectAllReportsPending(t *testing.T) {
	s := NewStream(StreamConfig{Name: "t"})
	s.Write([]byte("a ready\n"))

	_, err := s.ExpectAll(context.Background(), 50*time.Millisecond, Literal("a ready"), Literal("b ready"))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, []string{"b ready"}, te.Patterns)
}

func TestStream_EchoAndFilters(t *testing.T) {
	var echo bytes.Buffer
	s := NewStream(StreamConfig{
		Name:    "t",
		Echo:    &echo,
		Filters: []*regexp.Regexp{regexp.MustCompile(`^debug:`)},
	})

	s.Write([]byte("debug: noisy\nkept line\r\npart"))
	s.Write([]byte("ial\n"))
	s.Close()

	assert.Equal(t, "kept line\npartial\n", echo.String())

	// filtered lines are still matchable
	idx, err := s.Expect(context.Background(), time.Second, Literal("noisy"))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestStream_Quiet(t *testing.T) {
	var echo bytes.Buffer
	s := NewStream(StreamConfig{Name: "t", Echo: &echo, Quiet: true})
	s.Write([]byte("hidden\n"))
	assert.Empty(t, echo.String())
}

func TestStream_RawSeesEveryChunk(t *testing.T) {
	var echo, raw bytes.Buffer
	s := NewStream(StreamConfig{
		Name:    "t",
		Echo:    &echo,
		Quiet:   true,
		Filters: []*regexp.Regexp{regexp.MustCompile(`^debug:`)},
		Raw:     &raw,
	})

	s.Write([]byte("debug: noisy\n"))
	s.Write([]byte("==> "))
	assert.Equal(t, "debug: noisy\n==> ", raw.String())
	assert.Empty(t, echo.String())
}

func TestStream_ProgressCallback(t *testing.T) {
	var n atomic.Int32
	s := NewStream(StreamConfig{Name: "t", Progress: func() { n.Add(1) }})
	s.Write([]byte("x\n"))
	_, err := s.Expect(context.Background(), time.Second, Literal("x"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n.Load(), int32(2))
}
