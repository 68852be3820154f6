// Package watchdog flags a run that stopped making progress.
//
// It never stops anything. When a full interval passes without a Reset it
// prints a timestamped warning, optionally with every goroutine's stack.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultInterval is the idle period that triggers a warning.
const DefaultInterval = 5 * time.Minute

// Config holds configuration for a Watchdog.
type Config struct {
	Interval time.Duration
	Logger   *slog.Logger

	// Out receives the warning banner. Defaults to stderr.
	Out io.Writer

	// DumpStacks appends all goroutine stacks to each warning (CI mode).
	DumpStacks bool

	// OnWarn is called after each warning with the idle duration.
	OnWarn func(idle time.Duration)
}

// Watchdog detects inactivity across a whole run. One instance is reused for
// the entire driver invocation: Start and Stop may be called repeatedly.
type Watchdog struct {
	cfg Config

	mu        sync.Mutex
	progress  bool
	lastReset time.Time
	handles   map[string]*Handle
	cancel    context.CancelFunc
	done      chan struct{}
}

// Handle is a named registration, one per worker. Resetting a handle also
// resets the watchdog; warnings list the handles that have been idle.
type Handle struct {
	name string
	w    *Watchdog

	mu   sync.Mutex
	last time.Time
}

// New creates a stopped watchdog.
func New(cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	return &Watchdog{
		cfg:       cfg,
		lastReset: time.Now(),
		handles:   make(map[string]*Handle),
	}
}

// Start launches the background timer. Starting a running watchdog is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.progress = true
	w.lastReset = time.Now()

	go w.loop(ctx, w.done)
	w.cfg.Logger.Debug("watchdog_started", "interval", w.cfg.Interval.String())
}

// Stop shuts the timer down and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	w.cfg.Logger.Debug("watchdog_stopped")
}

// Running reports whether the timer is active.
func (w *Watchdog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Reset records progress.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.progress = true
	w.lastReset = time.Now()
	w.mu.Unlock()
}

// Idle returns the time since the last Reset.
func (w *Watchdog) Idle() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastReset)
}

// Handle returns the registration for name, creating it on first use.
func (w *Watchdog) Handle(name string) *Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.handles[name]; ok {
		return h
	}
	h := &Handle{name: name, w: w, last: time.Now()}
	w.handles[name] = h
	return h
}

// Release drops a handle once its worker is finished.
func (w *Watchdog) Release(h *Handle) {
	if h == nil {
		return
	}
	w.mu.Lock()
	delete(w.handles, h.name)
	w.mu.Unlock()
}

// Reset records progress for this handle and the whole run.
func (h *Handle) Reset() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
	h.w.Reset()
}

// Name returns the handle's name.
func (h *Handle) Name() string { return h.name }

func (h *Handle) idle() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.last)
}

func (w *Watchdog) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			w.mu.Lock()
			progressed := w.progress
			w.progress = false
			idle := now.Sub(w.lastReset)
			w.mu.Unlock()

			if !progressed {
				w.warn(now, idle)
			}
		}
	}
}

func (w *Watchdog) warn(now time.Time, idle time.Duration) {
	stalled := w.stalledHandles()

	var b strings.Builder
	fmt.Fprintf(&b, "\n*** watchdog: %s: no progress for %s\n", now.Format(time.RFC3339), idle.Round(time.Second))
	if len(stalled) > 0 {
		fmt.Fprintf(&b, "*** idle workers: %s\n", strings.Join(stalled, ", "))
	}
	if w.cfg.DumpStacks {
		b.WriteString("*** goroutine dump follows\n")
		b.Write(allStacks())
		b.WriteString("\n")
	}
	io.WriteString(w.cfg.Out, b.String())

	w.cfg.Logger.Warn("watchdog_idle",
		"idle", idle.String(),
		"stalled_workers", stalled,
	)
	if w.cfg.OnWarn != nil {
		w.cfg.OnWarn(idle)
	}
}

func (w *Watchdog) stalledHandles() []string {
	w.mu.Lock()
	handles := make([]*Handle, 0, len(w.handles))
	for _, h := range w.handles {
		handles = append(handles, h)
	}
	w.mu.Unlock()

	var out []string
	for _, h := range handles {
		if h.idle() >= w.cfg.Interval {
			out = append(out, h.name)
		}
	}
	sort.Strings(out)
	return out
}

func allStacks() []byte {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		if len(buf) >= 8<<20 {
			return buf
		}
		buf = make([]byte, 2*len(buf))
	}
}
