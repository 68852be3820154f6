package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/briandowns/spinner"
)

// Discovery defaults. 120 attempts at up to 5s apart is roughly ten minutes.
const (
	DefaultAttempts     = 120
	DefaultInterval     = 5 * time.Second
	DefaultRestartAfter = 50
)

// DiscoveryConfig controls how an agent endpoint is located.
type DiscoveryConfig struct {
	// Endpoint is the agent's host:port.
	Endpoint string

	Attempts     int
	Interval     time.Duration
	RestartAfter int // 0 disables the restart

	// Restart relaunches the agent application. Called at most once per
	// acquisition.
	Restart func(ctx context.Context) error

	Backoff    BackoffConfig
	Seed       int64
	HTTPClient *http.Client
	Logger     *slog.Logger

	// Progress, when set, shows a spinner while waiting.
	Progress io.Writer
}

// Endpoint is an agent that answered a ping.
type Endpoint struct {
	Identity string
	Version  string
	Address  string
	LastSeen time.Time
}

// DiscoveryTimeoutError is returned when an agent stayed unreachable for the
// whole retry budget.
type DiscoveryTimeoutError struct {
	Endpoint  string
	Attempts  int
	Elapsed   time.Duration
	Restarted bool
	Last      error
}

func (e *DiscoveryTimeoutError) Error() string {
	restart := ""
	if e.Restarted {
		restart = ", after restarting the agent"
	}
	return fmt.Sprintf("agent %s unreachable after %d attempts in %s%s: %v",
		e.Endpoint, e.Attempts, e.Elapsed.Round(time.Second), restart, e.Last)
}

func (e *DiscoveryTimeoutError) Unwrap() error { return e.Last }

// Discovery finds agents and remembers the ones it has seen, keyed by their
// stable identity.
type Discovery struct {
	cfg    DiscoveryConfig
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]Endpoint
}

// NewDiscovery creates a Discovery, filling defaults.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Backoff.Max <= 0 || cfg.Backoff.Max > cfg.Interval {
		cfg.Backoff.Max = cfg.Interval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discovery{cfg: cfg, logger: cfg.Logger, known: make(map[string]Endpoint)}
}

// Ping asks the agent for its identity once.
func (d *Discovery) Ping(ctx context.Context) (*Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+d.cfg.Endpoint+"/v1/ping", nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	var pr PingResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode ping: %w", err)
	}
	if pr.Identity == "" {
		return nil, fmt.Errorf("agent at %s has no identity", d.cfg.Endpoint)
	}

	ep := Endpoint{Identity: pr.Identity, Version: pr.Version, Address: d.cfg.Endpoint, LastSeen: time.Now()}
	d.mu.Lock()
	d.known[ep.Identity] = ep
	d.mu.Unlock()
	return &ep, nil
}

// Acquire pings until the agent answers, restarting it once after
// RestartAfter failed attempts. It gives up with a DiscoveryTimeoutError.
func (d *Discovery) Acquire(ctx context.Context) (*Endpoint, error) {
	start := time.Now()
	backoff := NewBackoff(d.cfg.Endpoint, d.cfg.Seed, d.cfg.Backoff)

	var s *spinner.Spinner
	if d.cfg.Progress != nil {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(d.cfg.Progress))
		s.Suffix = " Waiting for agent " + d.cfg.Endpoint + "..."
		s.Start()
		defer s.Stop()
	}

	restarted := false
	var last error
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		ep, err := d.Ping(ctx)
		if err == nil {
			if attempt > 1 {
				d.logger.Info("agent_discovered",
					"endpoint", ep.Address,
					"identity", ep.Identity,
					"attempts", attempt,
				)
			}
			return ep, nil
		}
		last = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if attempt == d.cfg.RestartAfter && d.cfg.Restart != nil && !restarted {
			restarted = true
			d.logger.Warn("agent_restart", "endpoint", d.cfg.Endpoint, "attempts", attempt, "error", err)
			if rerr := d.cfg.Restart(ctx); rerr != nil {
				d.logger.Warn("agent_restart_failed", "endpoint", d.cfg.Endpoint, "error", rerr)
			}
		}
		if attempt == d.cfg.Attempts {
			break
		}

		if s != nil {
			s.Lock()
			s.Suffix = fmt.Sprintf(" Waiting for agent %s (attempt %d/%d)...", d.cfg.Endpoint, attempt+1, d.cfg.Attempts)
			s.Unlock()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}

	return nil, &DiscoveryTimeoutError{
		Endpoint:  d.cfg.Endpoint,
		Attempts:  d.cfg.Attempts,
		Elapsed:   time.Since(start),
		Restarted: restarted,
		Last:      last,
	}
}

// Restart runs the restart hook directly, e.g. after a dropped connection.
func (d *Discovery) Restart(ctx context.Context) error {
	if d.cfg.Restart == nil {
		return nil
	}
	d.logger.Warn("agent_restart", "endpoint", d.cfg.Endpoint, "reason", "connection lost")
	return d.cfg.Restart(ctx)
}

// Known returns every agent seen so far, sorted by identity.
func (d *Discovery) Known() []Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Endpoint, 0, len(d.known))
	for _, ep := range d.known {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Address returns the configured endpoint.
func (d *Discovery) Address() string { return d.cfg.Endpoint }
