// Package suite declares test suites and runs their cases.
//
// A TestSuite belongs to one mapping and holds uniquely named TestCases. Each
// case runs through a small state machine: servers start sequentially and
// must print their ready lines, clients run sequentially, then servers stop
// in reverse order. Suites are usually loaded from suite.yaml files by a
// Catalog.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
	"github.com/randomizedcoder/go-interop-driver/internal/stats"
)

// TestSuite is a named collection of cases rooted at one directory.
type TestSuite struct {
	ID      string
	Mapping *mapping.Mapping
	Dir     string

	// Options restricts the configurations the whole suite runs under.
	Options map[config.Axis][]string

	// Cross marks the suite safe for cross-mapping runs.
	Cross bool

	// ClientMapping is set on a suite returned by CrossWith.
	ClientMapping *mapping.Mapping

	Cases []*TestCase
}

// NewTestSuite creates a suite for m with the given cases.
func NewTestSuite(id string, m *mapping.Mapping, cases ...*TestCase) (*TestSuite, error) {
	if id == "" {
		return nil, errors.New("suite id is required")
	}
	s := &TestSuite{ID: id, Mapping: m}
	if err := s.Add(cases...); err != nil {
		return nil, err
	}
	return s, nil
}

// Add appends cases. Names must be non-empty and unique within the suite.
func (s *TestSuite) Add(cases ...*TestCase) error {
	seen := make(map[string]bool, len(s.Cases)+len(cases))
	for _, tc := range s.Cases {
		seen[tc.Name] = true
	}
	for _, tc := range cases {
		if tc.Name == "" {
			return fmt.Errorf("%s: case name is required", s.ID)
		}
		if seen[tc.Name] {
			return fmt.Errorf("%s: duplicate case %q", s.ID, tc.Name)
		}
		seen[tc.Name] = true
		s.Cases = append(s.Cases, tc)
	}
	return nil
}

// Path identifies the suite in output and filters: "<mapping>/<id>", or
// "<client>-<server>/<id>" for a cross suite.
func (s *TestSuite) Path() string {
	prefix := s.Mapping.Name()
	if s.ClientMapping != nil {
		prefix = s.ClientMapping.Name() + "-" + prefix
	}
	return prefix + "/" + s.ID
}

// CasePath is the identifying path of one case.
func (s *TestSuite) CasePath(tc *TestCase) string {
	return s.Path() + "/" + tc.Name
}

// Applies reports whether the suite runs under cfg.
func (s *TestSuite) Applies(cfg *config.Configuration) bool {
	return s.Options == nil || cfg.Matches(s.Options)
}

// CrossWith returns a copy of the suite whose clients run under client.
// Servers keep the suite's mapping. Declared cases are not modified.
func (s *TestSuite) CrossWith(client *mapping.Mapping) *TestSuite {
	cp := *s
	cp.ClientMapping = client
	cp.Cases = make([]*TestCase, len(s.Cases))
	for i, tc := range s.Cases {
		cp.Cases[i] = crossCase(tc, client)
	}
	return &cp
}

func crossCase(tc *TestCase, client *mapping.Mapping) *TestCase {
	cp := *tc
	cp.Clients = make([]*process.Descriptor, len(tc.Clients))
	for i, d := range tc.Clients {
		dc := *d
		dc.Mapping = client
		cp.Clients[i] = &dc
	}
	cp.Children = make([]*TestCase, len(tc.Children))
	for i, child := range tc.Children {
		cp.Children[i] = crossCase(child, client)
	}
	return &cp
}

// Filter selects case paths with include and exclude regular expressions.
// With no include patterns every path is included.
type Filter struct {
	Include []*regexp.Regexp
	Exclude []*regexp.Regexp

	// Only, when non-nil, restricts the selection to these exact paths.
	Only map[string]bool
}

// NewFilter compiles include and exclude patterns.
func NewFilter(include, exclude []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range include {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", p, err)
		}
		f.Include = append(f.Include, re)
	}
	for _, p := range exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("rfilter %q: %w", p, err)
		}
		f.Exclude = append(f.Exclude, re)
	}
	return f, nil
}

// Match reports whether path is selected. A nil filter selects everything.
func (f *Filter) Match(path string) bool {
	if f == nil {
		return true
	}
	if f.Only != nil && !f.Only[path] {
		return false
	}
	for _, re := range f.Exclude {
		if re.MatchString(path) {
			return false
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, re := range f.Include {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// WithPaths returns a copy of f restricted to paths.
func (f *Filter) WithPaths(paths []string) *Filter {
	out := &Filter{}
	if f != nil {
		*out = *f
	}
	out.Only = make(map[string]bool, len(paths))
	for _, p := range paths {
		out.Only[p] = true
	}
	return out
}

// Selected returns the cases of s that f selects.
func (f *Filter) Selected(s *TestSuite) []*TestCase {
	var out []*TestCase
	for _, tc := range s.Cases {
		if f.Match(s.CasePath(tc)) {
			out = append(out, tc)
		}
	}
	return out
}

// RunOptions controls one suite run.
type RunOptions struct {
	// KeepGoing runs the remaining cases after a failure.
	KeepGoing bool

	// Filter selects cases; unselected cases count as skipped.
	Filter *Filter

	// Out receives one progress line per case. Nil discards them.
	Out io.Writer
}

// Run executes every case of the suite under rc.Process.Config and returns
// the suite's Result. The error is ErrInterrupted when ctx was cancelled and
// ErrAborted when a failure stopped the suite; case failures alone are only
// recorded in the Result when KeepGoing is set.
func (s *TestSuite) Run(ctx context.Context, rc *RunContext, opts RunOptions) (*stats.Result, error) {
	cfg := rc.Process.Config
	res := stats.NewResult(strings.TrimSuffix(s.Path(), "/"+s.ID), cfg.String(), s.ID, len(s.Cases))
	defer res.Finish()

	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	spc := rc.Process.Child(nil, s.Path())
	if s.Dir != "" {
		spc.Dir = s.Dir
	}
	if spc.Echo != nil {
		spc.Echo = io.MultiWriter(res, spc.Echo)
	} else {
		spc.Echo = res
	}
	src := *rc
	src.Process = spc
	logger := rc.logger().With("suite", s.Path(), "config", cfg.String())

	for _, tc := range s.Cases {
		if ctx.Err() != nil {
			res.Interrupt()
			return res, ErrInterrupted
		}
		path := s.CasePath(tc)
		i := res.Begin()

		if !tc.Applies(cfg) || !opts.Filter.Match(path) {
			res.Skip()
			logger.Debug("test_skipped", "test", path)
			continue
		}

		fmt.Fprintf(out, "%s %s %s\n", stats.FormatProgress(i, res.Total()), path, cfg)
		start := time.Now()
		err := tc.Run(ctx, &src, path)
		d := time.Since(start)
		rc.recorder().TestFinished(path, err == nil, d)

		if err == nil {
			res.Pass(path, d)
			fmt.Fprintf(out, "%s %s ok (%s)\n", stats.FormatProgress(i, res.Total()), path, stats.FormatMs(d))
			continue
		}

		var traces []string
		var ce *CaseError
		if errors.As(err, &ce) {
			traces = ce.Traces
		}
		res.Fail(path, err, traces, d)
		fmt.Fprintf(out, "%s %s FAILED: %s\n", stats.FormatProgress(i, res.Total()), path, firstLine(err.Error()))
		logger.Error("test_failed", "test", path, "error", err, "duration", d)

		if errors.Is(err, ErrInterrupted) {
			res.Interrupt()
			return res, ErrInterrupted
		}
		if !opts.KeepGoing {
			res.Abort()
			return res, fmt.Errorf("%s: %w", path, ErrAborted)
		}
	}
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
