// Package matrix expands mappings, axis values and suites into the ordered
// plan of suite runs.
//
// Expansion first builds the full product of (mapping, configuration, suite)
// plus the cross-mapping pairs, then evaluates exclusions on each candidate.
// Excluded candidates are kept in Plan.Skipped with the reason, so a CI log
// can say why a combination did not run. Iteration never depends on map
// order: the same input always yields the same plan, which keeps --start
// reproducible.
package matrix

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
)

// Axes lists the values to sweep per axis. Axes not listed keep the
// mapping's value.
type Axes map[config.Axis][]string

// AllAxes sweeps every transport and boolean facet.
func AllAxes() Axes {
	return Axes{
		config.AxisProtocol:  append([]string(nil), config.Protocols...),
		config.AxisCompress:  {"false", "true"},
		config.AxisIPv6:      {"false", "true"},
		config.AxisSerialize: {"false", "true"},
		config.AxisMX:        {"false", "true"},
	}
}

// Validate checks every value against its axis.
func (a Axes) Validate() error {
	for _, axis := range config.Axes {
		for _, v := range a[axis] {
			if err := config.NewConfiguration().Set(axis, v); err != nil {
				return err
			}
		}
	}
	for axis := range a {
		if _, err := config.ParseAxis(string(axis)); err != nil {
			return err
		}
	}
	return nil
}

// SuiteSource returns the suites of a mapping in a stable order.
type SuiteSource interface {
	Suites(m *mapping.Mapping) []*suite.TestSuite
}

// Input is everything Expand needs.
type Input struct {
	// Base holds the user's pinned axes. Unpinned axes follow each
	// mapping's defaults.
	Base *config.Configuration
	Axes Axes

	// Mappings are the active mappings, in run order.
	Mappings []*mapping.Mapping

	// Cross lists client mappings to pair with every other active mapping.
	Cross []*mapping.Mapping

	Suites SuiteSource
	Filter *suite.Filter

	// GOOS overrides the platform used for unsupported-combination rules.
	GOOS string
}

// Entry is one suite run in the plan.
type Entry struct {
	// Index is the 1-based position in the plan.
	Index int

	Mapping *mapping.Mapping
	// Client is set for cross entries.
	Client *mapping.Mapping
	Config *config.Configuration
	Suite  *suite.TestSuite
}

func (e *Entry) String() string {
	return e.Suite.Path() + " " + e.Config.String()
}

// Skip is an excluded combination.
type Skip struct {
	Suite  string
	Config string
	Reason string
}

func (s Skip) String() string {
	return fmt.Sprintf("%s [%s]: %s", s.Suite, s.Config, s.Reason)
}

// Plan is the expanded matrix.
type Plan struct {
	Entries []*Entry
	Skipped []Skip
}

type candidate struct {
	server *mapping.Mapping
	client *mapping.Mapping
	cfg    *config.Configuration
	suite  *suite.TestSuite
}

// Expand builds the plan for in.
func Expand(in Input) *Plan {
	base := in.Base
	if base == nil {
		base = config.NewConfiguration()
	}

	var raw []candidate
	configs := make(map[string][]*config.Configuration, len(in.Mappings))
	for _, m := range in.Mappings {
		configs[m.Name()] = Configurations(base.CloneFor(m.Defaults), in.Axes)
	}

	for _, m := range in.Mappings {
		suites := in.Suites.Suites(m)
		for _, cfg := range configs[m.Name()] {
			for _, s := range suites {
				raw = append(raw, candidate{server: m, cfg: cfg, suite: s})
			}
		}
	}

	for _, m := range in.Mappings {
		suites := in.Suites.Suites(m)
		for _, c := range in.Cross {
			if c.Name() == m.Name() {
				continue
			}
			crossed := make([]*suite.TestSuite, len(suites))
			for i, s := range suites {
				crossed[i] = s.CrossWith(c)
			}
			for _, cfg := range configs[m.Name()] {
				for _, s := range crossed {
					raw = append(raw, candidate{server: m, client: c, cfg: cfg, suite: s})
				}
			}
		}
	}

	p := &Plan{}
	for _, c := range raw {
		if why := exclusion(c, in.Filter, in.GOOS); why != "" {
			p.Skipped = append(p.Skipped, Skip{Suite: c.suite.Path(), Config: c.cfg.String(), Reason: why})
			continue
		}
		p.Entries = append(p.Entries, &Entry{
			Index:   len(p.Entries) + 1,
			Mapping: c.server,
			Client:  c.client,
			Config:  c.cfg,
			Suite:   c.suite,
		})
	}
	return p
}

// Configurations returns base swept over axes in canonical axis order.
// Pinned axes are never swept. Duplicates are dropped, keeping the first.
func Configurations(base *config.Configuration, axes Axes) []*config.Configuration {
	cfgs := []*config.Configuration{base}
	for _, a := range config.Axes {
		values := axes[a]
		if len(values) == 0 || base.Pinned(a) {
			continue
		}
		next := make([]*config.Configuration, 0, len(cfgs)*len(values))
		for _, c := range cfgs {
			for _, v := range values {
				next = append(next, c.With(a, v))
			}
		}
		cfgs = next
	}

	seen := make(map[string]bool, len(cfgs))
	out := cfgs[:0]
	for _, c := range cfgs {
		if k := c.Key(); !seen[k] {
			seen[k] = true
			out = append(out, c)
		}
	}
	return out
}

func exclusion(c candidate, f *suite.Filter, goos string) string {
	if ok, why := c.server.Supports(c.cfg, goos); !ok {
		return why
	}
	if c.client != nil {
		switch {
		case !c.suite.Cross:
			return "suite is not cross-test capable"
		case c.server.ClientOnly:
			return c.server.Name() + " has no servers"
		case !c.server.CrossCapable:
			return c.server.Name() + " is not cross-test capable"
		case !c.client.CrossCapable:
			return c.client.Name() + " is not cross-test capable"
		}
		if ok, why := c.client.Supports(c.cfg, goos); !ok {
			return why
		}
	}
	if !c.suite.Applies(c.cfg) {
		return "suite does not run with " + c.cfg.String()
	}

	applicable := 0
	selected := 0
	for _, tc := range c.suite.Cases {
		if !tc.Applies(c.cfg) {
			continue
		}
		applicable++
		if f.Match(c.suite.CasePath(tc)) {
			selected++
		}
	}
	if applicable == 0 {
		return "no case runs with " + c.cfg.String()
	}
	if selected == 0 {
		return "no case selected by the filters"
	}
	return ""
}

// From returns the entries starting at the 1-based index start.
func (p *Plan) From(start int) ([]*Entry, error) {
	if start <= 1 {
		return p.Entries, nil
	}
	if start > len(p.Entries) {
		return nil, fmt.Errorf("start index %d is beyond the %d planned entries", start, len(p.Entries))
	}
	return p.Entries[start-1:], nil
}

// Reasons counts skipped combinations per reason, most frequent first.
func (p *Plan) Reasons() []string {
	counts := make(map[string]int)
	for _, s := range p.Skipped {
		counts[s.Reason]++
	}
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if counts[reasons[i]] != counts[reasons[j]] {
			return counts[reasons[i]] > counts[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = fmt.Sprintf("%4d  %s", counts[r], r)
	}
	return out
}

// Render writes the plan as a table. showSkipped appends the excluded
// combinations.
func (p *Plan) Render(w io.Writer, showSkipped bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"#", "SUITE", "CONFIG", "CASES"})
	for _, e := range p.Entries {
		t.AppendRow(table.Row{e.Index, e.Suite.Path(), e.Config.String(), len(e.Suite.Cases)})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d entries", len(p.Entries)), fmt.Sprintf("%d skipped", len(p.Skipped)), ""})
	t.Render()

	if !showSkipped || len(p.Skipped) == 0 {
		return
	}
	fmt.Fprintln(w)
	s := table.NewWriter()
	s.SetOutputMirror(w)
	s.SetStyle(table.StyleRounded)
	s.AppendHeader(table.Row{"SUITE", "CONFIG", "REASON"})
	for _, sk := range p.Skipped {
		s.AppendRow(table.Row{sk.Suite, sk.Config, sk.Reason})
	}
	s.Render()
}

// Describe is a one-line summary of the plan.
func (p *Plan) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d suite runs", len(p.Entries))
	if n := len(p.Skipped); n > 0 {
		fmt.Fprintf(&b, ", %d combinations skipped", n)
	}
	return b.String()
}
