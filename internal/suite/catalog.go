package suite

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

// SuiteFile is the file name that declares a suite.
const SuiteFile = "suite.yaml"

// suiteSpec is the YAML form of a suite. Suites live under
// <root>/<mapping>/<id>/suite.yaml; the id defaults to the directory path.
type suiteSpec struct {
	ID      string              `yaml:"id"`
	Cross   bool                `yaml:"cross"`
	Options map[string][]string `yaml:"options"`
	Cases   []caseSpec          `yaml:"cases"`
}

type caseSpec struct {
	Name     string              `yaml:"name"`
	Mapping  string              `yaml:"mapping"`
	Options  map[string][]string `yaml:"options"`
	Servers  []participantSpec   `yaml:"servers"`
	Clients  []participantSpec   `yaml:"clients"`
	Children []caseSpec          `yaml:"children"`
}

type participantSpec struct {
	Name           string            `yaml:"name"`
	Exe            string            `yaml:"exe"`
	Mapping        string            `yaml:"mapping"`
	Args           []string          `yaml:"args"`
	Props          map[string]string `yaml:"props"`
	Env            map[string]string `yaml:"env"`
	Filters        []string          `yaml:"filters"`
	ReadyCount     int               `yaml:"ready_count"`
	ReadyToken     string            `yaml:"ready_token"`
	Quiet          bool              `yaml:"quiet"`
	ExpectedStatus int               `yaml:"expected_status"`
	Timeout        time.Duration     `yaml:"timeout"`
	Interrupt      bool              `yaml:"interrupt"`
	Steps          []stepSpec        `yaml:"steps"`
}

// stepSpec is one interaction with a running client: wait for Expect, or
// write Send followed by a newline.
type stepSpec struct {
	Expect  string        `yaml:"expect"`
	Send    string        `yaml:"send"`
	Timeout time.Duration `yaml:"timeout"`
}

type step struct {
	expect  expect.Pattern
	send    string
	isSend  bool
	timeout time.Duration
}

// Catalog holds the suites discovered under a root directory, per mapping.
type Catalog struct {
	root   string
	suites map[string][]*TestSuite
}

// LoadCatalog walks <root>/<mapping> for every mapping in ms and loads each
// suite.yaml found. A mapping without a directory has no suites.
func LoadCatalog(root string, ms []*mapping.Mapping) (*Catalog, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("suite root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("suite root %s is not a directory", root)
	}

	known := make(map[string]*mapping.Mapping, len(ms))
	for _, m := range ms {
		known[m.Name()] = m
	}

	c := &Catalog{root: root, suites: make(map[string][]*TestSuite)}
	for _, m := range ms {
		base := filepath.Join(root, m.Name())
		if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		suites, err := loadMappingDir(base, m, known)
		if err != nil {
			return nil, err
		}
		c.suites[m.Name()] = suites
	}
	return c, nil
}

func loadMappingDir(base string, m *mapping.Mapping, known map[string]*mapping.Mapping) ([]*TestSuite, error) {
	var suites []*TestSuite
	ids := make(map[string]string)

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != SuiteFile {
			return nil
		}

		dir := filepath.Dir(path)
		rel, err := filepath.Rel(base, dir)
		if err != nil {
			return err
		}
		s, err := loadSuiteFile(path, filepath.ToSlash(rel), m, known)
		if err != nil {
			return fmt.Errorf("failed to load suite from %s: %w", path, err)
		}
		if prev, ok := ids[s.ID]; ok {
			return fmt.Errorf("suite %s declared twice: %s and %s", s.ID, prev, path)
		}
		ids[s.ID] = path
		s.Dir = dir
		suites = append(suites, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", base, err)
	}

	sort.Slice(suites, func(i, j int) bool { return suites[i].ID < suites[j].ID })
	return suites, nil
}

func loadSuiteFile(path, defaultID string, m *mapping.Mapping, known map[string]*mapping.Mapping) (*TestSuite, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return ParseSuite(content, defaultID, m, known)
}

// ParseSuite builds a suite for m from YAML. known resolves the mapping
// names a case or participant may refer to; names missing from it are looked
// up with mapping.Lookup.
func ParseSuite(content []byte, defaultID string, m *mapping.Mapping, known map[string]*mapping.Mapping) (*TestSuite, error) {
	var spec suiteSpec
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if spec.ID == "" {
		spec.ID = defaultID
	}
	if spec.ID == "" || spec.ID == "." {
		return nil, errors.New("suite id is required")
	}
	if len(spec.Cases) == 0 {
		return nil, errors.New("suite must have at least one case")
	}

	b := &builder{known: known}
	s, err := NewTestSuite(spec.ID, m)
	if err != nil {
		return nil, err
	}
	s.Cross = spec.Cross
	if s.Options, err = parseOptions(spec.Options); err != nil {
		return nil, err
	}
	for i, cs := range spec.Cases {
		tc, err := b.testCase(cs)
		if err != nil {
			return nil, fmt.Errorf("case %d: %w", i+1, err)
		}
		if err := s.Add(tc); err != nil {
			return nil, err
		}
	}
	return s, nil
}

type builder struct {
	known map[string]*mapping.Mapping
}

func (b *builder) mapping(name string) (*mapping.Mapping, error) {
	if name == "" {
		return nil, nil
	}
	if m, ok := b.known[name]; ok {
		return m, nil
	}
	return mapping.Lookup(name)
}

func (b *builder) testCase(cs caseSpec) (*TestCase, error) {
	if cs.Name == "" {
		return nil, errors.New("case name is required")
	}
	if len(cs.Servers) == 0 && len(cs.Clients) == 0 && len(cs.Children) == 0 {
		return nil, fmt.Errorf("%s: case has no participants", cs.Name)
	}

	tc := &TestCase{Name: cs.Name}
	var err error
	if tc.Mapping, err = b.mapping(cs.Mapping); err != nil {
		return nil, fmt.Errorf("%s: %w", cs.Name, err)
	}
	if tc.Options, err = parseOptions(cs.Options); err != nil {
		return nil, fmt.Errorf("%s: %w", cs.Name, err)
	}

	for _, ps := range cs.Servers {
		if len(ps.Steps) > 0 {
			return nil, fmt.Errorf("%s: steps are only supported on clients", cs.Name)
		}
		d, err := b.descriptor(ps, mapping.Server)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cs.Name, err)
		}
		tc.Servers = append(tc.Servers, d)
	}

	steps := make(map[string][]step)
	clients := make(map[string]bool)
	for _, ps := range cs.Clients {
		d, err := b.descriptor(ps, mapping.Client)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cs.Name, err)
		}
		// Steps and reports key clients by label.
		if clients[d.Label()] {
			return nil, fmt.Errorf("%s: duplicate client %q", cs.Name, d.Label())
		}
		clients[d.Label()] = true
		tc.Clients = append(tc.Clients, d)
		if len(ps.Steps) > 0 {
			if steps[d.Label()], err = parseSteps(ps.Steps); err != nil {
				return nil, fmt.Errorf("%s: %s: %w", cs.Name, d.Label(), err)
			}
		}
	}
	if len(steps) > 0 {
		tc.Interact = stepInteraction(steps)
	}

	seen := make(map[string]bool)
	for _, child := range cs.Children {
		ctc, err := b.testCase(child)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cs.Name, err)
		}
		if seen[ctc.Name] {
			return nil, fmt.Errorf("%s: duplicate child %q", cs.Name, ctc.Name)
		}
		seen[ctc.Name] = true
		tc.Children = append(tc.Children, ctc)
	}
	return tc, nil
}

func (b *builder) descriptor(ps participantSpec, role mapping.Role) (*process.Descriptor, error) {
	if ps.ReadyCount < 0 {
		return nil, errors.New("ready_count cannot be negative")
	}
	if ps.Timeout < 0 {
		return nil, errors.New("timeout cannot be negative")
	}

	var d *process.Descriptor
	if role == mapping.Server {
		d = process.NewServer(ps.Name)
	} else {
		d = process.NewClient(ps.Name)
	}
	d.Exe = ps.Exe
	d.Args = ps.Args
	d.Props = ps.Props
	d.Env = ps.Env
	d.ReadyToken = ps.ReadyToken
	if ps.ReadyCount > 0 {
		d.ReadyCount = ps.ReadyCount
	}
	d.Quiet = ps.Quiet
	d.ExpectedStatus = ps.ExpectedStatus
	d.Timeout = ps.Timeout
	d.Interrupt = ps.Interrupt

	var err error
	if d.Mapping, err = b.mapping(ps.Mapping); err != nil {
		return nil, err
	}
	for _, f := range ps.Filters {
		re, err := regexp.Compile(f)
		if err != nil {
			return nil, fmt.Errorf("%s: filter %q: %w", d.Label(), f, err)
		}
		d.Filters = append(d.Filters, re)
	}
	return d, nil
}

func parseOptions(in map[string][]string) (map[config.Axis][]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[config.Axis][]string, len(in))
	for name, values := range in {
		a, err := config.ParseAxis(name)
		if err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
		out[a] = values
	}
	return out, nil
}

func parseSteps(specs []stepSpec) ([]step, error) {
	out := make([]step, 0, len(specs))
	for i, ss := range specs {
		switch {
		case ss.Expect != "" && ss.Send != "":
			return nil, fmt.Errorf("step %d: expect and send are exclusive", i+1)
		case ss.Expect != "":
			pat, err := expect.Re(ss.Expect)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			out = append(out, step{expect: pat, timeout: ss.Timeout})
		case ss.Send != "":
			out = append(out, step{send: ss.Send, isSend: true})
		default:
			return nil, fmt.Errorf("step %d: expect or send is required", i+1)
		}
	}
	return out, nil
}

// stepInteraction runs the steps declared for a client, looked up by label so
// the interaction survives CrossWith copying descriptors.
func stepInteraction(steps map[string][]step) Interaction {
	return func(ctx context.Context, pc *process.Context, d *process.Descriptor, inst process.Instance) error {
		for i, st := range steps[d.Label()] {
			if st.isSend {
				if err := inst.SendLine(st.send); err != nil {
					return fmt.Errorf("step %d: %w", i+1, err)
				}
				continue
			}
			timeout := st.timeout
			if timeout == 0 {
				timeout = pc.Timeouts.Expect
			}
			if _, err := inst.Expect(ctx, timeout, st.expect); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
		return nil
	}
}

// Mappings returns the names of mappings with at least one suite, sorted.
func (c *Catalog) Mappings() []string {
	names := make([]string, 0, len(c.suites))
	for n := range c.suites {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Suites returns the suites of m, sorted by id.
func (c *Catalog) Suites(m *mapping.Mapping) []*TestSuite {
	return c.suites[m.Name()]
}

// Find returns the suite of m with the given id.
func (c *Catalog) Find(m *mapping.Mapping, id string) (*TestSuite, bool) {
	for _, s := range c.suites[m.Name()] {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Len is the total number of suites.
func (c *Catalog) Len() int {
	n := 0
	for _, ss := range c.suites {
		n += len(ss)
	}
	return n
}

// Root returns the directory the catalog was loaded from.
func (c *Catalog) Root() string { return c.root }
