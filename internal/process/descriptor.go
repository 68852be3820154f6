package process

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
)

// GenericReady matches the readiness line every server prints once it
// listens: "<adapter-name> ready".
var GenericReady = expect.MustCompile(`\S+ ready\r?\n`)

// Descriptor describes one participant independently of how it is launched.
// It is built once when a test case is declared and never modified; ArgsFunc
// and PropsFunc are evaluated per run.
type Descriptor struct {
	// Name labels the participant in output and trace file names.
	Name string
	Role mapping.Role

	// Exe is resolved through the mapping. Empty means the mapping's default
	// executable for Role.
	Exe string

	// Mapping overrides the run's mapping, e.g. a cross-tested client.
	Mapping *mapping.Mapping

	Args      []string
	ArgsFunc  func(*Context) []string
	Props     map[string]string
	PropsFunc func(*Context) map[string]string
	Env       map[string]string

	// Filters suppress matching lines from the echoed output.
	Filters []*regexp.Regexp

	// Readiness: ReadyToken waits for "<token> ready"; otherwise ReadyCount
	// generic ready lines are expected (default 1).
	ReadyCount int
	ReadyToken string

	Quiet          bool
	ExpectedStatus int

	// Timeout bounds a client's run. Zero uses the context default.
	Timeout time.Duration

	// Interrupt makes the server stop on an interrupt instead of exiting on
	// its own once clients finished.
	Interrupt bool
}

// NewServer returns a server descriptor with the default readiness rule.
func NewServer(name string) *Descriptor {
	return &Descriptor{Name: name, Role: mapping.Server, ReadyCount: 1}
}

// NewClient returns a client descriptor.
func NewClient(name string) *Descriptor {
	return &Descriptor{Name: name, Role: mapping.Client}
}

// Label is the participant's display name.
func (d *Descriptor) Label() string {
	if d.Name != "" {
		return d.Name
	}
	if d.Exe != "" {
		return d.Exe
	}
	return d.Role.String()
}

// MappingFor returns the mapping the descriptor runs under in pc.
func (d *Descriptor) MappingFor(pc *Context) *mapping.Mapping {
	if d.Mapping != nil {
		return d.Mapping
	}
	return pc.Mapping
}

// Executable returns the executable name before mapping resolution.
func (d *Descriptor) Executable(pc *Context) string {
	if d.Exe != "" {
		return d.Exe
	}
	return d.MappingFor(pc).DefaultExecutable(d.Role)
}

// Command is a fully resolved launch request.
type Command struct {
	Name    string
	Role    mapping.Role
	Argv    []string
	Env     []string
	Dir     string
	Runtime expect.Runtime
	Props   map[string]string

	// Quiet and Filters control echo of the participant's output.
	Quiet   bool
	Filters []*regexp.Regexp
}

// Resolve builds the command line for pc. extra properties are applied last.
func (d *Descriptor) Resolve(pc *Context, extra map[string]string) (*Command, error) {
	m := d.MappingFor(pc)
	if m == nil {
		return nil, fmt.Errorf("%s: no mapping", d.Label())
	}

	argv, err := m.CommandLine(d.Executable(pc))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", d.Label(), err)
	}

	props := m.Props(pc.Config, d.Role, pc.CertsDir)
	merge(props, pc.Props)
	merge(props, d.Props)
	if d.PropsFunc != nil {
		merge(props, d.PropsFunc(pc))
	}
	merge(props, extra)

	argv = append(argv, mapping.PropArgs(props)...)
	argv = append(argv, d.Args...)
	if d.ArgsFunc != nil {
		argv = append(argv, d.ArgsFunc(pc)...)
	}

	envMap := make(map[string]string, len(pc.Env)+len(d.Env))
	merge(envMap, pc.Env)
	merge(envMap, d.Env)
	env := make([]string, 0, len(envMap))
	for k, v := range envMap {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return &Command{
		Name:    d.Label(),
		Role:    d.Role,
		Argv:    argv,
		Env:     env,
		Dir:     pc.Dir,
		Runtime: m.Runtime,
		Props:   props,
		Quiet:   d.Quiet,
		Filters: d.Filters,
	}, nil
}

// ReadyPatterns returns what WaitReady waits for. mx adds one extra generic
// ready line for the metrics facet.
func (d *Descriptor) ReadyPatterns(mx bool) []expect.Pattern {
	if d.ReadyToken != "" {
		pats := []expect.Pattern{readyLine(d.ReadyToken)}
		if mx {
			pats = append(pats, GenericReady)
		}
		return pats
	}
	n := d.ReadyCount
	if n < 1 {
		n = 1
	}
	if mx {
		n++
	}
	pats := make([]expect.Pattern, n)
	for i := range pats {
		pats[i] = GenericReady
	}
	return pats
}

// readyLine matches "<token> ready" as a whole line.
func readyLine(token string) expect.Pattern {
	return expect.MustCompile(regexp.QuoteMeta(token) + ` ready\r?\n`)
}

// WaitReady blocks until inst printed every ready line d expects, all under
// one deadline.
func WaitReady(ctx context.Context, inst Instance, d *Descriptor, mx bool, timeout time.Duration) error {
	pats := d.ReadyPatterns(mx)
	if _, err := inst.ExpectAll(ctx, timeout, pats...); err != nil {
		return fmt.Errorf("%s: waiting for %d ready line(s): %w", d.Label(), len(pats), err)
	}
	return nil
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
