package expect

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Runtime identifies the language runtime hosting a child process.
// Exit-status normalization is keyed by it.
type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeJVM    Runtime = "jvm"
	RuntimeDotNet Runtime = "dotnet"
	RuntimeNode   Runtime = "node"
	RuntimePython Runtime = "python"
	RuntimeRuby   Runtime = "ruby"
	RuntimePHP    Runtime = "php"
	RuntimeSwift  Runtime = "swift"
)

// Signal is a platform-neutral signal name.
type Signal string

const (
	SignalInterrupt Signal = "interrupt"
	SignalTerminate Signal = "terminate"
	SignalKill      Signal = "kill"
)

// OSPosix matches every GOOS other than windows in an ExitRule.
const OSPosix = "posix"

// ExitRule maps (runtime, os, signal) to the status a child reports after the
// driver delivered that signal. Empty fields match anything.
type ExitRule struct {
	Runtime Runtime `yaml:"runtime,omitempty"`
	OS      string  `yaml:"os,omitempty"`
	Signal  Signal  `yaml:"signal"`
	Status  int     `yaml:"status"`
}

func (r ExitRule) matches(rt Runtime, goos string, sig Signal) bool {
	if r.Signal != "" && r.Signal != sig {
		return false
	}
	if r.Runtime != "" && r.Runtime != rt {
		return false
	}
	switch r.OS {
	case "":
	case OSPosix:
		if goos == "windows" {
			return false
		}
	default:
		if r.OS != goos {
			return false
		}
	}
	return true
}

func (r ExitRule) specificity() int {
	n := 0
	if r.Runtime != "" {
		n += 4
	}
	if r.OS == OSPosix {
		n++
	} else if r.OS != "" {
		n += 2
	}
	if r.Signal != "" {
		n++
	}
	return n
}

// ExitTable normalizes the exit status of deliberately signalled children.
type ExitTable struct {
	Rules []ExitRule `yaml:"rules"`
}

// ctrlBreakStatus is STATUS_CONTROL_C_EXIT as reported by Windows.
var ctrlBreakStatus uint32 = 0xC000013A

// DefaultExitTable returns the built-in rules. They reflect observed behaviour
// and can be extended or overridden with LoadExitTable.
func DefaultExitTable() *ExitTable {
	return &ExitTable{Rules: []ExitRule{
		{OS: OSPosix, Signal: SignalInterrupt, Status: -2},
		{OS: OSPosix, Signal: SignalTerminate, Status: -15},
		{OS: OSPosix, Signal: SignalKill, Status: -9},
		{Runtime: RuntimeJVM, OS: OSPosix, Signal: SignalInterrupt, Status: 130},
		{Runtime: RuntimeJVM, OS: OSPosix, Signal: SignalTerminate, Status: 143},
		{Runtime: RuntimeDotNet, OS: OSPosix, Signal: SignalInterrupt, Status: 130},
		{OS: "windows", Signal: SignalInterrupt, Status: int(ctrlBreakStatus)},
		{OS: "windows", Signal: SignalTerminate, Status: int(ctrlBreakStatus)},
		{OS: "windows", Signal: SignalKill, Status: 1},
	}}
}

// Lookup returns the expected status for a child of runtime rt that received
// sig on goos. The most specific rule wins; among equals the later one.
func (t *ExitTable) Lookup(rt Runtime, goos string, sig Signal) (int, bool) {
	if t == nil {
		return 0, false
	}
	best := -1
	status := 0
	for _, r := range t.Rules {
		if !r.matches(rt, goos, sig) {
			continue
		}
		if s := r.specificity(); s >= best {
			best, status = s, r.Status
		}
	}
	return status, best >= 0
}

// Expected returns the status WaitSuccess should accept. If no signal was
// sent, or the table has no rule, fallback is returned unchanged.
func (t *ExitTable) Expected(rt Runtime, sig Signal, fallback int) int {
	if sig == "" {
		return fallback
	}
	if status, ok := t.Lookup(rt, runtime.GOOS, sig); ok {
		return status
	}
	return fallback
}

// Merge appends the rules of other so they take precedence over t's.
func (t *ExitTable) Merge(other *ExitTable) *ExitTable {
	out := &ExitTable{Rules: append([]ExitRule(nil), t.Rules...)}
	if other != nil {
		out.Rules = append(out.Rules, other.Rules...)
	}
	return out
}

// knownOS lists the values an ExitRule's OS may take besides "" and OSPosix.
var knownOS = map[string]bool{
	"windows": true, "linux": true, "darwin": true, "freebsd": true,
	"openbsd": true, "netbsd": true, "android": true, "ios": true,
}

// Validate rejects rules that can never match.
func (t *ExitTable) Validate() error {
	for i, r := range t.Rules {
		switch r.Signal {
		case SignalInterrupt, SignalTerminate, SignalKill:
		default:
			return fmt.Errorf("rule %d: unknown signal %q", i, r.Signal)
		}
		switch r.Runtime {
		case "", RuntimeNative, RuntimeJVM, RuntimeDotNet, RuntimeNode,
			RuntimePython, RuntimeRuby, RuntimePHP, RuntimeSwift:
		default:
			return fmt.Errorf("rule %d: unknown runtime %q", i, r.Runtime)
		}
		if r.OS != "" && r.OS != OSPosix && !knownOS[r.OS] {
			return fmt.Errorf("rule %d: unknown os %q", i, r.OS)
		}
	}
	return nil
}

// LoadExitTable reads rules from a YAML file and merges them over the defaults.
func LoadExitTable(path string) (*ExitTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read exit table: %w", err)
	}
	var extra ExitTable
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse exit table %s: %w", path, err)
	}
	if err := extra.Validate(); err != nil {
		return nil, fmt.Errorf("exit table %s: %w", path, err)
	}
	return DefaultExitTable().Merge(&extra), nil
}
