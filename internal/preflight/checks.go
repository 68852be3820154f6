// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Prober runs a runtime's version command.
type Prober func(ctx context.Context, binary string, args []string, timeout time.Duration) (*process.VersionInfo, error)

// Input selects what RunAll checks.
type Input struct {
	Mappings []*mapping.Mapping
	Workers  int

	// ProbeTimeout bounds each runtime version probe.
	ProbeTimeout time.Duration

	// Probe and Getenv default to process.ProbeVersion and os.Getenv.
	Probe  Prober
	Getenv func(string) string
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, in Input) *Result {
	if in.Workers < 1 {
		in.Workers = 1
	}
	if in.Probe == nil {
		in.Probe = process.ProbeVersion
	}
	if in.Getenv == nil {
		in.Getenv = os.Getenv
	}

	result := &Result{
		Checks: make([]Check, 0, 3+2*len(in.Mappings)),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors(in.Workers))
	add(checkProcessLimit(in.Workers))

	seen := make(map[string]bool)
	for _, m := range in.Mappings {
		if m.Binary != "" && !seen[m.Binary] {
			seen[m.Binary] = true
			add(checkRuntime(ctx, m, in.Probe, in.ProbeTimeout))
		}
		if c, ok := checkEnvironment(m, in.Getenv); ok {
			add(c)
		}
	}

	// Warning only
	add(checkEphemeralPorts(in.Workers))

	return result
}

// checkFileDescriptors verifies sufficient file descriptors are available.
func checkFileDescriptors(workers int) Check {
	actual, ok := openFileLimit()
	if !ok {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check on this platform",
		}
	}

	// Each participant holds a pty or pipes, a trace file and its sockets;
	// a case rarely runs more than a handful at once.
	required := workers*64 + 256

	return Check{
		Name:     "file_descriptors",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -n %d (need %d for %d workers)", actual, required, workers),
	}
}

// checkProcessLimit verifies sufficient process slots are available.
func checkProcessLimit(workers int) Check {
	required := workers*16 + 50

	data, err := os.ReadFile("/proc/self/limits")
	if err != nil {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to check (non-Linux or restricted)",
		}
	}

	actual := parseMaxProcesses(string(data))
	if actual == 0 {
		return Check{
			Name:    "process_limit",
			Passed:  true,
			Warning: true,
			Message: "unable to determine (assuming OK)",
		}
	}

	return Check{
		Name:     "process_limit",
		Required: required,
		Actual:   actual,
		Passed:   actual >= required,
		Message:  fmt.Sprintf("ulimit -u %d (need %d)", actual, required),
	}
}

// parseMaxProcesses reads the soft limit from /proc/self/limits content.
func parseMaxProcesses(limits string) int {
	actual := 0
	for _, line := range strings.Split(limits, "\n") {
		if strings.HasPrefix(line, "Max processes") {
			fields := strings.Fields(line)
			if len(fields) >= 4 {
				if fields[2] == "unlimited" {
					actual = 1000000
				} else {
					fmt.Sscanf(fields[2], "%d", &actual)
				}
			}
			break
		}
	}
	return actual
}

// checkRuntime verifies a mapping's runtime is on PATH and answers its
// version command in time.
func checkRuntime(ctx context.Context, m *mapping.Mapping, probe Prober, timeout time.Duration) Check {
	name := "runtime_" + m.Binary
	info, err := probe(ctx, m.Binary, m.VersionArgs, timeout)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("%s (needed by %s)", err, m.Name()),
		}
	}

	version := info.Version
	if version == "" {
		version = "unknown"
	}
	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", info.Path, version),
	}
}

// envHints names the variable each runtime reads its location from.
var envHints = map[mapping.Kind]string{
	mapping.Java:       "JAVA_HOME",
	mapping.CSharp:     "DOTNET_ROOT",
	mapping.Python:     "PYTHON",
	mapping.JavaScript: "NODE",
	mapping.Cpp:        "INTEROP_HOME",
	mapping.Swift:      "INTEROP_HOME",
}

// checkEnvironment warns when a mapping's location variable is unset.
func checkEnvironment(m *mapping.Mapping, getenv func(string) string) (Check, bool) {
	key, ok := envHints[m.Kind]
	if !ok {
		return Check{}, false
	}
	name := "env_" + strings.ToLower(key)
	if v := getenv(key); v != "" {
		return Check{Name: name, Passed: true, Message: fmt.Sprintf("%s=%s", key, v)}, true
	}
	return Check{
		Name:    name,
		Passed:  true,
		Warning: true,
		Message: fmt.Sprintf("%s is not set, %s uses the build tree or PATH", key, m.Name()),
	}, true
}

// checkEphemeralPorts checks if enough ephemeral ports are available.
func checkEphemeralPorts(workers int) Check {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_local_port_range")
	if err != nil {
		return Check{
			Name:    "ephemeral_ports",
			Passed:  true,
			Warning: true,
			Message: "unable to read port range (non-Linux?)",
		}
	}

	var low, high int
	fmt.Sscanf(string(data), "%d %d", &low, &high)
	available := high - low

	// Connection-heavy suites open thousands of short-lived connections
	// per worker; TIME_WAIT holds them for a minute.
	recommended := workers * 4000

	return Check{
		Name:     "ephemeral_ports",
		Required: recommended,
		Actual:   available,
		Passed:   true,
		Warning:  available < recommended,
		Message:  fmt.Sprintf("%d-%d (%d available, recommend %d)", low, high, available, recommended),
	}
}

// PrintResults writes the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed || check.Warning {
			if fix := suggestFix(check.Name); fix != "" {
				fmt.Fprintf(w, "    Fix: %s\n", fix)
			}
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch {
	case name == "file_descriptors":
		return "ulimit -n 8192 (or edit /etc/security/limits.conf)"
	case name == "process_limit":
		return "ulimit -u 4096 (or edit /etc/security/limits.conf)"
	case name == "ephemeral_ports":
		return "sysctl -w net.ipv4.ip_local_port_range=\"1024 65000\""
	case strings.HasPrefix(name, "runtime_"):
		return "install " + strings.TrimPrefix(name, "runtime_") + " or add it to PATH"
	case strings.HasPrefix(name, "env_"):
		return "export " + strings.ToUpper(strings.TrimPrefix(name, "env_")) + "=<install dir>"
	default:
		return ""
	}
}
