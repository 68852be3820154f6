package preflight

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/process"
)

func TestCheck_String(t *testing.T) {
	t.Run("passed_with_required", func(t *testing.T) {
		c := Check{
			Name:     "test_check",
			Required: 100,
			Actual:   200,
			Passed:   true,
		}
		s := c.String()
		if !strings.Contains(s, "✓") {
			t.Error("Passed check should have ✓")
		}
		if !strings.Contains(s, "200") || !strings.Contains(s, "100") {
			t.Error("Should contain actual and required values")
		}
	})

	t.Run("failed_check", func(t *testing.T) {
		c := Check{Name: "test_check", Required: 100, Actual: 50}
		if !strings.Contains(c.String(), "✗") {
			t.Error("Failed check should have ✗")
		}
	})

	t.Run("warning_check", func(t *testing.T) {
		c := Check{Name: "test_check", Passed: true, Warning: true, Message: "warning message"}
		s := c.String()
		if !strings.Contains(s, "⚠") {
			t.Error("Warning check should have ⚠")
		}
		if !strings.Contains(s, "warning message") {
			t.Error("Should contain message")
		}
	})
}

// fakeProbe answers for the binaries in found and fails the rest.
func fakeProbe(found map[string]string) Prober {
	return func(ctx context.Context, binary string, args []string, timeout time.Duration) (*process.VersionInfo, error) {
		v, ok := found[binary]
		if !ok {
			return nil, errors.New(binary + " not found in PATH")
		}
		return &process.VersionInfo{Binary: binary, Path: "/usr/bin/" + binary, Version: v}, nil
	}
}

func noEnv(string) string { return "" }

func findCheck(r *Result, name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestRunAll_Runtimes(t *testing.T) {
	tests := []struct {
		name       string
		kinds      []mapping.Kind
		found      map[string]string
		wantPassed bool
		wantChecks []string
	}{
		{
			name:       "native only needs no runtime",
			kinds:      []mapping.Kind{mapping.Cpp},
			wantPassed: true,
		},
		{
			name:       "runtime present",
			kinds:      []mapping.Kind{mapping.Java, mapping.Python},
			found:      map[string]string{"java": "21.0.2", "python3": "3.12.1"},
			wantPassed: true,
			wantChecks: []string{"runtime_java", "runtime_python3"},
		},
		{
			name:       "runtime missing",
			kinds:      []mapping.Kind{mapping.JavaScript},
			wantPassed: false,
			wantChecks: []string{"runtime_node"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ms []*mapping.Mapping
			for _, k := range tt.kinds {
				ms = append(ms, mapping.NewWithEnv(k, noEnv))
			}
			r := RunAll(context.Background(), Input{
				Mappings: ms,
				Probe:    fakeProbe(tt.found),
				Getenv:   noEnv,
			})

			// Host limits are outside the test's control; only judge runtimes.
			passed := true
			for _, c := range r.Checks {
				if strings.HasPrefix(c.Name, "runtime_") && !c.Passed {
					passed = false
				}
			}
			if passed != tt.wantPassed {
				t.Errorf("runtimes passed = %v, want %v", passed, tt.wantPassed)
			}
			for _, name := range tt.wantChecks {
				if _, ok := findCheck(r, name); !ok {
					t.Errorf("missing check %s", name)
				}
			}
			if !passed && r.Passed {
				t.Error("a failed runtime check must fail the result")
			}
		})
	}
}

func TestRunAll_RuntimeCheckedOnce(t *testing.T) {
	calls := 0
	probe := func(ctx context.Context, binary string, args []string, timeout time.Duration) (*process.VersionInfo, error) {
		calls++
		return &process.VersionInfo{Binary: binary, Path: "/usr/bin/" + binary}, nil
	}
	java := mapping.NewWithEnv(mapping.Java, noEnv)
	RunAll(context.Background(), Input{Mappings: []*mapping.Mapping{java, java}, Probe: probe, Getenv: noEnv})
	if calls != 1 {
		t.Errorf("probe called %d times, want 1", calls)
	}
}

func TestRunAll_VersionMessage(t *testing.T) {
	r := RunAll(context.Background(), Input{
		Mappings: []*mapping.Mapping{mapping.NewWithEnv(mapping.CSharp, noEnv)},
		Probe:    fakeProbe(map[string]string{"dotnet": ""}),
		Getenv:   noEnv,
	})
	c, ok := findCheck(r, "runtime_dotnet")
	if !ok {
		t.Fatal("missing runtime_dotnet")
	}
	if !strings.Contains(c.Message, "version unknown") {
		t.Errorf("Message = %q, want unknown version", c.Message)
	}
}

func TestCheckEnvironment(t *testing.T) {
	java := mapping.NewWithEnv(mapping.Java, noEnv)

	c, ok := checkEnvironment(java, noEnv)
	if !ok || !c.Warning || !c.Passed {
		t.Errorf("unset JAVA_HOME should warn, got %+v", c)
	}
	if c.Name != "env_java_home" {
		t.Errorf("Name = %q", c.Name)
	}

	c, _ = checkEnvironment(java, func(k string) string {
		if k == "JAVA_HOME" {
			return "/opt/jdk"
		}
		return ""
	})
	if c.Warning || !strings.Contains(c.Message, "/opt/jdk") {
		t.Errorf("set JAVA_HOME should pass quietly, got %+v", c)
	}

	if _, ok := checkEnvironment(mapping.NewWithEnv(mapping.Ruby, noEnv), noEnv); ok {
		t.Error("ruby has no location variable")
	}
}

func TestCheckFileDescriptors(t *testing.T) {
	c := checkFileDescriptors(1)
	if c.Name != "file_descriptors" {
		t.Errorf("Name = %q", c.Name)
	}
	if runtime.GOOS == "windows" {
		if !c.Warning {
			t.Error("windows cannot check, should warn")
		}
		return
	}
	if c.Required != 320 {
		t.Errorf("Required = %d, want 320", c.Required)
	}
	if c.Passed != (c.Actual >= c.Required) {
		t.Errorf("Passed = %v with %d/%d", c.Passed, c.Actual, c.Required)
	}
}

func TestCheckFileDescriptors_Scaling(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no rlimit")
	}
	one, eight := checkFileDescriptors(1), checkFileDescriptors(8)
	if eight.Required <= one.Required {
		t.Errorf("Required should grow with workers: %d vs %d", one.Required, eight.Required)
	}
}

func TestParseMaxProcesses(t *testing.T) {
	tests := []struct {
		name   string
		limits string
		want   int
	}{
		{
			name:   "numeric",
			limits: "Limit                     Soft Limit           Hard Limit           Units\nMax processes             63704                127408               processes\n",
			want:   63704,
		},
		{
			name:   "unlimited",
			limits: "Max processes             unlimited            unlimited            processes\n",
			want:   1000000,
		},
		{
			name:   "missing",
			limits: "Max open files            1024                 4096                 files\n",
			want:   0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseMaxProcesses(tt.limits); got != tt.want {
				t.Errorf("parseMaxProcesses() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSuggestFix(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"file_descriptors", "ulimit -n"},
		{"process_limit", "ulimit -u"},
		{"ephemeral_ports", "ip_local_port_range"},
		{"runtime_node", "install node"},
		{"env_java_home", "export JAVA_HOME="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := suggestFix(tt.name); !strings.Contains(got, tt.want) {
				t.Errorf("suggestFix(%q) = %q, want to contain %q", tt.name, got, tt.want)
			}
		})
	}
	if got := suggestFix("unknown"); got != "" {
		t.Errorf("suggestFix(unknown) = %q, want empty", got)
	}
}

func TestPrintResults(t *testing.T) {
	r := &Result{
		Checks: []Check{
			{Name: "file_descriptors", Required: 320, Actual: 1024, Passed: true},
			{Name: "runtime_node", Message: "node not found in PATH"},
		},
	}
	var buf bytes.Buffer
	PrintResults(&buf, r)
	out := buf.String()

	if !strings.HasPrefix(out, "Preflight checks:") {
		t.Errorf("missing heading: %q", out)
	}
	if !strings.Contains(out, "Fix: install node") {
		t.Error("failed check should print a fix")
	}
	if strings.Contains(out, "ulimit -n") {
		t.Error("passing check should not print a fix")
	}
}
