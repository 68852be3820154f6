package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

// Test propList type
func TestPropList_String(t *testing.T) {
	testCases := []struct {
		input    propList
		expected string
	}{
		{propList{}, ""},
		{propList{"Ice.Trace.Network=2"}, "Ice.Trace.Network=2"},
		{propList{"A=1", "B=2"}, "A=1, B=2"},
	}

	for _, tc := range testCases {
		result := tc.input.String()
		if result != tc.expected {
			t.Errorf("String() = %q, want %q", result, tc.expected)
		}
	}
}

func TestPropList_Set(t *testing.T) {
	var p propList

	if err := p.Set("A=1"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if err := p.Set("B=2"); err != nil {
		t.Errorf("Set returned error: %v", err)
	}
	if len(p) != 2 || p[1] != "B=2" {
		t.Errorf("After second Set: %v", p)
	}

	// Missing '=' is rejected
	if err := p.Set("novalue"); err == nil {
		t.Error("Set without '=' should fail")
	}
	if len(p) != 2 {
		t.Errorf("Rejected value should not be appended: %v", p)
	}
}

func TestFlagType(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, DefaultOptions())

	testCases := []struct {
		flag     string
		expected string
	}{
		{"compress", ""},
		{"workers", "int"},
		{"protocol", "string"},
		{"ready-timeout", "duration"},
		{"filter", "list"},
		{"languages", "list"},
		{"ci-timeout-scale", "float"},
		{"prop", "prop"},
	}

	for _, tc := range testCases {
		t.Run(tc.flag, func(t *testing.T) {
			f := fs.Lookup(tc.flag)
			if f == nil {
				t.Fatalf("flag %q not registered", tc.flag)
			}
			if result := flagType(f); result != tc.expected {
				t.Errorf("flagType(%q) = %q, want %q", tc.flag, result, tc.expected)
			}
		})
	}
}

func TestPrintUsage_AllFlagsCategorized(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, DefaultOptions())

	var buf bytes.Buffer
	PrintUsage(&buf, fs)
	out := buf.String()

	fs.VisitAll(func(f *pflag.Flag) {
		if !strings.Contains(out, "--"+f.Name+" ") {
			t.Errorf("usage is missing --%s", f.Name)
		}
	})
	if !strings.Contains(out, "(default 300s)") && !strings.Contains(out, "(default 5m0s)") {
		t.Error("usage should print non-zero defaults")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if opts.Driver != "local" {
		t.Errorf("Driver = %q, want local", opts.Driver)
	}
	if opts.Workers != 1 {
		t.Errorf("Workers = %d, want 1", opts.Workers)
	}
	if opts.ReadyTimeout != 300*time.Second {
		t.Errorf("ReadyTimeout = %v, want 300s", opts.ReadyTimeout)
	}
	if opts.DiscoveryAttempts != 120 || opts.DiscoveryRestartAfter != 50 {
		t.Errorf("discovery = %d/%d, want 120/50", opts.DiscoveryAttempts, opts.DiscoveryRestartAfter)
	}
	if opts.CITimeoutScale != 3 {
		t.Errorf("CITimeoutScale = %v, want 3", opts.CITimeoutScale)
	}
	if opts.KeepGoing {
		t.Error("KeepGoing should be off by default")
	}
}

func TestPinnedAxes(t *testing.T) {
	opts := DefaultOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, opts)

	if err := fs.Parse([]string{"--compress", "--protocol=ssl", "--workers=2"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := PinnedAxes(fs)
	if len(got) != 2 || got[0] != AxisProtocol || got[1] != AxisCompress {
		t.Errorf("PinnedAxes = %v, want [protocol compress]", got)
	}
}

func TestOptions_Configuration(t *testing.T) {
	opts := DefaultOptions()
	opts.Protocol = "ssl"
	opts.Compress = true
	opts.Pinned = []Axis{AxisProtocol, AxisCompress}

	c, err := opts.Configuration()
	if err != nil {
		t.Fatalf("Configuration: %v", err)
	}
	if c.Protocol() != "ssl" || !c.Compress() {
		t.Errorf("got %s", c)
	}
	if !c.Pinned(AxisProtocol) || !c.Pinned(AxisCompress) {
		t.Error("protocol and compress should be pinned")
	}
	if c.Pinned(AxisIPv6) {
		t.Error("ipv6 should not be pinned")
	}
}

func TestOptions_Scale(t *testing.T) {
	opts := DefaultOptions()

	if got := opts.Scale(10 * time.Second); got != 10*time.Second {
		t.Errorf("outside CI Scale = %v, want 10s", got)
	}

	opts.CI = true
	if got := opts.Scale(10 * time.Second); got != 30*time.Second {
		t.Errorf("in CI Scale = %v, want 30s", got)
	}
	if got := opts.Scale(-1); got != -1 {
		t.Errorf("infinite timeouts must not scale, got %v", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	content := `
protocol: ws
ipv6: true
keep_going: true
workers: 4
ready_timeout: 90s
languages: [cpp, java]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs, opts)
	if err := fs.Parse([]string{"--workers=2", "--languages=python"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadFile(path, fs, opts); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if opts.Protocol != "ws" || !opts.IPv6 || !opts.KeepGoing {
		t.Errorf("file values not applied: %+v", opts)
	}
	if opts.ReadyTimeout != 90*time.Second {
		t.Errorf("ReadyTimeout = %v, want 90s", opts.ReadyTimeout)
	}
	// Explicit flags win over the file
	if opts.Workers != 2 {
		t.Errorf("Workers = %d, want 2 from the command line", opts.Workers)
	}
	if len(opts.Languages) != 1 || opts.Languages[0] != "python" {
		t.Errorf("Languages = %v, want [python]", opts.Languages)
	}

	pinned := map[Axis]bool{}
	for _, a := range opts.Pinned {
		pinned[a] = true
	}
	if !pinned[AxisProtocol] || !pinned[AxisIPv6] || pinned[AxisCompress] {
		t.Errorf("Pinned = %v, want protocol and ipv6", opts.Pinned)
	}
}

func TestLoadFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	if err := os.WriteFile(path, []byte("no_such_option: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(path, nil, DefaultOptions()); err == nil {
		t.Error("unknown fields should be rejected")
	}
}

func TestDetectCI(t *testing.T) {
	testCases := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"none", nil, false},
		{"ci true", map[string]string{"CI": "true"}, true},
		{"ci false", map[string]string{"CI": "false"}, false},
		{"github", map[string]string{"GITHUB_ACTIONS": "true"}, true},
		{"jenkins", map[string]string{"JENKINS_URL": "http://ci/"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectCI(func(k string) string { return tc.env[k] })
			if got != tc.want {
				t.Errorf("DetectCI = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApplyEnvironment(t *testing.T) {
	opts := DefaultOptions()
	ApplyEnvironment(opts, func(k string) string {
		return map[string]string{"INTEROP_TEST_ROOT": "/srv/tests", "CI": "1"}[k]
	})
	if opts.SuiteDir != "/srv/tests" {
		t.Errorf("SuiteDir = %q", opts.SuiteDir)
	}
	if !opts.CI {
		t.Error("CI should be detected")
	}
}

func TestValidate_ValidOptions(t *testing.T) {
	if err := Validate(DefaultOptions(), []string{"cpp", "java"}); err != nil {
		t.Errorf("Valid options should not error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		mod   func(*Options)
		field string
	}{
		{"bad filter", func(o *Options) { o.Filter = []string{"("} }, "filter"},
		{"bad rfilter", func(o *Options) { o.RFilter = []string{"[a-"} }, "rfilter"},
		{"unknown mapping", func(o *Options) { o.Languages = []string{"cobol"} }, "languages"},
		{"selected and excluded", func(o *Options) {
			o.Languages = []string{"cpp"}
			o.RLanguages = []string{"cpp"}
		}, "languages"},
		{"bad protocol", func(o *Options) { o.Protocol = "udp" }, "protocol"},
		{"bad build config", func(o *Options) { o.BuildConfig = "Fast" }, "config"},
		{"negative start", func(o *Options) { o.Start = -1 }, "start"},
		{"zero workers", func(o *Options) { o.Workers = 0 }, "workers"},
		{"unknown driver", func(o *Options) { o.Driver = "ssh" }, "driver"},
		{"remote without controller", func(o *Options) { o.Driver = "remote" }, "controller"},
		{"browser with local driver", func(o *Options) { o.Browser = "firefox" }, "browser"},
		{"bad target", func(o *Options) {
			o.Driver = "remote"
			o.Controller = "phone:15000"
			o.Target = "symbian"
		}, "target"},
		{"valgrind remote", func(o *Options) {
			o.Driver = "remote"
			o.Controller = "phone:15000"
			o.Valgrind = true
		}, "valgrind"},
		{"zero ready timeout", func(o *Options) { o.ReadyTimeout = 0 }, "ready_timeout"},
		{"ci scale", func(o *Options) { o.CITimeoutScale = 0.5 }, "ci_timeout_scale"},
		{"discovery attempts", func(o *Options) { o.DiscoveryAttempts = 0 }, "discovery_attempts"},
		{"rerun without history", func(o *Options) {
			o.RerunFailed = true
			o.HistoryPath = ""
		}, "rerun_failed"},
		{"log format", func(o *Options) { o.LogFormat = "xml" }, "log_format"},
		{"bad prop", func(o *Options) { o.Props = []string{"=1"} }, "prop"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			tc.mod(opts)

			err := Validate(opts, []string{"cpp", "java", "python"})
			if err == nil {
				t.Fatal("expected an error")
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error should be a ConfigurationError, got %T", err)
			}
			var ve ValidationError
			if !errors.As(err, &ve) {
				t.Fatal("error should wrap a ValidationError")
			}
			if !strings.Contains(err.Error(), tc.field+":") {
				t.Errorf("error %q should mention %s", err, tc.field)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	opts := DefaultOptions()
	opts.Workers = 0
	opts.Protocol = "udp"
	opts.LogFormat = "xml"

	err := Validate(opts, nil)
	if err == nil {
		t.Fatal("Expected multiple errors")
	}

	errStr := err.Error()
	for _, field := range []string{"workers", "protocol", "log_format"} {
		if !strings.Contains(errStr, field) {
			t.Errorf("Error should mention %s", field)
		}
	}
}

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{Field: "workers", Message: "must be at least 1"}
	if err.Error() != "workers: must be at least 1" {
		t.Errorf("Error() = %q", err.Error())
	}
}
