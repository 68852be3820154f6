package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

// propList is a repeatable --prop Key=Value flag.
type propList []string

func (p *propList) String() string {
	return strings.Join(*p, ", ")
}

func (p *propList) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("property %q must be Key=Value", value)
	}
	*p = append(*p, value)
	return nil
}

func (p *propList) Type() string { return "prop" }

// BindFlags registers every option on fs with defaults taken from opts.
func BindFlags(fs *pflag.FlagSet, opts *Options) {
	// Selection
	fs.StringArrayVar(&opts.Filter, "filter", opts.Filter,
		"Run only tests whose path matches the regular expression. Repeatable.")
	fs.StringArrayVar(&opts.RFilter, "rfilter", opts.RFilter,
		"Skip tests whose path matches the regular expression. Repeatable.")
	fs.StringSliceVar(&opts.Languages, "languages", opts.Languages,
		"Comma separated mappings to run (e.g. cpp,java). Empty means all.")
	fs.StringSliceVar(&opts.RLanguages, "rlanguages", opts.RLanguages,
		"Comma separated mappings to exclude.")
	fs.IntVar(&opts.Start, "start", opts.Start,
		"Resume the plan at this zero-based index.")
	fs.BoolVar(&opts.RerunFailed, "rerun-failed", opts.RerunFailed,
		"Run only the tests that failed in the previous run (needs --history).")
	fs.StringSliceVar(&opts.Cross, "cross", opts.Cross,
		"Cross-test clients of these mappings against servers of the other selected mappings.")
	fs.StringVar(&opts.SuiteDir, "suites", opts.SuiteDir,
		"Root directory searched for suite.yaml files (default $INTEROP_TEST_ROOT or .).")

	// Axes
	fs.StringVar(&opts.Host, "host", opts.Host,
		"Host address servers listen on and clients connect to.")
	fs.StringVar(&opts.Protocol, "protocol", opts.Protocol,
		"Transport: "+strings.Join(Protocols, ", ")+".")
	fs.BoolVar(&opts.Compress, "compress", opts.Compress, "Enable protocol compression.")
	fs.BoolVar(&opts.Serialize, "serialize", opts.Serialize, "Serialize dispatch.")
	fs.BoolVar(&opts.IPv6, "ipv6", opts.IPv6, "Use IPv6 addresses.")
	fs.BoolVar(&opts.MX, "mx", opts.MX, "Enable metrics facets (adds one ready line per server).")
	fs.StringVar(&opts.BuildConfig, "config-name", opts.BuildConfig,
		"Build configuration: "+strings.Join(BuildConfigs, ", ")+".")
	fs.StringVar(&opts.BuildPlatform, "platform", opts.BuildPlatform,
		"Build platform (default derived from GOARCH).")
	fs.BoolVar(&opts.All, "all", opts.All,
		"Expand every unpinned axis instead of using defaults.")
	fs.Var((*propList)(&opts.Props), "prop",
		"Extra Key=Value property passed to every participant. Repeatable.")

	// Execution
	fs.StringVar(&opts.Driver, "driver", opts.Driver,
		"Process controller: local or remote.")
	fs.StringVar(&opts.Controller, "controller", opts.Controller,
		"Remote agent endpoint (host:port).")
	fs.StringVar(&opts.ControllerApp, "controller-app", opts.ControllerApp,
		"Command that (re)starts the remote agent application.")
	fs.StringVar(&opts.Browser, "browser", opts.Browser,
		"Run remote participants in this browser.")
	fs.StringVar(&opts.Device, "device", opts.Device,
		"Run remote participants on this device or emulator.")
	fs.StringVar(&opts.Target, "target", opts.Target,
		"Mobile target platform: android or ios.")
	fs.BoolVar(&opts.Valgrind, "valgrind", opts.Valgrind,
		"Run native participants under valgrind.")
	fs.BoolVar(&opts.KeepGoing, "keep-going", opts.KeepGoing,
		"Continue after a failing test and report all failures at the end.")
	fs.IntVar(&opts.Workers, "workers", opts.Workers,
		"Number of suites run in parallel.")

	// Timeouts
	fs.DurationVar(&opts.ReadyTimeout, "ready-timeout", opts.ReadyTimeout,
		"How long servers have to print their ready lines.")
	fs.DurationVar(&opts.ClientTimeout, "client-timeout", opts.ClientTimeout,
		"How long a client may run.")
	fs.DurationVar(&opts.ServerStopTimeout, "server-stop-timeout", opts.ServerStopTimeout,
		"How long a server has to exit gracefully once clients finished.")
	fs.Float64Var(&opts.CITimeoutScale, "ci-timeout-scale", opts.CITimeoutScale,
		"Timeout multiplier applied when running under CI.")
	fs.DurationVar(&opts.WatchdogInterval, "watchdog", opts.WatchdogInterval,
		"Warn when no participant makes progress for this long.")

	// Discovery
	fs.IntVar(&opts.DiscoveryAttempts, "discovery-attempts", opts.DiscoveryAttempts,
		"Remote agent discovery attempts before giving up.")
	fs.DurationVar(&opts.DiscoveryInterval, "discovery-interval", opts.DiscoveryInterval,
		"Maximum delay between discovery attempts.")
	fs.IntVar(&opts.DiscoveryRestartAfter, "discovery-restart-after", opts.DiscoveryRestartAfter,
		"Restart the agent application after this many failed attempts.")

	// Files
	fs.StringVar(&opts.TraceDir, "trace-dir", opts.TraceDir,
		"Write one trace file per participant here; kept only on failure.")
	fs.StringVar(&opts.ExitTable, "exit-table", opts.ExitTable,
		"YAML file with extra exit status rules.")
	fs.StringVar(&opts.HistoryPath, "history", opts.HistoryPath,
		"Run history database. Empty disables history.")

	// Observability
	fs.BoolVar(&opts.Debug, "debug", opts.Debug,
		"Echo participant output and log at debug level.")
	fs.StringVar(&opts.LogFormat, "log-format", opts.LogFormat,
		"Log format: json or text.")
	fs.StringVar(&opts.LogLevel, "log-level", opts.LogLevel,
		"Log level: debug, info, warn, error.")
	fs.StringVar(&opts.MetricsAddr, "metrics", opts.MetricsAddr,
		"Prometheus metrics address (e.g. 0.0.0.0:17093). Empty disables.")
	fs.BoolVar(&opts.TUIEnabled, "tui", opts.TUIEnabled,
		"Show the live dashboard.")

	// Diagnostics
	fs.BoolVar(&opts.SkipPreflight, "skip-preflight", opts.SkipPreflight,
		"Skip preflight checks.")
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile,
		"YAML options file. Explicit flags override it.")
}

// flagCategories groups flags for the usage text.
var flagCategories = []struct {
	title string
	names []string
}{
	{"Selection", []string{"filter", "rfilter", "languages", "rlanguages", "start", "rerun-failed", "cross", "suites"}},
	{"Matrix", []string{"host", "protocol", "compress", "serialize", "ipv6", "mx", "config-name", "platform", "all", "prop"}},
	{"Execution", []string{"driver", "controller", "controller-app", "browser", "device", "target", "valgrind", "keep-going", "workers"}},
	{"Timeouts", []string{"ready-timeout", "client-timeout", "server-stop-timeout", "ci-timeout-scale", "watchdog"}},
	{"Remote Discovery", []string{"discovery-attempts", "discovery-interval", "discovery-restart-after"}},
	{"Files", []string{"trace-dir", "exit-table", "history", "config"}},
	{"Observability", []string{"debug", "log-format", "log-level", "metrics", "tui", "skip-preflight"}},
}

// PrintUsage writes the flags of fs grouped by category.
func PrintUsage(w io.Writer, fs *pflag.FlagSet) {
	for i, cat := range flagCategories {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s Flags:\n", cat.title)
		printFlagCategory(w, fs, cat.names)
	}
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(w io.Writer, fs *pflag.FlagSet, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(w, "  --%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *pflag.Flag) string {
	switch t := f.Value.Type(); t {
	case "bool":
		return ""
	case "stringArray", "stringSlice":
		return "list"
	case "float64":
		return "float"
	default:
		return t
	}
}

// axisFlags maps axis names onto the flags that set them.
var axisFlags = map[string]Axis{
	"protocol":    AxisProtocol,
	"compress":    AxisCompress,
	"serialize":   AxisSerialize,
	"ipv6":        AxisIPv6,
	"mx":          AxisMX,
	"config-name": AxisBuildConfig,
	"platform":    AxisBuildPlatform,
	"host":        AxisHost,
}

// PinnedAxes returns the axes whose flags were set explicitly on fs.
func PinnedAxes(fs *pflag.FlagSet) []Axis {
	var out []Axis
	for _, a := range Axes {
		for name, fa := range axisFlags {
			if fa == a && fs.Changed(name) {
				out = append(out, a)
			}
		}
	}
	return out
}
