// Package config provides configuration management for interop-driver.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Options holds every driver option. Fields carry yaml tags so the same
// struct can be loaded from --config.
type Options struct {
	// Selection
	Filter      []string `yaml:"filter" json:"filter"`
	RFilter     []string `yaml:"rfilter" json:"rfilter"`
	Languages   []string `yaml:"languages" json:"languages"`
	RLanguages  []string `yaml:"rlanguages" json:"rlanguages"`
	Start       int      `yaml:"start" json:"start"`
	RerunFailed bool     `yaml:"rerun_failed" json:"rerun_failed"`
	Cross       []string `yaml:"cross" json:"cross"`
	SuiteDir    string   `yaml:"suite_dir" json:"suite_dir"`

	// Matrix axes; empty means the mapping default
	Host          string `yaml:"host" json:"host"`
	Protocol      string `yaml:"protocol" json:"protocol"`
	Compress      bool   `yaml:"compress" json:"compress"`
	Serialize     bool   `yaml:"serialize" json:"serialize"`
	IPv6          bool   `yaml:"ipv6" json:"ipv6"`
	MX            bool   `yaml:"mx" json:"mx"`
	BuildConfig   string `yaml:"config" json:"config"`
	BuildPlatform string `yaml:"platform" json:"platform"`
	All           bool   `yaml:"all" json:"all"` // expand every axis

	// Extra properties passed to every participant
	Props []string `yaml:"props" json:"props"`

	// Execution
	Driver        string `yaml:"driver" json:"driver"` // local, remote
	Controller    string `yaml:"controller" json:"controller"`
	ControllerApp string `yaml:"controller_app" json:"controller_app"`
	Browser       string `yaml:"browser" json:"browser"`
	Device        string `yaml:"device" json:"device"`
	Target        string `yaml:"target" json:"target"` // android, ios
	Valgrind      bool   `yaml:"valgrind" json:"valgrind"`
	KeepGoing     bool   `yaml:"keep_going" json:"keep_going"`
	Workers       int    `yaml:"workers" json:"workers"`

	// Timeouts
	ReadyTimeout      time.Duration `yaml:"ready_timeout" json:"ready_timeout"`
	ClientTimeout     time.Duration `yaml:"client_timeout" json:"client_timeout"`
	ServerStopTimeout time.Duration `yaml:"server_stop_timeout" json:"server_stop_timeout"`
	CITimeoutScale    float64       `yaml:"ci_timeout_scale" json:"ci_timeout_scale"`
	WatchdogInterval  time.Duration `yaml:"watchdog_interval" json:"watchdog_interval"`

	// Remote discovery
	DiscoveryAttempts     int           `yaml:"discovery_attempts" json:"discovery_attempts"`
	DiscoveryInterval     time.Duration `yaml:"discovery_interval" json:"discovery_interval"`
	DiscoveryRestartAfter int           `yaml:"discovery_restart_after" json:"discovery_restart_after"`

	// Files
	TraceDir    string `yaml:"trace_dir" json:"trace_dir"`
	ExitTable   string `yaml:"exit_table" json:"exit_table"`
	HistoryPath string `yaml:"history" json:"history"`

	// Observability
	Debug       bool   `yaml:"debug" json:"debug"`
	LogFormat   string `yaml:"log_format" json:"log_format"` // json, text
	LogLevel    string `yaml:"log_level" json:"log_level"`
	MetricsAddr string `yaml:"metrics" json:"metrics"`
	TUIEnabled  bool   `yaml:"tui" json:"tui"`

	// Diagnostics
	SkipPreflight bool `yaml:"skip_preflight" json:"skip_preflight"`
	CI            bool `yaml:"-" json:"ci"`

	ConfigFile string `yaml:"-" json:"-"`

	// Pinned lists the axes set explicitly on the command line or in the
	// options file.
	Pinned []Axis `yaml:"-" json:"pinned"`
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		// Execution
		Driver:  "local",
		Workers: 1,

		// Timeouts
		ReadyTimeout:      300 * time.Second,
		ClientTimeout:     240 * time.Second,
		ServerStopTimeout: 60 * time.Second,
		CITimeoutScale:    3,
		WatchdogInterval:  5 * time.Minute,

		// Discovery: 120 x 5s is about ten minutes
		DiscoveryAttempts:     120,
		DiscoveryInterval:     5 * time.Second,
		DiscoveryRestartAfter: 50,

		HistoryPath: defaultHistoryPath(),

		// Observability
		LogFormat: "text",
		LogLevel:  "info",
	}
}

func defaultHistoryPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "interop-driver", "history.db")
}

// Configuration builds the base axis configuration from the options. Axes in
// Pinned are marked pinned; the rest keep the built-in defaults unless a
// value differs from them.
func (o *Options) Configuration() (*Configuration, error) {
	c := NewConfiguration()
	pinned := make(map[Axis]bool, len(o.Pinned))
	for _, a := range o.Pinned {
		pinned[a] = true
	}

	set := func(a Axis, v string, changed bool) error {
		if !changed && !pinned[a] {
			return nil
		}
		return c.Set(a, v)
	}

	if err := set(AxisProtocol, o.Protocol, o.Protocol != ""); err != nil {
		return nil, err
	}
	if err := set(AxisHost, o.Host, o.Host != ""); err != nil {
		return nil, err
	}
	if err := set(AxisBuildConfig, o.BuildConfig, o.BuildConfig != ""); err != nil {
		return nil, err
	}
	if err := set(AxisBuildPlatform, o.BuildPlatform, o.BuildPlatform != ""); err != nil {
		return nil, err
	}
	for a, v := range map[Axis]bool{
		AxisCompress:  o.Compress,
		AxisSerialize: o.Serialize,
		AxisIPv6:      o.IPv6,
		AxisMX:        o.MX,
	} {
		if err := set(a, boolString(v), v); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Scale multiplies a timeout by the CI factor when running under CI.
// Negative (infinite) timeouts are returned unchanged.
func (o *Options) Scale(d time.Duration) time.Duration {
	if !o.CI || o.CITimeoutScale <= 1 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * o.CITimeoutScale)
}

// Remote reports whether processes are started through a remote controller.
func (o *Options) Remote() bool {
	return o.Driver == "remote"
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
