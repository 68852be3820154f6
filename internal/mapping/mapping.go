// Package mapping describes the language bindings the driver can run and how
// each one launches its executables.
package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/expect"
)

// Kind is the closed set of supported mappings.
type Kind int

const (
	Cpp Kind = iota
	Java
	CSharp
	Python
	JavaScript
	Ruby
	PHP
	Swift
)

// AllKinds lists every mapping in declaration order.
var AllKinds = []Kind{Cpp, Java, CSharp, Python, JavaScript, Ruby, PHP, Swift}

func (k Kind) String() string {
	switch k {
	case Cpp:
		return "cpp"
	case Java:
		return "java"
	case CSharp:
		return "csharp"
	case Python:
		return "python"
	case JavaScript:
		return "js"
	case Ruby:
		return "ruby"
	case PHP:
		return "php"
	case Swift:
		return "swift"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind converts a mapping name to a Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range AllKinds {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown mapping %q", name)
}

// Names returns every mapping name.
func Names() []string {
	out := make([]string, len(AllKinds))
	for i, k := range AllKinds {
		out[i] = k.String()
	}
	return out
}

// Role distinguishes servers from clients.
type Role int

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Server {
		return "server"
	}
	return "client"
}

// Rule marks a configuration a mapping cannot run. When uses the same
// semantics as config.Configuration.Matches; Platforms, if set, limits the
// rule to those GOOS values.
type Rule struct {
	When      map[config.Axis][]string
	Platforms []string
	Reason    string
}

func (r Rule) applies(cfg *config.Configuration, goos string) bool {
	if len(r.Platforms) > 0 {
		found := false
		for _, p := range r.Platforms {
			if p == goos {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return cfg.Matches(r.When)
}

// Mapping is one language binding. Behaviour that varies by runtime is
// delegated to the trait fields.
type Mapping struct {
	Kind    Kind
	Runtime expect.Runtime

	Builder CommandLineBuilder
	SSL     SSLPropertyProvider
	Plugins PluginEntryPointResolver // nil when the runtime cannot load plugins

	// Defaults is the configuration the mapping runs with before any user
	// option is applied.
	Defaults *config.Configuration

	Unsupported []Rule

	// Binary is the runtime executable preflight looks for; empty for native code.
	Binary      string
	VersionArgs []string

	ClientOnly   bool
	CrossCapable bool
}

// New returns the mapping for kind using the process environment.
func New(kind Kind) *Mapping {
	return NewWithEnv(kind, os.Getenv)
}

// NewWithEnv returns the mapping for kind, reading runtime locations through getenv.
func NewWithEnv(kind Kind, getenv Getenv) *Mapping {
	if getenv == nil {
		getenv = os.Getenv
	}
	noBluetooth := Rule{
		When:   map[config.Axis][]string{config.AxisProtocol: {"bt", "bts"}},
		Reason: "bluetooth transports are only available to native code",
	}

	m := &Mapping{Kind: kind, Defaults: config.NewConfiguration()}
	switch kind {
	case Cpp:
		m.Runtime = expect.RuntimeNative
		m.Builder = NativeBuilder{Dir: installDir(getenv, "bin")}
		m.SSL = PEMProvider{}
		m.Plugins = SymbolResolver{}
		m.CrossCapable = true
		m.Unsupported = []Rule{{
			When:      map[config.Axis][]string{config.AxisProtocol: {"bt", "bts"}},
			Platforms: []string{"darwin", "windows"},
			Reason:    "bluetooth transports require linux",
		}}
	case Java:
		m.Runtime = expect.RuntimeJVM
		m.Builder = JVMBuilder{Getenv: getenv, ClassPath: installDir(getenv, "lib")}
		m.SSL = KeystoreProvider{}
		m.Plugins = ClassResolver{Package: "com.interop"}
		m.Binary = "java"
		m.VersionArgs = []string{"-version"}
		m.CrossCapable = true
		m.Unsupported = []Rule{noBluetooth}
	case CSharp:
		m.Runtime = expect.RuntimeDotNet
		m.Builder = DotNetBuilder{Getenv: getenv}
		m.SSL = PKCS12Provider{}
		m.Plugins = AssemblyResolver{}
		m.Binary = "dotnet"
		m.VersionArgs = []string{"--version"}
		m.CrossCapable = true
		m.Unsupported = []Rule{noBluetooth}
	case Python:
		m.Runtime = expect.RuntimePython
		m.Builder = InterpreterBuilder{Getenv: getenv, Command: "python3", EnvVar: "PYTHON", Ext: ".py", Flags: []string{"-u"}}
		m.SSL = PEMProvider{}
		m.Binary = "python3"
		m.VersionArgs = []string{"--version"}
		m.CrossCapable = true
		m.Unsupported = []Rule{noBluetooth}
	case JavaScript:
		m.Runtime = expect.RuntimeNode
		m.Builder = InterpreterBuilder{Getenv: getenv, Command: "node", EnvVar: "NODE", Ext: ".js"}
		m.SSL = PEMProvider{}
		m.Binary = "node"
		m.VersionArgs = []string{"--version"}
		m.CrossCapable = true
		m.Defaults = m.Defaults.With(config.AxisProtocol, "ws")
		m.Unsupported = []Rule{
			{
				When:   map[config.Axis][]string{config.AxisProtocol: {"tcp", "ssl", "bt", "bts"}},
				Reason: "js only speaks websocket transports",
			},
			{
				When:   map[config.Axis][]string{config.AxisSerialize: {"true"}},
				Reason: "js has no thread pool to serialize",
			},
		}
	case Ruby:
		m.Runtime = expect.RuntimeRuby
		m.Builder = InterpreterBuilder{Getenv: getenv, Command: "ruby", EnvVar: "RUBY", Ext: ".rb"}
		m.SSL = PEMProvider{}
		m.Binary = "ruby"
		m.VersionArgs = []string{"--version"}
		m.ClientOnly = true
		m.Unsupported = []Rule{
			noBluetooth,
			{
				When:   map[config.Axis][]string{config.AxisProtocol: {"ws", "wss"}},
				Reason: "ruby has no websocket transport",
			},
		}
	case PHP:
		m.Runtime = expect.RuntimePHP
		m.Builder = InterpreterBuilder{Getenv: getenv, Command: "php", EnvVar: "PHP", Ext: ".php", Flags: []string{"-f"}, Trailer: []string{"--"}}
		m.SSL = PEMProvider{}
		m.Binary = "php"
		m.VersionArgs = []string{"--version"}
		m.ClientOnly = true
		m.Unsupported = []Rule{
			noBluetooth,
			{
				When:   map[config.Axis][]string{config.AxisMX: {"true"}},
				Reason: "php does not expose metrics facets",
			},
		}
	case Swift:
		m.Runtime = expect.RuntimeSwift
		m.Builder = NativeBuilder{Dir: installDir(getenv, "bin")}
		m.SSL = PKCS12Provider{}
		m.Unsupported = []Rule{
			{Platforms: []string{"linux", "windows", "freebsd"}, Reason: "swift requires darwin"},
			noBluetooth,
		}
	default:
		panic(fmt.Sprintf("mapping: unhandled kind %d", int(kind)))
	}
	return m
}

// installDir returns $INTEROP_HOME/sub, or "" when INTEROP_HOME is unset.
func installDir(getenv Getenv, sub string) string {
	home := getenv("INTEROP_HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, sub)
}

// Lookup returns the mapping called name.
func Lookup(name string) (*Mapping, error) {
	k, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return New(k), nil
}

// Name returns the mapping's short name.
func (m *Mapping) Name() string { return m.Kind.String() }

func (m *Mapping) String() string { return m.Name() }

// CommandLine returns the argv that runs exe under this mapping.
func (m *Mapping) CommandLine(exe string) ([]string, error) {
	argv, err := m.Builder.CommandLine(exe)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name(), err)
	}
	return argv, nil
}

// DefaultExecutable is the executable name a role runs when a descriptor does
// not name one.
func (m *Mapping) DefaultExecutable(role Role) string {
	switch m.Kind {
	case Java:
		if role == Server {
			return "test.Server"
		}
		return "test.Client"
	case CSharp, Swift:
		return title(role.String())
	}
	return role.String()
}

// Supports reports whether cfg can run on goos. When it cannot, reason says why.
func (m *Mapping) Supports(cfg *config.Configuration, goos string) (bool, string) {
	if goos == "" {
		goos = runtime.GOOS
	}
	for _, r := range m.Unsupported {
		if r.applies(cfg, goos) {
			return false, fmt.Sprintf("%s: %s", m.Name(), r.Reason)
		}
	}
	return true, ""
}

// Props returns the properties derived from cfg for a participant in role.
func (m *Mapping) Props(cfg *config.Configuration, role Role, certsDir string) map[string]string {
	props := map[string]string{
		"Default.Protocol": cfg.Protocol(),
	}
	if h := cfg.Host(); h != "" {
		props["Default.Host"] = h
	}
	if cfg.Compress() {
		props["Override.Compress"] = "1"
	}
	if cfg.IPv6() {
		props["IPv6"] = "1"
		props["PreferIPv6Address"] = "1"
	}
	if cfg.Serialize() && role == Server {
		props["ThreadPool.Server.Serialize"] = "1"
	}
	if cfg.MX() {
		props["Admin.Enabled"] = "1"
		props["Admin.Endpoints"] = "tcp -h localhost"
	}
	if cfg.Secure() && m.SSL != nil {
		for k, v := range m.SSL.SSLProps(certsDir, role) {
			props[k] = v
		}
		if m.Plugins != nil {
			props["Plugin.SSL"] = m.Plugins.EntryPoint("ssl")
		}
	}
	return props
}

// PropArgs renders properties as sorted --Key=Value arguments.
func PropArgs(props map[string]string) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, "--"+k+"="+props[k])
	}
	return out
}

// ParseProps turns Key=Value strings into a map. Later entries win.
func ParseProps(list []string) map[string]string {
	out := make(map[string]string, len(list))
	for _, p := range list {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}
