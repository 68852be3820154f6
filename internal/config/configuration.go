package config

import (
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Axis names one dimension of the test matrix.
type Axis string

const (
	AxisProtocol      Axis = "protocol"
	AxisCompress      Axis = "compress"
	AxisIPv6          Axis = "ipv6"
	AxisSerialize     Axis = "serialize"
	AxisMX            Axis = "mx"
	AxisBuildConfig   Axis = "config"
	AxisBuildPlatform Axis = "platform"
	AxisHost          Axis = "host"
)

// Axes lists every axis in canonical order. Keys and matrix expansion follow it.
var Axes = []Axis{
	AxisProtocol,
	AxisCompress,
	AxisIPv6,
	AxisSerialize,
	AxisMX,
	AxisBuildConfig,
	AxisBuildPlatform,
	AxisHost,
}

// Protocols are the transport values accepted by --protocol.
var Protocols = []string{"tcp", "ssl", "ws", "wss", "bt", "bts"}

// BuildConfigs are the accepted --config values.
var BuildConfigs = []string{"Debug", "Release"}

var boolAxes = map[Axis]bool{
	AxisCompress:  true,
	AxisIPv6:      true,
	AxisSerialize: true,
	AxisMX:        true,
}

// IsBool reports whether the axis takes true/false values.
func IsBool(a Axis) bool { return boolAxes[a] }

// ParseAxis converts a name to an Axis.
func ParseAxis(name string) (Axis, error) {
	for _, a := range Axes {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown axis %q", name)
}

// Configuration is the axis values for one run plus the set of axes the user
// pinned explicitly. Treat it as immutable once built: With and CloneFor
// return copies.
type Configuration struct {
	values map[Axis]string
	pinned map[Axis]bool
}

// NewConfiguration returns a configuration holding the built-in defaults.
func NewConfiguration() *Configuration {
	return &Configuration{
		values: map[Axis]string{
			AxisProtocol:      "tcp",
			AxisCompress:      "false",
			AxisIPv6:          "false",
			AxisSerialize:     "false",
			AxisMX:            "false",
			AxisBuildConfig:   "Release",
			AxisBuildPlatform: DefaultPlatform(),
			AxisHost:          "",
		},
		pinned: make(map[Axis]bool),
	}
}

// DefaultPlatform maps GOARCH onto the build platform names used by suites.
func DefaultPlatform() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "386":
		return "Win32"
	default:
		return runtime.GOARCH
	}
}

// Set validates value, stores it and pins the axis. Only call it while the
// configuration is being built from user input.
func (c *Configuration) Set(axis Axis, value string) error {
	v, err := normalize(axis, value)
	if err != nil {
		return err
	}
	c.values[axis] = v
	c.pinned[axis] = true
	return nil
}

// With returns a copy with axis set to value. The pinned set is unchanged.
func (c *Configuration) With(axis Axis, value string) *Configuration {
	out := c.Clone()
	if v, err := normalize(axis, value); err == nil {
		out.values[axis] = v
	}
	return out
}

// Clone returns a deep copy.
func (c *Configuration) Clone() *Configuration {
	out := &Configuration{
		values: make(map[Axis]string, len(c.values)),
		pinned: make(map[Axis]bool, len(c.pinned)),
	}
	for k, v := range c.values {
		out.values[k] = v
	}
	for k, v := range c.pinned {
		out.pinned[k] = v
	}
	return out
}

// CloneFor derives the configuration of a child run, typically a client from
// another mapping. The child starts from its own defaults and takes only the
// axes the parent pinned.
func (c *Configuration) CloneFor(childDefaults *Configuration) *Configuration {
	if childDefaults == nil {
		childDefaults = NewConfiguration()
	}
	out := childDefaults.Clone()
	for axis, pinned := range c.pinned {
		if pinned {
			out.values[axis] = c.values[axis]
			out.pinned[axis] = true
		}
	}
	return out
}

// WireAxes must agree between a client and the server it talks to.
var WireAxes = []Axis{AxisProtocol, AxisCompress, AxisIPv6, AxisHost}

// PeerFor derives the configuration of a participant from another mapping
// that talks to participants running under c. It is CloneFor with the wire
// axes taken from c, pinned or not.
func (c *Configuration) PeerFor(peerDefaults *Configuration) *Configuration {
	out := c.CloneFor(peerDefaults)
	for _, axis := range WireAxes {
		out.values[axis] = c.values[axis]
	}
	return out
}

// Get returns the raw value of an axis.
func (c *Configuration) Get(axis Axis) string { return c.values[axis] }

// Bool returns a boolean axis.
func (c *Configuration) Bool(axis Axis) bool {
	b, _ := strconv.ParseBool(c.values[axis])
	return b
}

// Pinned reports whether the user set axis explicitly.
func (c *Configuration) Pinned(axis Axis) bool { return c.pinned[axis] }

// PinnedAxes returns the pinned axes in canonical order.
func (c *Configuration) PinnedAxes() []Axis {
	var out []Axis
	for _, a := range Axes {
		if c.pinned[a] {
			out = append(out, a)
		}
	}
	return out
}

func (c *Configuration) Protocol() string { return c.values[AxisProtocol] }
func (c *Configuration) Compress() bool   { return c.Bool(AxisCompress) }
func (c *Configuration) IPv6() bool       { return c.Bool(AxisIPv6) }
func (c *Configuration) Serialize() bool  { return c.Bool(AxisSerialize) }
func (c *Configuration) MX() bool         { return c.Bool(AxisMX) }
func (c *Configuration) Host() string     { return c.values[AxisHost] }
func (c *Configuration) BuildConfig() string {
	return c.values[AxisBuildConfig]
}
func (c *Configuration) BuildPlatform() string {
	return c.values[AxisBuildPlatform]
}

// Secure reports whether the protocol is TLS based.
func (c *Configuration) Secure() bool {
	switch c.Protocol() {
	case "ssl", "wss", "bts":
		return true
	}
	return false
}

// Key is a stable identity string covering every axis.
func (c *Configuration) Key() string {
	parts := make([]string, 0, len(Axes))
	for _, a := range Axes {
		parts = append(parts, string(a)+"="+c.values[a])
	}
	return strings.Join(parts, ",")
}

// String renders the run-relevant options the way they appear on the command
// line, e.g. "--protocol=ssl --compress".
func (c *Configuration) String() string {
	parts := []string{"--protocol=" + c.Protocol()}
	for _, a := range []Axis{AxisCompress, AxisIPv6, AxisSerialize, AxisMX} {
		if c.Bool(a) {
			parts = append(parts, "--"+string(a))
		}
	}
	if h := c.Host(); h != "" {
		parts = append(parts, "--host="+h)
	}
	return strings.Join(parts, " ")
}

// Values returns a copy of the axis values.
func (c *Configuration) Values() map[Axis]string {
	out := make(map[Axis]string, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Matches reports whether every axis named in want holds one of the allowed
// values. An empty allow-list matches nothing.
func (c *Configuration) Matches(want map[Axis][]string) bool {
	keys := make([]string, 0, len(want))
	for a := range want {
		keys = append(keys, string(a))
	}
	sort.Strings(keys)
	for _, k := range keys {
		a := Axis(k)
		ok := false
		for _, v := range want[a] {
			if n, err := normalize(a, v); err == nil && n == c.values[a] {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func normalize(axis Axis, value string) (string, error) {
	switch {
	case IsBool(axis):
		b, err := strconv.ParseBool(value)
		if err != nil {
			return "", fmt.Errorf("%s: %q is not a boolean", axis, value)
		}
		return strconv.FormatBool(b), nil
	case axis == AxisProtocol:
		for _, p := range Protocols {
			if p == value {
				return value, nil
			}
		}
		return "", fmt.Errorf("protocol: unknown value %q (want one of %s)", value, strings.Join(Protocols, ", "))
	case axis == AxisBuildConfig:
		for _, v := range BuildConfigs {
			if strings.EqualFold(v, value) {
				return v, nil
			}
		}
		return "", fmt.Errorf("config: unknown value %q", value)
	case axis == AxisBuildPlatform, axis == AxisHost:
		return value, nil
	}
	return "", fmt.Errorf("unknown axis %q", axis)
}
