package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Append, Replace and GetSlice let LoadFile restore --prop after the file
// has been applied.
func (p *propList) Append(value string) error { return p.Set(value) }

func (p *propList) Replace(values []string) error {
	*p = (*p)[:0]
	for _, v := range values {
		if err := p.Set(v); err != nil {
			return err
		}
	}
	return nil
}

func (p *propList) GetSlice() []string { return append([]string(nil), *p...) }

// LoadFile applies the YAML options file at path onto opts. Flags that were
// set explicitly on fs keep their command line values. Axes named in the file
// are added to opts.Pinned.
func LoadFile(path string, fs *pflag.FlagSet, opts *Options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read options file: %w", err)
	}

	// Remember explicit flag values; decoding overwrites the fields they point at.
	type saved struct {
		flag  *pflag.Flag
		value string
		slice []string
	}
	var explicit []saved
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) {
			s := saved{flag: f, value: f.Value.String()}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				s.slice = sv.GetSlice()
			}
			explicit = append(explicit, s)
		})
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("parse options file %s: %w", path, err)
	}

	var keys map[string]yaml.Node
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse options file %s: %w", path, err)
	}
	for _, a := range Axes {
		if _, ok := keys[string(a)]; ok {
			opts.Pinned = appendAxis(opts.Pinned, a)
		}
	}

	for _, s := range explicit {
		if sv, ok := s.flag.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(s.slice); err != nil {
				return fmt.Errorf("restore --%s: %w", s.flag.Name, err)
			}
			continue
		}
		if err := s.flag.Value.Set(s.value); err != nil {
			return fmt.Errorf("restore --%s: %w", s.flag.Name, err)
		}
	}
	return nil
}

func appendAxis(list []Axis, a Axis) []Axis {
	for _, x := range list {
		if x == a {
			return list
		}
	}
	return append(list, a)
}

// ciVariables are checked in order by DetectCI.
var ciVariables = []string{"CI", "GITHUB_ACTIONS", "JENKINS_URL", "BUILDKITE", "GITLAB_CI"}

// DetectCI reports whether the process runs under a CI system.
func DetectCI(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range ciVariables {
		switch v := getenv(name); v {
		case "", "0", "false":
		default:
			return true
		}
	}
	return false
}

// ApplyEnvironment fills options that can come from the environment.
func ApplyEnvironment(opts *Options, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	opts.CI = DetectCI(getenv)
	if opts.SuiteDir == "" {
		opts.SuiteDir = getenv("INTEROP_TEST_ROOT")
	}
	if opts.SuiteDir == "" {
		opts.SuiteDir = "."
	}
}
