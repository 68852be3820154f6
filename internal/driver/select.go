package driver

import (
	"errors"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
)

// SelectMappings resolves the active and cross-test client mappings from
// --languages, --rlanguages and --cross. No --languages selects every known
// mapping.
func SelectMappings(opts *config.Options) (active, cross []*mapping.Mapping, err error) {
	names := opts.Languages
	if len(names) == 0 {
		names = mapping.Names()
	}
	excluded := make(map[string]bool, len(opts.RLanguages))
	for _, name := range opts.RLanguages {
		excluded[name] = true
	}

	seen := make(map[string]bool)
	for _, name := range names {
		if excluded[name] || seen[name] {
			continue
		}
		seen[name] = true
		m, err := mapping.Lookup(name)
		if err != nil {
			return nil, nil, &config.ConfigurationError{Err: err}
		}
		active = append(active, m)
	}
	if len(active) == 0 {
		return nil, nil, &config.ConfigurationError{Err: errors.New("no mapping selected")}
	}

	for _, name := range opts.Cross {
		m, err := mapping.Lookup(name)
		if err != nil {
			return nil, nil, &config.ConfigurationError{Err: err}
		}
		cross = append(cross, m)
	}
	return active, cross, nil
}

// AllMappings returns every known mapping, for catalogs whose cases refer to
// mappings outside the active set.
func AllMappings() []*mapping.Mapping {
	var out []*mapping.Mapping
	for _, name := range mapping.Names() {
		if m, err := mapping.Lookup(name); err == nil {
			out = append(out, m)
		}
	}
	return out
}
