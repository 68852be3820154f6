package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConfigurationError is returned for invalid option combinations. Callers
// map it to a usage exit status.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "invalid configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Validate checks the options for errors and inconsistencies. known lists the
// accepted mapping names; an empty list skips that check.
// Returns nil if valid, or a *ConfigurationError describing every problem.
func Validate(opts *Options, known []string) error {
	var errs []error

	// Filters must compile
	for _, f := range opts.Filter {
		if _, err := regexp.Compile(f); err != nil {
			errs = append(errs, ValidationError{Field: "filter", Message: err.Error()})
		}
	}
	for _, f := range opts.RFilter {
		if _, err := regexp.Compile(f); err != nil {
			errs = append(errs, ValidationError{Field: "rfilter", Message: err.Error()})
		}
	}

	// Mapping names
	if len(known) > 0 {
		for field, list := range map[string][]string{
			"languages":  opts.Languages,
			"rlanguages": opts.RLanguages,
			"cross":      opts.Cross,
		} {
			for _, name := range list {
				if !contains(known, name) {
					errs = append(errs, ValidationError{
						Field:   field,
						Message: fmt.Sprintf("unknown mapping %q (want one of %s)", name, strings.Join(known, ", ")),
					})
				}
			}
		}
	}
	for _, name := range opts.Languages {
		if contains(opts.RLanguages, name) {
			errs = append(errs, ValidationError{
				Field:   "languages",
				Message: fmt.Sprintf("%q is both selected and excluded", name),
			})
		}
	}

	// Axis values
	if opts.Protocol != "" {
		if _, err := normalize(AxisProtocol, opts.Protocol); err != nil {
			errs = append(errs, ValidationError{Field: "protocol", Message: err.Error()})
		}
	}
	if opts.BuildConfig != "" {
		if _, err := normalize(AxisBuildConfig, opts.BuildConfig); err != nil {
			errs = append(errs, ValidationError{Field: "config", Message: err.Error()})
		}
	}

	if opts.Start < 0 {
		errs = append(errs, ValidationError{Field: "start", Message: "must be >= 0"})
	}
	if opts.Workers < 1 {
		errs = append(errs, ValidationError{Field: "workers", Message: "must be at least 1"})
	}

	// Driver selection
	switch opts.Driver {
	case "local":
		for field, v := range map[string]string{"browser": opts.Browser, "device": opts.Device, "target": opts.Target} {
			if v != "" {
				errs = append(errs, ValidationError{
					Field:   field,
					Message: "requires --driver=remote",
				})
			}
		}
	case "remote":
		if opts.Controller == "" {
			errs = append(errs, ValidationError{
				Field:   "controller",
				Message: "--driver=remote requires a controller endpoint",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "driver",
			Message: fmt.Sprintf("must be local or remote (got %q)", opts.Driver),
		})
	}
	if opts.Target != "" && opts.Target != "android" && opts.Target != "ios" {
		errs = append(errs, ValidationError{
			Field:   "target",
			Message: fmt.Sprintf("must be android or ios (got %q)", opts.Target),
		})
	}
	if opts.Browser != "" && opts.Device != "" {
		errs = append(errs, ValidationError{Field: "browser", Message: "cannot be combined with --device"})
	}
	if opts.Valgrind && opts.Remote() {
		errs = append(errs, ValidationError{Field: "valgrind", Message: "only supported with --driver=local"})
	}

	// Timeouts
	if opts.ReadyTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "ready_timeout", Message: "must be positive"})
	}
	if opts.ClientTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "client_timeout", Message: "must be positive"})
	}
	if opts.ServerStopTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "server_stop_timeout", Message: "must be positive"})
	}
	if opts.CITimeoutScale < 1 {
		errs = append(errs, ValidationError{Field: "ci_timeout_scale", Message: "must be >= 1"})
	}

	// Discovery
	if opts.DiscoveryAttempts < 1 {
		errs = append(errs, ValidationError{Field: "discovery_attempts", Message: "must be at least 1"})
	}
	if opts.DiscoveryInterval <= 0 {
		errs = append(errs, ValidationError{Field: "discovery_interval", Message: "must be positive"})
	}
	if opts.DiscoveryRestartAfter < 0 {
		errs = append(errs, ValidationError{Field: "discovery_restart_after", Message: "must be >= 0"})
	}

	// Rerun needs somewhere to read failures from
	if opts.RerunFailed && opts.HistoryPath == "" {
		errs = append(errs, ValidationError{Field: "rerun_failed", Message: "requires --history"})
	}

	// Log format
	if opts.LogFormat != "json" && opts.LogFormat != "text" {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be json or text (got %q)", opts.LogFormat),
		})
	}

	for _, p := range opts.Props {
		if k, _, ok := strings.Cut(p, "="); !ok || k == "" {
			errs = append(errs, ValidationError{Field: "prop", Message: fmt.Sprintf("%q must be Key=Value", p)})
		}
	}

	// Return combined errors
	if len(errs) > 0 {
		return &ConfigurationError{Err: errors.Join(errs...)}
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
