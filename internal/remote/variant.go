package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
)

// VariantKind is where a remote agent lives.
type VariantKind int

const (
	VariantPlain VariantKind = iota
	VariantBrowser
	VariantMobile
)

func (k VariantKind) String() string {
	switch k {
	case VariantBrowser:
		return "browser"
	case VariantMobile:
		return "mobile"
	default:
		return "plain"
	}
}

// DefaultMobileApp is the agent application id on emulators and simulators.
const DefaultMobileApp = "com.interop.controller"

// Variant selects the agent flavour and how it is restarted.
type Variant struct {
	Kind VariantKind

	// Browser is the browser executable for VariantBrowser.
	Browser string

	// Target is android or ios for VariantMobile. Device is optional.
	Target string
	Device string

	// App is the agent application: a URL for browsers, an application id for
	// mobile targets, a command line for plain agents.
	App string
}

func (v Variant) String() string {
	switch v.Kind {
	case VariantBrowser:
		return "browser/" + v.Browser
	case VariantMobile:
		if v.Device != "" {
			return "mobile/" + v.Target + "/" + v.Device
		}
		return "mobile/" + v.Target
	default:
		return "plain"
	}
}

// RestartCommand returns the command that relaunches the agent, or nil when
// the variant has no way to do it.
func (v Variant) RestartCommand(endpoint string) []string {
	switch v.Kind {
	case VariantBrowser:
		url := v.App
		if url == "" {
			url = "http://" + endpoint + "/"
		}
		return []string{v.Browser, url}
	case VariantMobile:
		app := v.App
		if app == "" {
			app = DefaultMobileApp
		}
		if v.Target == "ios" {
			device := v.Device
			if device == "" {
				device = "booted"
			}
			return []string{"xcrun", "simctl", "launch", device, app}
		}
		argv := []string{"adb"}
		if v.Device != "" {
			argv = append(argv, "-s", v.Device)
		}
		return append(argv, "shell", "am", "start", "-n", app+"/.ControllerActivity")
	default:
		return strings.Fields(v.App)
	}
}

// RestartFunc wraps RestartCommand for DiscoveryConfig.Restart. It returns
// nil when there is nothing to run.
func (v Variant) RestartFunc(endpoint string, logger *slog.Logger) func(ctx context.Context) error {
	argv := v.RestartCommand(endpoint)
	if len(argv) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("restart agent (%s): %w: %s", strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
		}
		if logger != nil {
			logger.Info("agent_restarted", "variant", v.String(), "command", argv)
		}
		return nil
	}
}

// SelectVariant picks the agent flavour for running m under cfg. Browsers
// only host mappings that can run in one.
func SelectVariant(opts *config.Options, m *mapping.Mapping, cfg *config.Configuration) Variant {
	switch {
	case opts.Browser != "" && m != nil && m.Kind == mapping.JavaScript && browserProtocol(cfg):
		return Variant{Kind: VariantBrowser, Browser: opts.Browser, App: opts.ControllerApp}
	case opts.Target != "":
		return Variant{Kind: VariantMobile, Target: opts.Target, Device: opts.Device, App: opts.ControllerApp}
	default:
		return Variant{Kind: VariantPlain, App: opts.ControllerApp}
	}
}

func browserProtocol(cfg *config.Configuration) bool {
	if cfg == nil {
		return true
	}
	p := cfg.Protocol()
	return p == "ws" || p == "wss"
}

// Router hands out one Controller per variant, choosing the variant once per
// (mapping, configuration).
type Router struct {
	opts   *config.Options
	logger *slog.Logger
	newCtl func(Variant) *Controller

	// Progress receives a discovery spinner. Set it before the first For.
	Progress io.Writer

	mu          sync.Mutex
	choices     map[string]Variant
	controllers map[string]*Controller
}

// NewRouter creates a router for opts.
func NewRouter(opts *config.Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		opts:        opts,
		logger:      logger,
		choices:     make(map[string]Variant),
		controllers: make(map[string]*Controller),
	}
	r.newCtl = r.defaultController
	return r
}

func (r *Router) defaultController(v Variant) *Controller {
	endpoint := r.opts.Controller
	disc := NewDiscovery(DiscoveryConfig{
		Endpoint:     endpoint,
		Attempts:     r.opts.DiscoveryAttempts,
		Interval:     r.opts.DiscoveryInterval,
		RestartAfter: r.opts.DiscoveryRestartAfter,
		Restart:      v.RestartFunc(endpoint, r.logger),
		Logger:       r.logger,
		Progress:     r.Progress,
	})
	return NewController(Config{Variant: v, Discovery: disc, Logger: r.logger})
}

// Variant returns the cached choice for (m, cfg).
func (r *Router) Variant(m *mapping.Mapping, cfg *config.Configuration) Variant {
	key := m.Name() + "|" + cfg.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.choices[key]; ok {
		return v
	}
	v := SelectVariant(r.opts, m, cfg)
	r.choices[key] = v
	return v
}

// For returns the controller serving (m, cfg).
func (r *Router) For(m *mapping.Mapping, cfg *config.Configuration) *Controller {
	v := r.Variant(m, cfg)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[v.String()]; ok {
		return c
	}
	c := r.newCtl(v)
	r.controllers[v.String()] = c
	return c
}

// Controllers returns the controllers handed out so far, ordered by variant.
func (r *Router) Controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.controllers))
	for name := range r.controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Controller, len(names))
	for i, name := range names {
		out[i] = r.controllers[name]
	}
	return out
}

// Close closes every controller handed out.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, c := range r.controllers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.controllers = make(map[string]*Controller)
	return first
}
