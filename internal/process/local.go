package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
)

// TraceProperty is set on participants that get a trace file.
const TraceProperty = "Trace.File"

var valgrindArgs = []string{"valgrind", "-q", "--child-silent-after-fork=yes", "--leak-check=full", "--error-exitcode=130"}

// LocalController runs participants as child processes of the driver.
type LocalController struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewLocalController creates a controller that spawns local children.
func NewLocalController(logger *slog.Logger) *LocalController {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalController{logger: logger, now: time.Now}
}

// Name returns "local".
func (c *LocalController) Name() string { return "local" }

// Close is a no-op; children are owned by their instances.
func (c *LocalController) Close() error { return nil }

// Start resolves d against pc and spawns it.
func (c *LocalController) Start(ctx context.Context, d *Descriptor, pc *Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var trace string
	extra := map[string]string{}
	if pc.TraceDir != "" {
		if err := os.MkdirAll(pc.TraceDir, 0o755); err != nil {
			return nil, fmt.Errorf("trace dir: %w", err)
		}
		trace = filepath.Join(pc.TraceDir, TraceFileName(d.Role.String(), d.Label(), c.now()))
		extra[TraceProperty] = trace
	}

	cmd, err := d.Resolve(pc, extra)
	if err != nil {
		return nil, err
	}
	argv := cmd.Argv
	if pc.Valgrind && cmd.Runtime == expect.RuntimeNative {
		argv = append(append([]string(nil), valgrindArgs...), argv...)
	}

	logger := pc.logger().With("test", pc.TestPath, "role", d.Role.String())
	opts := expect.Options{
		Name:           cmd.Name,
		Argv:           argv,
		Env:            cmd.Env,
		Dir:            cmd.Dir,
		Runtime:        cmd.Runtime,
		Echo:           pc.Echo,
		Quiet:          cmd.Quiet,
		Filters:        cmd.Filters,
		Progress:       pc.progress(),
		Registry:       pc.Registry,
		ExitTable:      pc.ExitTable,
		Logger:         logger,
		Verbose:        pc.Debug,
		DefaultTimeout: pc.Timeouts.Expect,
	}
	ch, err := expect.Spawn(opts)
	if err != nil {
		return nil, err
	}
	logger.Info("process_started",
		"process", cmd.Name,
		"pid", ch.Pid(),
		"controller", c.Name(),
	)
	return &localInstance{Channel: ch, trace: trace, logger: logger}, nil
}

type localInstance struct {
	*expect.Channel
	trace  string
	logger *slog.Logger
}

func (i *localInstance) Finish(success bool) string {
	if i.trace == "" {
		return ""
	}
	if success {
		if err := os.Remove(i.trace); err != nil && !errors.Is(err, fs.ErrNotExist) {
			i.logger.Debug("trace_remove_failed", "path", i.trace, "error", err)
		}
		return ""
	}
	if _, err := os.Stat(i.trace); err != nil {
		return ""
	}
	i.logger.Warn("trace_preserved", "process", i.Name(), "path", i.trace)
	return i.trace
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// TraceFileName returns "<role>-<name>-<timestamp>.log".
func TraceFileName(role, name string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s.log", role, unsafeName.ReplaceAllString(name, "_"), t.Format("20060102-150405.000000"))
}
