// Package main provides the interop-driver CLI entry point.
//
// interop-driver expands the configuration matrix of the selected language
// mappings and runs every test suite's server and client programs against
// each other, reporting pass/fail per test.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/randomizedcoder/go-interop-driver/internal/config"
	"github.com/randomizedcoder/go-interop-driver/internal/driver"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/mapping"
	"github.com/randomizedcoder/go-interop-driver/internal/suite"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/interop-driver
var version = "dev"

// Exit codes.
const (
	exitSuccess = 0
	exitFailure = 1 // a test failed, the run was interrupted, or a runtime error
	exitUsage   = 2 // invalid flags or configuration
)

// errTestsFailed is returned by run once the summary has been printed.
var errTestsFailed = errors.New("tests failed")

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{
		opts:   config.DefaultOptions(),
		stdout: stdout,
		stderr: stderr,
		getenv: os.Getenv,
		isTTY: func() bool {
			return term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	code := exitCode(err)
	if err != nil && !errors.Is(err, errTestsFailed) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if code == exitUsage {
			fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", root.Name())
		}
	}
	return code
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var cfgErr *config.ConfigurationError
	if errors.As(err, &cfgErr) {
		return exitUsage
	}
	return exitFailure
}

// app carries the options shared by every subcommand.
type app struct {
	opts   *config.Options
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	isTTY  func() bool
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "interop-driver",
		Short: "Run cross-language interoperability tests",
		Long: `interop-driver expands the configuration matrix of the selected
language mappings and runs each suite's servers and clients against each
other. Without a subcommand it runs the plan.`,
		Version:       version,
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.run,
	}
	root.SetVersionTemplate(`{{printf "interop-driver %s\n" .Version}}`)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &config.ConfigurationError{Err: err}
	})
	root.SetUsageFunc(usage)

	config.BindFlags(root.PersistentFlags(), a.opts)

	root.AddCommand(
		a.listCmd(),
		a.matrixCmd(),
		a.historyCmd(),
		versionCmd(),
	)
	return root
}

// usageArgs turns positional argument errors into usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &config.ConfigurationError{Err: err}
		}
		return nil
	}
}

// usage prints the command line, the subcommands and the flags grouped by
// category.
func usage(cmd *cobra.Command) error {
	w := cmd.OutOrStderr()
	fmt.Fprintf(w, "Usage:\n  %s\n", cmd.UseLine())
	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(w, "\nCommands:")
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Fprintf(w, "  %-10s %s\n", c.Name(), c.Short)
			}
		}
	}
	if local := cmd.LocalNonPersistentFlags(); local.HasAvailableFlags() {
		fmt.Fprintf(w, "\nFlags:\n%s", local.FlagUsages())
	}
	shared := cmd.InheritedFlags()
	if !cmd.HasParent() {
		shared = cmd.PersistentFlags()
	}
	fmt.Fprintln(w)
	config.PrintUsage(w, shared)
	return nil
}

// prepare finishes the options once flags are parsed: the options file,
// the environment, the pinned axes and validation.
func (a *app) prepare(cmd *cobra.Command) error {
	fs := cmd.Flags()
	if a.opts.ConfigFile != "" {
		if err := config.LoadFile(a.opts.ConfigFile, fs, a.opts); err != nil {
			return &config.ConfigurationError{Err: err}
		}
	}
	config.ApplyEnvironment(a.opts, a.getenv)
	for _, axis := range config.PinnedAxes(fs) {
		if !slices.Contains(a.opts.Pinned, axis) {
			a.opts.Pinned = append(a.opts.Pinned, axis)
		}
	}
	return config.Validate(a.opts, mapping.Names())
}

// newLogger builds the run logger. The dashboard owns the terminal, so it
// gets a discarding logger.
func (a *app) newLogger(interactive bool) *slog.Logger {
	if a.opts.TUIEnabled && interactive {
		return logging.Discard()
	}
	level := a.opts.LogLevel
	if a.opts.Debug {
		level = "debug"
	}
	return logging.NewLoggerWithWriter(a.stderr, a.opts.LogFormat, level)
}

// newDriver resolves the mappings, loads the suite catalog and creates the
// driver.
func (a *app) newDriver(logger *slog.Logger, interactive bool) (*driver.Driver, error) {
	active, cross, err := driver.SelectMappings(a.opts)
	if err != nil {
		return nil, err
	}
	catalog, err := suite.LoadCatalog(a.opts.SuiteDir, driver.AllMappings())
	if err != nil {
		return nil, &config.ConfigurationError{Err: err}
	}
	logger.Debug("catalog_loaded", "root", catalog.Root(), "suites", catalog.Len(), "mappings", catalog.Mappings())

	return driver.New(driver.Config{
		Options:     a.opts,
		Suites:      catalog,
		Mappings:    active,
		Cross:       cross,
		Version:     version,
		Out:         a.stdout,
		Logger:      logger,
		Interactive: interactive,
	})
}

// run executes the plan.
func (a *app) run(cmd *cobra.Command, _ []string) error {
	if err := a.prepare(cmd); err != nil {
		return err
	}
	interactive := a.isTTY()
	logger := a.newLogger(interactive)
	logging.SetDefault(logger)

	d, err := a.newDriver(logger, interactive)
	if err != nil {
		return err
	}
	logger.Info("starting",
		"version", version,
		"run_id", d.RunID(),
		"driver", a.opts.Driver,
		"workers", a.opts.Workers,
		"suites", a.opts.SuiteDir,
		"ci", a.opts.CI,
	)

	summary, err := d.Run(cmd.Context())
	if err != nil {
		return err
	}
	if summary.Failed() || summary.Interrupted {
		return errTestsFailed
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "interop-driver %s\n", version)
		},
	}
}
