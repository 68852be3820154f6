// Package main provides the procctl-agent entry point.
//
// procctl-agent runs test participants on behalf of a remote interop-driver.
// It serves the process-controller protocol over a websocket and kills every
// child it started when it shuts down.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-interop-driver/internal/expect"
	"github.com/randomizedcoder/go-interop-driver/internal/logging"
	"github.com/randomizedcoder/go-interop-driver/internal/remote"
)

var version = "dev"

const defaultListen = "127.0.0.1:17094"

type agentOptions struct {
	listen      string
	identity    string
	dir         string
	gracePeriod time.Duration
	logFormat   string
	logLevel    string
	verbose     bool
}

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := rootCmd(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func rootCmd(stderr io.Writer) *cobra.Command {
	opts := agentOptions{
		listen:      defaultListen,
		gracePeriod: expect.DefaultGracePeriod,
		logFormat:   "text",
		logLevel:    "info",
	}
	cmd := &cobra.Command{
		Use:           "procctl-agent",
		Short:         "Run interop test participants for a remote driver",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if err := cobra.NoArgs(cmd, args); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, stderr)
		},
	}
	cmd.SetVersionTemplate(`{{printf "procctl-agent %s\n" .Version}}`)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	fs := cmd.Flags()
	fs.StringVar(&opts.listen, "listen", opts.listen, "Address to serve the agent on.")
	fs.StringVar(&opts.identity, "identity", opts.identity, "Identity reported on ping. Empty generates one.")
	fs.StringVar(&opts.dir, "dir", opts.dir, "Working directory for participants that do not name one.")
	fs.DurationVar(&opts.gracePeriod, "grace-period", opts.gracePeriod, "Time between interrupt and kill on shutdown.")
	fs.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format: json or text.")
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn, error.")
	fs.BoolVarP(&opts.verbose, "verbose", "v", opts.verbose, "Log at debug level.")
	return cmd
}

// serve runs the agent until SIGINT or SIGTERM.
func serve(ctx context.Context, opts agentOptions, stderr io.Writer) error {
	level := opts.logLevel
	if opts.verbose {
		level = "debug"
	}
	logger := logging.NewLoggerWithWriter(stderr, opts.logFormat, level)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := remote.NewAgent(remote.AgentConfig{
		Identity:    opts.identity,
		Version:     version,
		Dir:         opts.dir,
		GracePeriod: opts.gracePeriod,
		Logger:      logger,
	})
	logger.Info("starting", "version", version, "identity", agent.Identity(), "listen", opts.listen)

	if err := agent.ListenAndServe(ctx, opts.listen); err != nil {
		logger.Error("agent_failed", "error", err)
		return err
	}
	logger.Info("agent_stopped")
	return nil
}
