// Package cli implements the patchroot command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/asynkron/patchroot/internal/config"
	"github.com/asynkron/patchroot/internal/diag"
	"github.com/asynkron/patchroot/internal/workspace"
)

// Run executes patchroot using the provided CLI arguments.
// It returns a POSIX-style exit code indicating whether execution succeeded.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	return run(ctx, args, streams{in: stdin, out: stdout, err: stderr}, config.LoadOptions{})
}

type streams struct {
	in       io.Reader
	out, err io.Writer
}

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// globalFlags are shared by every subcommand.
type globalFlags struct {
	root     string
	logLevel string
	color    string
}

func run(ctx context.Context, args []string, s streams, loadOpts config.LoadOptions) int {
	if s.in == nil {
		s.in = os.Stdin
	}
	if s.out == nil {
		s.out = io.Discard
	}
	if s.err == nil {
		s.err = io.Discard
	}

	var flags globalFlags
	root := &cobra.Command{
		Use:           "patchroot",
		Short:         "Apply unified diffs inside a sandboxed root and keep its snapshot current",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetArgs(args)
	root.SetIn(s.in)
	root.SetOut(s.out)
	root.SetErr(s.err)
	root.PersistentFlags().StringVar(&flags.root, "root", "", "write root (overrides WRITE_ROOT)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&flags.color, "color", "auto", "colorize output: auto, always, never")

	env := &environment{flags: &flags, streams: s, loadOpts: loadOpts}
	root.AddCommand(
		newApplyCommand(env),
		newSnapshotCommand(env),
		newDiffCommand(env),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintln(s.err, exit.err)
			}
			return exit.code
		}
		// Anything cobra rejects before RunE is a usage problem.
		fmt.Fprintf(s.err, "%v\n", err)
		return 2
	}
	return 0
}

// environment lazily assembles the configuration and service for a command.
type environment struct {
	flags    *globalFlags
	streams  streams
	loadOpts config.LoadOptions
}

// config loads settings and applies the global flag overrides; mutate lets a
// subcommand apply its own flags before validation.
func (e *environment) config(mutate func(*config.Config)) (config.Config, error) {
	cfg, err := config.Load(e.loadOpts)
	if err != nil {
		return config.Config{}, &exitError{code: 1, err: err}
	}
	if e.flags.root != "" {
		cfg.WriteRoot = e.flags.root
	}
	if e.flags.logLevel != "" {
		cfg.LogLevel = e.flags.logLevel
	}
	if mutate != nil {
		mutate(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, &exitError{code: 2, err: err}
	}
	return cfg, nil
}

func (e *environment) service(cfg config.Config) (*workspace.Service, error) {
	level, err := diag.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	svc, err := workspace.New(cfg, workspace.Options{Logger: diag.NewStdLogger(level, e.streams.err)})
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	return svc, nil
}

func (e *environment) printer() (*printer, error) {
	p, err := newPrinter(e.streams.out, e.streams.err, e.flags.color)
	if err != nil {
		return nil, &exitError{code: 2, err: err}
	}
	return p, nil
}
