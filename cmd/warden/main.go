package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// Process exit codes.
const (
	exitDenied    = 1
	exitAborted   = 2
	exitUsage     = 2
	exitFailure   = 3
	exitCancelled = 130
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.err != nil {
				fmt.Fprintln(stderr, "error:", ee.err)
			}
			return ee.code
		}
		fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
	return 0
}

// app holds state shared by subcommands: global flags, the loaded config,
// the logger and everything that must be closed on exit.
type app struct {
	stdout io.Writer
	stderr io.Writer

	home     string
	logLevel string
	jsonOut  bool
	verbose  bool

	cfg     config.Config
	logger  *slog.Logger
	store   *persistence.Store
	closers []func() error
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Run a language-model agent inside a policy-fenced workspace",
		Long: `warden lets a model-driven agent read, write and run commands in a local
workspace. Every path and command goes through a security policy first and
every decision is written to an append-only audit trail.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		// Parse global flags before the subcommand so `check command` can leave
		// everything after it unparsed.
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.home, "home", "", "data directory (default $WARDEN_HOME or ~/.warden)")
	flags.StringVar(&a.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.BoolVar(&a.jsonOut, "json", false, "print machine-readable JSON")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "also write logs to stderr in a terminal")
	// Traversal looks flags up before cobra merges persistent ones.
	root.InitDefaultHelpFlag()

	root.AddCommand(
		newRunCmd(a),
		newCheckCmd(a),
		newTreeCmd(a),
		newAuditCmd(a),
		newSessionsCmd(a),
		newToolsCmd(a),
		newBackupCmd(a),
		newDoctorCmd(a),
	)
	return root
}

// setup loads configuration and the logger. Logs stay in the file only
// when stdout is a terminal so progress output is readable.
func (a *app) setup() error {
	var err error
	if a.home != "" {
		a.cfg, err = config.LoadDir(a.home)
	} else {
		a.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		a.cfg.LogLevel = a.logLevel
	}

	logger, closer, err := telemetry.NewLogger(a.cfg.HomeDir, telemetry.Options{
		Level:   a.cfg.LogLevel,
		Quiet:   a.interactive() && !a.verbose,
		Console: a.stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)
	if a.cfg.NeedsGenesis {
		logger.Info("no config.yaml found; using defaults", "home", a.cfg.HomeDir)
	}
	return nil
}

func (a *app) openStore() (*persistence.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := persistence.Open(a.cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return store, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// interactive reports whether stdout is a terminal.
func (a *app) interactive() bool {
	f, ok := a.stdout.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
