package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	coreerrors "github.com/davidahmann/provchain/core/errors"
	"github.com/davidahmann/provchain/core/ledger"
	"github.com/davidahmann/provchain/core/projectconfig"
	"github.com/spf13/cobra"
)

const (
	defaultArtifactsRoot = ".provchain/runs"
	defaultLedgerPath    = ".provchain/ledger.db"
)

type app struct {
	stdout     io.Writer
	stderr     io.Writer
	configPath string
	jsonOutput bool
	verbose    bool
	config     projectconfig.Config
	logger     *slog.Logger
	exitCode   int
	lookupEnv  func(string) (string, bool)
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		logger:    slog.New(slog.NewTextHandler(stderr, nil)),
		lookupEnv: os.LookupEnv,
	}
}

func (a *app) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "provchain",
		Short:         "Run commands and record a signed, verifiable chain of their artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	cmd.PersistentFlags().StringVar(&a.configPath, "config", projectconfig.DefaultPath, "project config file")
	cmd.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "write machine-readable JSON output")
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(a.runCommand())
	cmd.AddCommand(a.verifyCommand())
	cmd.AddCommand(a.verifyDocCommand())
	cmd.AddCommand(a.historyCommand())
	cmd.AddCommand(a.versionCommand())
	return cmd
}

func (a *app) setup() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	allowMissing := a.configPath == projectconfig.DefaultPath
	configuration, err := projectconfig.Load(a.configPath, allowMissing)
	if err != nil {
		return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "config_invalid", "fix "+a.configPath+" and rerun", false)
	}
	a.config = configuration
	return nil
}

// fail reports err in the selected output mode and returns its exit code.
func (a *app) fail(err error) int {
	if coreerrors.CategoryOf(err) == "" && strings.HasPrefix(err.Error(), "unknown command") {
		err = usageError(err)
	}
	exitCode := exitCodeForError(err, exitInternalFailure)
	if a.jsonOutput {
		return writeJSONOutput(a.stdout, errorOutputFor(err), exitCode)
	}
	_, _ = fmt.Fprintf(a.stderr, "error: %v\n", err)
	if hint := coreerrors.HintOf(err); hint != "" {
		_, _ = fmt.Fprintf(a.stderr, "hint: %s\n", hint)
	}
	return exitCode
}

// report writes output as JSON, or text as plain lines, and records the
// exit code for the command.
func (a *app) report(output any, text string, exitCode int) {
	a.exitCode = exitCode
	if a.jsonOutput {
		a.exitCode = writeJSONOutput(a.stdout, output, exitCode)
		return
	}
	_, _ = fmt.Fprint(a.stdout, text)
}

func (a *app) openLedger() (*ledger.Ledger, error) {
	path := a.config.Ledger.Path
	if path == "" {
		path = defaultLedgerPath
	}
	return ledger.Open(path)
}

// optionalLedger opens the ledger, logging and skipping it on failure.
func (a *app) optionalLedger() *ledger.Ledger {
	runLedger, err := a.openLedger()
	if err != nil {
		a.logger.Warn("ledger unavailable", "error", err)
		return nil
	}
	return runLedger
}

func (a *app) closeLedger(runLedger *ledger.Ledger) {
	if runLedger == nil {
		return
	}
	if err := runLedger.Close(); err != nil {
		a.logger.Error("error closing ledger", "error", err)
	}
}

// signalContext cancels on interrupt so a running command is killed.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func usageError(err error) error {
	return coreerrors.Wrap(err, coreerrors.CategoryInvalidInput, "usage", "run provchain help for usage", false)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func maximumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MaximumNArgs(n)(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
