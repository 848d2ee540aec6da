// Package cli implements the batchcursor command line.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitConfigError = 2
)

// errNotInteractive is returned when confirmation is required but stdin is not a terminal.
var errNotInteractive = errors.New("stdin is not a terminal; pass --force (or f) to run without confirmation")

// isTerminal reports whether r is an interactive terminal. Replaced in tests.
var isTerminal = func(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// rootOptions holds the persistent flags shared by all subcommands.
type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
	embedded   config.EmbeddedConfig
}

// NewRootCmd creates the root command. envFile is the default for --env-file.
func NewRootCmd(embedded config.EmbeddedConfig, envFile string) *cobra.Command {
	opts := &rootOptions{embedded: embedded}

	cmd := &cobra.Command{
		Use:           "batchcursor",
		Short:         "Apply a SQL mutation to a table in id-ordered batches",
		Long:          "batchcursor walks a table by ascending id, mutating one batch per cycle and checkpointing the last processed id so an interrupted run resumes where it stopped.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.logLevel != "" {
				logger.SetLogLevel(opts.logLevel)
			}
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{msg: err.Error()}
	})
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML configuration file layered over the built-in defaults")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", envFile, ".env file loaded before reading the environment")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR, SILENT)")
	cmd.AddCommand(newRunCmd(opts), newCheckpointCmd(opts))

	return cmd
}

// loadConfig loads and validates the configuration, applying the --log-level flag last.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.envFile, o.configFile, o.embedded)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.BatchCursor.System.Logging.Level = o.logLevel
	}
	logger.SetLogLevel(cfg.BatchCursor.System.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Execute runs the command line with args and returns the process exit code.
func Execute(ctx context.Context, embedded config.EmbeddedConfig, envFile string, args []string) int {
	cmd := NewRootCmd(embedded, envFile)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	code := ExitCode(err)
	switch code {
	case ExitConfigError:
		logger.Errorf("Configuration error: %v", err)
	case ExitFailed:
		logger.Errorf("Run failed: %v", err)
	}
	return code
}

// ExitCode maps the error returned by the root command to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, exception.ErrInvalidConfig), errors.Is(err, errNotInteractive), isUsageError(err):
		return ExitConfigError
	default:
		return ExitFailed
	}
}

// usageError marks bad command line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func isUsageError(err error) bool {
	var u *usageError
	return errors.As(err, &u)
}
