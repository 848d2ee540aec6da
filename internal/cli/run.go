package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tigerroll/batchcursor/internal/app"
	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

// runApplication is replaced in tests.
var runApplication = app.RunApplication

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		force   bool
		startID int64
	)

	cmd := &cobra.Command{
		Use:   "run [f]",
		Short: "Run the batch until the query returns no more ids",
		Long: `Run fetches ids greater than the cursor with the configured query, applies the command to each
batch and checkpoints the highest id. Without --force the configuration is printed and must be
confirmed with "y".`,
		Example: `  # Confirm interactively
  batchcursor run

  # Run without confirmation
  batchcursor run f
  batchcursor run --force --config batch.yaml

  # Ignore the checkpoint and start after id 1000
  batchcursor run -f --start-id 1000`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if args[0] != "f" {
					return &usageError{msg: fmt.Sprintf("unknown argument %q (only \"f\" is accepted)", args[0])}
				}
				force = true
			}

			var override app.StartOverride
			if cmd.Flags().Changed("start-id") {
				if startID < 0 {
					return &usageError{msg: fmt.Sprintf("--start-id must not be negative, got %d", startID)}
				}
				override.ID = &startID
			}

			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}

			if !force {
				if !isTerminal(cmd.InOrStdin()) {
					return errNotInteractive
				}
				if err := printSummary(cmd.OutOrStdout(), cfg, override); err != nil {
					return err
				}
				if !confirm(cmd.InOrStdin()) {
					logger.Infof("Aborted!")
					return nil
				}
			}

			runID := uuid.NewString()
			res, err := runApplication(cmd.Context(), cfg, override, runID)
			if err != nil {
				return err
			}
			logger.Infof("Run %s finished: state=%s rows=%d cursor=%d cycles=%d retries=%d duration=%s",
				res.RunID, res.State, res.TotalRows, res.Cursor, res.Cycles, res.Retries, res.Duration)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "run without confirmation")
	cmd.Flags().Int64Var(&startID, "start-id", 0, "start after this id, ignoring any checkpoint")

	return cmd
}

// printSummary writes the settings the run will use. The password is never printed.
func printSummary(w io.Writer, cfg *config.Config, override app.StartOverride) error {
	dbCfg, err := cfg.DatabaseConfig()
	if err != nil {
		return err
	}
	b := cfg.BatchCursor.Batch

	var sb strings.Builder
	sb.WriteString("Are you sure you want to run the batch process with the following configuration:\n\n")
	fmt.Fprintf(&sb, "database: %s\n", dbCfg.Summary())
	fmt.Fprintf(&sb, "database.host: %s\n", dbCfg.Host)
	fmt.Fprintf(&sb, "database.user: %s\n", dbCfg.User)
	fmt.Fprintf(&sb, "database.name: %s\n", dbCfg.Database)
	fmt.Fprintf(&sb, "config.batchSize: %d\n", b.BatchSize)
	if override.ID != nil {
		fmt.Fprintf(&sb, "config.startId: %d (--start-id, checkpoint ignored)\n", *override.ID)
	} else {
		fmt.Fprintf(&sb, "config.startId: %d (used when no checkpoint exists)\n", b.StartID)
	}
	fmt.Fprintf(&sb, "checkpoint: %s\n", b.CheckpointPath)
	sb.WriteString("-----------------------\n")
	fmt.Fprintf(&sb, "query: %s\n\n", b.SQLQuery)
	fmt.Fprintf(&sb, "command: %s\n\n", b.SQLCommand)
	sb.WriteString("Reply y to start: ")

	_, err = io.WriteString(w, sb.String())
	return err
}

// confirm reads one line and accepts only "y" or "Y".
func confirm(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "y")
}
