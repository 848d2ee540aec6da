package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tigerroll/batchcursor/pkg/batch/core/config"
	"github.com/tigerroll/batchcursor/pkg/batch/infrastructure/checkpoint"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/logger"
)

func newCheckpointCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the persisted cursor",
	}
	cmd.AddCommand(newCheckpointShowCmd(root), newCheckpointResetCmd(root))
	return cmd
}

func newCheckpointShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the last checkpointed id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			id, found, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !found {
				fmt.Fprintf(out, "No checkpoint at %s; a run starts after id %d.\n",
					store.Location(), cfg.BatchCursor.Batch.StartID)
				return nil
			}
			fmt.Fprintf(out, "Checkpoint at %s: id %d\n", store.Location(), id)
			return nil
		},
	}
}

func newCheckpointResetCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the checkpoint so the next run starts from start_id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore(store)

			if !force {
				if !isTerminal(cmd.InOrStdin()) {
					return errNotInteractive
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Delete checkpoint %s? Reply y to continue: ", store.Location())
				if !confirm(cmd.InOrStdin()) {
					logger.Infof("Aborted!")
					return nil
				}
			}

			return store.Reset(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reset without confirmation")
	return cmd
}

func openStore(cfg *config.Config) (checkpoint.Store, error) {
	cp := cfg.BatchCursor.Checkpoint
	return checkpoint.NewStore(cfg.BatchCursor.Batch.CheckpointPath, checkpoint.Options{
		CredentialsFile: cp.CredentialsFile,
		Endpoint:        cp.Endpoint,
	})
}

func closeStore(store checkpoint.Store) {
	if closer, ok := store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warnf("Failed to close checkpoint store: %v", err)
		}
	}
}
