package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storyforge/genqueue/internal/config"
)

func newCleanupCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete completed jobs beyond the most recent --keep",
		Long:  "Deletes completed jobs from the configured store, keeping the most recent ones. Failed jobs are never removed. Stop the server first when using the badger store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("keep") {
				keep = cfg.RetentionKeep
			}
			if keep < 0 {
				return fmt.Errorf("keep must not be negative, got %d", keep)
			}

			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			removed, err := store.CleanupCompletedJobs(cmd.Context(), keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d completed jobs (kept %d)\n", removed, keep)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "number of most recent completed jobs to keep (default RETENTION_KEEP)")
	return cmd
}
