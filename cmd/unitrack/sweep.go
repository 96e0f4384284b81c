package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unitrack/unitrack/internal/config"
	"github.com/unitrack/unitrack/internal/idempotency"
	"github.com/unitrack/unitrack/internal/storage"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired idempotency records once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			store, err := storage.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer store.Close()

			count, err := idempotency.New(store, cfg.Idempotency.TTL).CleanupExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", count)
			return nil
		},
	}
}
