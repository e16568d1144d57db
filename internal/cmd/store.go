package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/observability"
)

func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage the local history database",
}

var storeMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Schema is current (%s)\n", db.Driver())
		return err
	},
}

var storePruneOlderThan time.Duration

var storePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete session events, snapshots and alerts older than the retention",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		retention := storePruneOlderThan
		if retention <= 0 {
			retention = cfg.Store.HistoryRetention
		}
		if retention <= 0 {
			return fmt.Errorf("no retention configured; pass --older-than or set store.history_retention")
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		cutoff := time.Now().Add(-retention)
		deleted, err := db.PruneHistory(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		observability.CLILogger.Debug("Pruned history",
			zap.Time("cutoff", cutoff),
			zap.Int64("deleted", deleted))
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d history row(s) older than %s\n", deleted, retention)
		return err
	},
}

func init() {
	storePruneCmd.Flags().DurationVar(&storePruneOlderThan, "older-than", 0, "Retention to apply (default store.history_retention)")
	storeCmd.AddCommand(storeMigrateCmd)
	storeCmd.AddCommand(storePruneCmd)
	rootCmd.AddCommand(storeCmd)
}
