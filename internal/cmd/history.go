package cmd

import (
	"github.com/spf13/cobra"

	"github.com/brokerguard/brokerguard/internal/output"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Read persisted session events, alerts and statistics snapshots",
	Long: `Read the history the keeper persists to the local store. Requires
store.enabled; "brokerguard serve" and "brokerguard probe" write it.`,
}

var historyEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List session transitions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		events, err := db.ListSessionEvents(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "events", func(f output.Formatter) (string, error) {
			return f.FormatEvents(events)
		})
	},
}

var historyAlertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List fired alerts, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		alerts, err := db.ListAlerts(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "alerts", func(f output.Formatter) (string, error) {
			return f.FormatAlerts(alerts)
		})
	},
}

var historySnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Show the most recent statistics snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}
		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		snap, err := db.LatestSnapshot(cmd.Context())
		if err != nil {
			return err
		}
		return writeRendered(cmd, "snapshot", func(f output.Formatter) (string, error) {
			return f.FormatSnapshot(snap)
		})
	},
}

func init() {
	historyCmd.PersistentFlags().IntVar(&historyLimit, "limit", 50, "Maximum rows to show")
	for _, sub := range []*cobra.Command{historyEventsCmd, historyAlertsCmd, historySnapshotCmd} {
		addOutputFlags(sub)
		historyCmd.AddCommand(sub)
	}
	rootCmd.AddCommand(historyCmd)
}
