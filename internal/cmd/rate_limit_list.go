package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListClass  string
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted per-class backoff state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		query := store.RateLimitQuery{
			All:    rateLimitListAll,
			Class:  strings.TrimSpace(rateLimitListClass),
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		if !query.All && query.Class == "" && query.Prefix == "" {
			query.All = true
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		entries, err := db.ListRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "rate-limit.list", func(f output.Formatter) (string, error) {
			return f.FormatRateLimits(entries)
		})
	},
}

func init() {
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all classes")
	rateLimitListCmd.Flags().StringVar(&rateLimitListClass, "class", "", "List a single class (exact match)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List classes with matching prefix")
	addOutputFlags(rateLimitListCmd)
}
