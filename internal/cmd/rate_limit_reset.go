package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/output"
)

var (
	rateLimitResetAll    bool
	rateLimitResetClass  string
	rateLimitResetPrefix string
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

type rateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear persisted per-class backoff state",
	Long: `Clear persisted backoff rows so the next start does not honor them.
A running server keeps its in-memory state until it restarts.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := store.RateLimitQuery{
			All:    rateLimitResetAll,
			Class:  strings.TrimSpace(rateLimitResetClass),
			Prefix: strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := query.Validate(); err != nil {
			return core.WrapError(core.KindInvalidRequest, "rate-limit.reset", err)
		}
		if query.All && !rateLimitResetYes && !rateLimitResetDryRun {
			return core.WrapError(core.KindInvalidRequest, "rate-limit.reset",
				errors.New("--all requires --yes (or use --dry-run)"))
		}

		db, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		matched, err := db.CountRateLimits(cmd.Context(), query)
		if err != nil {
			return err
		}
		result := rateLimitResetResult{Matched: matched, DryRun: rateLimitResetDryRun}
		if !result.DryRun {
			if result.Deleted, err = db.ResetRateLimits(cmd.Context(), query); err != nil {
				return err
			}
		}

		text, err := renderResetResult(format, result)
		if err != nil {
			return err
		}
		return writeText(cmd, "rate-limit.reset", format, text)
	},
}

func renderResetResult(format output.Format, result rateLimitResetResult) (string, error) {
	switch format {
	case output.FormatJSON, output.FormatYAML:
		return output.Encode(format, result)
	}
	if result.DryRun {
		return fmt.Sprintf("Would delete %d rate limit entr(ies)", result.Matched), nil
	}
	return fmt.Sprintf("Deleted %d/%d rate limit entr(ies)", result.Deleted, result.Matched), nil
}

func init() {
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all classes")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetClass, "class", "", "Reset a single class (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset classes with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
	addOutputFlags(rateLimitResetCmd)
}
