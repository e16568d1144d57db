package cmd

import "github.com/spf13/cobra"

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and clear persisted rate limit backoff",
	Long: `Rate limit classes that received a 429 persist their backoff window to
the store so a restart does not hammer the broker. These commands read and
clear that state.`,
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
