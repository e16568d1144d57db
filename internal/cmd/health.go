package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/keeper"
	"github.com/brokerguard/brokerguard/internal/observability"
)

var (
	healthTimeout   time.Duration
	healthNoConnect bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Run a local self-check",
	Long: `Validate the configuration, build the client stack, log in to the broker
and run the same checks the readiness probe uses. Exits non-zero when any
check fails.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadedConfig()
		if err != nil {
			return err
		}
		if err := config.Validate(cfg); err != nil {
			return core.WrapError(core.KindConfiguration, "health", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		k, stop, err := startKeeper(ctx, keeper.Options{})
		if err != nil {
			return err
		}
		defer stop()

		results := runSelfCheck(ctx, k, !healthNoConnect)
		return reportSelfCheck(cmd.OutOrStdout(), results)
	},
}

type checkResult struct {
	name string
	err  error
}

// runSelfCheck optionally logs in, then runs every keeper health check in name order.
func runSelfCheck(ctx context.Context, k *keeper.Keeper, connect bool) []checkResult {
	var results []checkResult
	if connect {
		results = append(results, checkResult{name: "connect", err: k.Session().EnsureConnected(ctx)})
	}

	checks := k.HealthCheckers()
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		results = append(results, checkResult{name: name, err: checks[name].CheckHealth(ctx)})
	}
	return results
}

func reportSelfCheck(w io.Writer, results []checkResult) error {
	var firstErr error
	failed := 0
	for _, r := range results {
		if r.err == nil {
			fmt.Fprintf(w, "✅ %s\n", r.name)
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = r.err
		}
		fmt.Fprintf(w, "❌ %s: %v\n", r.name, r.err)
		observability.Current().Debug("Health check failed", zap.String("check", r.name), zap.Error(r.err))
	}
	if failed == 0 {
		_, err := fmt.Fprintln(w, "All health checks passed")
		return err
	}
	return fmt.Errorf("%d of %d health checks failed: %w", failed, len(results), firstErr)
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 30*time.Second, "Overall time limit for the checks")
	healthCmd.Flags().BoolVar(&healthNoConnect, "no-connect", false, "Skip logging in to the broker")
	rootCmd.AddCommand(healthCmd)
}
