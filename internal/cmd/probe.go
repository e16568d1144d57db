package cmd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/engine"
	"github.com/brokerguard/brokerguard/internal/keeper"
	"github.com/brokerguard/brokerguard/internal/observability"
	"github.com/brokerguard/brokerguard/internal/output"
)

var (
	probeEndpoint string
	probeCalls    int
	probeWorkers  int
	probeWeight   int
	probeNoStore  bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Exercise the broker through the full client stack",
	Long: `Connect, then issue calls through the limiter, pacer and retry layers,
and report outcomes with the resulting statistics.

In simulator mode this needs no credentials; use it to tune rate limit and
alert settings before pointing the client at a live broker.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if probeCalls < 1 {
			return core.NewError(core.KindInvalidRequest, "probe", "--calls must be at least 1")
		}
		if probeWorkers < 1 {
			probeWorkers = 1
		}
		if _, err := resolveOutputFormat(cmd); err != nil {
			return err
		}

		ctx := cmd.Context()
		k, stop, err := startKeeper(ctx, keeper.Options{DisableStore: probeNoStore})
		if err != nil {
			return err
		}
		defer stop()

		report, err := runProbe(ctx, k, strings.TrimSpace(probeEndpoint), probeCalls, probeWorkers, probeWeight)
		if err != nil {
			return err
		}
		return writeRendered(cmd, "probe", func(f output.Formatter) (string, error) {
			return f.FormatProbe(report)
		})
	},
}

// runProbe issues calls with up to workers in flight. Call failures are
// tallied, not returned; only a canceled context aborts the run.
func runProbe(ctx context.Context, k *keeper.Keeper, endpoint string, calls, workers, weight int) (output.ProbeReport, error) {
	report := output.ProbeReport{
		Endpoint: endpoint,
		Calls:    calls,
		ByKind:   map[core.ErrorKind]int{},
	}
	logger := observability.Current()

	var opts []engine.CallOption
	if weight > 1 {
		opts = append(opts, engine.WithWeight(weight))
	}

	var mu sync.Mutex
	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < calls; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, err := k.Client().Invoke(gctx, endpoint, opts...)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				report.Succeeded++
				return nil
			}
			kind := core.KindOf(err)
			report.Failed++
			report.ByKind[kind]++
			logger.Debug("Probe call failed", zap.String("endpoint", endpoint), zap.String("kind", string(kind)), zap.Error(err))
			if kind == core.KindCanceled {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("probe interrupted: %w", err)
	}
	report.Elapsed = time.Since(started)

	// Let the monitor drain queued call records before reading statistics.
	deadline := time.Now().Add(2 * time.Second)
	for k.Monitor().Statistics(0).Count < calls && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	report.Statistics = k.Monitor().Statistics(0)
	report.Session = k.Session().Status()
	if len(report.ByKind) == 0 {
		report.ByKind = nil
	}
	return report, nil
}

func init() {
	probeCmd.Flags().StringVar(&probeEndpoint, "endpoint", "account.summary", "Broker endpoint to call")
	probeCmd.Flags().IntVarP(&probeCalls, "calls", "n", 10, "Number of calls to issue")
	probeCmd.Flags().IntVarP(&probeWorkers, "workers", "w", 4, "Concurrent calls in flight")
	probeCmd.Flags().IntVar(&probeWeight, "weight", 1, "Rate limit weight of each call")
	probeCmd.Flags().BoolVar(&probeNoStore, "no-store", false, "Do not persist session events, snapshots or alerts")
	addOutputFlags(probeCmd)
	rootCmd.AddCommand(probeCmd)
}
