package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/keeper"
	"github.com/brokerguard/brokerguard/internal/observability"
)

// startKeeper builds and starts the client stack from the loaded config.
// The returned stop function is safe to defer.
func startKeeper(ctx context.Context, opts keeper.Options) (*keeper.Keeper, func(), error) {
	cfg, err := loadedConfig()
	if err != nil {
		return nil, nil, err
	}
	if opts.Logger == nil {
		opts.Logger = observability.Current()
	}

	k, err := keeper.New(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	k.Start(ctx)

	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := k.Stop(stopCtx); err != nil {
			observability.Current().Warn("Client shutdown reported errors", zap.Error(err))
		}
	}
	return k, stop, nil
}
