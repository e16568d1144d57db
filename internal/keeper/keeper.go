// Package keeper assembles the broker client runtime from configuration and
// runs its background loops.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brokerguard/brokerguard/internal/config"
	"github.com/brokerguard/brokerguard/internal/core"
	"github.com/brokerguard/brokerguard/internal/core/credentials"
	"github.com/brokerguard/brokerguard/internal/core/engine"
	"github.com/brokerguard/brokerguard/internal/core/monitor"
	"github.com/brokerguard/brokerguard/internal/core/remote"
	"github.com/brokerguard/brokerguard/internal/core/store"
	"github.com/brokerguard/brokerguard/internal/notify"
)

// pruneInterval is how often persisted history is trimmed to store.history_retention.
const pruneInterval = time.Hour

// Options overrides pieces normally built from configuration.
type Options struct {
	Logger core.Logger
	// Service replaces the broker adapter selected by broker.mode.
	Service remote.Service
	// Credentials replaces the provider selected by credentials.source.
	Credentials credentials.Provider
	// Store replaces opening store.path. The keeper does not close it.
	Store *store.Store
	// DisableStore skips persistence even when store.enabled is set.
	DisableStore bool
	Clock        func() time.Time
}

// Keeper owns one broker client and everything that watches it.
type Keeper struct {
	cfg *config.Config
	log core.Logger

	client   *engine.Client
	session  *engine.SessionManager
	limiter  *engine.RateLimiter
	pacer    *engine.HumanPacer
	monitor  *monitor.Monitor
	service  remote.Service
	store    *store.Store
	recorder *store.Recorder
	redis    *redis.Client

	ownsStore bool
	clock     func() time.Time
	unsubs    []func()

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds every component described by cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Keeper, err error) {
	if cfg == nil {
		return nil, core.NewError(core.KindConfiguration, "keeper", config.ErrNotLoaded.Error())
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	k := &Keeper{
		cfg:   cfg,
		log:   core.LoggerOr(opts.Logger),
		clock: opts.Clock,
	}
	if k.clock == nil {
		k.clock = func() time.Time { return time.Now().UTC() }
	}
	defer func() {
		if err != nil {
			k.closeResources()
		}
	}()

	k.service = opts.Service
	if k.service == nil {
		if k.service, err = newService(cfg.Broker); err != nil {
			return nil, err
		}
	}

	provider := opts.Credentials
	if provider == nil {
		if provider, err = newCredentials(cfg); err != nil {
			return nil, err
		}
	}

	switch {
	case opts.Store != nil:
		k.store = opts.Store
	case cfg.Store.Enabled && !opts.DisableStore:
		k.store, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, core.WrapError(core.KindConfiguration, "keeper.store", err)
		}
		k.ownsStore = true
	}
	if k.store != nil {
		if err := k.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate store: %w", err)
		}
		k.recorder = store.NewRecorder(k.store, cfg.Monitor.QueueSize, k.log)
	}

	if k.limiter, err = k.newLimiter(ctx); err != nil {
		return nil, err
	}
	if k.pacer, err = newPacer(cfg.Pacer, k.log); err != nil {
		return nil, err
	}

	sess := cfg.Session
	connectRetries := sess.ConnectRetries
	if connectRetries == 0 {
		// Zero means the engine default; negative means none.
		connectRetries = -1
	}
	k.session = &engine.SessionManager{
		Connector:           k.service,
		Credentials:         provider,
		InactivityTimeout:   sess.InactivityTimeout(),
		ConnectRetries:      connectRetries,
		ConnectBackoff:      sess.ConnectBackoff(),
		ReconnectBackoff:    sess.ReconnectBackoff(),
		ReconnectBackoffMax: sess.ReconnectBackoffMax(),
		ConnectTimeout:      sess.ConnectTimeout(),
		Clock:               opts.Clock,
		Logger:              k.log,
	}

	if k.monitor, err = k.newMonitor(); err != nil {
		return nil, err
	}

	k.client, err = engine.NewClient(engine.ClientConfig{
		Session:  k.session,
		Limiter:  k.limiter,
		Pacer:    k.pacer,
		Recorder: k.monitor,
		Invoker:  k.service,
		Timeout:  cfg.Call.Timeout(),
		Retry: &engine.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
			Logger:      k.log,
		},
		Clock:  opts.Clock,
		Logger: k.log,
	})
	if err != nil {
		return nil, err
	}

	if k.recorder != nil {
		k.unsubs = append(k.unsubs,
			k.session.Subscribe(k.recorder.RecordSessionEvent),
			k.monitor.SubscribeSnapshots("store", k.recorder.Snapshot),
		)
	}
	return k, nil
}

// Client returns the broker façade.
func (k *Keeper) Client() *engine.Client { return k.client }

// Session returns the session manager.
func (k *Keeper) Session() *engine.SessionManager { return k.session }

// Monitor returns the health monitor.
func (k *Keeper) Monitor() *monitor.Monitor { return k.monitor }

// Store returns the persistence store, or nil when persistence is off.
func (k *Keeper) Store() *store.Store { return k.store }

// Start launches the monitor, keep-alive, recorder and history pruning loops.
// Calling Start twice is a no-op.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return
	}
	k.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	k.cancel = cancel

	k.spawn(func() { k.monitor.Run(runCtx) })
	if k.cfg.Session.KeepAlive {
		k.spawn(func() { k.session.Run(runCtx) })
	}
	if k.recorder != nil {
		k.spawn(func() { k.recorder.Run(runCtx) })
		if k.cfg.Store.HistoryRetention > 0 {
			k.spawn(func() { k.pruneLoop(runCtx) })
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	k.log.Info("Keeper started",
		zap.String("broker", k.cfg.Broker.Mode),
		zap.Bool("keep_alive", k.cfg.Session.KeepAlive),
		zap.Bool("store", k.store != nil))
}

func (k *Keeper) spawn(fn func()) {
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		fn()
	}()
}

// Stop halts the background loops, disconnects the session and releases
// connections. Queued alerts and events are flushed before it returns.
func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	cancel := k.cancel
	k.cancel = nil
	k.mu.Unlock()

	var errs []error
	if err := k.session.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			k.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for background loops: %w", ctx.Err()))
		}
	}

	for _, unsub := range k.unsubs {
		unsub()
	}
	k.unsubs = nil
	k.client.Close()
	if err := k.closeResources(); err != nil {
		errs = append(errs, err)
	}

	k.log.Info("Keeper stopped")
	return errors.Join(errs...)
}

func (k *Keeper) closeResources() error {
	var errs []error
	if k.redis != nil {
		if err := k.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		k.redis = nil
	}
	if k.store != nil && k.ownsStore {
		if err := k.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		k.ownsStore = false
	}
	return errors.Join(errs...)
}

// PruneHistory drops persisted events, snapshots and alerts older than the
// configured retention. It returns zero when persistence is off.
func (k *Keeper) PruneHistory(ctx context.Context) (int64, error) {
	if k.store == nil || k.cfg.Store.HistoryRetention <= 0 {
		return 0, nil
	}
	return k.store.PruneHistory(ctx, k.clock().Add(-k.cfg.Store.HistoryRetention))
}

func (k *Keeper) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if removed, err := k.PruneHistory(ctx); err != nil {
			if ctx.Err() == nil {
				k.log.Warn("History prune failed", zap.Error(err))
			}
		} else if removed > 0 {
			k.log.Info("Pruned history", zap.Int64("rows", removed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (k *Keeper) newLimiter(ctx context.Context) (*engine.RateLimiter, error) {
	rl := k.cfg.RateLimit
	limiter := &engine.RateLimiter{
		Default: engine.RateLimit{
			RequestsPerWindow: rl.MaxCallsPerWindow,
			WindowDuration:    rl.Window(),
		},
		Limits:      make(map[string]engine.RateLimit, len(rl.Classes)),
		Margin:      rl.SafetyMargin,
		NonBlocking: rl.NonBlocking,
		Clock:       k.clock,
		Logger:      k.log,
	}
	for name, class := range rl.Classes {
		limiter.Limits[name] = engine.RateLimit{
			RequestsPerWindow: class.MaxCallsPerWindow,
			WindowDuration:    class.Window(),
		}
	}
	if k.store != nil {
		limiter.Store = k.store
	}

	switch rl.Backend {
	case config.BackendRedis:
		client, err := store.OpenRedis(ctx, k.cfg.Redis)
		if err != nil {
			return nil, core.WrapError(core.KindConfiguration, "keeper.redis", err)
		}
		k.redis = client
		limiter.Window = store.NewRedisWindow(client, k.cfg.Redis.KeyPrefix)
	default:
		limiter.Window = engine.NewMemoryWindow()
	}
	return limiter, nil
}

func (k *Keeper) newMonitor() (*monitor.Monitor, error) {
	mc := k.cfg.Monitor
	m := monitor.New(monitor.Config{
		Retention:          mc.Retention,
		MaxRecords:         mc.MaxRecords,
		QueueSize:          mc.QueueSize,
		EvaluationInterval: mc.EvaluationInterval(),
		SnapshotInterval:   mc.SnapshotInterval,
		Window:             mc.Window(),
		NotifyTimeout:      k.cfg.Notify.Timeout,
		MaxAlerts:          mc.MaxAlerts,
		Clock:              k.clock,
		Logger:             k.log,
	})

	rules, err := monitor.BuiltinRules(ruleConfigs(k.cfg.Alerts))
	if err != nil {
		return nil, err
	}
	for _, rule := range rules {
		if err := m.RegisterAlertRule(rule); err != nil {
			return nil, err
		}
	}

	notifiers, err := k.newNotifiers()
	if err != nil {
		return nil, err
	}
	for _, n := range notifiers {
		k.unsubs = append(k.unsubs, m.AddNotifier(n))
	}
	return m, nil
}

func (k *Keeper) newNotifiers() ([]monitor.Notifier, error) {
	nc := k.cfg.Notify
	var out []monitor.Notifier
	if nc.Log {
		out = append(out, &notify.LogNotifier{Logger: k.log})
	}
	if nc.Store && k.recorder != nil {
		out = append(out, k.recorder.Notifier())
	}
	for _, hook := range nc.Webhooks {
		n, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			Name:         hook.Name,
			URL:          hook.URL,
			Format:       hook.Format,
			Headers:      hook.Headers,
			Timeout:      hook.Timeout,
			MaxPerMinute: hook.MaxPerMinute,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if email := nc.Email; email.Enabled {
		n, err := notify.NewEmailNotifier(notify.EmailConfig{
			Host:     email.Host,
			Port:     email.Port,
			Username: email.Username,
			Password: email.Password,
			From:     email.From,
			FromName: email.FromName,
			To:       email.To,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ruleConfigs converts alert settings into monitor rule parameters.
func ruleConfigs(alerts map[string]config.AlertRuleConfig) map[string]monitor.RuleConfig {
	out := make(map[string]monitor.RuleConfig, len(alerts))
	for name, a := range alerts {
		out[name] = monitor.RuleConfig{
			Enabled:   a.Enabled,
			Threshold: a.Threshold,
			Window:    a.Window(),
			Cooldown:  a.Cooldown(),
			Severity:  core.ParseSeverity(a.Severity),
		}
	}
	return out
}

func newService(cfg config.BrokerConfig) (remote.Service, error) {
	switch cfg.Mode {
	case config.BrokerHTTP:
		h := cfg.HTTP
		return remote.NewHTTPService(remote.HTTPConfig{
			BaseURL:       h.BaseURL,
			LoginPath:     h.LoginPath,
			LogoutPath:    h.LogoutPath,
			PingPath:      h.PingPath,
			SessionHeader: h.SessionHeader,
			UserAgent:     h.UserAgent,
			Timeout:       h.Timeout,
			Endpoints:     h.Endpoints,
		})
	default:
		s := cfg.Simulator
		return remote.NewSimulator(remote.SimulatorConfig{
			Seed:          s.Seed,
			Account:       s.Account,
			Latency:       s.Latency,
			LatencyJitter: s.LatencyJitter,
			FailureRate:   s.FailureRate,
			RateLimitRate: s.RateLimitRate,
			ExpiryRate:    s.ExpiryRate,
			RetryAfter:    s.RetryAfter,
			RejectLogin:   s.RejectLogin,
		}), nil
	}
}

func newCredentials(cfg *config.Config) (credentials.Provider, error) {
	c := cfg.Credentials
	switch c.Source {
	case config.CredentialsVault:
		return credentials.NewVaultProvider(credentials.VaultConfig{
			Address: c.Vault.Address,
			Token:   c.Vault.Token,
			Mount:   c.Vault.Mount,
			Path:    c.Vault.Path,
		})
	case config.CredentialsEnv:
		return credentials.EnvProvider{Prefix: c.EnvPrefix, Files: c.EnvFiles}, nil
	default:
		if cfg.Broker.Mode == config.BrokerSimulator {
			return credentials.StaticProvider{Value: credentials.Credentials{
				Username: "paper",
				Password: "paper",
				Account:  cfg.Broker.Simulator.Account,
			}}, nil
		}
		return credentials.EnvProvider{Prefix: c.EnvPrefix, Files: c.EnvFiles}, nil
	}
}

func newPacer(cfg config.PacerConfig, log core.Logger) (*engine.HumanPacer, error) {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, core.WrapError(core.KindConfiguration, "keeper.pacer", err)
	}
	p := &engine.HumanPacer{
		Enabled:  cfg.Enabled,
		MinDelay: cfg.MinDelay(),
		MaxDelay: cfg.MaxDelay(),
		Location: loc,
		Logger:   log,
	}

	if q := cfg.Quiet; q.Enabled {
		window, err := dailyWindow(q.Start, q.End)
		if err != nil {
			return nil, err
		}
		p.Quiet = &engine.QuietHours{
			DailyWindow: window,
			Weekends:    q.Weekends,
			Mode:        engine.QuietMode(q.Mode),
			Factor:      q.Factor,
		}
	}
	for _, a := range cfg.Active {
		window, err := dailyWindow(a.Start, a.End)
		if err != nil {
			return nil, err
		}
		p.Active = append(p.Active, engine.ActiveWindow{DailyWindow: window, Factor: a.Factor})
	}
	return p, nil
}

func dailyWindow(start, end string) (engine.DailyWindow, error) {
	s, err := engine.ParseClock(start)
	if err != nil {
		return engine.DailyWindow{}, core.WrapError(core.KindConfiguration, "keeper.pacer", err)
	}
	e, err := engine.ParseClock(end)
	if err != nil {
		return engine.DailyWindow{}, core.WrapError(core.KindConfiguration, "keeper.pacer", err)
	}
	return engine.DailyWindow{Start: s, End: e}, nil
}
