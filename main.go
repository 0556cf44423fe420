package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradecore/internal/api"
	"tradecore/internal/credentials"
	"tradecore/internal/events"
	"tradecore/internal/gateway"
	"tradecore/internal/health"
	"tradecore/internal/monitor"
	"tradecore/internal/order"
	"tradecore/internal/pnl"
	"tradecore/internal/pricing"
	"tradecore/internal/reconciliation"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
	"tradecore/pkg/config"
	"tradecore/pkg/crypto"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/live"
	"tradecore/pkg/exchanges/paper"
	"tradecore/pkg/logger"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Must("info", "json").Fatal("config", zap.Error(err))
	}
	log := logger.Must(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("tradecore exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence
	if dir := filepath.Dir(cfg.DBPath); dir != "." && cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return err
	}
	queries := database.Queries()

	// Safety registry
	store, err := openSafetyStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	registry := safety.NewRegistry(store, queries, log.Named("safety"))
	defer registry.Close()

	bus := events.NewBus(0)
	oracle := pricing.NewOracle(queries, cfg.PriceFreshness)
	recorder := monitor.Recorder{}
	metrics := monitor.NewSystemMetrics()

	// Exchange adapters
	creds, err := loadCredentials(queries, cfg, log)
	if err != nil {
		return err
	}
	gateways := gateway.NewManager(buildFactory(cfg, creds, oracle, log), gateway.DefaultConfig(), log.Named("gateway"))
	gateways.Start(ctx)
	defer gateways.Stop()

	// Execution pipeline: queue -> pool -> executor, with the poller
	// following anything the exchange left open.
	executor := order.NewExecutor(database, bus, gateways, oracle, registry, order.Config{
		RetryBase:       cfg.RetryBase,
		RetryCap:        cfg.RetryCap,
		MaxAttempts:     cfg.MaxAttempts,
		ExchangeTimeout: cfg.ExchangeTimeout,
	}, log.Named("executor"))
	executor.SetObserver(recorder)
	pnlEngine := pnl.NewEngine(queries, oracle, 5*time.Second, log.Named("pnl"))
	executor.SetFillHook(pnlEngine.Invalidate)
	poller := order.NewPoller(executor, executor, order.PollerConfig{
		Initial: cfg.PollInitial,
		Max:     cfg.PollMax,
		MaxOpen: cfg.OrderMaxOpen,
	}, log.Named("poller"))
	executor.SetTracker(poller)
	pool := order.NewAsyncExecutor(executor, cfg.PerUserConcurrency, cfg.GlobalConcurrency, cfg.QueueSize, log.Named("pool"))
	queue := order.NewQueue(database, pool, order.QueueConfig{}, log.Named("queue"))

	recon := reconciliation.NewService(database, queue, poller, time.Minute, log.Named("reconciliation"))
	if _, err := recon.Startup(ctx); err != nil {
		return err
	}

	// Hard-stop watcher
	watcher := risk.NewWatcher(registry, queries, oracle,
		risk.NewWebhook(cfg.HardStopWebhookURL, 5*time.Second),
		risk.Config{CheckInterval: cfg.CheckInterval, DrawdownLimitPct: cfg.DrawdownLimit()},
		log.Named("hardstop"))
	watcher.SetObserver(recorder)

	mon := &monitor.Monitor{
		Metrics: metrics,
		Sources: monitor.Sources{
			Results:  pool.Results(),
			Pool:     pool,
			Outbox:   queue,
			Bus:      bus,
			Gateways: gateways,
		},
		Sink: monitor.LogSink{Log: log.Named("alert")},
		Log:  log.Named("monitor"),
	}

	healthSrv := health.New(cfg.GRPCHealthAddr, log.Named("health"))
	registry.OnChange(safetyListener(ctx, bus, executor, healthSrv, recorder, metrics, mon, log))
	if flag, err := registry.Status(ctx); err == nil {
		healthSrv.SetStopped(flag.Active)
		recorder.KillSwitch(flag.Active)
		metrics.SetKillSwitch(flag.Active)
	} else {
		log.Warn("initial kill switch read failed; executor will fail closed", zap.Error(err))
	}

	go queue.Run(ctx)
	go poller.Run(ctx)
	go watcher.Run(ctx)
	go pricesRetention(ctx, oracle, log)
	recon.Start(ctx)
	mon.Start(ctx)
	if cfg.GRPCHealthAddr != "" {
		go func() {
			if err := healthSrv.Serve(ctx); err != nil {
				log.Error("grpc health server stopped", zap.Error(err))
			}
		}()
	}

	var credStore api.CredentialStore
	if creds != nil {
		credStore = creds
	}
	server := api.NewServer(api.Deps{
		Bus:         bus,
		DB:          database,
		Orders:      queue,
		Cancels:     executor,
		Safety:      registry,
		PnL:         pnlEngine,
		Credentials: credStore,
		Gateways:    gateways,
		Prices:      oracle,
		Metrics:     metrics,
		Meta:        api.SystemMeta{PaperTrading: cfg.PaperTrading, QuoteAsset: cfg.QuoteAsset, Version: version},
		JWTSecret:   cfg.JWTSecret,
		Log:         log.Named("api"),
	})

	log.Info("tradecore started",
		zap.String("port", cfg.Port),
		zap.Bool("paper_trading", cfg.PaperTrading),
		zap.Int("per_user_concurrency", cfg.PerUserConcurrency),
		zap.Int("global_concurrency", cfg.GlobalConcurrency))

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx, ":"+cfg.Port, cfg.ShutdownGrace) }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
		stop()
	}

	// Stop intake first so nothing new reaches the pool, then let in-flight
	// orders settle within the grace period.
	queue.Close()
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := pool.Shutdown(graceCtx); err != nil {
		log.Warn("worker pool did not drain", zap.Error(err))
	}
	bus.Close()
	log.Info("shutdown complete")
	return nil
}

func openSafetyStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (safety.Store, error) {
	if cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set; emergency stop is process-local")
		return safety.NewMemoryStore(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return safety.DialRedis(dialCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
}

// loadCredentials returns nil in paper mode when no master key is configured.
func loadCredentials(q *db.Queries, cfg *config.Config, log *zap.Logger) (*credentials.Provider, error) {
	keys, err := crypto.LoadKeyring()
	if err != nil {
		if cfg.PaperTrading && errors.Is(err, crypto.ErrKeyNotLoaded) {
			log.Info("no master encryption key; credential storage disabled in paper mode")
			return nil, nil
		}
		return nil, err
	}
	return credentials.NewProvider(q, keys, log.Named("credentials")), nil
}

func buildFactory(cfg *config.Config, creds *credentials.Provider, oracle *pricing.Oracle, log *zap.Logger) gateway.Factory {
	if cfg.PaperTrading {
		ex := paper.New(paper.Config{
			QuoteAsset:     cfg.QuoteAsset,
			InitialBalance: decimal.NewFromFloat(cfg.PaperInitialBalance),
		}, oracle.LastPrice, log.Named("paper"))
		return gateway.PaperFactory(ex)
	}
	return gateway.LiveFactory(creds, live.Config{
		BaseURL:    cfg.ExchangeBaseURL,
		Timeout:    cfg.ExchangeTimeout,
		QuoteAsset: cfg.QuoteAsset,
	}, cfg.ExchangeRPS, common.NewNonceSource(), log.Named("live"))
}

// safetyListener fans a kill-switch change out to subscribers, health,
// metrics and, on activation, the emergency cancel sweep.
func safetyListener(ctx context.Context, bus *events.Bus, executor *order.Executor, healthSrv *health.Server,
	recorder monitor.Recorder, metrics *monitor.SystemMetrics, mon *monitor.Monitor, log *zap.Logger) func(safety.Flag) {
	return func(f safety.Flag) {
		ev := events.Event{Type: events.TypeSafetyUpdate, Data: f}
		bus.Broadcast(events.TradingPrefix, ev)
		bus.Publish(events.SafetyChannel, ev)

		healthSrv.SetStopped(f.Active)
		recorder.KillSwitch(f.Active)
		metrics.SetKillSwitch(f.Active)
		if !f.Active {
			mon.Alert("emergency stop cleared by " + f.Actor)
			return
		}
		mon.Alert("emergency stop activated by " + f.Actor + ": " + f.Reason)
		go func() {
			sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
			defer cancel()
			if _, err := executor.CancelAllOpen(sweepCtx, f.Reason); err != nil {
				log.Error("emergency cancel sweep failed", zap.Error(err))
			}
		}()
	}
}

func pricesRetention(ctx context.Context, oracle *pricing.Oracle, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := oracle.Prune(ctx, 24*time.Hour)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("price retention failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				log.Debug("pruned price snapshots", zap.Int64("rows", n))
			}
		}
	}
}
