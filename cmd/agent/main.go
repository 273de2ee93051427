// Command agent runs the automated prediction-market trading agent: it
// streams live prices, runs every tick through the trading engine, and
// supervises the background reconciliation loops alongside a read-only
// operator dashboard. Startup order is logger setup, .env load, config
// load, component construction in dependency order, background goroutine
// starts, then a blocking signal wait with graceful shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/alerting"
	"github.com/hazardguard/predictbot/internal/background"
	"github.com/hazardguard/predictbot/internal/balance"
	"github.com/hazardguard/predictbot/internal/config"
	"github.com/hazardguard/predictbot/internal/dashboard"
	"github.com/hazardguard/predictbot/internal/dedup"
	"github.com/hazardguard/predictbot/internal/engine"
	"github.com/hazardguard/predictbot/internal/events"
	"github.com/hazardguard/predictbot/internal/execution"
	"github.com/hazardguard/predictbot/internal/exits"
	"github.com/hazardguard/predictbot/internal/health"
	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/orders"
	"github.com/hazardguard/predictbot/internal/reconcile"
	"github.com/hazardguard/predictbot/internal/storage"
	"github.com/hazardguard/predictbot/internal/strategy"
	"github.com/hazardguard/predictbot/internal/watchlist"
	"github.com/hazardguard/predictbot/internal/wire"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	// log.Ctx falls back to the global logger for contexts without a
	// per-event trace logger attached
	zerolog.DefaultContextLogger = &log.Logger

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Bool("dry_run", cfg.DryRun).Msg("agent starting")

	db, err := storage.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open durable store")
	}

	wireClient, err := wire.NewClient(wire.Config{
		GammaURL:         cfg.PolymarketAPIURL,
		CLOBURL:          cfg.PolymarketCLOBURL,
		WalletPrivateKey: cfg.WalletPrivateKey,
		WalletAddress:    cfg.WalletAddress,
		DryRun:           cfg.DryRun,
		MaxRetries:       cfg.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize wire adapter")
	}

	marketCache := market.NewCache(wireClient, 500)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := marketCache.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial market cache refresh failed, continuing with empty cache")
	}

	execSvc := execution.New(execution.Config{
		Order:   orders.Config{MaxPrice: cfg.PriceThreshold, PositionSize: cfg.PositionSize},
		Balance: balance.Config{},
		Exit: exits.Config{
			ProfitTarget:       cfg.ProfitTarget,
			StopLoss:           cfg.StopLoss,
			MinHoldDays:        cfg.MinHoldDays,
			MaxSlippagePercent: cfg.MaxSlippagePercent,
			MaxSpreadPercent:   cfg.MaxSpreadPercent,
			MinExitPriceFloor:  cfg.MinExitPriceFloor,
			VerifyLiquidity:    true,
		},
		WaitForFill: false,
	}, db, wireClient)

	if err := execSvc.LoadState(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load execution state")
	}

	strategies := strategy.NewRegistry()
	active := strategy.NewHighProbYes()
	if err := strategies.Register(active); err != nil {
		log.Fatal().Err(err).Msg("failed to register strategy")
	}
	if cfg.StrategyName != active.Name() {
		log.Warn().Str("configured", cfg.StrategyName).Str("active", active.Name()).
			Msg("configured strategy not found, running default")
	}

	var scorer strategy.Scorer
	if cfg.ScoreDBPath != "" {
		scorer = strategy.WithTimeout(strategy.NewSQLiteBridge(cfg.ScoreDBPath, 0), 5*time.Second)
	}

	hardFilters := strategy.BuildHardFilters(strategy.FilterConfig{
		MaxTradeAge:       float64(cfg.MaxTradeAgeSec),
		BlockedCategories: toSet(cfg.BlockedCategories),
		ManualBlockTokens: toSet(cfg.ManualBlockTokens),
	})

	dedupTracker := dedup.New(db)
	watchlistSvc := watchlist.New(watchlist.Config{}, db)

	eng := engine.New(engine.Config{
		PriceThreshold:    cfg.PriceThreshold,
		PositionSize:      cfg.PositionSize,
		MaxPositions:      cfg.MaxPositions,
		DryRun:            cfg.DryRun,
		VerifyOrderbook:   cfg.VerifyOrderbook,
		MaxPriceDeviation: cfg.MaxPriceDeviation,
	}, active, strategies, hardFilters, scorer, dedupTracker, execSvc, watchlistSvc, marketCache, wireClient)

	eventProcessor := events.New(events.Config{
		MaxTradeAge:          time.Duration(cfg.MaxTradeAgeSec) * time.Second,
		BackfillMissingSize:  true,
		CheckPriceDivergence: cfg.VerifyOrderbook,
		MaxPriceDeviation:    cfg.MaxPriceDeviation,
	}, wireClient)

	streamClient := wire.NewStreamClient(wire.StreamConfig{URL: cfg.PolymarketWSURL})
	streamClient.Subscribe(marketCache.Tokens()...)
	go marketCache.RunRefreshLoop(ctx, 15*time.Minute, func() {
		streamClient.Subscribe(marketCache.Tokens()...)
	})
	streamClient.OnPriceUpdate(func(update market.PriceUpdate) {
		mkt, _, ok := marketCache.Lookup(update.TokenID)
		if !ok {
			return
		}
		// one trace id correlates this tick across processor, dedup,
		// strategy and routing in the logs
		evCtx := log.With().Str("trace_id", uuid.NewString()).Logger().WithContext(ctx)
		processed := eventProcessor.ProcessPriceUpdate(evCtx, mkt.ConditionID, update)
		if !processed.Accepted {
			return
		}
		var endTime *time.Time
		if !mkt.EndTime.IsZero() {
			t := mkt.EndTime
			endTime = &t
		}
		eng.ProcessEvent(evCtx, engine.RawEvent{
			Processed: processed,
			Question:  mkt.Question,
			Category:  mkt.Category,
			EndTime:   endTime,
		})
	})

	reconciler := reconcile.New(reconcile.Config{MatureDays: cfg.MinHoldDays}, db, wireClient, execSvc.Positions)

	healthChecker := health.New(health.Config{}, db, streamClient, wireClient)

	var notifier alerting.Notifier
	if tgNotifier, err := alerting.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID); err != nil {
		log.Warn().Err(err).Msg("telegram notifier unavailable, alerts will be logged only")
	} else if tgNotifier != nil {
		notifier = tgNotifier
	}
	alertMgr := alerting.New(notifier, cfg.AlertCooldown)
	eng.SetAlerter(alertMgr)

	supervisor := background.New(background.Config{
		WatchlistRescoreInterval: cfg.WatchlistRescoreInterval,
		OrderSyncInterval:        cfg.OrderSyncInterval,
		ExitEvalInterval:         cfg.ExitEvalInterval,
		PositionSyncInterval:     cfg.PositionSyncInterval,
		FullPositionSyncInterval: cfg.FullPositionSyncInterval,
		HealthCheckInterval:      cfg.HealthCheckInterval,
		Wallet:                   cfg.WalletAddress,
		DryRun:                   cfg.DryRun,
	}, eng, execSvc, reconciler, orderbookPriceAdapter{wireClient}, healthChecker, alertMgr)

	if err := supervisor.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start background loops")
	}

	dashboardSrv := dashboard.New(dashboard.Config{
		Host:   cfg.DashboardHost,
		Port:   cfg.DashboardPort,
		APIKey: cfg.DashboardAPIKey,
	}, db, healthChecker, eng)
	go func() {
		if err := dashboardSrv.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("dashboard server stopped")
		}
	}()

	go func() {
		if err := streamClient.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("stream client stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutdown signal received, stopping")
	cancel()
	supervisor.Stop()
	if err := dashboardSrv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("dashboard shutdown error")
	}
	log.Info().Msg("agent stopped")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

// orderbookPriceAdapter adapts the wire client's full orderbook fetch to
// background.PriceFetcher's simpler (price, ok) signature.
type orderbookPriceAdapter struct {
	client *wire.Client
}

func (a orderbookPriceAdapter) FetchOrderbook(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	ob, err := a.client.FetchOrderbook(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	best, has := ob.BestBid()
	if !has {
		return decimal.Zero, false
	}
	return best.Price, true
}
