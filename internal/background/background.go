// Package background runs watchlist rescoring, order-status syncing, exit
// evaluation and position reconciliation as supervised loops, each on its
// own cadence scheduled via robfig/cron. Every loop catches and logs its
// own errors rather than exiting, and the exit-evaluation loop runs a quick
// position-size sync immediately before evaluating exits so a
// just-closed-elsewhere position is never evaluated against a stale local
// size.
package background

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/alerting"
	"github.com/hazardguard/predictbot/internal/engine"
	"github.com/hazardguard/predictbot/internal/execution"
	"github.com/hazardguard/predictbot/internal/health"
	"github.com/hazardguard/predictbot/internal/reconcile"
	"github.com/hazardguard/predictbot/internal/strategy"
)

// PriceFetcher fetches a current price for an open position's token, used
// before exit evaluation.
type PriceFetcher interface {
	FetchOrderbook(ctx context.Context, tokenID string) (bestBid decimal.Decimal, ok bool)
}

// Config holds every loop's cadence.
type Config struct {
	WatchlistRescoreInterval time.Duration
	OrderSyncInterval        time.Duration
	ExitEvalInterval         time.Duration
	PositionSyncInterval     time.Duration
	FullPositionSyncInterval time.Duration
	HealthCheckInterval      time.Duration
	Wallet                   string
	DryRun                   bool
}

// Supervisor runs every background loop on a shared cron scheduler and
// tracks the full-sync cadence against the quick-sync one.
type Supervisor struct {
	cfg Config

	engine     *engine.Engine
	exec       *execution.Service
	reconciler *reconcile.Reconciler
	prices     PriceFetcher
	checker    *health.Checker
	alerts     *alerting.Manager

	cron *cron.Cron

	mu           sync.Mutex
	lastFullSync time.Time
}

// New builds a Supervisor wiring every dependent component. checker and
// alerts may be nil; the health loop then degrades to a no-op.
func New(cfg Config, eng *engine.Engine, exec *execution.Service, reconciler *reconcile.Reconciler, prices PriceFetcher, checker *health.Checker, alerts *alerting.Manager) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		engine:     eng,
		exec:       exec,
		reconciler: reconciler,
		prices:     prices,
		checker:    checker,
		alerts:     alerts,
		cron:       cron.New(),
	}
}

// Start schedules every loop and begins running them. Start is idempotent
// only insofar as a fresh cron.Cron is created by New; call New again for a
// second Supervisor rather than calling Start twice.
func (s *Supervisor) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(everySpec(s.cfg.OrderSyncInterval), func() { s.runOrderSync(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.ExitEvalInterval), func() { s.runExitEvaluation(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.PositionSyncInterval), func() { s.runPositionSync(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.WatchlistRescoreInterval), func() { s.runWatchlistRescore(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(everySpec(s.cfg.HealthCheckInterval), func() { s.runHealthCheck(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	log.Info().
		Dur("order_sync", s.cfg.OrderSyncInterval).
		Dur("exit_eval", s.cfg.ExitEvalInterval).
		Dur("position_sync", s.cfg.PositionSyncInterval).
		Dur("full_position_sync", s.cfg.FullPositionSyncInterval).
		Dur("watchlist_rescore", s.cfg.WatchlistRescoreInterval).
		Dur("health_check", s.cfg.HealthCheckInterval).
		Msg("background loops scheduled")
	return nil
}

// Stop halts the scheduler and waits for any in-flight job to finish.
func (s *Supervisor) Stop() {
	c := s.cron.Stop()
	<-c.Done()
}

func everySpec(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return "@every " + d.String()
}

func (s *Supervisor) runOrderSync(ctx context.Context) {
	defer recoverLoop("order_sync")
	if s.cfg.DryRun {
		return
	}
	synced := s.exec.SyncOpenOrders(ctx)
	if synced > 0 {
		log.Debug().Int("synced", synced).Msg("order sync complete")
	}
}

// runExitEvaluation syncs position sizes from the exchange immediately
// before evaluating exits: evaluating against a stale local size produces a
// "not enough balance"-class error on the subsequent sell when part of the
// position was already sold externally.
func (s *Supervisor) runExitEvaluation(ctx context.Context) {
	defer recoverLoop("exit_eval")

	if !s.cfg.DryRun && s.reconciler != nil {
		if _, _, err := s.reconciler.QuickSyncSizes(ctx, s.cfg.Wallet); err != nil {
			log.Warn().Err(err).Msg("exit eval: position pre-sync failed, evaluating against possibly-stale sizes")
		}
	}

	prices := make(map[string]decimal.Decimal)
	for _, pos := range s.exec.Positions.OpenPositions() {
		if s.prices == nil {
			continue
		}
		if bid, ok := s.prices.FetchOrderbook(ctx, pos.TokenID); ok {
			prices[pos.TokenID] = bid
		}
	}

	results := s.exec.EvaluateExits(prices)
	for _, r := range results {
		price := prices[r.Position.TokenID]
		sig := strategy.Signal{Type: strategy.SignalExit, TokenID: r.Position.TokenID, PositionID: r.Position.ID, Reason: r.Reason, Price: price}
		if s.cfg.DryRun {
			log.Info().Str("position_id", r.Position.ID).Str("reason", r.Reason).Msg("dry run: would exit position")
			continue
		}
		result := s.exec.ExecuteExit(ctx, sig, r.Position, price)
		if !result.Success {
			log.Error().Err(result.Err).Str("position_id", r.Position.ID).Msg("exit execution failed")
		}
	}
}

func (s *Supervisor) runPositionSync(ctx context.Context) {
	defer recoverLoop("position_sync")
	if s.cfg.DryRun || s.reconciler == nil {
		return
	}

	s.mu.Lock()
	dueFull := time.Since(s.lastFullSync) >= s.cfg.FullPositionSyncInterval
	s.mu.Unlock()

	if dueFull {
		res, err := s.reconciler.Sync(ctx, s.cfg.Wallet, false, reconcile.HoldPolicyActual)
		if err != nil {
			log.Error().Err(err).Msg("full position sync failed")
			return
		}
		s.mu.Lock()
		s.lastFullSync = time.Now().UTC()
		s.mu.Unlock()
		log.Info().Int("imported", res.PositionsImported).Int("updated", res.PositionsUpdated).
			Int("closed", res.PositionsClosed).Msg("full position sync complete")
		return
	}

	updated, closed, err := s.reconciler.QuickSyncSizes(ctx, s.cfg.Wallet)
	if err != nil {
		log.Error().Err(err).Msg("quick position sync failed")
		return
	}
	if updated > 0 || closed > 0 {
		log.Debug().Int("updated", updated).Int("closed", closed).Msg("quick position sync complete")
	}
}

func (s *Supervisor) runWatchlistRescore(ctx context.Context) {
	defer recoverLoop("watchlist_rescore")
	promotions, err := s.engine.RescoreWatchlist(ctx)
	if err != nil {
		log.Error().Err(err).Msg("watchlist rescore failed")
		return
	}
	for _, p := range promotions {
		log.Info().Str("token_id", p.TokenID).Str("reason", p.Reason).Msg("watchlist promotion")
	}
}

// runHealthCheck probes every component and escalates: any non-healthy
// component fires a deduplicated operator alert, and available balance is
// checked against the reserve floor. The dashboard's /health handler runs
// the same checks on demand; this loop is what makes an unattended agent
// page someone instead of waiting to be looked at.
func (s *Supervisor) runHealthCheck(ctx context.Context) {
	defer recoverLoop("health_check")
	if s.checker == nil {
		return
	}

	agg := s.checker.CheckAll(ctx)
	if s.alerts == nil {
		return
	}
	for _, comp := range agg.Components {
		if comp.Status != health.StatusHealthy {
			s.alerts.AlertHealthIssue(ctx, comp)
		}
	}

	if low, available, floor := lowBalance(ctx, s.exec); low {
		s.alerts.AlertLowBalance(ctx, available.StringFixed(2), floor.StringFixed(2))
	}
}

func lowBalance(ctx context.Context, exec *execution.Service) (bool, decimal.Decimal, decimal.Decimal) {
	if exec == nil {
		return false, decimal.Zero, decimal.Zero
	}
	return exec.Balance.LowBalance(ctx)
}

// recoverLoop enforces the catch-log-continue contract: a panic in one
// scheduled run must never take down the cron scheduler or any sibling
// loop.
func recoverLoop(name string) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("loop", name).Msg("background loop recovered from panic")
	}
}
