// Package health tracks a rolling 5-minute window of per-minute event
// counters and runs an aggregate health check over the durable store, the
// streaming connection and the wire balance fetch. Each check gets an equal
// slice of the overall timeout, and the aggregate status is worst-of-all.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/storage"
)

// Status is a component's coarse health grade.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusWarning   Status = "warning"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one subsystem's check result.
type ComponentHealth struct {
	Component string  `json:"component"`
	Status    Status  `json:"status"`
	Message   string  `json:"message"`
	LatencyMS float64 `json:"latency_ms"`
}

// Aggregate is the overall health snapshot.
type Aggregate struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// BalanceFetcher is the narrow wire dependency used by check_balance.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
}

// StreamState reports the streaming client's liveness.
type StreamState interface {
	IsConnected() bool
	LastMessageAt() time.Time
	ActiveSubscriptions() int
}

// Config holds the checker's tunables.
type Config struct {
	Timeout            time.Duration // default 10s, sliced across checks
	StaleMessageWindow time.Duration // default 60s
	Window             time.Duration // default 5m rolling counter window
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.StaleMessageWindow <= 0 {
		c.StaleMessageWindow = 60 * time.Second
	}
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	return c
}

// Checker is the Health & Metrics component.
type Checker struct {
	cfg     Config
	db      *storage.Database
	stream  StreamState
	balance BalanceFetcher

	mu      sync.Mutex
	buckets map[int64]*bucket // unix-minute -> counts
	errorsHourTotal []time.Time
}

type bucket struct {
	eventsReceived int64
	priceUpdates   int64
	tradesStored   int64
	g1Filtered     int64
	g3Missing      int64
	g3Backfilled   int64
	g5Divergence   int64
	errors         int64
}

// New builds a Checker.
func New(cfg Config, db *storage.Database, stream StreamState, balance BalanceFetcher) *Checker {
	return &Checker{
		cfg:     cfg.withDefaults(),
		db:      db,
		stream:  stream,
		balance: balance,
		buckets: make(map[int64]*bucket),
	}
}

func minuteKey(t time.Time) int64 { return t.Unix() / 60 }

func (c *Checker) bucketFor(t time.Time) *bucket {
	key := minuteKey(t)
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{}
		c.buckets[key] = b
	}
	return b
}

// prune drops buckets older than the rolling window; caller holds c.mu.
func (c *Checker) prune(now time.Time) {
	cutoff := minuteKey(now.Add(-c.cfg.Window))
	for k := range c.buckets {
		if k < cutoff {
			delete(c.buckets, k)
		}
	}
	horizon := now.Add(-time.Hour)
	kept := c.errorsHourTotal[:0]
	for _, t := range c.errorsHourTotal {
		if t.After(horizon) {
			kept = append(kept, t)
		}
	}
	c.errorsHourTotal = kept
}

// RecordEvent increments the event-received counter for now's minute bucket.
func (c *Checker) RecordEvent() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).eventsReceived++
}

// RecordPriceUpdate increments the price-update counter.
func (c *Checker) RecordPriceUpdate() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).priceUpdates++
}

// RecordTradeStored increments the trade-stored counter.
func (c *Checker) RecordTradeStored() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).tradesStored++
}

// RecordG1Filtered increments G1's stale-trade counter.
func (c *Checker) RecordG1Filtered() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).g1Filtered++
}

// RecordG3 increments the missing/backfilled size counters.
func (c *Checker) RecordG3(missing, backfilled bool) {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	b := c.bucketFor(now)
	if missing {
		b.g3Missing++
	}
	if backfilled {
		b.g3Backfilled++
	}
}

// RecordG5Divergence increments the orderbook-divergence counter.
func (c *Checker) RecordG5Divergence() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).g5Divergence++
}

// RecordError increments the error counter and the hourly error log used by
// the aggregate health check's "errors in the last hour" figure.
func (c *Checker) RecordError() {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)
	c.bucketFor(now).errors++
	c.errorsHourTotal = append(c.errorsHourTotal, now)
}

// Counters is a read-only snapshot over the rolling window; computed on
// demand with no lock held during consumption by the caller.
type Counters struct {
	EventsReceived int64
	PriceUpdates   int64
	TradesStored   int64
	G1Filtered     int64
	G3Missing      int64
	G3Backfilled   int64
	G5Divergence   int64
	Errors         int64
	ErrorsLastHour int64
	WindowSeconds  int64
}

// Snapshot sums every bucket still inside the rolling window.
func (c *Checker) Snapshot() Counters {
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(now)

	var out Counters
	out.WindowSeconds = int64(c.cfg.Window.Seconds())
	out.ErrorsLastHour = int64(len(c.errorsHourTotal))
	for _, b := range c.buckets {
		out.EventsReceived += b.eventsReceived
		out.PriceUpdates += b.priceUpdates
		out.TradesStored += b.tradesStored
		out.G1Filtered += b.g1Filtered
		out.G3Missing += b.g3Missing
		out.G3Backfilled += b.g3Backfilled
		out.G5Divergence += b.g5Divergence
		out.Errors += b.errors
	}
	return out
}

// checkDatabase pings the durable store.
func (c *Checker) checkDatabase(ctx context.Context, timeout time.Duration) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sqlDB, err := c.db.DB().DB()
	if err != nil {
		return ComponentHealth{Component: "database", Status: StatusUnhealthy, Message: err.Error(), LatencyMS: ms(start)}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return ComponentHealth{Component: "database", Status: StatusUnhealthy, Message: err.Error(), LatencyMS: ms(start)}
	}
	return ComponentHealth{Component: "database", Status: StatusHealthy, Message: "ok", LatencyMS: ms(start)}
}

// checkWebsocket reports the streaming client's connectedness and message
// freshness against the stale-message threshold.
func (c *Checker) checkWebsocket(ctx context.Context, timeout time.Duration) ComponentHealth {
	start := time.Now()
	if c.stream == nil {
		return ComponentHealth{Component: "websocket", Status: StatusWarning, Message: "no stream wired", LatencyMS: ms(start)}
	}
	if !c.stream.IsConnected() {
		return ComponentHealth{Component: "websocket", Status: StatusUnhealthy, Message: "disconnected", LatencyMS: ms(start)}
	}
	age := time.Since(c.stream.LastMessageAt())
	if age > c.cfg.StaleMessageWindow {
		return ComponentHealth{
			Component: "websocket", Status: StatusDegraded,
			Message:   "no message received recently",
			LatencyMS: ms(start),
		}
	}
	return ComponentHealth{Component: "websocket", Status: StatusHealthy, Message: "connected", LatencyMS: ms(start)}
}

// checkBalance fetches the wire balance as a liveness probe of the exchange
// connection; a fetch error degrades rather than fails outright since
// balance is refreshed independently and cached elsewhere.
func (c *Checker) checkBalance(ctx context.Context, timeout time.Duration) ComponentHealth {
	start := time.Now()
	if c.balance == nil {
		return ComponentHealth{Component: "balance", Status: StatusWarning, Message: "no wire wired", LatencyMS: ms(start)}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := c.balance.FetchBalance(ctx); err != nil {
		return ComponentHealth{Component: "balance", Status: StatusDegraded, Message: err.Error(), LatencyMS: ms(start)}
	}
	return ComponentHealth{Component: "balance", Status: StatusHealthy, Message: "ok", LatencyMS: ms(start)}
}

// CheckAll runs every component check with its share of cfg.Timeout and
// aggregates worst-status-wins: any UNHEALTHY makes the whole snapshot
// UNHEALTHY; else any DEGRADED/WARNING makes it DEGRADED; else HEALTHY.
func (c *Checker) CheckAll(ctx context.Context) Aggregate {
	checks := []func(context.Context, time.Duration) ComponentHealth{
		c.checkDatabase, c.checkWebsocket, c.checkBalance,
	}
	perCheck := c.cfg.Timeout / time.Duration(len(checks))

	components := make([]ComponentHealth, 0, len(checks))
	for _, check := range checks {
		components = append(components, check(ctx, perCheck))
	}

	overall := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded, StatusWarning:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	agg := Aggregate{Status: overall, Components: components, CheckedAt: time.Now().UTC()}
	if overall == StatusUnhealthy {
		log.Warn().Str("status", string(overall)).Msg("health check: unhealthy component detected")
	}
	return agg
}

func ms(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
