package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Fetcher is the wire dependency market refreshes need.
type Fetcher interface {
	FetchMarkets(ctx context.Context, activeOnly bool, page, pageSize int) ([]Market, error)
}

// Cache is an in-memory, periodically-refreshed market universe, keyed by
// token id for the trading engine's per-event metadata lookups, so the hot
// path never hits the market-listing API directly.
type Cache struct {
	fetcher  Fetcher
	pageSize int

	mu       sync.RWMutex
	byToken  map[string]tokenEntry
}

type tokenEntry struct {
	market  Market
	outcome Outcome
}

// NewCache builds a Cache. pageSize controls FetchMarkets' page size during
// Refresh; defaults to 500.
func NewCache(fetcher Fetcher, pageSize int) *Cache {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Cache{fetcher: fetcher, pageSize: pageSize, byToken: make(map[string]tokenEntry)}
}

// Lookup implements the engine's MarketLookup dependency.
func (c *Cache) Lookup(tokenID string) (Market, Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byToken[tokenID]
	return e.market, e.outcome, ok
}

// Tokens returns every indexed token id, for stream subscription.
func (c *Cache) Tokens() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byToken))
	for id := range c.byToken {
		out = append(out, id)
	}
	return out
}

// Refresh paginates the active market universe and rebuilds the token
// index. A partial page fetch still updates whatever was retrieved rather
// than discarding it, so a single failed page doesn't blank the cache.
func (c *Cache) Refresh(ctx context.Context) error {
	next := make(map[string]tokenEntry)
	for page := 0; ; page++ {
		markets, err := c.fetcher.FetchMarkets(ctx, true, page, c.pageSize)
		if err != nil {
			if len(next) == 0 {
				return err
			}
			log.Warn().Err(err).Int("page", page).Msg("market cache: refresh page failed, keeping partial result")
			break
		}
		if len(markets) == 0 {
			break
		}
		for _, m := range markets {
			for _, o := range m.Outcomes {
				next[o.TokenID] = tokenEntry{market: m, outcome: o}
			}
		}
		if len(markets) < c.pageSize {
			break
		}
	}

	c.mu.Lock()
	c.byToken = next
	c.mu.Unlock()
	log.Info().Int("tokens", len(next)).Msg("market cache refreshed")
	return nil
}

// RunRefreshLoop refreshes on interval until ctx is cancelled, logging and
// continuing past any single refresh error. onRefresh, when non-nil, runs
// after every successful refresh — the stream client hooks it to subscribe
// newly listed tokens.
func (c *Cache) RunRefreshLoop(ctx context.Context, interval time.Duration, onRefresh func()) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("market cache: refresh failed")
				continue
			}
			if onRefresh != nil {
				onRefresh()
			}
		}
	}
}
