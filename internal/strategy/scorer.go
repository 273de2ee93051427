package strategy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Scorer supplies the model score a Context needs before strategy dispatch.
// Bounded by a caller-supplied timeout so a stalled score store degrades to
// "no score" rather than blocking the engine pipeline.
type Scorer interface {
	Score(ctx context.Context, tokenID string) (score float64, modelVersion string, ok bool)
}

// SQLiteBridge reads scores from a separately-maintained legacy SQLite
// database, opened read-only (mode=ro) with an in-memory cache layered in
// front to minimize repeated reads of a file that may be written
// concurrently by another process.
type SQLiteBridge struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]scoreEntry
	max   int
}

type scoreEntry struct {
	score   float64
	version string
}

// NewSQLiteBridge opens path read-only. A missing or unreadable database is
// not an error here — Score simply reports ok=false for every token and the
// strategies degrade to their no-score behavior.
func NewSQLiteBridge(path string, cacheSize int) *SQLiteBridge {
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("scorer: legacy score database unavailable")
		db = nil
	} else if err := db.Ping(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("scorer: legacy score database unreachable")
		db = nil
	}
	if cacheSize <= 0 {
		cacheSize = 10000
	}
	return &SQLiteBridge{db: db, cache: make(map[string]scoreEntry), max: cacheSize}
}

// Score looks up the most recent score for tokenID, checking the in-memory
// cache before touching the database.
func (b *SQLiteBridge) Score(ctx context.Context, tokenID string) (float64, string, bool) {
	b.mu.Lock()
	if e, ok := b.cache[tokenID]; ok {
		b.mu.Unlock()
		return e.score, e.version, true
	}
	b.mu.Unlock()

	if b.db == nil {
		return 0, "", false
	}

	row := b.db.QueryRowContext(ctx,
		`SELECT model_score, model_version FROM polymarket_first_triggers
		 WHERE token_id = ? ORDER BY created_at DESC LIMIT 1`, tokenID)

	var score sql.NullFloat64
	var version sql.NullString
	if err := row.Scan(&score, &version); err != nil {
		return 0, "", false
	}
	if !score.Valid {
		return 0, "", false
	}

	entry := scoreEntry{score: score.Float64, version: version.String}
	b.mu.Lock()
	if len(b.cache) >= b.max {
		for k := range b.cache {
			delete(b.cache, k)
			break
		}
	}
	b.cache[tokenID] = entry
	b.mu.Unlock()

	return entry.score, entry.version, true
}

// WithTimeout wraps a Scorer so every call is bounded, independent of
// whatever context the caller passes in.
func WithTimeout(s Scorer, timeout time.Duration) Scorer {
	return timeoutScorer{inner: s, timeout: timeout}
}

type timeoutScorer struct {
	inner   Scorer
	timeout time.Duration
}

func (t timeoutScorer) Score(ctx context.Context, tokenID string) (float64, string, bool) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		score   float64
		version string
		ok      bool
	}
	done := make(chan result, 1)
	go func() {
		s, v, ok := t.inner.Score(ctx, tokenID)
		done <- result{s, v, ok}
	}()

	select {
	case r := <-done:
		return r.score, r.version, r.ok
	case <-ctx.Done():
		return 0, "", false
	}
}
