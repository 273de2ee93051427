// Package watchlist holds tokens scored between the watch floor and the
// execution threshold, re-scoring them periodically: a rescore that
// crosses the threshold promotes the entry to execution, one that drops
// below the floor expires it. Adding a token upserts by token id, and a
// time-to-end-decreasing heuristic scores entries when no model scorer is
// wired.
package watchlist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/storage"
)

const (
	StatusWatching = "watching"
	StatusPromoted = "promoted"
	StatusExpired  = "expired"
	StatusTraded   = "traded"
)

// Config holds the promotion/expiry thresholds.
type Config struct {
	ExecutionThreshold float64 // default 0.97
	WatchlistMin       float64 // default 0.90
}

func (c Config) withDefaults() Config {
	if c.ExecutionThreshold <= 0 {
		c.ExecutionThreshold = 0.97
	}
	if c.WatchlistMin <= 0 {
		c.WatchlistMin = 0.90
	}
	return c
}

// Rescorer produces an updated score for a watchlist entry; when nil,
// rescoreAll falls back to the time-decreasing heuristic.
type Rescorer func(entry storage.WatchlistEntry) float64

// Promotion is an entry that crossed the execution threshold on rescore.
type Promotion struct {
	TokenID     string
	ConditionID string
	OldScore    float64
	NewScore    float64
	Reason      string
}

// Service is the Watchlist Service.
type Service struct {
	cfg Config
	db  *storage.Database
}

// New builds a Service.
func New(cfg Config, db *storage.Database) *Service {
	return &Service{cfg: cfg.withDefaults(), db: db}
}

// AddInput is a watchlist signal's payload.
type AddInput struct {
	TokenID        string
	ConditionID    string
	Question       string
	TriggerPrice   decimal.Decimal
	InitialScore   decimal.Decimal
	TimeToEndHours float64
}

// Add upserts a watchlist entry by token id. An existing entry is replaced
// whole: every field, including initial score and created_at, takes the new
// values and its status goes back to watching.
func (s *Service) Add(ctx context.Context, in AddInput) error {
	now := time.Now().UTC()
	entry := &storage.WatchlistEntry{
		TokenID:        in.TokenID,
		ConditionID:    in.ConditionID,
		Question:       in.Question,
		TriggerPrice:   in.TriggerPrice,
		InitialScore:   in.InitialScore,
		CurrentScore:   in.InitialScore,
		TimeToEndHours: in.TimeToEndHours,
		Status:         StatusWatching,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.UpsertWatchlistEntry(entry); err != nil {
		return fmt.Errorf("add to watchlist: %w", err)
	}
	return nil
}

// ActiveEntries returns all entries with status "watching".
func (s *Service) ActiveEntries() ([]storage.WatchlistEntry, error) {
	entries, err := s.db.GetWatching()
	if err != nil {
		return nil, fmt.Errorf("active entries: %w", err)
	}
	return entries, nil
}

// RescoreAll re-scores every active entry, promoting those that cross the
// execution threshold and expiring those that drop below the watch floor.
// When score is nil, the default time-to-end heuristic is used.
func (s *Service) RescoreAll(ctx context.Context, score Rescorer) ([]Promotion, error) {
	entries, err := s.db.GetWatching()
	if err != nil {
		return nil, fmt.Errorf("rescore all: %w", err)
	}

	var promotions []Promotion
	now := time.Now().UTC()

	for i := range entries {
		entry := entries[i]
		oldScore, _ := entry.CurrentScore.Float64()

		var newScore float64
		if score != nil {
			newScore = score(entry)
		} else {
			newScore = s.defaultScore(entry)
		}

		entry.CurrentScore = decimal.NewFromFloat(newScore)
		entry.UpdatedAt = now

		switch {
		case newScore >= s.cfg.ExecutionThreshold && oldScore < s.cfg.ExecutionThreshold:
			entry.Status = StatusPromoted
			promotions = append(promotions, Promotion{
				TokenID:     entry.TokenID,
				ConditionID: entry.ConditionID,
				OldScore:    oldScore,
				NewScore:    newScore,
				Reason:      fmt.Sprintf("score improved from %.3f to %.3f", oldScore, newScore),
			})
		case newScore < s.cfg.WatchlistMin:
			entry.Status = StatusExpired
		}

		if err := s.db.UpsertWatchlistEntry(&entry); err != nil {
			log.Error().Err(err).Str("token_id", entry.TokenID).Msg("rescore: failed to persist entry")
			continue
		}
	}

	log.Info().Int("entries", len(entries)).Int("promotions", len(promotions)).Msg("watchlist rescore complete")
	return promotions, nil
}

// defaultScore is the time-to-end-decreasing heuristic used when no model
// scorer is configured: at 720h or more remaining the bonus is +0, at 0h it
// is the full +0.07 (about +0.069 at 6h), scaling linearly in between.
func (s *Service) defaultScore(entry storage.WatchlistEntry) float64 {
	const window = 720.0
	const maxBonus = 0.07

	remaining := window - entry.TimeToEndHours
	if remaining < 0 {
		remaining = 0
	}
	bonus := (remaining / window) * maxBonus

	initial, _ := entry.InitialScore.Float64()
	score := initial + bonus
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// MarkTraded flags an entry as traded once its promotion has been acted on.
func (s *Service) MarkTraded(ctx context.Context, tokenID string) error {
	entries, err := s.db.GetWatchlist(0)
	if err != nil {
		return fmt.Errorf("mark traded: %w", err)
	}
	for i := range entries {
		if entries[i].TokenID != tokenID {
			continue
		}
		entries[i].Status = StatusTraded
		entries[i].UpdatedAt = time.Now().UTC()
		return s.db.UpsertWatchlistEntry(&entries[i])
	}
	return nil
}
