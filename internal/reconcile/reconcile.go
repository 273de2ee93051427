// Package reconcile compares the exchange's remote position list against
// the locally tracked positions, imports unmatched remote positions,
// corrects local size drift, and closes locally-open positions the
// exchange no longer reports.
//
// A remote response that looks partial (a pagination marker, or simply
// invalid entries skipped along the way) or that comes back empty while
// local positions are still open never triggers a close — either case is
// far more likely to be an API hiccup than every position having actually
// closed, and a mass accidental close from a truncated response is the
// single failure mode this package is built to avoid.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/positions"
	"github.com/hazardguard/predictbot/internal/storage"
)

// HoldPolicy decides the hold_start_at/age_source assigned to an imported
// position.
type HoldPolicy string

const (
	HoldPolicyNew    HoldPolicy = "new"    // treat as just opened: hold_start=now
	HoldPolicyMature HoldPolicy = "mature" // treat as already past the hold floor
	HoldPolicyActual HoldPolicy = "actual" // use the trade-timestamp lookup if available
)

// RemotePosition is one row of the exchange's position list.
type RemotePosition struct {
	TokenID       string
	ConditionID   string
	Size          decimal.Decimal
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
	Outcome       string
	OutcomeIndex  int
	Title         string
	EndDate       time.Time
	UnrealizedPnL decimal.Decimal
}

// RemoteFetcher is the wire dependency: the raw exchange position list plus
// whatever pagination signal it carries.
type RemoteFetcher interface {
	// FetchPositions returns the wallet's current positions and reports
	// partial=true when the response carried a pagination marker
	// (next_cursor / has_more / cursor) this client does not follow, so the
	// caller must never treat the result as exhaustive.
	FetchPositions(ctx context.Context, wallet string) (rows []RemotePosition, partial bool, err error)
	// FetchEarliestBuyTimestamps returns, per token id, the earliest BUY
	// trade timestamp known to the exchange. A failure here is swallowed to
	// an empty map by the caller — it only affects age_source accuracy for
	// imported positions, never sync correctness.
	FetchEarliestBuyTimestamps(ctx context.Context, wallet string) (map[string]time.Time, error)
}

// Result summarizes one sync run.
type Result struct {
	RunID             string
	PositionsFound    int
	PositionsImported int
	PositionsUpdated  int
	PositionsClosed   int
	Errors            int
	StartedAt         time.Time
	CompletedAt       time.Time
	Partial           bool
	SkippedClose      bool // true when the close pass was skipped by a safety guard
}

// Config holds the sizes used to detect meaningful drift.
type Config struct {
	SizeDriftTolerance decimal.Decimal // default 0.001
	MatureDays         int             // default 7, used by HoldPolicyMature
}

func (c Config) withDefaults() Config {
	if c.SizeDriftTolerance.IsZero() {
		c.SizeDriftTolerance = decimal.NewFromFloat(0.001)
	}
	if c.MatureDays <= 0 {
		c.MatureDays = 7
	}
	return c
}

// Reconciler is the Position Import/Reconciliation component.
type Reconciler struct {
	cfg     Config
	db      *storage.Database
	remote  RemoteFetcher
	tracker *positions.Tracker
}

// New builds a Reconciler.
func New(cfg Config, db *storage.Database, remote RemoteFetcher, tracker *positions.Tracker) *Reconciler {
	return &Reconciler{cfg: cfg.withDefaults(), db: db, remote: remote, tracker: tracker}
}

// Sync runs a full import/update/close pass against the wallet's remote
// position list. dryRun suppresses every write; the safety guards below
// still apply identically so a dry run's Result.SkippedClose reports what a
// live run would have done.
func (r *Reconciler) Sync(ctx context.Context, wallet string, dryRun bool, policy HoldPolicy) (Result, error) {
	res := Result{RunID: fmt.Sprintf("sync_%s", uuid.NewString()), StartedAt: time.Now().UTC()}

	remoteRows, partial, err := r.remote.FetchPositions(ctx, wallet)
	if err != nil {
		return res, fmt.Errorf("sync: fetch remote positions: %w", err)
	}
	res.Partial = partial
	res.PositionsFound = len(remoteRows)

	var tradeTimestamps map[string]time.Time
	if policy == HoldPolicyActual {
		tradeTimestamps, _ = r.remote.FetchEarliestBuyTimestamps(ctx, wallet)
	}

	localOpen, err := r.db.GetOpenPositions()
	if err != nil {
		return res, fmt.Errorf("sync: load local positions: %w", err)
	}
	localByToken := make(map[string]*storage.Position, len(localOpen))
	for i := range localOpen {
		localByToken[localOpen[i].TokenID] = &localOpen[i]
	}

	seen := make(map[string]bool, len(remoteRows))
	for _, rp := range remoteRows {
		seen[rp.TokenID] = true
		local, matched := localByToken[rp.TokenID]

		if !matched {
			if dryRun {
				res.PositionsImported++
				continue
			}
			if err := r.importPosition(ctx, rp, policy, tradeTimestamps); err != nil {
				log.Error().Err(err).Str("token_id", rp.TokenID).Msg("reconcile: import failed")
				res.Errors++
				continue
			}
			res.PositionsImported++
			continue
		}

		drift := local.Size.Sub(rp.Size).Abs()
		if drift.GreaterThan(r.cfg.SizeDriftTolerance) {
			if dryRun {
				res.PositionsUpdated++
				continue
			}
			local.Size = rp.Size
			local.EntryCost = rp.Size.Mul(local.EntryPrice)
			local.CostBasisUnknown = true
			local.UpdatedAt = time.Now().UTC()
			if err := r.db.SavePosition(local); err != nil {
				log.Error().Err(err).Str("token_id", rp.TokenID).Msg("reconcile: size update failed")
				res.Errors++
				continue
			}
			res.PositionsUpdated++
		}
	}

	// Close pass: a locally-open position the exchange no longer reports.
	// Two hard safety guards against an accidental mass-close: never close
	// on a partial response, and never close when the remote list came
	// back completely empty while local positions exist (that shape is far
	// more likely a transient API failure than a genuine full exit).
	if partial || (len(remoteRows) == 0 && len(localOpen) > 0) {
		res.SkippedClose = true
		log.Warn().Bool("partial", partial).Int("remote_count", len(remoteRows)).
			Int("local_count", len(localOpen)).Msg("reconcile: skipping close pass, unsafe to trust remote list as exhaustive")
	} else {
		for i := range localOpen {
			local := &localOpen[i]
			if seen[local.TokenID] {
				continue
			}
			if dryRun {
				res.PositionsClosed++
				continue
			}
			local.Status = "closed"
			local.Resolution = "external_close"
			now := time.Now().UTC()
			local.ExitTimestamp = &now
			local.UpdatedAt = now
			if err := r.db.SavePosition(local); err != nil {
				log.Error().Err(err).Str("token_id", local.TokenID).Msg("reconcile: close failed")
				res.Errors++
				continue
			}
			res.PositionsClosed++
		}
	}

	res.CompletedAt = time.Now().UTC()
	if !dryRun {
		if err := r.db.SaveSyncLog(&storage.PositionsSyncLog{
			RunID:             res.RunID,
			SyncType:          "full",
			WalletAddress:     wallet,
			PositionsFound:    res.PositionsFound,
			PositionsImported: res.PositionsImported,
			PositionsUpdated:  res.PositionsUpdated,
			PositionsClosed:   res.PositionsClosed,
			Errors:            res.Errors,
			StartedAt:         res.StartedAt,
			CompletedAt:       &res.CompletedAt,
		}); err != nil {
			log.Error().Err(err).Msg("reconcile: failed to persist sync log")
		}
		if err := r.tracker.LoadPositions(ctx); err != nil {
			log.Error().Err(err).Msg("reconcile: failed to refresh position tracker cache")
		}
	}

	log.Info().Str("run_id", res.RunID).Int("found", res.PositionsFound).
		Int("imported", res.PositionsImported).Int("updated", res.PositionsUpdated).
		Int("closed", res.PositionsClosed).Bool("skipped_close", res.SkippedClose).
		Msg("position sync complete")
	return res, nil
}

func (r *Reconciler) importPosition(ctx context.Context, rp RemotePosition, policy HoldPolicy, tradeTimestamps map[string]time.Time) error {
	if !rp.Size.IsPositive() {
		return nil
	}

	now := time.Now().UTC()
	holdStart := now
	ageSource := "unknown"

	switch policy {
	case HoldPolicyMature:
		holdStart = now.AddDate(0, 0, -r.cfg.MatureDays)
	case HoldPolicyActual:
		if ts, ok := tradeTimestamps[rp.TokenID]; ok {
			holdStart = ts
			ageSource = "actual"
		}
	case HoldPolicyNew:
		// holdStart/ageSource already default to now/"unknown"
	}

	pos := &storage.Position{
		ID:             fmt.Sprintf("pos_%s", uuid.NewString()),
		TokenID:        rp.TokenID,
		ConditionID:    rp.ConditionID,
		Outcome:        rp.Outcome,
		OutcomeIndex:   rp.OutcomeIndex,
		Side:           "BUY",
		Size:           rp.Size,
		EntryPrice:     rp.AvgPrice,
		EntryCost:      rp.Size.Mul(rp.AvgPrice),
		CurrentPrice:   rp.CurrentPrice,
		Status:         "open",
		EntryTimestamp: holdStart,
		HoldStartAt:    holdStart,
		AgeSource:      ageSource,
		ImportSource:   "reconcile",
		Description:    rp.Title,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return r.db.SavePosition(pos)
}

// QuickSyncSizes is the fast cadence sync: size corrections and close
// detection only, no imports. It aborts entirely on a partial response
// rather than applying a partial update.
func (r *Reconciler) QuickSyncSizes(ctx context.Context, wallet string) (updated, closed int, err error) {
	remoteRows, partial, err := r.remote.FetchPositions(ctx, wallet)
	if err != nil {
		return 0, 0, fmt.Errorf("quick sync: fetch remote positions: %w", err)
	}
	if partial {
		log.Warn().Msg("quick sync: partial response, aborting")
		return 0, 0, fmt.Errorf("partial_response")
	}

	localOpen, err := r.db.GetOpenPositions()
	if err != nil {
		return 0, 0, fmt.Errorf("quick sync: load local positions: %w", err)
	}

	remoteByToken := make(map[string]RemotePosition, len(remoteRows))
	for _, rp := range remoteRows {
		remoteByToken[rp.TokenID] = rp
	}

	for i := range localOpen {
		local := &localOpen[i]
		rp, ok := remoteByToken[local.TokenID]
		if !ok {
			if len(remoteRows) == 0 && len(localOpen) > 0 {
				continue // same empty-remote guard as the full sync
			}
			local.Status = "closed"
			local.Resolution = "external_close"
			now := time.Now().UTC()
			local.ExitTimestamp = &now
			local.UpdatedAt = now
			if err := r.db.SavePosition(local); err != nil {
				log.Error().Err(err).Str("token_id", local.TokenID).Msg("quick sync: close failed")
				continue
			}
			closed++
			continue
		}

		drift := local.Size.Sub(rp.Size).Abs()
		if drift.GreaterThan(r.cfg.SizeDriftTolerance) {
			local.Size = rp.Size
			local.CostBasisUnknown = true
			local.UpdatedAt = time.Now().UTC()
			if err := r.db.SavePosition(local); err != nil {
				log.Error().Err(err).Str("token_id", local.TokenID).Msg("quick sync: size update failed")
				continue
			}
			updated++
		}
	}

	if err := r.tracker.LoadPositions(ctx); err != nil {
		log.Error().Err(err).Msg("quick sync: failed to refresh position tracker cache")
	}
	return updated, closed, nil
}
