// Package dedup guarantees at-most-one trade per (token, condition,
// threshold), and the weaker dual-key invariant of at most one per
// (condition, threshold) across every token that shares it, across
// concurrent callers and process restarts.
//
// The claim is a transactional pg_advisory_xact_lock keyed by a stable
// SHA256 hash of "{condition}:{threshold}" (never a language-runtime hash,
// which is not deterministic across processes), followed by a
// condition-level existence check and an insert-if-absent inside the same
// transaction.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/hazardguard/predictbot/internal/storage"
)

// Tracker is the Trigger Deduplicator.
type Tracker struct {
	db *storage.Database

	// sqliteLocks substitutes for pg_advisory_xact_lock when the durable
	// store is sqlite: sqlite has no advisory-lock primitive and is
	// effectively single-writer, so an in-process mutex keyed by the same
	// stable hash gives the same total ordering per (condition, threshold)
	// as long as there is exactly one process — true in the common sqlite
	// deployment (single instance, no horizontal scale-out). Running
	// multiple instances against one sqlite file is out of scope —
	// multi-instance deployments need the postgres advisory lock.
	sqliteLocks   map[int64]*sync.Mutex
	sqliteLocksMu sync.Mutex
}

// New builds a Tracker over db.
func New(db *storage.Database) *Tracker {
	return &Tracker{db: db, sqliteLocks: make(map[int64]*sync.Mutex)}
}

// lockKey derives a stable 64-bit signed int from (condition, threshold)
// via SHA256 — deterministic across processes and Go versions, unlike
// Go's runtime map/string hash.
func lockKey(conditionID string, threshold decimal.Decimal) int64 {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", conditionID, threshold.String())))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// ShouldTrigger is the non-authoritative fast-rejection read: false if a
// record already exists for either (token,condition,threshold) or any
// record exists for (condition,threshold) across tokens.
func (t *Tracker) ShouldTrigger(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) (bool, error) {
	var count int64
	err := t.db.DB().WithContext(ctx).Model(&storage.Trigger{}).
		Where("condition_id = ? AND threshold = ?", conditionID, threshold).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("should_trigger: %w", err)
	}
	return count == 0, nil
}

// TriggerInput is the payload recorded alongside a claimed trigger.
type TriggerInput struct {
	Price        decimal.Decimal
	Size         decimal.Decimal
	ModelScore   *float64
	Outcome      string
	OutcomeIndex int
}

// TryRecordAtomic is the authoritative claim: atomic against concurrent
// callers within one process and across processes. Returns true iff no
// record existed for (condition, threshold) and a new row was committed.
func (t *Tracker) TryRecordAtomic(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal, in TriggerInput) (bool, error) {
	if t.db.IsSQLite {
		return t.tryRecordAtomicSQLite(ctx, tokenID, conditionID, threshold, in)
	}
	return t.tryRecordAtomicPostgres(ctx, tokenID, conditionID, threshold, in)
}

func (t *Tracker) tryRecordAtomicPostgres(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal, in TriggerInput) (bool, error) {
	key := lockKey(conditionID, threshold)
	var won bool

	err := t.db.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}

		var existing int64
		if err := tx.Model(&storage.Trigger{}).
			Where("condition_id = ? AND threshold = ?", conditionID, threshold).
			Count(&existing).Error; err != nil {
			return fmt.Errorf("condition check: %w", err)
		}
		if existing > 0 {
			won = false
			return nil
		}

		row := &storage.Trigger{
			TokenID:      tokenID,
			ConditionID:  conditionID,
			Threshold:    threshold,
			Price:        in.Price,
			Size:         in.Size,
			ModelScore:   in.ModelScore,
			Outcome:      in.Outcome,
			OutcomeIndex: in.OutcomeIndex,
			CreatedAt:    time.Now().UTC(),
		}
		res := tx.Create(row)
		if res.Error != nil {
			// A concurrent committed insert for this exact (token,
			// condition, threshold) key violates the unique constraint;
			// that still means we lost the race.
			won = false
			return nil
		}
		won = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("try_record_atomic: %w", err)
	}
	return won, nil
}

// tryRecordAtomicSQLite provides the same semantics via an in-process
// mutex keyed by the identical stable hash, documented above.
func (t *Tracker) tryRecordAtomicSQLite(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal, in TriggerInput) (bool, error) {
	key := lockKey(conditionID, threshold)

	t.sqliteLocksMu.Lock()
	mu, ok := t.sqliteLocks[key]
	if !ok {
		mu = &sync.Mutex{}
		t.sqliteLocks[key] = mu
	}
	t.sqliteLocksMu.Unlock()

	mu.Lock()
	defer mu.Unlock()

	var existing int64
	if err := t.db.DB().WithContext(ctx).Model(&storage.Trigger{}).
		Where("condition_id = ? AND threshold = ?", conditionID, threshold).
		Count(&existing).Error; err != nil {
		return false, fmt.Errorf("try_record_atomic: condition check: %w", err)
	}
	if existing > 0 {
		return false, nil
	}

	row := &storage.Trigger{
		TokenID:      tokenID,
		ConditionID:  conditionID,
		Threshold:    threshold,
		Price:        in.Price,
		Size:         in.Size,
		ModelScore:   in.ModelScore,
		Outcome:      in.Outcome,
		OutcomeIndex: in.OutcomeIndex,
		CreatedAt:    time.Now().UTC(),
	}
	if err := t.db.DB().WithContext(ctx).Create(row).Error; err != nil {
		return false, nil
	}
	return true, nil
}

// Remove deletes a claim. Only legal when the caller knows no order was
// submitted (pre-submit validation failure) — after real submission the
// trigger must not be removed on failure, since an order may already be
// live on the exchange.
func (t *Tracker) Remove(ctx context.Context, tokenID, conditionID string, threshold decimal.Decimal) error {
	err := t.db.DB().WithContext(ctx).
		Delete(&storage.Trigger{}, "token_id = ? AND condition_id = ? AND threshold = ?", tokenID, conditionID, threshold).Error
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
