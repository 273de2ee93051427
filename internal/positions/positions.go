// Package positions tracks open and closed positions built up from order
// fills: weighted-average entry accounting on BUY, proportional reduction
// on SELL, realized/unrealized P&L, and the atomic exit claim that lets
// exactly one caller execute an exit for a given position at a time.
//
// A position's size and entry cost are accumulated fill by fill rather than
// recomputed from scratch, so repeated syncs of the same order never
// double-count a fill. Closing a position clears its token lookup entry so
// a later BUY on the same token opens a fresh position instead of reopening
// a closed one.
package positions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hazardguard/predictbot/internal/market"
	"github.com/hazardguard/predictbot/internal/storage"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Tracker is the Position Tracker.
type Tracker struct {
	db *storage.Database

	mu             sync.Mutex
	positions      map[string]*storage.Position
	tokenPositions map[string]string // token_id -> position_id
}

// New builds a Tracker.
func New(db *storage.Database) *Tracker {
	return &Tracker{
		db:             db,
		positions:      make(map[string]*storage.Position),
		tokenPositions: make(map[string]string),
	}
}

// FillInput is the order-derived data a fill delta needs.
type FillInput struct {
	TokenID      string
	ConditionID  string
	Outcome      string
	OutcomeIndex int
	Side         market.Side
	FillPrice    decimal.Decimal
	AgeSource    string // "actual" or "unknown" — feeds the exit manager's hold-policy split
	HoldStartAt  time.Time
}

// RecordFillDelta applies a NEW fill amount (not the order's cumulative
// filled_size) to the position for in.TokenID, creating one if none is open
// and in.Side is BUY. Explicit delta accounting avoids double-counting when
// the caller polls order status repeatedly during a partial fill.
func (t *Tracker) RecordFillDelta(ctx context.Context, in FillInput, deltaSize decimal.Decimal) (*storage.Position, error) {
	if !deltaSize.IsPositive() {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if posID, ok := t.tokenPositions[in.TokenID]; ok {
		if pos, ok := t.positions[posID]; ok {
			return t.aggregateLocked(ctx, pos, in, deltaSize)
		}
	}

	if in.Side != market.SideBuy {
		return nil, nil
	}
	return t.createLocked(ctx, in, deltaSize)
}

func (t *Tracker) aggregateLocked(ctx context.Context, pos *storage.Position, in FillInput, deltaSize decimal.Decimal) (*storage.Position, error) {
	if in.Side == market.SideBuy {
		oldCost := pos.EntryCost
		newCost := deltaSize.Mul(in.FillPrice)
		totalSize := pos.Size.Add(deltaSize)
		totalCost := oldCost.Add(newCost)

		pos.Size = totalSize
		pos.EntryCost = totalCost
		if totalSize.IsPositive() {
			pos.EntryPrice = totalCost.Div(totalSize)
		}
	} else {
		sellRatio := decimal.NewFromInt(1)
		if pos.Size.IsPositive() {
			sellRatio = deltaSize.Div(pos.Size)
		}
		pos.Size = pos.Size.Sub(deltaSize)
		pos.EntryCost = pos.EntryCost.Sub(pos.EntryCost.Mul(sellRatio))

		pnl := deltaSize.Mul(in.FillPrice.Sub(pos.EntryPrice))
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)

		if !pos.Size.IsPositive() {
			pos.Status = StatusClosed
			delete(t.tokenPositions, in.TokenID)
		}
	}
	pos.UpdatedAt = time.Now().UTC()

	if err := t.db.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("record fill delta: %w", err)
	}
	log.Info().Str("position_id", pos.ID).Str("delta", deltaSize.String()).Str("size", pos.Size.String()).Msg("position updated")
	return pos, nil
}

func (t *Tracker) createLocked(ctx context.Context, in FillInput, deltaSize decimal.Decimal) (*storage.Position, error) {
	now := time.Now().UTC()
	holdStart := in.HoldStartAt
	if holdStart.IsZero() {
		holdStart = now
	}

	pos := &storage.Position{
		ID:             fmt.Sprintf("pos_%s", uuid.NewString()),
		TokenID:        in.TokenID,
		ConditionID:    in.ConditionID,
		Outcome:        in.Outcome,
		OutcomeIndex:   in.OutcomeIndex,
		Side:           string(market.SideBuy),
		Size:           deltaSize,
		EntryPrice:     in.FillPrice,
		EntryCost:      deltaSize.Mul(in.FillPrice),
		Status:         StatusOpen,
		EntryTimestamp: now,
		HoldStartAt:    holdStart,
		AgeSource:      in.AgeSource,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if pos.AgeSource == "" {
		pos.AgeSource = "actual"
	}

	if err := t.db.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}

	t.positions[pos.ID] = pos
	t.tokenPositions[in.TokenID] = pos.ID

	log.Info().Str("position_id", pos.ID).Str("size", deltaSize.String()).Str("price", in.FillPrice.String()).Msg("position opened")
	return pos, nil
}

// OpenPositions returns all cached open positions.
func (t *Tracker) OpenPositions() []*storage.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*storage.Position
	for _, p := range t.positions {
		if p.Status == StatusOpen {
			out = append(out, p)
		}
	}
	return out
}

// Position looks up a position by id.
func (t *Tracker) Position(id string) (*storage.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[id]
	return p, ok
}

// PositionByToken looks up the open position for a token, if any.
func (t *Tracker) PositionByToken(tokenID string) (*storage.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.tokenPositions[tokenID]
	if !ok {
		return nil, false
	}
	p, ok := t.positions[id]
	return p, ok
}

// CalculatePnL is size * (current - entry); zero if the position is unknown.
func (t *Tracker) CalculatePnL(positionID string, currentPrice decimal.Decimal) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[positionID]
	if !ok {
		return decimal.Zero
	}
	return p.Size.Mul(currentPrice.Sub(p.EntryPrice))
}

// ClosePosition realizes exit_price against the full remaining size,
// records an ExitEvent, and clears the token->position mapping so a
// subsequent BUY opens a fresh position.
func (t *Tracker) ClosePosition(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason string) (*storage.ExitEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos, ok := t.positions[positionID]
	if !ok {
		return nil, nil
	}

	pnl := pos.Size.Mul(exitPrice.Sub(pos.EntryPrice))
	now := time.Now().UTC()
	hoursHeld := decimal.NewFromFloat(now.Sub(pos.EntryTimestamp).Hours())

	event := &storage.ExitEvent{
		PositionID:  pos.ID,
		TokenID:     pos.TokenID,
		ConditionID: pos.ConditionID,
		ExitType:    reason,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Size:        pos.Size,
		GrossPnL:    pnl,
		NetPnL:      pnl,
		HoursHeld:   hoursHeld,
		Status:      "pending",
		Reason:      reason,
		CreatedAt:   now,
	}

	pos.Status = StatusClosed
	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.Size = decimal.Zero
	pos.UpdatedAt = now
	delete(t.tokenPositions, pos.TokenID)

	if err := t.db.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("close position: persist position: %w", err)
	}
	if err := t.db.SaveExitEvent(event); err != nil {
		return nil, fmt.Errorf("close position: persist exit event: %w", err)
	}

	log.Info().Str("position_id", positionID).Str("exit_price", exitPrice.String()).Str("pnl", pnl.String()).Str("reason", reason).Msg("position closed")
	return event, nil
}

// LoadPositions restores all open positions from the durable store.
func (t *Tracker) LoadPositions(ctx context.Context) error {
	rows, err := t.db.GetOpenPositions()
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range rows {
		pos := &rows[i]
		t.positions[pos.ID] = pos
		t.tokenPositions[pos.TokenID] = pos.ID
	}
	log.Info().Int("count", len(rows)).Msg("loaded open positions from durable store")
	return nil
}

// TryClaimExit atomically moves a position from not-pending to
// exit_pending=true/exit_status=claiming, so exactly one caller proceeds to
// execute an exit for it, mirroring the dedup package's advisory-claim
// style but over a single row rather than a cross-process lock, since only
// one process ever owns a given open position's lifecycle at a time in
// this deployment model. A winning claim also clears any stale exit order
// id left over from a prior attempt.
func (t *Tracker) TryClaimExit(ctx context.Context, positionID string) (bool, error) {
	res := t.db.DB().WithContext(ctx).Model(&storage.Position{}).
		Where("id = ? AND exit_pending = ? AND status = ?", positionID, false, StatusOpen).
		Updates(map[string]any{"exit_pending": true, "exit_status": "claiming", "exit_order_id": ""})
	if res.Error != nil {
		return false, fmt.Errorf("try claim exit: %w", res.Error)
	}
	won := res.RowsAffected > 0

	if won {
		t.mu.Lock()
		if pos, ok := t.positions[positionID]; ok {
			pos.ExitPending = true
			pos.ExitStatus = "claiming"
			pos.ExitOrderID = ""
		}
		t.mu.Unlock()
	}
	return won, nil
}

// ClearExitPending releases a claimed-but-abandoned exit (e.g. a liquidity
// guard rejection, a stale claim, or a fill-wait timeout) so a later
// evaluation cycle may retry, recording status as the terminal exit_status
// for operator visibility.
func (t *Tracker) ClearExitPending(ctx context.Context, positionID, status string) error {
	err := t.db.DB().WithContext(ctx).Model(&storage.Position{}).
		Where("id = ?", positionID).
		Updates(map[string]any{"exit_pending": false, "exit_status": status}).Error
	if err != nil {
		return fmt.Errorf("clear exit pending: %w", err)
	}

	t.mu.Lock()
	if pos, ok := t.positions[positionID]; ok {
		pos.ExitPending = false
		pos.ExitStatus = status
	}
	t.mu.Unlock()
	return nil
}

// MarkExitSubmitted records the exit order id against a claimed position
// and moves exit_status to pending, mirroring a freshly-submitted order
// that has not yet been confirmed filled.
func (t *Tracker) MarkExitSubmitted(ctx context.Context, positionID, exitOrderID string) error {
	err := t.db.DB().WithContext(ctx).Model(&storage.Position{}).
		Where("id = ?", positionID).
		Updates(map[string]any{"exit_order_id": exitOrderID, "exit_status": "pending"}).Error
	if err != nil {
		return fmt.Errorf("mark exit submitted: %w", err)
	}

	t.mu.Lock()
	if pos, ok := t.positions[positionID]; ok {
		pos.ExitOrderID = exitOrderID
		pos.ExitStatus = "pending"
	}
	t.mu.Unlock()
	return nil
}
