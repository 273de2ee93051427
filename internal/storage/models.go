// Package storage is the durable-store layer: gorm models for the agent's
// logical schema plus a Database wrapper that picks a postgres or sqlite
// driver by connection-string prefix.
package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trigger is the triggers table: UNIQUE(token_id, condition_id, threshold).
// The dual-key G2 invariant (at most one row per condition_id+threshold) is
// enforced by the advisory-lock claim path in internal/dedup, not by a
// second unique index — a second token for an already-triggered condition
// must be rejected before insert, not fail at insert time.
type Trigger struct {
	TokenID      string          `gorm:"column:token_id;primaryKey;index:idx_trigger_condition,priority:1"`
	ConditionID  string          `gorm:"column:condition_id;primaryKey;index:idx_trigger_condition,priority:2"`
	Threshold    decimal.Decimal `gorm:"column:threshold;type:decimal(10,6);primaryKey"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"column:size;type:decimal(20,6)"`
	ModelScore   *float64        `gorm:"column:model_score"`
	Outcome      string          `gorm:"column:outcome"`
	OutcomeIndex int             `gorm:"column:outcome_index"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
}

func (Trigger) TableName() string { return "triggers" }

// Position is the positions table.
type Position struct {
	ID              string          `gorm:"column:id;primaryKey"`
	TokenID         string          `gorm:"column:token_id;index:idx_position_token"`
	ConditionID     string          `gorm:"column:condition_id"`
	Outcome         string          `gorm:"column:outcome"`
	OutcomeIndex    int             `gorm:"column:outcome_index"`
	Side            string          `gorm:"column:side"`
	Size            decimal.Decimal `gorm:"column:size;type:decimal(20,6)"`
	EntryPrice      decimal.Decimal `gorm:"column:entry_price;type:decimal(10,6)"`
	EntryCost       decimal.Decimal `gorm:"column:entry_cost;type:decimal(20,6)"`
	CurrentPrice    decimal.Decimal `gorm:"column:current_price;type:decimal(10,6)"`
	CurrentValue    decimal.Decimal `gorm:"column:current_value;type:decimal(20,6)"`
	UnrealizedPnL   decimal.Decimal `gorm:"column:unrealized_pnl;type:decimal(20,6)"`
	RealizedPnL     decimal.Decimal `gorm:"column:realized_pnl;type:decimal(20,6)"`
	Status          string          `gorm:"column:status;index"` // open, closed
	EntryOrderID    string          `gorm:"column:entry_order_id"`
	EntryTimestamp  time.Time       `gorm:"column:entry_timestamp"`
	ExitOrderID     string          `gorm:"column:exit_order_id"`
	ExitTimestamp   *time.Time      `gorm:"column:exit_timestamp"`
	ExitPending     bool            `gorm:"column:exit_pending"`
	ExitStatus      string          `gorm:"column:exit_status"`
	Resolution      string          `gorm:"column:resolution"`
	HoldStartAt     time.Time       `gorm:"column:hold_start_at"`
	AgeSource       string          `gorm:"column:age_source"` // actual, unknown
	ImportSource    string          `gorm:"column:import_source"`
	Description     string          `gorm:"column:description"`
	CostBasisUnknown bool           `gorm:"column:cost_basis_unknown"`
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (Position) TableName() string { return "positions" }

// Order is the orders table.
type Order struct {
	OrderID      string          `gorm:"column:order_id;primaryKey"`
	TokenID      string          `gorm:"column:token_id;index"`
	ConditionID  string          `gorm:"column:condition_id"`
	Side         string          `gorm:"column:side"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(10,6)"`
	Size         decimal.Decimal `gorm:"column:size;type:decimal(20,6)"`
	FilledSize   decimal.Decimal `gorm:"column:filled_size;type:decimal(20,6)"`
	AvgFillPrice decimal.Decimal `gorm:"column:avg_fill_price;type:decimal(10,6)"`
	Status       string          `gorm:"column:status;index"`
	CreatedAt    time.Time       `gorm:"column:created_at"`
	UpdatedAt    time.Time       `gorm:"column:updated_at"`
}

func (Order) TableName() string { return "orders" }

// ExitEvent is the exit_events table.
type ExitEvent struct {
	ID          uint            `gorm:"column:id;primaryKey;autoIncrement"`
	PositionID  string          `gorm:"column:position_id;index"`
	TokenID     string          `gorm:"column:token_id"`
	ConditionID string          `gorm:"column:condition_id"`
	ExitType    string          `gorm:"column:exit_type"`
	EntryPrice  decimal.Decimal `gorm:"column:entry_price;type:decimal(10,6)"`
	ExitPrice   decimal.Decimal `gorm:"column:exit_price;type:decimal(10,6)"`
	Size        decimal.Decimal `gorm:"column:size;type:decimal(20,6)"`
	GrossPnL    decimal.Decimal `gorm:"column:gross_pnl;type:decimal(20,6)"`
	NetPnL      decimal.Decimal `gorm:"column:net_pnl;type:decimal(20,6)"`
	HoursHeld   decimal.Decimal `gorm:"column:hours_held;type:decimal(10,2)"`
	ExitOrderID string          `gorm:"column:exit_order_id"`
	Status      string          `gorm:"column:status"`
	Reason      string          `gorm:"column:reason"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
}

func (ExitEvent) TableName() string { return "exit_events" }

// WatchlistEntry is the trade_watchlist table.
type WatchlistEntry struct {
	TokenID         string          `gorm:"column:token_id;primaryKey"`
	ConditionID     string          `gorm:"column:condition_id"`
	Question        string          `gorm:"column:question"`
	TriggerPrice    decimal.Decimal `gorm:"column:trigger_price;type:decimal(10,6)"`
	InitialScore    decimal.Decimal `gorm:"column:initial_score;type:decimal(10,6)"`
	CurrentScore    decimal.Decimal `gorm:"column:current_score;type:decimal(10,6)"`
	TimeToEndHours  float64         `gorm:"column:time_to_end_hours"`
	Status          string          `gorm:"column:status;index"` // watching, promoted, expired, traded
	CreatedAt       time.Time       `gorm:"column:created_at"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (WatchlistEntry) TableName() string { return "trade_watchlist" }

// PositionsSyncLog is the positions_sync_log table.
type PositionsSyncLog struct {
	RunID             string     `gorm:"column:run_id;primaryKey"`
	SyncType          string     `gorm:"column:sync_type"` // quick, full
	WalletAddress     string     `gorm:"column:wallet_address"`
	PositionsFound    int        `gorm:"column:positions_found"`
	PositionsImported int        `gorm:"column:positions_imported"`
	PositionsUpdated  int        `gorm:"column:positions_updated"`
	PositionsClosed   int        `gorm:"column:positions_closed"`
	Errors            int        `gorm:"column:errors"`
	StartedAt         time.Time  `gorm:"column:started_at"`
	CompletedAt       *time.Time `gorm:"column:completed_at"`
}

func (PositionsSyncLog) TableName() string { return "positions_sync_log" }
