package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Database wraps *gorm.DB with the agent's schema. A postgres:// or
// postgresql:// connection string prefix selects Postgres (required for
// the cross-process advisory-lock primitive dedup depends on); anything
// else falls back to a local sqlite file.
type Database struct {
	db       *gorm.DB
	IsSQLite bool
}

// New opens the durable store at databaseURL and migrates the schema.
func New(databaseURL string) (*Database, error) {
	var db *gorm.DB
	var err error
	isSQLite := false

	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("durable store connected (postgres)")
	default:
		isSQLite = true
		if dir := filepath.Dir(databaseURL); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("mkdir %s: %w", dir, err)
			}
		}
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// sqlite is single-writer; a pooled second connection only adds
		// SQLITE_BUSY contention (or, for an in-memory DSN, a second
		// independent database) with no throughput benefit. One connection
		// also makes the in-process mutex fallback in internal/dedup
		// actually equivalent to the postgres advisory lock.
		if sqlDB, sqlErr := db.DB(); sqlErr == nil {
			sqlDB.SetMaxOpenConns(1)
		}
		log.Warn().Str("path", databaseURL).Msg("durable store connected (sqlite) — cross-process trigger/exit atomicity falls back to an in-process mutex, see internal/dedup")
	}

	if err := db.AutoMigrate(
		&Trigger{}, &Position{}, &Order{}, &ExitEvent{}, &WatchlistEntry{}, &PositionsSyncLog{},
	); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	return &Database{db: db, IsSQLite: isSQLite}, nil
}

// DB exposes the underlying *gorm.DB for packages that need raw SQL
// (advisory locks, conditional updates) or transactions spanning multiple
// models. Keeping this narrow rather than re-wrapping every gorm method
// avoids a second, redundant CRUD surface on top of gorm's own.
func (d *Database) DB() *gorm.DB { return d.db }

// ── Orders ───────────────────────────────────────────────────────────────

func (d *Database) SaveOrder(o *Order) error { return d.db.Save(o).Error }

func (d *Database) GetOrder(orderID string) (*Order, error) {
	var o Order
	err := d.db.First(&o, "order_id = ?", orderID).Error
	return &o, err
}

func (d *Database) GetNonTerminalOrders() ([]Order, error) {
	var orders []Order
	err := d.db.Where("status NOT IN ?", []string{"FILLED", "CANCELLED", "FAILED"}).Find(&orders).Error
	return orders, err
}

func (d *Database) GetOrders(limit int) ([]Order, error) {
	var orders []Order
	q := d.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

// ── Positions ────────────────────────────────────────────────────────────

func (d *Database) SavePosition(p *Position) error { return d.db.Save(p).Error }

func (d *Database) GetPosition(id string) (*Position, error) {
	var p Position
	err := d.db.First(&p, "id = ?", id).Error
	return &p, err
}

func (d *Database) GetOpenPositionByToken(tokenID string) (*Position, error) {
	var p Position
	err := d.db.Where("token_id = ? AND status = ?", tokenID, "open").First(&p).Error
	return &p, err
}

func (d *Database) GetOpenPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("status = ?", "open").Find(&positions).Error
	return positions, err
}

func (d *Database) GetAllPositions(limit int) ([]Position, error) {
	var positions []Position
	q := d.db.Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&positions).Error
	return positions, err
}

func (d *Database) GetPendingExitPositions() ([]Position, error) {
	var positions []Position
	err := d.db.Where("exit_pending = ?", true).Find(&positions).Error
	return positions, err
}

// ── Triggers ─────────────────────────────────────────────────────────────

func (d *Database) GetTrigger(tokenID, conditionID string) (*Trigger, error) {
	var t Trigger
	err := d.db.First(&t, "token_id = ? AND condition_id = ?", tokenID, conditionID).Error
	return &t, err
}

func (d *Database) DeleteTrigger(tokenID, conditionID string) error {
	return d.db.Delete(&Trigger{}, "token_id = ? AND condition_id = ?", tokenID, conditionID).Error
}

func (d *Database) GetTriggers(limit int) ([]Trigger, error) {
	var triggers []Trigger
	q := d.db.Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&triggers).Error
	return triggers, err
}

// ── Exit events ──────────────────────────────────────────────────────────

func (d *Database) SaveExitEvent(e *ExitEvent) error { return d.db.Create(e).Error }

// ── Watchlist ────────────────────────────────────────────────────────────

func (d *Database) UpsertWatchlistEntry(e *WatchlistEntry) error {
	return d.db.Save(e).Error
}

func (d *Database) GetWatching() ([]WatchlistEntry, error) {
	var entries []WatchlistEntry
	err := d.db.Where("status = ?", "watching").Find(&entries).Error
	return entries, err
}

func (d *Database) GetWatchlist(limit int) ([]WatchlistEntry, error) {
	var entries []WatchlistEntry
	q := d.db.Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}

// ── Sync log ─────────────────────────────────────────────────────────────

func (d *Database) SaveSyncLog(l *PositionsSyncLog) error { return d.db.Save(l).Error }
