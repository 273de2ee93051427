// Package alerting sends deduplicated Telegram notifications for health
// issues, low balance and trade execution: a dedup-by-key-and-cooldown gate
// in front of a small set of alert_* methods, each with its own dedup key
// and cooldown, formatting messages with a priority prefix.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/hazardguard/predictbot/internal/health"
)

const defaultCooldown = 5 * time.Minute

// Priority is an alert's urgency level.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notifier is the transport dependency: anything that can deliver a
// formatted alert message. Telegram is the only concrete implementation,
// but the interface keeps the dedup/cooldown logic testable without it.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// TelegramNotifier sends alerts to a single chat via go-telegram-bot-api.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier builds a TelegramNotifier. A missing token is not an
// error here — callers that run in dry-run/alert-less mode may pass an
// empty token and get a nil *TelegramNotifier back, which Manager treats as
// "no transport configured" rather than panicking.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier: %w", err)
	}
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

// Send delivers text to the configured chat.
func (t *TelegramNotifier) Send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	_, err := t.api.Send(msg)
	return err
}

type record struct {
	lastSent time.Time
	count    int
}

// Manager is the Alert Manager: every alert_* call routes through
// send (the internal dedup gate) before reaching the Notifier.
type Manager struct {
	notifier Notifier
	cooldown time.Duration

	mu      sync.Mutex
	records map[string]*record
}

// New builds a Manager. A nil notifier is valid — every alert call becomes
// a no-op logged at debug level, which is how a dry-run deployment without
// Telegram credentials configured is expected to behave.
func New(notifier Notifier, cooldown time.Duration) *Manager {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Manager{notifier: notifier, cooldown: cooldown, records: make(map[string]*record)}
}

func (m *Manager) shouldSend(key string, cooldown time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	now := time.Now().UTC()
	if !ok {
		m.records[key] = &record{lastSent: now, count: 1}
		return true
	}
	if now.Sub(rec.lastSent) >= cooldown {
		rec.lastSent = now
		rec.count++
		return true
	}
	return false
}

// Send is the general-purpose entry point: title/message are formatted
// with a priority prefix and sent only if dedupKey (when non-empty) is not
// within its cooldown window.
func (m *Manager) Send(ctx context.Context, title, message, dedupKey string, cooldown time.Duration, priority Priority) {
	if dedupKey != "" {
		if cooldown <= 0 {
			cooldown = m.cooldown
		}
		if !m.shouldSend(dedupKey, cooldown) {
			return
		}
	}

	text := formatMessage(title, message, priority)
	if m.notifier == nil {
		log.Debug().Str("title", title).Msg("alert suppressed: no notifier configured")
		return
	}
	if err := m.notifier.Send(ctx, text); err != nil {
		log.Error().Err(err).Str("title", title).Msg("failed to send alert")
	}
}

func formatMessage(title, message string, priority Priority) string {
	prefix := "ℹ️"
	if priority == PriorityHigh {
		prefix = "🚨"
	}
	return fmt.Sprintf("%s *%s*\n%s", prefix, title, message)
}

// AlertTradeExecuted: dedup key trade_<orderID|tokenID>, 60s cooldown.
func (m *Manager) AlertTradeExecuted(ctx context.Context, orderID, tokenID, summary string) {
	key := orderID
	if key == "" {
		key = tokenID
	}
	m.Send(ctx, "Trade Executed", summary, "trade_"+key, 60*time.Second, PriorityNormal)
}

// AlertHealthIssue: dedup key health_<component>_<status>, 300s cooldown,
// escalated to high priority when status is unhealthy.
func (m *Manager) AlertHealthIssue(ctx context.Context, comp health.ComponentHealth) {
	priority := PriorityNormal
	if comp.Status == health.StatusUnhealthy {
		priority = PriorityHigh
	}
	key := fmt.Sprintf("health_%s_%s", comp.Component, comp.Status)
	m.Send(ctx, "Health Issue", fmt.Sprintf("%s: %s (%s)", comp.Component, comp.Message, comp.Status), key, 300*time.Second, priority)
}

// AlertExecutionError: dedup key exec_error_<tokenID>, 300s cooldown, high
// priority — an ambiguous submission failure leaves a trigger held while an
// order may be live on the exchange, which needs a human to untangle.
func (m *Manager) AlertExecutionError(ctx context.Context, tokenID, summary string) {
	m.Send(ctx, "Execution Error", summary, "exec_error_"+tokenID, 300*time.Second, PriorityHigh)
}

// AlertLowBalance: dedup key "low_balance", 1h cooldown.
func (m *Manager) AlertLowBalance(ctx context.Context, available, minReserve string) {
	msg := fmt.Sprintf("Available balance %s is below the reserve floor %s", available, minReserve)
	m.Send(ctx, "Low Balance", msg, "low_balance", time.Hour, PriorityHigh)
}

// AlertPositionOpened: dedup key position_<id>, 60s cooldown.
func (m *Manager) AlertPositionOpened(ctx context.Context, positionID, summary string) {
	m.Send(ctx, "Position Opened", summary, "position_"+positionID, 60*time.Second, PriorityNormal)
}

// AlertPositionClosed: dedup key close_<id>, 60s cooldown.
func (m *Manager) AlertPositionClosed(ctx context.Context, positionID, summary string) {
	m.Send(ctx, "Position Closed", summary, "close_"+positionID, 60*time.Second, PriorityNormal)
}

// ClearDedupCache drops every recorded dedup key — a manual-reset escape
// hatch for operators who need a suppressed alert to fire again now.
func (m *Manager) ClearDedupCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*record)
}

// Stats summarizes the dedup gate: how many distinct keys are tracked and
// how many sends they have recorded in total.
type Stats struct {
	TrackedKeys int
	TotalSends  int
}

// GetAlertStats returns the current dedup cache's size and cumulative send
// count.
func (m *Manager) GetAlertStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{TrackedKeys: len(m.records)}
	for _, r := range m.records {
		stats.TotalSends += r.count
	}
	return stats
}
