package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardguard/predictbot/internal/health"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (r *recordingNotifier) Send(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func TestSend_DedupGateBlocksWithinCooldown(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.Send(context.Background(), "Trade", "bought", "key-1", 10*time.Second, PriorityNormal)
	m.Send(context.Background(), "Trade", "bought again", "key-1", 10*time.Second, PriorityNormal)

	assert.Equal(t, 1, n.count())
}

func TestSend_DistinctKeysBothSend(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.Send(context.Background(), "Trade", "a", "key-1", 10*time.Second, PriorityNormal)
	m.Send(context.Background(), "Trade", "b", "key-2", 10*time.Second, PriorityNormal)

	assert.Equal(t, 2, n.count())
}

func TestSend_NoDedupKeyAlwaysSends(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.Send(context.Background(), "Trade", "a", "", 0, PriorityNormal)
	m.Send(context.Background(), "Trade", "b", "", 0, PriorityNormal)

	assert.Equal(t, 2, n.count())
}

func TestSend_NilNotifierIsNoop(t *testing.T) {
	m := New(nil, time.Minute)
	assert.NotPanics(t, func() {
		m.Send(context.Background(), "Trade", "a", "key-1", 0, PriorityNormal)
	})
}

func TestAlertTradeExecuted_DedupsByOrderID(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.AlertTradeExecuted(context.Background(), "order-1", "tok-1", "bought")
	m.AlertTradeExecuted(context.Background(), "order-1", "tok-1", "bought again")
	assert.Equal(t, 1, n.count())
}

func TestAlertHealthIssue_EscalatesToHighOnUnhealthy(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.AlertHealthIssue(context.Background(), health.ComponentHealth{
		Component: "database", Status: health.StatusUnhealthy, Message: "down",
	})
	require.Equal(t, 1, n.count())
	assert.Contains(t, n.messages[0], "🚨")
}

func TestAlertHealthIssue_NormalPriorityOnDegraded(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.AlertHealthIssue(context.Background(), health.ComponentHealth{
		Component: "websocket", Status: health.StatusDegraded, Message: "stale",
	})
	require.Equal(t, 1, n.count())
	assert.Contains(t, n.messages[0], "ℹ️")
}

func TestClearDedupCache_AllowsImmediateResend(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.Send(context.Background(), "Trade", "a", "key-1", time.Hour, PriorityNormal)
	m.ClearDedupCache()
	m.Send(context.Background(), "Trade", "b", "key-1", time.Hour, PriorityNormal)

	assert.Equal(t, 2, n.count())
}

func TestGetAlertStats(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)

	m.Send(context.Background(), "Trade", "a", "key-1", time.Hour, PriorityNormal)
	m.Send(context.Background(), "Trade", "b", "key-1", time.Hour, PriorityNormal)
	m.Send(context.Background(), "Trade", "c", "key-2", time.Hour, PriorityNormal)

	stats := m.GetAlertStats()
	assert.Equal(t, 2, stats.TrackedKeys)
	assert.Equal(t, 2, stats.TotalSends)
}

func TestAlertExecutionError_DedupsPerToken(t *testing.T) {
	n := &recordingNotifier{}
	m := New(n, time.Minute)
	ctx := context.Background()

	m.AlertExecutionError(ctx, "tok-1", "ambiguous submission")
	m.AlertExecutionError(ctx, "tok-1", "ambiguous submission again")
	m.AlertExecutionError(ctx, "tok-2", "different token")

	assert.Equal(t, 2, n.count())
}
