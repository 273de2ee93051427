package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazardguard/predictbot/internal/positions"
	"github.com/hazardguard/predictbot/internal/storage"
)

type fakeRemote struct {
	rows       []RemotePosition
	partial    bool
	timestamps map[string]time.Time
}

func (f *fakeRemote) FetchPositions(ctx context.Context, wallet string) ([]RemotePosition, bool, error) {
	return f.rows, f.partial, nil
}

func (f *fakeRemote) FetchEarliestBuyTimestamps(ctx context.Context, wallet string) (map[string]time.Time, error) {
	return f.timestamps, nil
}

func newTestReconciler(t *testing.T, remote *fakeRemote) (*Reconciler, *storage.Database) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	tracker := positions.New(db)
	return New(Config{}, db, remote, tracker), db
}

func remotePos(tokenID string, size, avgPrice float64) RemotePosition {
	return RemotePosition{
		TokenID:     tokenID,
		ConditionID: "cond-" + tokenID,
		Size:        decimal.NewFromFloat(size),
		AvgPrice:    decimal.NewFromFloat(avgPrice),
		Outcome:     "Yes",
		Title:       "Some market",
	}
}

func openLocal(t *testing.T, db *storage.Database, tokenID string, size float64) *storage.Position {
	t.Helper()
	now := time.Now().UTC()
	pos := &storage.Position{
		ID: "pos-" + tokenID, TokenID: tokenID, ConditionID: "cond-" + tokenID,
		Size: decimal.NewFromFloat(size), EntryPrice: decimal.NewFromFloat(0.9),
		EntryCost: decimal.NewFromFloat(size * 0.9), Status: "open",
		AgeSource: "actual", HoldStartAt: now, EntryTimestamp: now,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.SavePosition(pos))
	return pos
}

func TestSync_ImportsUnknownRemotePosition(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 40, 0.88)}}
	r, db := newTestReconciler(t, remote)

	res, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyNew)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PositionsImported)

	imported, err := db.GetOpenPositionByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "unknown", imported.AgeSource, "imported positions default to untrusted age")
	assert.Equal(t, "reconcile", imported.ImportSource)
	assert.True(t, imported.Size.Equal(decimal.NewFromInt(40)))
}

func TestSync_ActualPolicyUsesTradeTimestamp(t *testing.T) {
	earliest := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	remote := &fakeRemote{
		rows:       []RemotePosition{remotePos("tok-1", 40, 0.88)},
		timestamps: map[string]time.Time{"tok-1": earliest},
	}
	r, db := newTestReconciler(t, remote)

	_, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyActual)
	require.NoError(t, err)

	imported, err := db.GetOpenPositionByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "actual", imported.AgeSource)
	assert.WithinDuration(t, earliest, imported.HoldStartAt, time.Second)
}

func TestSync_ActualPolicyFallsBackToUnknownWithoutTimestamp(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 40, 0.88)}}
	r, db := newTestReconciler(t, remote)

	_, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyActual)
	require.NoError(t, err)

	imported, err := db.GetOpenPositionByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "unknown", imported.AgeSource)
}

func TestSync_SizeDriftUpdatesAndFlagsCostBasis(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 25, 0.9)}}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-1", 40)

	res, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyNew)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PositionsUpdated)
	assert.Equal(t, 0, res.PositionsImported)

	updated, err := db.GetOpenPositionByToken("tok-1")
	require.NoError(t, err)
	assert.True(t, updated.Size.Equal(decimal.NewFromInt(25)))
	assert.True(t, updated.CostBasisUnknown)
}

func TestSync_ClosesLocallyOpenMissingRemotely(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 40, 0.9)}}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-1", 40)
	openLocal(t, db, "tok-2", 10)

	res, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyNew)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PositionsClosed)
	assert.False(t, res.SkippedClose)

	closed, err := db.GetPosition("pos-tok-2")
	require.NoError(t, err)
	assert.Equal(t, "closed", closed.Status)
	assert.Equal(t, "external_close", closed.Resolution)
}

// The two mass-close guards: a partial response and an empty response with
// local positions still open must never close anything.
func TestSync_PartialResponseSkipsClosePass(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 40, 0.9)}, partial: true}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-2", 10)

	res, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyNew)
	require.NoError(t, err)
	assert.True(t, res.SkippedClose)
	assert.Equal(t, 0, res.PositionsClosed)

	still, err := db.GetPosition("pos-tok-2")
	require.NoError(t, err)
	assert.Equal(t, "open", still.Status)
}

func TestSync_EmptyRemoteWithLocalOpenSkipsClosePass(t *testing.T) {
	remote := &fakeRemote{}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-1", 40)
	openLocal(t, db, "tok-2", 10)

	res, err := r.Sync(context.Background(), "0xwallet", false, HoldPolicyNew)
	require.NoError(t, err)
	assert.True(t, res.SkippedClose)
	assert.Equal(t, 0, res.PositionsClosed)
}

func TestSync_DryRunWritesNothing(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 40, 0.88)}}
	r, db := newTestReconciler(t, remote)

	res, err := r.Sync(context.Background(), "0xwallet", true, HoldPolicyNew)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PositionsImported, "dry run still reports what it would do")

	_, err = db.GetOpenPositionByToken("tok-1")
	assert.Error(t, err, "dry run must not persist imports")
}

func TestQuickSyncSizes_AbortsOnPartialResponse(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 25, 0.9)}, partial: true}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-1", 40)

	_, _, err := r.QuickSyncSizes(context.Background(), "0xwallet")
	require.Error(t, err)

	unchanged, err := db.GetOpenPositionByToken("tok-1")
	require.NoError(t, err)
	assert.True(t, unchanged.Size.Equal(decimal.NewFromInt(40)))
}

func TestQuickSyncSizes_UpdatesDriftAndClosesMissing(t *testing.T) {
	remote := &fakeRemote{rows: []RemotePosition{remotePos("tok-1", 25, 0.9)}}
	r, db := newTestReconciler(t, remote)
	openLocal(t, db, "tok-1", 40)
	openLocal(t, db, "tok-2", 10)

	updated, closed, err := r.QuickSyncSizes(context.Background(), "0xwallet")
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, closed)
}
