package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingjii/internal/broker"
	"tradingjii/internal/position"
)

func newReconcileStack(t *testing.T) (*fakeBroker, *position.Store, *Reconciler) {
	t.Helper()
	bk, store, _, coord := newTestStack(t)
	rec := NewReconciler(store, bk, coord, coord.syncc, nil)
	return bk, store, rec
}

func TestSweepImportsRemoteOnly(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	bk.positions["ETHUSDT"] = broker.Position{
		Symbol: "ETHUSDT", Side: position.SideLong, Size: 5, EntryPrice: 200, MarkPrice: 200, Leverage: 5,
	}
	bk.setPrice("ETHUSDT", 200)

	stats, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, 1, stats.Repaired, "无保护的导入仓位应立即补挂默认止损")

	rec, ok := store.OpenBySymbol("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, position.OriginImported, rec.Origin)
	assert.InDelta(t, 190.0, rec.StopLossPrice, 0.01)
	assert.False(t, rec.Unprotected)
}

func TestSweepImportKeepsExistingRemoteStop(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	bk.positions["ETHUSDT"] = broker.Position{
		Symbol: "ETHUSDT", Side: position.SideLong, Size: 5, EntryPrice: 200, MarkPrice: 200, Leverage: 5,
	}
	bk.stops["ETHUSDT"] = 193

	stats, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Imported)
	assert.Equal(t, 0, stats.Repaired, "交易所已有保护单时不应重挂")

	rec, ok := store.OpenBySymbol("ETHUSDT")
	require.True(t, ok)
	assert.InDelta(t, 193.0, rec.StopLossPrice, 1e-9)
}

func TestSweepClosesGhostWithBrokerPnL(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)
	bk.realized["BTCUSDT"] = -12.5 // 交易所权威口径

	stats, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ClosedExternal)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.False(t, rec.IsOpen())
	assert.Equal(t, position.CloseExternal, rec.CloseReason)
	assert.InDelta(t, -12.5, rec.RealizedPnL, 1e-9)
	assert.Equal(t, 0, store.OpenCount())
}

func TestSweepIdempotent(t *testing.T) {
	bk, _, rc := newReconcileStack(t)
	ctx := context.Background()

	bk.positions["ETHUSDT"] = broker.Position{
		Symbol: "ETHUSDT", Side: position.SideLong, Size: 5, EntryPrice: 200, MarkPrice: 200, Leverage: 5,
	}
	bk.setPrice("ETHUSDT", 200)

	first, err := rc.Sweep(ctx)
	require.NoError(t, err)
	require.Positive(t, first.Mutations())

	// 交易所无变化：第二轮必须零变更
	second, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Mutations())
	assert.Equal(t, 0, second.Repaired)
}

func TestSweepAbortsOnFetchFailure(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)
	before, _ := store.Get(id)

	bk.failPositions = errors.New("upstream 503")
	stats, err := rc.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, stats.Mutations(), "取数失败必须整轮零变更")

	after, ok := store.Get(id)
	require.True(t, ok)
	assert.Equal(t, before.UpdateCount, after.UpdateCount)
	assert.True(t, after.IsOpen())
}

func TestSweepAbortsOnStopFetchFailure(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)
	// 远端标记价已变化，若整轮继续必然触发 refresh
	bk.positions["BTCUSDT"] = broker.Position{
		Symbol: "BTCUSDT", Side: position.SideLong, Size: 10, EntryPrice: 100, MarkPrice: 120, Leverage: 5,
	}
	bk.failStopFetch = errors.New("timeout")

	stats, err := rc.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, stats.Mutations())

	rec, _ := store.Get(id)
	assert.InDelta(t, 100.0, rec.CurrentPrice, 1e-9, "部分取数失败不得应用任何刷新")
}

func TestSweepRefreshesMatchedPosition(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)
	bk.positions["BTCUSDT"] = broker.Position{
		Symbol: "BTCUSDT", Side: position.SideLong, Size: 10, EntryPrice: 100, MarkPrice: 108, Leverage: 5,
	}
	bk.stops["BTCUSDT"] = 95

	stats, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Refreshed)

	rec, _ := store.Get(id)
	assert.InDelta(t, 108.0, rec.CurrentPrice, 1e-9)
	assert.InDelta(t, 80.0, rec.UnrealizedPnL, 1e-9) // (108−100)×10，本地口径

	// 价格无变化的下一轮零变更
	stats, err = rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Mutations())
}

func TestSweepRepairsMissingStop(t *testing.T) {
	bk, store, rc := newReconcileStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)
	// 本地认为有止损，但交易所侧保护单已消失
	bk.positions["BTCUSDT"] = broker.Position{
		Symbol: "BTCUSDT", Side: position.SideLong, Size: 10, EntryPrice: 100, MarkPrice: 100, Leverage: 5,
	}

	stats, err := rc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Repaired)
	assert.InDelta(t, 95.0, bk.stopFor("BTCUSDT"), 0.01, "保护单应重新挂回交易所")

	rec, _ := store.Get(id)
	assert.False(t, rec.Unprotected)
}
