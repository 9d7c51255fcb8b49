package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingjii/internal/position"
)

func newTrailingStack(t *testing.T) (*fakeBroker, *position.Store, *TrailingEngine) {
	t.Helper()
	bk, store, _, coord := newTestStack(t)
	engine := NewTrailingEngine(store, bk, coord, coord.syncc, TrailingConfig{
		ActivationPct: 0.01,
		TrailPct:      0.08,
		TriggerPct:    0.10,
	})
	return bk, store, engine
}

// 多头 entry=100 止损 95，激活 1%，trail 8% / trigger 10% 的完整走位。
func TestTrailingScenarioLong(t *testing.T) {
	bk, store, engine := newTrailingStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)

	// +0.5%：未达激活阈值
	bk.setPrice("BTCUSDT", 100.5)
	stats := engine.Tick(ctx)
	assert.Equal(t, 0, stats.Activated)
	rec, _ := store.Get(id)
	assert.False(t, rec.Trailing.Enabled)

	// +1%：激活，但止损不动
	bk.setPrice("BTCUSDT", 101)
	stats = engine.Tick(ctx)
	assert.Equal(t, 1, stats.Activated)
	rec, _ = store.Get(id)
	assert.True(t, rec.Trailing.Enabled)
	assert.InDelta(t, 95.0, rec.StopLossPrice, 1e-9)

	// 110：trigger=99 比已存 95 差 → 推进到 optimal=101.2
	bk.setPrice("BTCUSDT", 110)
	stats = engine.Tick(ctx)
	assert.Equal(t, 1, stats.Moved)
	rec, _ = store.Get(id)
	assert.InDelta(t, 101.2, rec.StopLossPrice, 0.01)
	assert.InDelta(t, rec.StopLossPrice, bk.stopFor("BTCUSDT"), 1e-9)

	// 回落到 107：已存 101.2 优于 trigger=96.3，滞回区内零动作
	setsBefore := bk.stopSets
	bk.setPrice("BTCUSDT", 107)
	stats = engine.Tick(ctx)
	assert.Equal(t, 0, stats.Moved)
	assert.Equal(t, setsBefore, bk.stopSets, "滞回区内不应触网")
	rec, _ = store.Get(id)
	assert.InDelta(t, 101.2, rec.StopLossPrice, 0.01)

	// 深度回落也绝不放松止损
	bk.setPrice("BTCUSDT", 95)
	engine.Tick(ctx)
	rec, _ = store.Get(id)
	assert.InDelta(t, 101.2, rec.StopLossPrice, 0.01)
}

func TestTrailingMonotoneOverTicks(t *testing.T) {
	bk, store, engine := newTrailingStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)

	prev := 95.0
	for _, price := range []float64{101, 108, 104, 115, 103, 122, 121, 99, 130} {
		bk.setPrice("BTCUSDT", price)
		engine.Tick(ctx)
		rec, ok := store.Get(id)
		require.True(t, ok)
		assert.GreaterOrEqual(t, rec.StopLossPrice, prev,
			"价格 %.2f 后止损回退: %.4f < %.4f", price, rec.StopLossPrice, prev)
		prev = rec.StopLossPrice
	}
}

func TestTrailingShortMovesDown(t *testing.T) {
	bk, store, engine := newTrailingStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "ETHUSDT", Side: position.SideShort, EntryPrice: 200, Size: 5, Leverage: 5,
		StopLossPrice: 210,
	})
	require.NoError(t, err)

	// 空头有利方向是下跌
	bk.setPrice("ETHUSDT", 197) // -1.5% → 激活
	engine.Tick(ctx)
	rec, _ := store.Get(id)
	require.True(t, rec.Trailing.Enabled)

	bk.setPrice("ETHUSDT", 170) // trigger=187 比 210 更优 → 推进到 optimal=183.6
	stats := engine.Tick(ctx)
	assert.Equal(t, 1, stats.Moved)
	rec, _ = store.Get(id)
	assert.InDelta(t, 183.6, rec.StopLossPrice, 0.01)

	// 反弹不得上移
	bk.setPrice("ETHUSDT", 182)
	engine.Tick(ctx)
	rec, _ = store.Get(id)
	assert.InDelta(t, 183.6, rec.StopLossPrice, 0.01)
}

func TestTrailingSkipsSymbolWithoutPrice(t *testing.T) {
	_, store, engine := newTrailingStack(t)
	ctx := context.Background()

	_, err := store.Create(position.CreateSpec{
		Symbol: "NOPRICE", Side: position.SideLong, EntryPrice: 100, Size: 1, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)

	// 批量与单查都拿不到价：本轮跳过并计入错误，不 panic 不误动
	stats := engine.Tick(ctx)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 0, stats.Moved)
}

func TestTrailingActivationUsesClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := nowFn
	nowFn = func() time.Time { return fixed }
	defer func() { nowFn = orig }()

	bk, store, engine := newTrailingStack(t)
	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)

	bk.setPrice("BTCUSDT", 102)
	engine.Tick(context.Background())
	rec, ok := store.Get(id)
	require.True(t, ok)
	require.True(t, rec.Trailing.Enabled)
	assert.True(t, rec.Trailing.ActivatedAt.Equal(fixed), "激活时间应来自注入的时间源")
}

func TestTrailingTracksFavorablePeak(t *testing.T) {
	bk, store, engine := newTrailingStack(t)
	ctx := context.Background()

	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
		StopLossPrice: 95,
	})
	require.NoError(t, err)

	bk.setPrice("BTCUSDT", 102)
	engine.Tick(ctx) // 激活，峰值=102
	bk.setPrice("BTCUSDT", 106)
	engine.Tick(ctx)
	rec, _ := store.Get(id)
	assert.InDelta(t, 106.0, rec.Trailing.MaxFavorablePrice, 1e-9)

	bk.setPrice("BTCUSDT", 104)
	engine.Tick(ctx) // 回落不刷新峰值
	rec, _ = store.Get(id)
	assert.InDelta(t, 106.0, rec.Trailing.MaxFavorablePrice, 1e-9)
}
