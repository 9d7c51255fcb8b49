package position

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoreProtective(t *testing.T) {
	// 多头越高越保护
	assert.True(t, MoreProtective(SideLong, 96, 95))
	assert.False(t, MoreProtective(SideLong, 95, 95))
	assert.False(t, MoreProtective(SideLong, 94, 95))
	// 空头越低越保护
	assert.True(t, MoreProtective(SideShort, 204, 205))
	assert.False(t, MoreProtective(SideShort, 206, 205))
	// 无保护 → 任意正数都是改进；非正新值永远不是
	assert.True(t, MoreProtective(SideLong, 1, 0))
	assert.False(t, MoreProtective(SideLong, 0, 95))
	assert.False(t, MoreProtective(SideShort, -1, 0))
}

func TestProtectiveStop(t *testing.T) {
	assert.InDelta(t, 95.0, ProtectiveStop(SideLong, 100, 0.05), 1e-9)
	assert.InDelta(t, 210.0, ProtectiveStop(SideShort, 200, 0.05), 1e-9)
	assert.Zero(t, ProtectiveStop(SideLong, 0, 0.05))
	assert.Zero(t, ProtectiveStop(SideLong, 100, 0))
}

func TestPnLAndROE(t *testing.T) {
	long := &PositionRecord{Side: SideLong, EntryPrice: 100, Size: 10, Leverage: 5}
	assert.InDelta(t, 50.0, long.PnLAt(105), 1e-9)
	assert.InDelta(t, -50.0, long.PnLAt(95), 1e-9)
	assert.InDelta(t, 0.25, long.ROEAt(105), 1e-9) // +5% × 5x

	short := &PositionRecord{Side: SideShort, EntryPrice: 200, Size: 5, Leverage: 4}
	assert.InDelta(t, 50.0, short.PnLAt(190), 1e-9)
	assert.InDelta(t, 0.2, short.ROEAt(190), 1e-9) // +5% × 4x
	assert.InDelta(t, -0.2, short.ROEAt(210), 1e-9)
}

func TestFavorableMovePct(t *testing.T) {
	long := &PositionRecord{Side: SideLong, EntryPrice: 100}
	assert.InDelta(t, 0.01, long.FavorableMovePct(101), 1e-9)
	assert.InDelta(t, -0.02, long.FavorableMovePct(98), 1e-9)

	short := &PositionRecord{Side: SideShort, EntryPrice: 100}
	assert.InDelta(t, 0.03, short.FavorableMovePct(97), 1e-9)
	assert.InDelta(t, -0.01, short.FavorableMovePct(101), 1e-9)
}

func TestCloneIsDeepEnough(t *testing.T) {
	rec := &PositionRecord{ID: "a", Symbol: "BTCUSDT", StopLossPrice: 95}
	cp := rec.Clone()
	cp.StopLossPrice = 90
	assert.InDelta(t, 95.0, rec.StopLossPrice, 1e-9)
}

func TestNormalizeSide(t *testing.T) {
	assert.Equal(t, SideLong, NormalizeSide(" LONG "))
	assert.Equal(t, SideLong, NormalizeSide("buy"))
	assert.Equal(t, SideShort, NormalizeSide("Sell"))
	assert.Equal(t, Side(""), NormalizeSide("hold"))
}
