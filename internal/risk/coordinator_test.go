package risk

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradingjii/internal/position"
)

func newTestStack(t *testing.T) (*fakeBroker, *position.Store, *SafetyGuard, *Coordinator) {
	t.Helper()
	bk := newFakeBroker()
	store := position.NewStore(nil, 50)
	syncc := NewSyncCoordinator(2 * time.Second)
	guard := NewSafetyGuard(store, bk, syncc, nil, nil, GuardConfig{
		CatastrophicROE:   0.5,
		SizeAnomalyMult:   1.5,
		Cooldown:          time.Minute,
		MaxRepairAttempts: 2,
	})
	coord := NewCoordinator(bk, store, syncc, guard, nil, nil, CoordinatorConfig{
		StopLossPct:       0.05,
		Leverage:          5,
		MarginMode:        "ISOLATED",
		MaxRepairAttempts: 2,
		FillPollTimeout:   200 * time.Millisecond,
		FillPollInterval:  time.Millisecond,
		VerifySettle:      time.Millisecond,
		StopTolerancePct:  0.005,
	})
	return bk, store, guard, coord
}

func TestOpenAndProtectSetsVerifiedStop(t *testing.T) {
	bk, store, _, coord := newTestStack(t)
	bk.setPrice("BTCUSDT", 100)

	rec, err := coord.OpenAndProtect(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: position.SideLong, SizeUSD: 1000, Confidence: 80,
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	// 开仓成功的仓位必然带已复核的止损
	assert.InDelta(t, 95.0, rec.StopLossPrice, 0.01)
	assert.False(t, rec.Unprotected)
	assert.Equal(t, position.OriginStrategy, rec.Origin)
	assert.InDelta(t, 10.0, rec.Size, 1e-9)
	assert.InDelta(t, rec.StopLossPrice, bk.stopFor("BTCUSDT"), 1e-9)

	got, ok := store.OpenBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, rec.ID, got.ID)
}

func TestOpenAndProtectRejectsDuplicateSymbol(t *testing.T) {
	bk, _, _, coord := newTestStack(t)
	bk.setPrice("BTCUSDT", 100)

	_, err := coord.OpenAndProtect(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: position.SideLong, SizeUSD: 1000,
	})
	require.NoError(t, err)

	_, err = coord.OpenAndProtect(context.Background(), OpenRequest{
		Symbol: "btcusdt", Side: position.SideShort, SizeUSD: 500,
	})
	assert.ErrorIs(t, err, position.ErrDuplicatePosition)
}

func TestOpenAndProtectVerificationFailureEscalates(t *testing.T) {
	bk, store, guard, coord := newTestStack(t)
	bk.setPrice("BTCUSDT", 100)
	bk.dropStops = true // 挂单"成功"但复核永远查不到

	rec, err := coord.OpenAndProtect(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: position.SideLong, SizeUSD: 1000,
	})
	require.Error(t, err)
	assert.True(t, IsVerification(err), "耗尽复核后应返回 VerificationError: %v", err)

	// 入场已成交：仓位必须登记为无保护，而不是消失
	require.NotNil(t, rec)
	assert.True(t, rec.Unprotected)
	_, flagged := guard.takeFlag(rec.ID)
	assert.True(t, flagged, "无保护仓位应升级到守护模块")

	got, ok := store.OpenBySymbol("BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.Unprotected)
}

func TestOpenAndProtectBlockedByCooldown(t *testing.T) {
	bk, _, guard, coord := newTestStack(t)
	bk.setPrice("BTCUSDT", 100)
	guard.mu.Lock()
	guard.cooldown["BTCUSDT"] = time.Now().Add(time.Minute)
	guard.mu.Unlock()

	_, err := coord.OpenAndProtect(context.Background(), OpenRequest{
		Symbol: "BTCUSDT", Side: position.SideLong, SizeUSD: 1000,
	})
	assert.ErrorIs(t, err, ErrSymbolCoolingDown)
	assert.Equal(t, 0, bk.marketCalls, "冷却期内不应触网下单")
}

func TestRepairStopLossRestoresProtection(t *testing.T) {
	bk, store, _, coord := newTestStack(t)
	bk.setPrice("ETHUSDT", 200)

	id, err := store.Create(position.CreateSpec{
		Symbol: "ETHUSDT", Side: position.SideLong, EntryPrice: 200, Size: 5, Leverage: 5,
	})
	require.NoError(t, err)
	require.NoError(t, store.Update(id, func(r *position.PositionRecord) error {
		r.Unprotected = true
		r.RepairAttempts = 1
		return nil
	}))

	verified, err := coord.RepairStopLoss(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 190.0, verified, 0.01) // entry × (1−5%)

	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.False(t, rec.Unprotected)
	assert.Equal(t, 0, rec.RepairAttempts)
	assert.InDelta(t, verified, rec.StopLossPrice, 1e-9)
}

func TestRepairStopLossNeverRegressesTarget(t *testing.T) {
	bk, store, _, coord := newTestStack(t)
	bk.setPrice("ETHUSDT", 200)

	// 已有止损比默认更保护：补挂不得回退
	id, err := store.Create(position.CreateSpec{
		Symbol: "ETHUSDT", Side: position.SideLong, EntryPrice: 200, Size: 5, Leverage: 5,
		StopLossPrice: 196,
	})
	require.NoError(t, err)

	verified, err := coord.RepairStopLoss(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 196.0, verified, 0.01)
}

func TestRepairStopLossExhaustionFlagsGuard(t *testing.T) {
	bk, store, guard, coord := newTestStack(t)
	bk.setPrice("ETHUSDT", 200)
	bk.dropStops = true

	id, err := store.Create(position.CreateSpec{
		Symbol: "ETHUSDT", Side: position.SideLong, EntryPrice: 200, Size: 5, Leverage: 5,
	})
	require.NoError(t, err)

	// 连续补挂失败累计到上限后升级守护
	for i := 0; i < 2; i++ {
		_, err = coord.RepairStopLoss(context.Background(), id)
		require.Error(t, err)
	}
	rec, ok := store.Get(id)
	require.True(t, ok)
	assert.True(t, rec.Unprotected)
	assert.Equal(t, 2, rec.RepairAttempts)
	_, flagged := guard.takeFlag(id)
	assert.True(t, flagged)
}

type failingOpsLog struct{ err error }

func (f *failingOpsLog) Append(context.Context, Operation) error { return f.err }

type failingNotifier struct{ err error }

func (f *failingNotifier) SendText(string) error { return f.err }

// 流水与通知都是旁路：写入失败不得影响主流程，但必须留下日志痕迹。
func TestSideChannelFailuresAreLogged(t *testing.T) {
	bk := newFakeBroker()
	store := position.NewStore(nil, 50)
	syncc := NewSyncCoordinator(2 * time.Second)
	coord := NewCoordinator(bk, store, syncc, nil, &failingOpsLog{err: errors.New("流水库不可用")}, nil, CoordinatorConfig{
		StopLossPct:       0.05,
		Leverage:          5,
		MarginMode:        "ISOLATED",
		MaxRepairAttempts: 2,
		FillPollTimeout:   200 * time.Millisecond,
		FillPollInterval:  time.Millisecond,
		VerifySettle:      time.Millisecond,
		StopTolerancePct:  0.005,
	})

	bk.setPrice("BTCUSDT", 100)
	id, err := store.Create(position.CreateSpec{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 100, Size: 10, Leverage: 5,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	verified, err := coord.RepairStopLoss(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 95.0, verified, 0.01)
	assert.Contains(t, buf.String(), "流水库不可用", "流水写入失败应降级为日志而非静默")

	buf.Reset()
	notifyText(&failingNotifier{err: errors.New("推送通道被限流")}, "测试消息")
	assert.Contains(t, buf.String(), "推送通道被限流")
}

func TestRoundProtective(t *testing.T) {
	// 多头向下取整，空头向上取整，始终偏向更保护
	assert.InDelta(t, 95.12, roundProtective(position.SideLong, 95.1234, 0.01), 1e-9)
	assert.InDelta(t, 95.13, roundProtective(position.SideShort, 95.1234, 0.01), 1e-9)
	// 恰在 tick 上不动
	assert.InDelta(t, 95.12, roundProtective(position.SideLong, 95.12, 0.01), 1e-9)
	assert.InDelta(t, 95.12, roundProtective(position.SideShort, 95.12, 0.01), 1e-9)
	// 无 tick 信息原样返回
	assert.InDelta(t, 95.1234, roundProtective(position.SideLong, 95.1234, 0), 1e-9)
}
