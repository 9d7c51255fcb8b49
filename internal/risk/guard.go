package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradingjii/internal/broker"
	"tradingjii/internal/logger"
	"tradingjii/internal/pkg/format"
	"tradingjii/internal/position"
)

// GuardConfig 守护阈值；均为部署配置。
type GuardConfig struct {
	CatastrophicROE   float64       // 未实现亏损（ROE）超过该值强平
	MaxPositionUSD    float64       // 单仓名义配额；0 表示不检查
	SizeAnomalyMult   float64       // 超过配额的倍数视为异常
	Cooldown          time.Duration // 强平后同 symbol 的重开冷却
	MaxRepairAttempts int
}

// SafetyGuard 每个执行周期后的兜底扫描：
// 灾难性亏损、规模异常、保护补挂失败的仓位一律强制平仓，
// 并对该 symbol 记冷却黑名单，防止立刻重开造成抖动。
type SafetyGuard struct {
	store  *position.Store
	broker broker.Broker
	syncc  *SyncCoordinator
	ops    OperationLog
	notify TextNotifier
	cfg    GuardConfig

	mu       sync.Mutex
	cooldown map[string]time.Time // symbol → 冷却截止
	flagged  map[string]string    // position id → 升级原因
}

// NewSafetyGuard 创建守护模块。
func NewSafetyGuard(store *position.Store, bk broker.Broker, syncc *SyncCoordinator, ops OperationLog, notify TextNotifier, cfg GuardConfig) *SafetyGuard {
	if cfg.SizeAnomalyMult <= 0 {
		cfg.SizeAnomalyMult = 1.5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &SafetyGuard{
		store:    store,
		broker:   bk,
		syncc:    syncc,
		ops:      ops,
		notify:   notify,
		cfg:      cfg,
		cooldown: map[string]time.Time{},
		flagged:  map[string]string{},
	}
}

// FlagUnprotected 协调器在有界补挂仍失败后升级到守护模块。
func (g *SafetyGuard) FlagUnprotected(positionID, reason string) {
	g.mu.Lock()
	g.flagged[positionID] = reason
	g.mu.Unlock()
	logger.Positionf(logger.LevelWarn, positionID, "guard_flag", "保护未确立，已升级守护: %s", reason)
}

// Blocked 返回 symbol 是否处于冷却期及剩余时长。
func (g *SafetyGuard) Blocked(symbol string) (time.Duration, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.cooldown[symbol]
	if !ok {
		return 0, false
	}
	remain := time.Until(until)
	if remain <= 0 {
		delete(g.cooldown, symbol)
		return 0, false
	}
	return remain, true
}

func (g *SafetyGuard) takeFlag(positionID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reason, ok := g.flagged[positionID]
	return reason, ok
}

func (g *SafetyGuard) clearFlag(positionID string) {
	g.mu.Lock()
	delete(g.flagged, positionID)
	g.mu.Unlock()
}

// Sweep 扫描所有开仓并强平违规者，返回强平数量。
// 单仓处理失败不阻断其余仓位。
func (g *SafetyGuard) Sweep(ctx context.Context) int {
	open := g.store.ListOpen()
	if len(open) == 0 {
		return 0
	}
	// 一次批量取价，个别缺价回落到记录内价格
	prices := map[string]float64{}
	if tickers, err := g.broker.FetchTickers(ctx); err == nil {
		for _, t := range tickers {
			prices[t.Symbol] = t.Price
		}
	} else {
		logger.Warnf("守护扫描批量取价失败，使用记录内价格: %v", err)
	}

	closed := 0
	for _, rec := range open {
		price := prices[rec.Symbol]
		if price <= 0 {
			price = rec.CurrentPrice
		}
		reason, bad := g.evaluate(rec, price)
		if !bad {
			continue
		}
		if err := g.forceClose(ctx, rec, price, reason); err != nil {
			logger.Positionf(logger.LevelError, rec.ID, "guard_close", "强平失败: %v", err)
			continue
		}
		closed++
	}
	return closed
}

// evaluate 判断单仓是否触发守护强平。
func (g *SafetyGuard) evaluate(rec *position.PositionRecord, price float64) (position.CloseReason, bool) {
	if g.cfg.CatastrophicROE > 0 && rec.ROEAt(price) <= -g.cfg.CatastrophicROE {
		return position.CloseGuardLoss, true
	}
	if g.cfg.MaxPositionUSD > 0 && rec.Notional(price) > g.cfg.MaxPositionUSD*g.cfg.SizeAnomalyMult {
		return position.CloseGuardSize, true
	}
	if _, ok := g.takeFlag(rec.ID); ok {
		return position.CloseGuardNoStop, true
	}
	if rec.Unprotected && rec.RepairAttempts >= g.cfg.MaxRepairAttempts && g.cfg.MaxRepairAttempts > 0 {
		return position.CloseGuardNoStop, true
	}
	return "", false
}

// forceClose 强制平仓：撤保护单 → 反向市价全平 → 本地登记平仓 → 冷却黑名单。
func (g *SafetyGuard) forceClose(ctx context.Context, rec *position.PositionRecord, price float64, reason position.CloseReason) error {
	release, err := g.syncc.AcquirePosition(ctx, rec.ID)
	if err != nil {
		return err
	}
	defer release()

	retry := defaultRetry()
	if err := retryTransient(ctx, retry, "guard撤保护单", func() error {
		return g.broker.CancelProtectiveStops(ctx, rec.Symbol)
	}); err != nil {
		logger.Positionf(logger.LevelWarn, rec.ID, "guard_close", "撤保护单失败（继续强平）: %v", err)
	}

	var order *broker.OrderResult
	if err := retryTransient(ctx, retry, "guard市价平仓", func() error {
		var perr error
		order, perr = g.broker.PlaceMarketOrder(ctx, rec.Symbol, rec.Side, rec.Size, true)
		return perr
	}); err != nil {
		return fmt.Errorf("守护强平下单失败: %w", err)
	}

	exit := price
	if order != nil {
		if fill, err := g.broker.FetchFill(ctx, rec.Symbol, order.OrderID); err == nil && fill.Filled && fill.AvgPrice > 0 {
			exit = fill.AvgPrice
		}
	}

	if _, err := g.store.Close(rec.ID, exit, reason); err != nil {
		return err
	}
	g.clearFlag(rec.ID)
	g.syncc.Forget(rec.ID)

	g.mu.Lock()
	g.cooldown[rec.Symbol] = time.Now().Add(g.cfg.Cooldown)
	g.mu.Unlock()

	logOp(ctx, g.ops, Operation{
		PositionID: rec.ID,
		Symbol:     rec.Symbol,
		Kind:       OpGuardClose,
		Details:    map[string]any{"reason": string(reason), "exit": exit, "cooldown_sec": g.cfg.Cooldown.Seconds()},
	})
	notifyText(g.notify, fmt.Sprintf("守护强平 ⚠️\n标的: %s (%s)\n原因: %s\n平仓价: %s\n预估盈亏: %s\n冷却: %s",
		rec.Symbol, rec.Side, reason, format.Float(exit, 6), format.USD(rec.PnLAt(exit)), format.Duration(g.cfg.Cooldown)))
	return nil
}
