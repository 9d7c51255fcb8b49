package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tradingjii/internal/broker"
	"tradingjii/internal/logger"
	"tradingjii/internal/pkg/format"
	"tradingjii/internal/pkg/text"
	"tradingjii/internal/position"
)

// CoordinatorConfig 开仓+保护协议参数。
type CoordinatorConfig struct {
	StopLossPct       float64 // 固定风险比例
	Leverage          int
	MarginMode        string
	MaxRepairAttempts int           // 止损挂单+复核的尝试上限
	FillPollTimeout   time.Duration // 入场单成交轮询上限
	FillPollInterval  time.Duration
	VerifySettle      time.Duration // 挂止损后复核前的等待
	StopTolerancePct  float64       // 复核容差（相对目标价）
}

// OpenRequest 执行路径传入的开仓请求；SizeUSD 为名义价值。
type OpenRequest struct {
	Symbol     string
	Side       position.Side
	SizeUSD    float64
	EntryHint  float64
	Confidence int
}

// Coordinator 对交易所执行"开仓+保护"与"止损补挂"协议。
// 每一步失败都带类型中止，绝不静默继续；重试有界且带抖动。
type Coordinator struct {
	broker broker.Broker
	store  *position.Store
	syncc  *SyncCoordinator
	guard  *SafetyGuard
	ops    OperationLog
	notify TextNotifier
	cfg    CoordinatorConfig
	retry  retryConfig
}

// NewCoordinator 创建协调器；guard/ops/notify 允许为 nil。
func NewCoordinator(bk broker.Broker, store *position.Store, syncc *SyncCoordinator, guard *SafetyGuard, ops OperationLog, notify TextNotifier, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxRepairAttempts <= 0 {
		cfg.MaxRepairAttempts = 3
	}
	if cfg.FillPollTimeout <= 0 {
		cfg.FillPollTimeout = 20 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 500 * time.Millisecond
	}
	if cfg.VerifySettle <= 0 {
		cfg.VerifySettle = 1500 * time.Millisecond
	}
	if cfg.StopTolerancePct <= 0 {
		cfg.StopTolerancePct = 0.005
	}
	return &Coordinator{broker: bk, store: store, syncc: syncc, guard: guard, ops: ops, notify: notify, cfg: cfg, retry: defaultRetry()}
}

// roundProtective 按 tick 取整，方向严格偏向更保护：
// 多头止损向下取整，空头止损向上取整。
func roundProtective(side position.Side, price, tick float64) float64 {
	if tick <= 0 || price <= 0 {
		return price
	}
	ticks := price / tick
	if side == position.SideShort {
		return math.Ceil(ticks-1e-9) * tick
	}
	return math.Floor(ticks+1e-9) * tick
}

// OpenAndProtect 执行完整开仓协议（spec 中的六步），仅在保护复核通过后登记仓位。
// 入场成交之后的任何失败都会登记并升级守护，不留下账外敞口。
func (c *Coordinator) OpenAndProtect(ctx context.Context, req OpenRequest) (*position.PositionRecord, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || (req.Side != position.SideLong && req.Side != position.SideShort) || req.SizeUSD <= 0 {
		return nil, fmt.Errorf("open: 请求非法 symbol=%q side=%q size=%.2f", req.Symbol, req.Side, req.SizeUSD)
	}
	if c.guard != nil {
		if remain, blocked := c.guard.Blocked(symbol); blocked {
			return nil, fmt.Errorf("%w: %s 剩余 %s", ErrSymbolCoolingDown, symbol, remain.Round(time.Second))
		}
	}

	// 全局租约覆盖整个开仓流程（含成交轮询与复核等待）：
	// 对账扫描与开仓互斥，半完成的入场不会被扫描误判为幽灵仓位
	release, err := c.syncc.AcquireGlobal(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if existing, ok := c.store.OpenBySymbol(symbol); ok {
		return nil, fmt.Errorf("%w: %s (open id=%s)", position.ErrDuplicatePosition, symbol, existing.ID)
	}

	// 步骤1：杠杆与保证金模式（幂等）
	if err := retryTransient(ctx, c.retry, "配置杠杆", func() error {
		return c.broker.SetLeverage(ctx, symbol, c.cfg.Leverage)
	}); err != nil {
		return nil, fmt.Errorf("open %s step=configure_leverage: %w", symbol, err)
	}
	if err := retryTransient(ctx, c.retry, "配置保证金模式", func() error {
		return c.broker.SetMarginMode(ctx, symbol, c.cfg.MarginMode)
	}); err != nil {
		return nil, fmt.Errorf("open %s step=configure_margin: %w", symbol, err)
	}
	logger.Infof("open %s step=configure ok lev=%d margin=%s", symbol, c.cfg.Leverage, c.cfg.MarginMode)

	// 步骤2：市价入场并轮询成交
	refPrice := req.EntryHint
	if refPrice <= 0 {
		var t broker.Ticker
		if err := retryTransient(ctx, c.retry, "取参考价", func() error {
			var terr error
			t, terr = c.broker.FetchTicker(ctx, symbol)
			return terr
		}); err != nil {
			return nil, fmt.Errorf("open %s step=reference_price: %w", symbol, err)
		}
		refPrice = t.Price
	}
	if refPrice <= 0 {
		return nil, fmt.Errorf("open %s step=reference_price: 参考价无效", symbol)
	}
	quantity := req.SizeUSD / refPrice

	var order *broker.OrderResult
	if err := retryTransient(ctx, c.retry, "市价入场", func() error {
		var perr error
		order, perr = c.broker.PlaceMarketOrder(ctx, symbol, req.Side, quantity, false)
		return perr
	}); err != nil {
		return nil, fmt.Errorf("open %s step=entry_order: %w", symbol, err)
	}

	fill, err := c.pollFill(ctx, symbol, order.OrderID)
	if err != nil {
		// 入场单状态未知：保守起见按已有敞口处理，登记并升级守护
		rec := c.registerUnprotected(ctx, symbol, req, refPrice, quantity, "entry_fill_unknown")
		if rec != nil && c.guard != nil {
			c.guard.FlagUnprotected(rec.ID, "入场单成交状态未知")
		}
		return rec, fmt.Errorf("open %s step=entry_fill: %w", symbol, err)
	}
	entry := fill.AvgPrice
	if entry <= 0 {
		entry = refPrice
	}
	size := fill.Quantity
	if size <= 0 {
		size = quantity
	}
	logger.Infof("open %s step=entry_fill ok price=%.6f size=%.6f", symbol, entry, size)

	// 步骤3~5：计算保护价并挂单+复核
	verified, err := c.PlaceVerifiedStop(ctx, "", symbol, req.Side, position.ProtectiveStop(req.Side, entry, c.cfg.StopLossPct))
	if err != nil {
		rec := c.registerUnprotectedAt(ctx, symbol, req, entry, size, "stop_unverified")
		if rec != nil && c.guard != nil {
			c.guard.FlagUnprotected(rec.ID, "开仓后止损未能确立")
		}
		return rec, err
	}

	// 步骤6：保护确认后登记
	id, err := c.store.Create(position.CreateSpec{
		Symbol:        symbol,
		Side:          req.Side,
		EntryPrice:    entry,
		Size:          size,
		Leverage:      float64(c.cfg.Leverage),
		StopLossPrice: verified,
		Confidence:    req.Confidence,
		Origin:        position.OriginStrategy,
	})
	if err != nil {
		// 交易所已有带保护的仓位但本地登记失败：立刻可见并升级
		logger.Errorf("open %s step=register 登记失败（交易所仓位已存在）: %v", symbol, err)
		notifyText(c.notify, fmt.Sprintf("开仓登记失败 ⚠️\n标的: %s\n错误: %v\n交易所侧仓位已存在，等待对账导入", symbol, err))
		return nil, fmt.Errorf("open %s step=register: %w", symbol, err)
	}
	rec, _ := c.store.Get(id)
	logOp(ctx, c.ops, Operation{
		PositionID: id, Symbol: symbol, Kind: OpOpen,
		Details: map[string]any{"side": string(req.Side), "entry": entry, "size": size, "stop": verified, "confidence": req.Confidence},
	})
	notifyText(c.notify, fmt.Sprintf("开仓完成 ✅\n标的: %s (%s)\n入场: %s  数量: %s\n止损: %s (-%s)  杠杆: x%d",
		symbol, strings.ToUpper(string(req.Side)), format.Float(entry, 6), format.Float(size, 6),
		format.Float(verified, 6), format.Percent(c.cfg.StopLossPct), c.cfg.Leverage))
	return rec, nil
}

// pollFill 有界轮询入场单成交。
func (c *Coordinator) pollFill(ctx context.Context, symbol string, orderID int64) (*broker.Fill, error) {
	deadline := time.Now().Add(c.cfg.FillPollTimeout)
	for {
		fill, err := c.broker.FetchFill(ctx, symbol, orderID)
		if err == nil && fill.Filled {
			return fill, nil
		}
		if err != nil && !broker.IsTransient(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("成交轮询超时 order=%d", orderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.FillPollInterval):
		}
	}
}

// PlaceVerifiedStop 挂保护单并写后复核（协议步骤 3~5）：
// 按 tick 向更保护方向取整 → 撤旧挂新 → 等待结算 → 复核存在且在容差内；
// 复核失败有界重挂，耗尽返回 VerificationError。
// 调用方负责持有对应仓位租约（或处于开仓的全局租约内）。
func (c *Coordinator) PlaceVerifiedStop(ctx context.Context, positionID, symbol string, side position.Side, target float64) (float64, error) {
	if target <= 0 {
		return 0, fmt.Errorf("stop %s: 目标价非法 %.8f", symbol, target)
	}
	var tick float64
	if err := retryTransient(ctx, c.retry, "取tick", func() error {
		var terr error
		tick, terr = c.broker.SymbolTick(ctx, symbol)
		return terr
	}); err != nil {
		return 0, fmt.Errorf("stop %s step=tick: %w", symbol, err)
	}
	rounded := roundProtective(side, target, tick)
	logger.Debugf("stop %s target=%.8f tick=%.8f rounded=%.8f", symbol, target, tick, rounded)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRepairAttempts; attempt++ {
		if err := retryTransient(ctx, c.retry, "撤旧保护单", func() error {
			return c.broker.CancelProtectiveStops(ctx, symbol)
		}); err != nil {
			lastErr = err
			logger.Warnf("stop %s step=cancel attempt=%d: %v", symbol, attempt, err)
			continue
		}
		if err := retryTransient(ctx, c.retry, "挂保护单", func() error {
			_, perr := c.broker.SetProtectiveStop(ctx, symbol, side, rounded)
			return perr
		}); err != nil {
			if broker.IsRejected(err) {
				// 业务拒单不盲目重试
				return 0, fmt.Errorf("stop %s step=place: %w", symbol, err)
			}
			lastErr = err
			logger.Warnf("stop %s step=place attempt=%d: %v", symbol, attempt, err)
			continue
		}

		// 提交后交易所视图可能短暂滞后，等待结算再复核
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(c.cfg.VerifySettle):
		}

		var reported float64
		if err := retryTransient(ctx, c.retry, "复核保护单", func() error {
			var verr error
			reported, verr = c.broker.FetchProtectiveStop(ctx, symbol)
			return verr
		}); err != nil {
			lastErr = err
			logger.Warnf("stop %s step=verify attempt=%d: %v", symbol, attempt, err)
			continue
		}
		if reported > 0 && math.Abs(reported-rounded) <= rounded*c.cfg.StopTolerancePct {
			logger.Infof("stop %s step=verify ok price=%.8f attempt=%d", symbol, reported, attempt)
			logOp(ctx, c.ops, Operation{
				PositionID: positionID, Symbol: symbol, Kind: OpStopSet,
				Details: map[string]any{"price": reported, "attempt": attempt},
			})
			return reported, nil
		}
		lastErr = fmt.Errorf("复核不通过 reported=%.8f want=%.8f", reported, rounded)
		logger.Warnf("stop %s step=verify attempt=%d: %v", symbol, attempt, lastErr)
	}
	return 0, &VerificationError{Symbol: symbol, PositionID: positionID, Step: "place_and_verify", Err: lastErr}
}

// RepairStopLoss 对缺失保护的开仓重建止损（协议步骤 3~5 的独立入口）。
// 目标价取"入场价推导的默认止损"与"已存止损"中更保护的一个，避免回退。
func (c *Coordinator) RepairStopLoss(ctx context.Context, positionID string) (float64, error) {
	release, err := c.syncc.AcquirePosition(ctx, positionID)
	if err != nil {
		return 0, err
	}
	defer release()

	rec, ok := c.store.Get(positionID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", position.ErrNotFound, positionID)
	}
	if !rec.IsOpen() {
		return 0, fmt.Errorf("%w: %s", position.ErrClosed, positionID)
	}
	target := position.ProtectiveStop(rec.Side, rec.EntryPrice, c.cfg.StopLossPct)
	if rec.StopLossPrice > 0 && position.MoreProtective(rec.Side, rec.StopLossPrice, target) {
		target = rec.StopLossPrice
	}

	verified, err := c.PlaceVerifiedStop(ctx, positionID, rec.Symbol, rec.Side, target)
	if err != nil {
		uerr := c.store.Update(positionID, func(r *position.PositionRecord) error {
			r.RepairAttempts++
			r.Unprotected = true
			return nil
		})
		if uerr != nil {
			logger.Positionf(logger.LevelError, positionID, "repair", "记录补挂失败状态出错: %v", uerr)
		}
		if fresh, ok := c.store.Get(positionID); ok && fresh.RepairAttempts >= c.cfg.MaxRepairAttempts && c.guard != nil {
			c.guard.FlagUnprotected(positionID, fmt.Sprintf("止损补挂 %d 次均失败", fresh.RepairAttempts))
		}
		logOp(ctx, c.ops, Operation{
			PositionID: positionID, Symbol: rec.Symbol, Kind: OpRepairFailed,
			Details: map[string]any{"error": err.Error()},
		})
		return 0, err
	}

	if err := c.store.Update(positionID, func(r *position.PositionRecord) error {
		if position.MoreProtective(r.Side, verified, r.StopLossPrice) {
			r.StopLossPrice = verified
		}
		r.Unprotected = false
		r.RepairAttempts = 0
		return nil
	}); err != nil {
		return 0, err
	}
	logOp(ctx, c.ops, Operation{
		PositionID: positionID, Symbol: rec.Symbol, Kind: OpRepair,
		Details: map[string]any{"stop": verified},
	})
	logger.Positionf(logger.LevelInfo, positionID, "repair", "%s 止损已重建 %.8f", rec.Symbol, verified)
	return verified, nil
}

// registerUnprotected 入场状态未知时按参考价登记。
func (c *Coordinator) registerUnprotected(ctx context.Context, symbol string, req OpenRequest, refPrice, quantity float64, why string) *position.PositionRecord {
	return c.registerUnprotectedAt(ctx, symbol, req, refPrice, quantity, why)
}

// registerUnprotectedAt 入场已成交但保护未确立时登记并标记，交由守护处理。
func (c *Coordinator) registerUnprotectedAt(ctx context.Context, symbol string, req OpenRequest, entry, size float64, why string) *position.PositionRecord {
	id, err := c.store.Create(position.CreateSpec{
		Symbol:     symbol,
		Side:       req.Side,
		EntryPrice: entry,
		Size:       size,
		Leverage:   float64(c.cfg.Leverage),
		Confidence: req.Confidence,
		Origin:     position.OriginStrategy,
	})
	if err != nil {
		if !errors.Is(err, position.ErrDuplicatePosition) {
			logger.Errorf("open %s 登记无保护仓位失败: %v", symbol, err)
		}
		return nil
	}
	_ = c.store.Update(id, func(r *position.PositionRecord) error {
		r.Unprotected = true
		r.RepairAttempts = 0
		return nil
	})
	logger.Positionf(logger.LevelWarn, id, "open", "%s 登记为无保护仓位: %s", symbol, why)
	notifyText(c.notify, fmt.Sprintf("无保护仓位 ⚠️\n标的: %s (%s)\n原因: %s\n已交守护模块处理", symbol, req.Side, text.Truncate(why, 200)))
	rec, _ := c.store.Get(id)
	return rec
}
