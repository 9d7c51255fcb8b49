package risk

import (
	"context"

	"tradingjii/internal/broker"
	"tradingjii/internal/logger"
	"tradingjii/internal/market"
	"tradingjii/internal/position"
)

// TrailingConfig 移动止损参数。紧目标、松触发的不对称滞回：
// 保护足够时一次 tick 不产生任何网络调用。
type TrailingConfig struct {
	ActivationPct float64 // 有利变动超过该比例后激活
	TrailPct      float64 // 最优止损距离（紧）
	TriggerPct    float64 // 触发更新的距离（松），必须大于 TrailPct

	// 可选：按 ATR 自适应距离（来自教学配置的波动跟随模式）
	UseATR         bool
	ATRPeriod      int
	ATRInterval    string
	ATRTrailMult   float64
	ATRTriggerMult float64
}

// TickStats 单轮扫描统计。
type TickStats struct {
	Activated int
	Moved     int
	Errors    int
}

// TrailingEngine 每仓独立的移动止损状态机：inactive→active 单向，
// 激活后止损只向保护方向推进（单调性最终由 Store 的变更点兜底）。
type TrailingEngine struct {
	store  *position.Store
	broker broker.Broker
	coord  *Coordinator
	syncc  *SyncCoordinator
	cfg    TrailingConfig
}

// NewTrailingEngine 创建移动止损引擎。
func NewTrailingEngine(store *position.Store, bk broker.Broker, coord *Coordinator, syncc *SyncCoordinator, cfg TrailingConfig) *TrailingEngine {
	return &TrailingEngine{store: store, broker: bk, coord: coord, syncc: syncc, cfg: cfg}
}

// Tick 执行一轮扫描。批量取价，个别 symbol 失败回落到单查，
// 单仓的取价/挂单失败不阻塞同轮的其它仓位。
func (e *TrailingEngine) Tick(ctx context.Context) TickStats {
	var stats TickStats
	open := e.store.ListOpen()
	if len(open) == 0 {
		return stats
	}

	prices := map[string]float64{}
	if tickers, err := e.broker.FetchTickers(ctx); err == nil {
		for _, t := range tickers {
			prices[t.Symbol] = t.Price
		}
	} else {
		logger.Debugf("trailing 批量取价失败，逐仓回落: %v", err)
	}

	for _, rec := range open {
		price := prices[rec.Symbol]
		if price <= 0 {
			t, err := e.broker.FetchTicker(ctx, rec.Symbol)
			if err != nil || t.Price <= 0 {
				logger.Positionf(logger.LevelWarn, rec.ID, "trailing", "%s 取价失败，本轮跳过: %v", rec.Symbol, err)
				stats.Errors++
				continue
			}
			price = t.Price
		}
		e.evaluateOne(ctx, rec.ID, price, &stats)
	}
	return stats
}

// evaluateOne 在仓位租约内处理单仓。
func (e *TrailingEngine) evaluateOne(ctx context.Context, id string, price float64, stats *TickStats) {
	release, err := e.syncc.AcquirePosition(ctx, id)
	if err != nil {
		logger.Positionf(logger.LevelWarn, id, "trailing", "租约获取失败，本轮跳过: %v", err)
		stats.Errors++
		return
	}
	defer release()

	// 租约内重读，避免使用扫描开始时的过期快照
	rec, ok := e.store.Get(id)
	if !ok || !rec.IsOpen() {
		return
	}

	if !rec.Trailing.Enabled {
		if e.cfg.ActivationPct > 0 && rec.FavorableMovePct(price) >= e.cfg.ActivationPct {
			if err := e.store.Update(id, func(r *position.PositionRecord) error {
				r.Trailing.Enabled = true
				r.Trailing.ActivatedAt = nowFn()
				r.Trailing.MaxFavorablePrice = price
				r.CurrentPrice = price
				r.UnrealizedPnL = r.PnLAt(price)
				return nil
			}); err != nil {
				logger.Positionf(logger.LevelError, id, "trailing", "激活写入失败: %v", err)
				stats.Errors++
				return
			}
			logger.Positionf(logger.LevelInfo, id, "trailing", "%s 激活（价=%.6f 有利=%.2f%%）",
				rec.Symbol, price, rec.FavorableMovePct(price)*100)
			stats.Activated++
		}
		return
	}

	trailPct, triggerPct := e.distances(ctx, rec)
	optimal := protectiveAt(rec.Side, price, trailPct)
	trigger := protectiveAt(rec.Side, price, triggerPct)

	// 不对称滞回：仅当已存止损比松触发线更差，且最优价严格更保护时才动网络
	if stopWorseThan(rec.Side, rec.StopLossPrice, trigger) && position.MoreProtective(rec.Side, optimal, rec.StopLossPrice) {
		verified, err := e.coord.PlaceVerifiedStop(ctx, id, rec.Symbol, rec.Side, optimal)
		if err != nil {
			logger.Positionf(logger.LevelWarn, id, "trailing", "%s 止损推进失败，下轮重试: %v", rec.Symbol, err)
			stats.Errors++
			return
		}
		moved, err := e.store.ApplyStopMove(id, verified)
		if err != nil {
			logger.Positionf(logger.LevelError, id, "trailing", "止损推进写入失败: %v", err)
			stats.Errors++
			return
		}
		if moved {
			stats.Moved++
		}
	}

	// 峰值跟踪（仅记录改进，避免每轮都落盘）
	if favorableBeyondPeak(rec.Side, price, rec.Trailing.MaxFavorablePrice) {
		if err := e.store.Update(id, func(r *position.PositionRecord) error {
			r.Trailing.MaxFavorablePrice = price
			r.CurrentPrice = price
			r.UnrealizedPnL = r.PnLAt(price)
			return nil
		}); err != nil {
			logger.Positionf(logger.LevelDebug, id, "trailing", "峰值写入失败: %v", err)
		}
	}
}

// distances 返回本仓位使用的 trail/trigger 距离；
// ATR 模式取不到数据时回落到静态配置。
func (e *TrailingEngine) distances(ctx context.Context, rec *position.PositionRecord) (float64, float64) {
	if !e.cfg.UseATR {
		return e.cfg.TrailPct, e.cfg.TriggerPct
	}
	ks, err := e.broker.FetchKlines(ctx, rec.Symbol, e.cfg.ATRInterval, e.cfg.ATRPeriod*3)
	if err != nil {
		logger.Debugf("trailing %s ATR取K线失败，回落静态距离: %v", rec.Symbol, err)
		return e.cfg.TrailPct, e.cfg.TriggerPct
	}
	atrPct, err := market.ATRPct(ks, e.cfg.ATRPeriod)
	if err != nil {
		logger.Debugf("trailing %s ATR计算失败，回落静态距离: %v", rec.Symbol, err)
		return e.cfg.TrailPct, e.cfg.TriggerPct
	}
	trail := atrPct * e.cfg.ATRTrailMult
	trigger := atrPct * e.cfg.ATRTriggerMult
	if trail <= 0 || trigger <= trail {
		return e.cfg.TrailPct, e.cfg.TriggerPct
	}
	return trail, trigger
}

// protectiveAt 距当前价 pct 的保护价：多头在价下方，空头在价上方。
func protectiveAt(side position.Side, price, pct float64) float64 {
	if side == position.SideShort {
		return price * (1 + pct)
	}
	return price * (1 - pct)
}

// stopWorseThan 已存止损是否比阈值更差（含未设止损）。
func stopWorseThan(side position.Side, stored, threshold float64) bool {
	if stored <= 0 {
		return true
	}
	if side == position.SideShort {
		return stored > threshold
	}
	return stored < threshold
}

// favorableBeyondPeak 当前价是否刷新有利峰值。
func favorableBeyondPeak(side position.Side, price, peak float64) bool {
	if price <= 0 {
		return false
	}
	if peak <= 0 {
		return true
	}
	if side == position.SideShort {
		return price < peak
	}
	return price > peak
}
