package risk

import (
	"context"
	"fmt"
	"math"

	"tradingjii/internal/broker"
	"tradingjii/internal/logger"
	"tradingjii/internal/position"
)

// 刷新比较用的相对误差阈值：小于该比例的价格波动不算变更。
const refreshEpsilon = 1e-9

// SweepStats 单轮对账统计；Mutations 为本轮实际发生的本地变更数。
type SweepStats struct {
	Imported       int
	ClosedExternal int
	Refreshed      int
	Repaired       int
}

// Mutations 本轮变更总数。
func (s SweepStats) Mutations() int { return s.Imported + s.ClosedExternal + s.Refreshed }

// Reconciler 固定周期对账：以交易所为仓位存在性的权威，
// 本地为派生分析字段的权威。先取齐全部远端数据再落变更，
// 任何临时性拉取失败都让整轮零变更退出，下一周期重试。
type Reconciler struct {
	store  *position.Store
	broker broker.Broker
	coord  *Coordinator
	syncc  *SyncCoordinator
	ops    OperationLog
}

// NewReconciler 创建对账引擎。
func NewReconciler(store *position.Store, bk broker.Broker, coord *Coordinator, syncc *SyncCoordinator, ops OperationLog) *Reconciler {
	return &Reconciler{store: store, broker: bk, coord: coord, syncc: syncc, ops: ops}
}

// ghostPlan 本地有、交易所无的仓位的平仓计划。
type ghostPlan struct {
	rec      *position.PositionRecord
	exit     float64
	realized *float64
}

// Sweep 执行一轮对账。
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	// ---- 阶段一：只读取齐（任何失败 → 零变更返回） ----
	remote, err := r.broker.FetchPositions(ctx)
	if err != nil {
		return stats, fmt.Errorf("reconcile fetch_positions: %w", err)
	}
	remoteBySym := make(map[string]broker.Position, len(remote))
	for _, bp := range remote {
		remoteBySym[bp.Symbol] = bp
	}
	local := r.store.ListOpen()
	localSyms := make(map[string]*position.PositionRecord, len(local))
	for _, rec := range local {
		localSyms[rec.Symbol] = rec
	}

	var ghosts []ghostPlan
	for _, rec := range local {
		if _, ok := remoteBySym[rec.Symbol]; ok {
			continue
		}
		plan := ghostPlan{rec: rec, exit: rec.CurrentPrice}
		pnl, ok, err := r.broker.RealizedPnL(ctx, rec.Symbol, rec.OpenedAt)
		if err != nil {
			return SweepStats{}, fmt.Errorf("reconcile realized_pnl %s: %w", rec.Symbol, err)
		}
		if ok {
			v := pnl
			plan.realized = &v
		}
		ghosts = append(ghosts, plan)
	}

	// 双方都有的仓位：核对交易所侧保护单是否存在
	missingStops := map[string]bool{}
	for sym, rec := range localSyms {
		if _, ok := remoteBySym[sym]; !ok {
			continue
		}
		if rec.StopLossPrice <= 0 {
			missingStops[sym] = true
			continue
		}
		reported, err := r.broker.FetchProtectiveStop(ctx, sym)
		if err != nil {
			return SweepStats{}, fmt.Errorf("reconcile fetch_stop %s: %w", sym, err)
		}
		if reported <= 0 {
			missingStops[sym] = true
		}
	}

	// 导入对象的既有保护单
	importStops := map[string]float64{}
	for sym := range remoteBySym {
		if _, ok := localSyms[sym]; ok {
			continue
		}
		reported, err := r.broker.FetchProtectiveStop(ctx, sym)
		if err != nil {
			return SweepStats{}, fmt.Errorf("reconcile fetch_stop %s: %w", sym, err)
		}
		importStops[sym] = reported
	}

	// ---- 阶段二：应用（全局租约下，导入不与新开仓竞争） ----
	release, err := r.syncc.AcquireGlobal(ctx)
	if err != nil {
		return SweepStats{}, err
	}
	defer release()

	for sym, bp := range remoteBySym {
		if _, ok := localSyms[sym]; ok {
			continue
		}
		id, err := r.store.Create(position.CreateSpec{
			Symbol:        sym,
			Side:          bp.Side,
			EntryPrice:    bp.EntryPrice,
			Size:          bp.Size,
			Leverage:      bp.Leverage,
			StopLossPrice: importStops[sym],
			Origin:        position.OriginImported,
		})
		if err != nil {
			logger.Errorf("reconcile 导入 %s 失败: %v", sym, err)
			continue
		}
		stats.Imported++
		logOp(ctx, r.ops, Operation{
			PositionID: id, Symbol: sym, Kind: OpImport,
			Details: map[string]any{"side": string(bp.Side), "entry": bp.EntryPrice, "size": bp.Size},
		})
		if importStops[sym] <= 0 {
			// 无保护的导入仓位立即走补挂通道套默认止损
			if _, err := r.coord.RepairStopLoss(ctx, id); err != nil {
				logger.Positionf(logger.LevelWarn, id, "reconcile", "导入后补挂止损失败: %v", err)
			} else {
				stats.Repaired++
			}
		}
	}

	for _, plan := range ghosts {
		if _, err := r.store.CloseWithPnL(plan.rec.ID, plan.exit, position.CloseExternal, plan.realized); err != nil {
			logger.Positionf(logger.LevelError, plan.rec.ID, "reconcile", "登记外部平仓失败: %v", err)
			continue
		}
		r.syncc.Forget(plan.rec.ID)
		stats.ClosedExternal++
		logOp(ctx, r.ops, Operation{
			PositionID: plan.rec.ID, Symbol: plan.rec.Symbol, Kind: OpExternalClose,
			Details: map[string]any{"exit": plan.exit, "broker_pnl": plan.realized != nil},
		})
	}

	for sym, rec := range localSyms {
		bp, ok := remoteBySym[sym]
		if !ok {
			continue
		}
		if r.refreshOne(ctx, rec, bp) {
			stats.Refreshed++
		}
		if missingStops[sym] {
			if _, err := r.coord.RepairStopLoss(ctx, rec.ID); err != nil {
				logger.Positionf(logger.LevelWarn, rec.ID, "reconcile", "保护缺失补挂失败: %v", err)
			} else {
				stats.Repaired++
			}
		}
	}

	if stats.Mutations() > 0 || stats.Repaired > 0 {
		logger.Infof("reconcile 完成: imported=%d external_closed=%d refreshed=%d repaired=%d",
			stats.Imported, stats.ClosedExternal, stats.Refreshed, stats.Repaired)
	}
	return stats, nil
}

// refreshOne 刷新价格与派生分析字段；无实质变化时零变更（幂等）。
func (r *Reconciler) refreshOne(ctx context.Context, rec *position.PositionRecord, bp broker.Position) bool {
	changed := !floatClose(rec.CurrentPrice, bp.MarkPrice) || !floatClose(rec.Size, bp.Size)
	if !changed {
		return false
	}
	err := r.store.Update(rec.ID, func(pr *position.PositionRecord) error {
		if bp.MarkPrice > 0 {
			pr.CurrentPrice = bp.MarkPrice
		}
		if bp.Size > 0 {
			pr.Size = bp.Size
		}
		// 派生分析以本地口径为准
		pr.UnrealizedPnL = pr.PnLAt(pr.CurrentPrice)
		return nil
	})
	if err != nil {
		logger.Positionf(logger.LevelError, rec.ID, "reconcile", "刷新失败: %v", err)
		return false
	}
	return true
}

func floatClose(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return true
	}
	return math.Abs(a-b)/scale < refreshEpsilon
}
