package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"tradingjii/internal/broker"
	"tradingjii/internal/broker/binance"
	tjcfg "tradingjii/internal/config"
	"tradingjii/internal/gateway/database"
	"tradingjii/internal/gateway/notifier"
	"tradingjii/internal/logger"
	"tradingjii/internal/position"
	"tradingjii/internal/risk"
	livehttp "tradingjii/internal/transport/http/live"
)

// App 应用级编排：加载后的依赖图 + 周期循环的生命周期管理。
// 仓位状态的权威在 position.Store；这里只负责把三个周期
// （移动止损、对账、守护）和观察接口跑起来、停下来。
type App struct {
	cfg *tjcfg.Config

	store      *position.Store
	history    *database.TradeHistoryStore
	broker     broker.Broker
	syncc      *risk.SyncCoordinator
	guard      *risk.SafetyGuard
	coord      *risk.Coordinator
	trailing   *risk.TrailingEngine
	reconciler *risk.Reconciler
	liveHTTP   *livehttp.Server
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *tjcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Coordinator 暴露开仓协调器给执行侧调用方。
func (a *App) Coordinator() *risk.Coordinator { return a.coord }

// Store 暴露只读的仓位存储（测试与观察用）。
func (a *App) Store() *position.Store { return a.store }

// Run 启动周期循环与观察接口，阻塞直到 ctx 取消。
// 退出前做一轮有界宽限的收尾（关历史库）。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	// 启动即对账一轮：重启后本地快照先与交易所取齐
	if stats, err := a.reconciler.Sweep(ctx); err != nil {
		logger.Warnf("启动对账失败（下一周期重试）: %v", err)
	} else {
		logger.Infof("✓ 启动对账完成: imported=%d external_closed=%d refreshed=%d",
			stats.Imported, stats.ClosedExternal, stats.Refreshed)
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("Live HTTP 停止: %v", err)
			}
			return nil
		})
	}

	if a.cfg.Trailing.Enabled {
		group.Go(func() error {
			return a.runLoop(ctx, "trailing",
				time.Duration(a.cfg.Trailing.IntervalSeconds)*time.Second,
				func(ctx context.Context) {
					stats := a.trailing.Tick(ctx)
					if stats.Activated > 0 || stats.Moved > 0 {
						logger.Infof("trailing: activated=%d moved=%d errors=%d",
							stats.Activated, stats.Moved, stats.Errors)
					}
				})
		})
	}

	group.Go(func() error {
		return a.runLoop(ctx, "reconcile",
			time.Duration(a.cfg.Reconcile.IntervalSeconds)*time.Second,
			func(ctx context.Context) {
				if _, err := a.reconciler.Sweep(ctx); err != nil {
					logger.Warnf("对账失败（下一周期重试）: %v", err)
				}
			})
	})

	group.Go(func() error {
		return a.runLoop(ctx, "guard",
			time.Duration(a.cfg.Guard.IntervalSeconds)*time.Second,
			func(ctx context.Context) {
				if n := a.guard.Sweep(ctx); n > 0 {
					logger.Warnf("guard: 本轮强制平仓 %d 笔", n)
				}
			})
	})

	return group.Wait()
}

// runLoop 固定周期执行 fn；每次执行带单独的超时，
// 防止一轮卡死拖垮整个周期。
func (a *App) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Debugf("%s 循环启动（周期 %v）", name, interval)
	for {
		select {
		case <-ctx.Done():
			logger.Debugf("%s 循环退出", name)
			return nil
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, interval*2)
			fn(tickCtx)
			cancel()
		}
	}
}

// Close 释放持久资源。
func (a *App) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			logger.Warnf("关闭历史库失败: %v", err)
		}
	}
}

// AppBuilder 分步构建依赖图（wire 绑定其 Build 方法）。
type AppBuilder struct {
	cfg *tjcfg.Config
}

// NewAppBuilder 创建构建器。
func NewAppBuilder(cfg *tjcfg.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// Build 按依赖顺序组装：broker → store/history → sync →
// guard → coordinator → trailing/reconciler → http。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg

	bk, err := binance.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	// 启动探活：取一次服务器时间，尽早暴露网络/密钥问题
	if _, err := bk.FetchTime(ctx); err != nil {
		logger.Warnf("交易所连通性检查失败（继续启动）: %v", err)
	}

	history, err := database.NewTradeHistoryStore(cfg.Store.HistoryDB)
	if err != nil {
		return nil, fmt.Errorf("初始化历史库失败: %w", err)
	}
	logger.Infof("✓ 历史库 %s", cfg.Store.HistoryDB)

	snap := position.NewSnapshotFile(cfg.Store.SnapshotPath)
	store, err := position.LoadStore(snap, cfg.Store.ClosedCap)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("加载仓位快照失败（如快照损坏请人工 Reset 后重启）: %w", err)
	}
	store.OnClose = func(rec position.PositionRecord) {
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := history.AppendClosedTrade(hctx, rec); err != nil {
			logger.Warnf("写入平仓历史失败: %v", err)
		}
	}
	logger.Infof("✓ 仓位快照 %s（open=%d）", cfg.Store.SnapshotPath, store.OpenCount())

	tg := newTelegram(cfg)
	var notify risk.TextNotifier
	if tg.Enabled() {
		notify = tg
		logger.Infof("✓ Telegram 通知已启用")
	}

	syncc := risk.NewSyncCoordinator(10 * time.Second)

	guard := risk.NewSafetyGuard(store, bk, syncc, history, notify, risk.GuardConfig{
		CatastrophicROE:   cfg.Risk.CatastrophicROEPct,
		MaxPositionUSD:    cfg.Risk.MaxPositionUSD,
		SizeAnomalyMult:   cfg.Guard.SizeAnomalyMult,
		Cooldown:          time.Duration(cfg.Guard.CooldownSeconds) * time.Second,
		MaxRepairAttempts: cfg.Risk.MaxRepairAttempts,
	})

	coord := risk.NewCoordinator(bk, store, syncc, guard, history, notify, risk.CoordinatorConfig{
		StopLossPct:       cfg.Risk.StopLossPct,
		Leverage:          cfg.Risk.Leverage,
		MarginMode:        cfg.Risk.MarginMode,
		MaxRepairAttempts: cfg.Risk.MaxRepairAttempts,
		FillPollTimeout:   time.Duration(cfg.Risk.FillPollSeconds) * time.Second,
		VerifySettle:      time.Duration(cfg.Risk.VerifySettleMillis) * time.Millisecond,
		StopTolerancePct:  cfg.Risk.StopTolerancePct,
	})

	trailing := risk.NewTrailingEngine(store, bk, coord, syncc, risk.TrailingConfig{
		ActivationPct:  cfg.Trailing.ActivationPct,
		TrailPct:       cfg.Trailing.TrailPct,
		TriggerPct:     cfg.Trailing.TriggerPct,
		UseATR:         cfg.Trailing.UseATR,
		ATRPeriod:      cfg.Trailing.ATRPeriod,
		ATRInterval:    cfg.Trailing.ATRInterval,
		ATRTrailMult:   cfg.Trailing.ATRTrailMult,
		ATRTriggerMult: cfg.Trailing.ATRTriggerMult,
	})

	reconciler := risk.NewReconciler(store, bk, coord, syncc, history)

	var liveHTTP *livehttp.Server
	if cfg.Server.Enabled {
		liveHTTP, err = livehttp.NewServer(livehttp.ServerConfig{
			Addr:    cfg.Server.Listen,
			Store:   store,
			History: history,
		})
		if err != nil {
			history.Close()
			return nil, err
		}
		logger.Infof("✓ Live HTTP 接口监听 %s", liveHTTP.Addr())
	}

	return &App{
		cfg:        cfg,
		store:      store,
		history:    history,
		broker:     bk,
		syncc:      syncc,
		guard:      guard,
		coord:      coord,
		trailing:   trailing,
		reconciler: reconciler,
		liveHTTP:   liveHTTP,
	}, nil
}

func newTelegram(cfg *tjcfg.Config) *notifier.Telegram {
	if !cfg.Notify.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
}
