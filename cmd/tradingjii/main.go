package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tradingjii/internal/app"
	tjcfg "tradingjii/internal/config"
	"tradingjii/internal/logger"
)

// 入口程序：
// 1) 加载 TOML 配置
// 2) 恢复仓位快照并与交易所对账
// 3) 启动移动止损/对账/守护三个周期与只读观察接口
func main() {
	// 从环境变量或默认路径读取配置文件路径
	cfgPath := os.Getenv("TRADINGJII_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.toml"
	}

	cfg, err := tjcfg.Load(cfgPath)
	if err != nil {
		logger.Fatalf("读取配置失败: %v", err)
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，交易所=%s，testnet=%v）",
		cfg.App.Env, cfg.Exchange.Name, cfg.Exchange.Testnet)

	a, err := app.NewApp(cfg)
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("TradingJii 启动完成。按 Ctrl+C 退出。")
	if err := a.Run(ctx); err != nil {
		logger.Fatalf("运行异常退出: %v", err)
	}
	logger.Infof("已退出")
}
