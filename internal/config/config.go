package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// 配置结构体（风险参数均为部署配置，不在代码中写死）
type Config struct {
	App struct {
		Env      string `toml:"env"`
		LogLevel string `toml:"log_level"`
	} `toml:"app"`

	Exchange struct {
		Name        string `toml:"name"`
		APIKey      string `toml:"api_key"`
		APISecret   string `toml:"api_secret"`
		Testnet     bool   `toml:"testnet"`
		RateLimit   int    `toml:"rate_limit_per_sec"`
		RateBurst   int    `toml:"rate_burst"`
		TimeoutSecs int    `toml:"timeout_seconds"`
	} `toml:"exchange"`

	Risk struct {
		StopLossPct        float64 `toml:"stop_loss_pct"`         // 固定风险百分比（相对开仓价）
		Leverage           int     `toml:"leverage"`
		MarginMode         string  `toml:"margin_mode"`           // ISOLATED | CROSSED
		MaxPositionUSD     float64 `toml:"max_position_usd"`      // 单仓名义上限（守护用）
		CatastrophicROEPct float64 `toml:"catastrophic_roe_pct"`  // 强平前的灾难性亏损阈值（ROE）
		MaxRepairAttempts  int     `toml:"max_repair_attempts"`   // 止损补挂上限
		FillPollSeconds    int     `toml:"fill_poll_seconds"`     // 成交轮询超时
		VerifySettleMillis int     `toml:"verify_settle_millis"`  // 下止损后校验前的等待
		StopTolerancePct   float64 `toml:"stop_tolerance_pct"`    // 校验容差
	} `toml:"risk"`

	Trailing struct {
		Enabled         bool    `toml:"enabled"`
		ActivationPct   float64 `toml:"activation_pct"` // 盈利超过该比例后激活
		TrailPct        float64 `toml:"trail_pct"`      // 目标止损距离（紧）
		TriggerPct      float64 `toml:"trigger_pct"`    // 触发更新的距离（松）
		IntervalSeconds int     `toml:"interval_seconds"`
		UseATR          bool    `toml:"use_atr"`
		ATRPeriod       int     `toml:"atr_period"`
		ATRInterval     string  `toml:"atr_interval"`
		ATRTrailMult    float64 `toml:"atr_trail_multiplier"`
		ATRTriggerMult  float64 `toml:"atr_trigger_multiplier"`
	} `toml:"trailing"`

	Reconcile struct {
		IntervalSeconds int `toml:"interval_seconds"`
	} `toml:"reconcile"`

	Guard struct {
		IntervalSeconds int     `toml:"interval_seconds"`
		CooldownSeconds int     `toml:"cooldown_seconds"` // 强平后冷却，防止立即重开
		SizeAnomalyMult float64 `toml:"size_anomaly_multiplier"`
	} `toml:"guard"`

	Store struct {
		SnapshotPath string `toml:"snapshot_path"`
		ClosedCap    int    `toml:"closed_cap"`
		HistoryDB    string `toml:"history_db"`
	} `toml:"store"`

	Server struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"server"`

	Notify struct {
		Telegram struct {
			Enabled  bool   `toml:"enabled"`
			BotToken string `toml:"bot_token"`
			ChatID   string `toml:"chat_id"`
		} `toml:"telegram"`
	} `toml:"notify"`
}

// Load 读取并解析 TOML 配置文件，并设置缺省值与基本校验
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 TOML 失败: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// 默认值设置
func applyDefaults(c *Config) {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = "binance"
	}
	if c.Exchange.RateLimit <= 0 {
		c.Exchange.RateLimit = 10
	}
	if c.Exchange.RateBurst <= 0 {
		c.Exchange.RateBurst = 20
	}
	if c.Exchange.TimeoutSecs <= 0 {
		c.Exchange.TimeoutSecs = 15
	}
	if c.Risk.StopLossPct <= 0 {
		c.Risk.StopLossPct = 0.05
	}
	if c.Risk.Leverage <= 0 {
		c.Risk.Leverage = 5
	}
	if c.Risk.MarginMode == "" {
		c.Risk.MarginMode = "ISOLATED"
	}
	if c.Risk.MaxRepairAttempts <= 0 {
		c.Risk.MaxRepairAttempts = 3
	}
	if c.Risk.FillPollSeconds <= 0 {
		c.Risk.FillPollSeconds = 20
	}
	if c.Risk.VerifySettleMillis <= 0 {
		c.Risk.VerifySettleMillis = 1500
	}
	if c.Risk.StopTolerancePct <= 0 {
		c.Risk.StopTolerancePct = 0.005
	}
	if c.Risk.CatastrophicROEPct <= 0 {
		c.Risk.CatastrophicROEPct = 0.5
	}
	if c.Trailing.ActivationPct <= 0 {
		c.Trailing.ActivationPct = 0.01
	}
	if c.Trailing.TrailPct <= 0 {
		c.Trailing.TrailPct = 0.08
	}
	if c.Trailing.TriggerPct <= 0 {
		c.Trailing.TriggerPct = 0.10
	}
	if c.Trailing.IntervalSeconds <= 0 {
		c.Trailing.IntervalSeconds = 15
	}
	if c.Trailing.ATRPeriod <= 0 {
		c.Trailing.ATRPeriod = 14
	}
	if c.Trailing.ATRInterval == "" {
		c.Trailing.ATRInterval = "1h"
	}
	if c.Trailing.ATRTrailMult <= 0 {
		c.Trailing.ATRTrailMult = 2
	}
	if c.Trailing.ATRTriggerMult <= 0 {
		c.Trailing.ATRTriggerMult = 3
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.Guard.IntervalSeconds <= 0 {
		c.Guard.IntervalSeconds = 30
	}
	if c.Guard.CooldownSeconds <= 0 {
		c.Guard.CooldownSeconds = 300
	}
	if c.Guard.SizeAnomalyMult <= 0 {
		c.Guard.SizeAnomalyMult = 1.5
	}
	if c.Store.SnapshotPath == "" {
		c.Store.SnapshotPath = "data/positions.json"
	}
	if c.Store.ClosedCap <= 0 {
		c.Store.ClosedCap = 500
	}
	if c.Store.HistoryDB == "" {
		c.Store.HistoryDB = "data/history.db"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8788"
	}
}

// 基础校验
func validate(c *Config) error {
	if !strings.EqualFold(c.Exchange.Name, "binance") {
		return fmt.Errorf("暂不支持的交易所: %s", c.Exchange.Name)
	}
	if c.Risk.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct 需在 (0,1)")
	}
	mode := strings.ToUpper(strings.TrimSpace(c.Risk.MarginMode))
	if mode != "ISOLATED" && mode != "CROSSED" {
		return fmt.Errorf("risk.margin_mode 仅支持 ISOLATED/CROSSED")
	}
	c.Risk.MarginMode = mode
	if c.Trailing.TrailPct >= c.Trailing.TriggerPct {
		return fmt.Errorf("trailing.trail_pct 需小于 trigger_pct（紧目标、松触发）")
	}
	if c.Trailing.ATRTrailMult >= c.Trailing.ATRTriggerMult {
		return fmt.Errorf("trailing.atr_trail_multiplier 需小于 atr_trigger_multiplier")
	}
	// 守护阈值是 ROE，止损触发时 ROE≈止损比例×杠杆；
	// 守护必须在常规止损之外，否则守护会先于止损触发
	if c.Risk.CatastrophicROEPct <= c.Risk.StopLossPct*float64(c.Risk.Leverage) {
		return fmt.Errorf("risk.catastrophic_roe_pct 需大于 stop_loss_pct×leverage")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.BotToken == "" || c.Notify.Telegram.ChatID == "" {
			return fmt.Errorf("已启用 Telegram 通知，请提供 bot_token 与 chat_id")
		}
	}
	return nil
}
