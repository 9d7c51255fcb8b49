package position

import (
	"strings"
	"time"
)

// Side 仓位方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Origin 仓位来源：策略开仓或对账时从交易所导入。
type Origin string

const (
	OriginStrategy Origin = "strategy"
	OriginImported Origin = "imported"
)

// Status 仓位状态，open→closed 单向。
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// CloseReason 平仓原因。
type CloseReason string

const (
	CloseManual        CloseReason = "manual"
	CloseStopLoss      CloseReason = "stop_loss"
	CloseTrailingStop  CloseReason = "trailing_stop"
	CloseExternal      CloseReason = "externally_closed"
	CloseGuardLoss     CloseReason = "guard_loss"
	CloseGuardSize     CloseReason = "guard_size"
	CloseGuardNoStop   CloseReason = "guard_unprotected"
)

// TrailingState 移动止损状态：inactive→active 单向，仅随平仓终止。
type TrailingState struct {
	Enabled           bool      `json:"enabled"`
	ActivatedAt       time.Time `json:"activated_at,omitzero"`
	MaxFavorablePrice float64   `json:"max_favorable_price,omitempty"`
	LastUpdate        time.Time `json:"last_update,omitzero"`
}

// PositionRecord 单笔仓位的本地权威记录。
// 标识字段与开仓参数创建后不可变；可变字段只能经 Store 的串行化变更入口修改。
type PositionRecord struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`

	EntryPrice float64   `json:"entry_price"`
	Leverage   float64   `json:"leverage"`
	OpenedAt   time.Time `json:"opened_at"`
	Origin     Origin    `json:"origin"`

	CurrentPrice    float64 `json:"current_price"`
	Size            float64 `json:"size"` // 基础币数量
	StopLossPrice   float64 `json:"stop_loss_price"`
	TakeProfitPrice float64 `json:"take_profit_price,omitempty"`
	Status          Status  `json:"status"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
	Confidence      int     `json:"confidence,omitempty"`

	// RepairAttempts 记录止损补挂次数；达到上限仍无保护时交给守护模块处理。
	RepairAttempts int  `json:"repair_attempts,omitempty"`
	Unprotected    bool `json:"unprotected,omitempty"`

	Trailing TrailingState `json:"trailing"`

	// UpdateCount 每次成功变更递增，用于诊断与并发测试。
	UpdateCount int64 `json:"update_count"`

	ClosedAt    time.Time   `json:"closed_at,omitzero"`
	ExitPrice   float64     `json:"exit_price,omitempty"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	RealizedPnL float64     `json:"realized_pnl,omitempty"`
}

// Clone 深拷贝：所有读取接口只返回副本，调用方不会引用内部状态。
func (r *PositionRecord) Clone() *PositionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// IsOpen 是否仍为开仓状态。
func (r *PositionRecord) IsOpen() bool { return r != nil && r.Status == StatusOpen }

// Notional 按价格计算名义价值。
func (r *PositionRecord) Notional(price float64) float64 {
	if price <= 0 {
		price = r.CurrentPrice
	}
	return r.Size * price
}

// PnLAt 按给定价格计算未实现盈亏（USDT）。
func (r *PositionRecord) PnLAt(price float64) float64 {
	if price <= 0 || r.EntryPrice <= 0 {
		return 0
	}
	diff := price - r.EntryPrice
	if r.Side == SideShort {
		diff = -diff
	}
	return diff * r.Size
}

// ROEAt 按给定价格计算相对保证金的收益率（价格变动% × 杠杆）。
func (r *PositionRecord) ROEAt(price float64) float64 {
	if price <= 0 || r.EntryPrice <= 0 {
		return 0
	}
	move := (price - r.EntryPrice) / r.EntryPrice
	if r.Side == SideShort {
		move = -move
	}
	lev := r.Leverage
	if lev <= 0 {
		lev = 1
	}
	return move * lev
}

// FavorableMovePct 当前价相对开仓价的有利变动比例（不利时为负）。
func (r *PositionRecord) FavorableMovePct(price float64) float64 {
	if price <= 0 || r.EntryPrice <= 0 {
		return 0
	}
	move := (price - r.EntryPrice) / r.EntryPrice
	if r.Side == SideShort {
		move = -move
	}
	return move
}

// MoreProtective 判断新止损价是否比旧值更保护：
// 多头越高越保护，空头越低越保护。旧值为 0 视为无保护，任何正数都是改进。
func MoreProtective(side Side, newStop, oldStop float64) bool {
	if newStop <= 0 {
		return false
	}
	if oldStop <= 0 {
		return true
	}
	if side == SideShort {
		return newStop < oldStop
	}
	return newStop > oldStop
}

// ProtectiveStop 根据开仓价、方向与固定风险比例计算基础止损价（未取整）。
func ProtectiveStop(side Side, entry, riskPct float64) float64 {
	if entry <= 0 || riskPct <= 0 {
		return 0
	}
	if side == SideShort {
		return entry * (1 + riskPct)
	}
	return entry * (1 - riskPct)
}

// NormalizeSide 宽松解析方向字符串。
func NormalizeSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "buy":
		return SideLong
	case "short", "sell":
		return SideShort
	default:
		return ""
	}
}
