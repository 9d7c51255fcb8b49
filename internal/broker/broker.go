package broker

import (
	"context"
	"time"

	"tradingjii/internal/market"
	"tradingjii/internal/position"
)

// OrderResult 下单回执。
type OrderResult struct {
	OrderID int64
	Symbol  string
}

// Fill 成交查询结果。
type Fill struct {
	Filled   bool
	AvgPrice float64
	Quantity float64
}

// Position 交易所侧的仓位视图。Size 恒为正，方向由 Side 表达。
type Position struct {
	Symbol        string
	Side          position.Side
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      float64
}

// Ticker 最新价。
type Ticker struct {
	Symbol string
	Price  float64
}

// Broker 抽象交易所能力。全部可失败、可限流；
// 写操作提交后交易所视图可能短暂滞后，因此保护单必须写后复核。
type Broker interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// SetMarginMode 幂等："已是该模式"视为成功。
	SetMarginMode(ctx context.Context, symbol, mode string) error
	PlaceMarketOrder(ctx context.Context, symbol string, side position.Side, quantity float64, reduceOnly bool) (*OrderResult, error)
	FetchFill(ctx context.Context, symbol string, orderID int64) (*Fill, error)
	// SetProtectiveStop 挂全仓平仓的止损市价单。
	SetProtectiveStop(ctx context.Context, symbol string, side position.Side, stopPrice float64) (int64, error)
	CancelProtectiveStops(ctx context.Context, symbol string) error
	FetchPositions(ctx context.Context) ([]Position, error)
	// FetchProtectiveStop 返回当前挂着的止损价；无保护单返回 0。
	FetchProtectiveStop(ctx context.Context, symbol string) (float64, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchTickers(ctx context.Context) ([]Ticker, error)
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	FetchTime(ctx context.Context) (time.Time, error)
	// SymbolTick 价格最小步长，用于止损取整。
	SymbolTick(ctx context.Context, symbol string) (float64, error)
	// RealizedPnL 查询 since 之后该 symbol 的已实现盈亏；ok=false 表示交易所无记录。
	RealizedPnL(ctx context.Context, symbol string, since time.Time) (pnl float64, ok bool, err error)
}
