package risk

import (
	"context"
	"sync"
	"time"

	"tradingjii/internal/broker"
	"tradingjii/internal/market"
	"tradingjii/internal/position"
)

// fakeBroker 内存版交易所，按需注入失败。
type fakeBroker struct {
	mu sync.Mutex

	tick      float64
	tickers   map[string]float64
	positions map[string]broker.Position
	stops     map[string]float64
	fills     map[int64]*broker.Fill
	realized  map[string]float64
	klines    []market.Kline

	nextOrderID int64
	stopSets    int
	marketCalls int

	// 失败注入
	dropStops      bool // 挂单"成功"但交易所侧查不到（复核必然失败）
	failTickers    error
	failPositions  error
	failStopFetch  error
	failMarket     error
	failFill       error
	failRealized   error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		tick:      0.01,
		tickers:   map[string]float64{},
		positions: map[string]broker.Position{},
		stops:     map[string]float64{},
		fills:     map[int64]*broker.Fill{},
		realized:  map[string]float64{},
	}
}

func (f *fakeBroker) setPrice(symbol string, price float64) {
	f.mu.Lock()
	f.tickers[symbol] = price
	f.mu.Unlock()
}

func (f *fakeBroker) stopFor(symbol string) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops[symbol]
}

func (f *fakeBroker) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }

func (f *fakeBroker) SetMarginMode(ctx context.Context, symbol, mode string) error { return nil }

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol string, side position.Side, quantity float64, reduceOnly bool) (*broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMarket != nil {
		return nil, f.failMarket
	}
	f.marketCalls++
	f.nextOrderID++
	id := f.nextOrderID
	f.fills[id] = &broker.Fill{Filled: true, AvgPrice: f.tickers[symbol], Quantity: quantity}
	if reduceOnly {
		delete(f.positions, symbol)
		delete(f.stops, symbol)
	}
	return &broker.OrderResult{OrderID: id, Symbol: symbol}, nil
}

func (f *fakeBroker) FetchFill(ctx context.Context, symbol string, orderID int64) (*broker.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFill != nil {
		return nil, f.failFill
	}
	if fill, ok := f.fills[orderID]; ok {
		return fill, nil
	}
	return &broker.Fill{}, nil
}

func (f *fakeBroker) SetProtectiveStop(ctx context.Context, symbol string, side position.Side, stopPrice float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopSets++
	if f.dropStops {
		return 0, nil
	}
	f.stops[symbol] = stopPrice
	f.nextOrderID++
	return f.nextOrderID, nil
}

func (f *fakeBroker) CancelProtectiveStops(ctx context.Context, symbol string) error {
	f.mu.Lock()
	delete(f.stops, symbol)
	f.mu.Unlock()
	return nil
}

func (f *fakeBroker) FetchPositions(ctx context.Context) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPositions != nil {
		return nil, f.failPositions
	}
	out := make([]broker.Position, 0, len(f.positions))
	for _, p := range f.positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBroker) FetchProtectiveStop(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStopFetch != nil {
		return 0, f.failStopFetch
	}
	return f.stops[symbol], nil
}

func (f *fakeBroker) FetchTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTickers != nil {
		return broker.Ticker{}, f.failTickers
	}
	return broker.Ticker{Symbol: symbol, Price: f.tickers[symbol]}, nil
}

func (f *fakeBroker) FetchTickers(ctx context.Context) ([]broker.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTickers != nil {
		return nil, f.failTickers
	}
	out := make([]broker.Ticker, 0, len(f.tickers))
	for sym, price := range f.tickers {
		out = append(out, broker.Ticker{Symbol: sym, Price: price})
	}
	return out, nil
}

func (f *fakeBroker) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.klines, nil
}

func (f *fakeBroker) FetchTime(ctx context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeBroker) SymbolTick(ctx context.Context, symbol string) (float64, error) {
	return f.tick, nil
}

func (f *fakeBroker) RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRealized != nil {
		return 0, false, f.failRealized
	}
	pnl, ok := f.realized[symbol]
	return pnl, ok, nil
}

var _ broker.Broker = (*fakeBroker)(nil)
