package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"tradingjii/internal/broker"
	"tradingjii/internal/config"
	"tradingjii/internal/logger"
	"tradingjii/internal/market"
	"tradingjii/internal/position"
)

// 幂等处理：保证金模式已一致时 Binance 返回该错误码。
const codeNoNeedChangeMargin = -4046

// Client 基于 Binance USDⓈ-M 合约 API 的 broker.Broker 实现。
// 所有请求过本地限流器；tick 步长按 symbol 惰性缓存。
type Client struct {
	fc      *futures.Client
	limiter *rate.Limiter

	tickMu sync.RWMutex
	ticks  map[string]float64
}

var _ broker.Broker = (*Client)(nil)

// NewClient 按配置构建客户端。
func NewClient(cfg *config.Config) (*Client, error) {
	if strings.TrimSpace(cfg.Exchange.APIKey) == "" || strings.TrimSpace(cfg.Exchange.APISecret) == "" {
		return nil, fmt.Errorf("binance: api_key/api_secret 不能为空")
	}
	futures.UseTestnet = cfg.Exchange.Testnet
	fc := futures.NewClient(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	fc.HTTPClient = &http.Client{
		Timeout: time.Duration(cfg.Exchange.TimeoutSecs) * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &Client{
		fc:      fc,
		limiter: rate.NewLimiter(rate.Limit(cfg.Exchange.RateLimit), cfg.Exchange.RateBurst),
		ticks:   map[string]float64{},
	}, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &broker.TransientError{Op: "rate_limit", Err: err}
	}
	return nil
}

// classify 把 Binance API 错误映射到错误分类：
// 限流/网络/服务端错误 → Transient；其余 API 错误在订单场景视为业务拒单。
func classify(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1003, -1007, -1001, -1021:
			return &broker.TransientError{Op: op, Err: err}
		}
		if apiErr.Code <= -500 && apiErr.Code > -600 {
			return &broker.TransientError{Op: op, Err: err}
		}
		return &broker.RejectedOrderError{Symbol: symbol, Code: apiErr.Code, Reason: apiErr.Message, Err: err}
	}
	// 非 API 错误（连接、超时）一律视为临时失败
	return &broker.TransientError{Op: op, Err: err}
}

// SetLeverage 设置杠杆；重复设置同值直接成功。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.fc.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return classify("set_leverage", symbol, err)
	}
	return nil
}

// SetMarginMode 设置保证金模式；"无需变更"按成功处理。
func (c *Client) SetMarginMode(ctx context.Context, symbol, mode string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	mt := futures.MarginTypeIsolated
	if strings.EqualFold(mode, "CROSSED") {
		mt = futures.MarginTypeCrossed
	}
	err := c.fc.NewChangeMarginTypeService().Symbol(symbol).MarginType(mt).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeNoNeedChangeMargin {
			return nil
		}
		return classify("set_margin_mode", symbol, err)
	}
	return nil
}

// PlaceMarketOrder 提交市价单。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side position.Side, quantity float64, reduceOnly bool) (*broker.OrderResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	orderSide := futures.SideTypeBuy
	if side == position.SideShort {
		orderSide = futures.SideTypeSell
	}
	if reduceOnly {
		// 平仓方向与持仓方向相反
		if side == position.SideLong {
			orderSide = futures.SideTypeSell
		} else {
			orderSide = futures.SideTypeBuy
		}
	}
	svc := c.fc.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(quantity))
	if reduceOnly {
		svc = svc.ReduceOnly(true)
	}
	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify("place_market_order", symbol, err)
	}
	return &broker.OrderResult{OrderID: resp.OrderID, Symbol: symbol}, nil
}

// FetchFill 查询订单成交情况。
func (c *Client) FetchFill(ctx context.Context, symbol string, orderID int64) (*broker.Fill, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	order, err := c.fc.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
	if err != nil {
		return nil, classify("fetch_fill", symbol, err)
	}
	fill := &broker.Fill{
		Filled:   order.Status == futures.OrderStatusTypeFilled,
		AvgPrice: parseFloat(order.AvgPrice),
		Quantity: parseFloat(order.ExecutedQuantity),
	}
	return fill, nil
}

// SetProtectiveStop 挂 STOP_MARKET 全平保护单（标记价触发）。
func (c *Client) SetProtectiveStop(ctx context.Context, symbol string, side position.Side, stopPrice float64) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	orderSide := futures.SideTypeSell
	if side == position.SideShort {
		orderSide = futures.SideTypeBuy
	}
	resp, err := c.fc.NewCreateOrderService().
		Symbol(symbol).
		Side(orderSide).
		Type(futures.OrderTypeStopMarket).
		StopPrice(formatPrice(stopPrice)).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice).
		Do(ctx)
	if err != nil {
		return 0, classify("set_protective_stop", symbol, err)
	}
	return resp.OrderID, nil
}

// CancelProtectiveStops 撤掉该 symbol 所有挂着的保护单。
func (c *Client) CancelProtectiveStops(ctx context.Context, symbol string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	orders, err := c.fc.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return classify("cancel_protective_stops", symbol, err)
	}
	for _, o := range orders {
		if o.Type != futures.OrderTypeStopMarket && o.Type != futures.OrderTypeStop {
			continue
		}
		if err := c.wait(ctx); err != nil {
			return err
		}
		if _, err := c.fc.NewCancelOrderService().Symbol(symbol).OrderID(o.OrderID).Do(ctx); err != nil {
			logger.Warnf("binance: 撤保护单失败 %s order=%d: %v", symbol, o.OrderID, err)
			return classify("cancel_protective_stops", symbol, err)
		}
	}
	return nil
}

// FetchPositions 拉取非零仓位。
func (c *Client) FetchPositions(ctx context.Context) ([]broker.Position, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	risks, err := c.fc.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classify("fetch_positions", "", err)
	}
	out := make([]broker.Position, 0, len(risks))
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := position.SideLong
		size := amt
		if amt < 0 {
			side = position.SideShort
			size = -amt
		}
		out = append(out, broker.Position{
			Symbol:        strings.ToUpper(r.Symbol),
			Side:          side,
			Size:          size,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			UnrealizedPnL: parseFloat(r.UnRealizedProfit),
			Leverage:      parseFloat(r.Leverage),
		})
	}
	return out, nil
}

// FetchProtectiveStop 返回挂单中的止损触发价；没有保护单返回 0。
func (c *Client) FetchProtectiveStop(ctx context.Context, symbol string) (float64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	orders, err := c.fc.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, classify("fetch_protective_stop", symbol, err)
	}
	for _, o := range orders {
		if o.Type == futures.OrderTypeStopMarket && o.ClosePosition {
			return parseFloat(o.StopPrice), nil
		}
	}
	return 0, nil
}

// FetchTicker 单 symbol 最新价。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (broker.Ticker, error) {
	if err := c.wait(ctx); err != nil {
		return broker.Ticker{}, err
	}
	prices, err := c.fc.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return broker.Ticker{}, classify("fetch_ticker", symbol, err)
	}
	if len(prices) == 0 {
		return broker.Ticker{}, &broker.TransientError{Op: "fetch_ticker", Err: fmt.Errorf("%s 无价格返回", symbol)}
	}
	return broker.Ticker{Symbol: strings.ToUpper(prices[0].Symbol), Price: parseFloat(prices[0].Price)}, nil
}

// FetchTickers 批量最新价。
func (c *Client) FetchTickers(ctx context.Context) ([]broker.Ticker, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	prices, err := c.fc.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, classify("fetch_tickers", "", err)
	}
	out := make([]broker.Ticker, 0, len(prices))
	for _, p := range prices {
		out = append(out, broker.Ticker{Symbol: strings.ToUpper(p.Symbol), Price: parseFloat(p.Price)})
	}
	return out, nil
}

// FetchKlines 拉取最近 limit 根 K 线。
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.fc.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("fetch_klines", symbol, err)
	}
	out := make([]market.Kline, 0, len(raw))
	for _, k := range raw {
		out = append(out, market.Kline{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
		})
	}
	return out, nil
}

// FetchTime 交易所服务器时间。
func (c *Client) FetchTime(ctx context.Context) (time.Time, error) {
	if err := c.wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := c.fc.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, classify("fetch_time", "", err)
	}
	return time.UnixMilli(ms), nil
}

// SymbolTick 价格步长，首次查询时拉取 exchangeInfo 并缓存全量。
func (c *Client) SymbolTick(ctx context.Context, symbol string) (float64, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	c.tickMu.RLock()
	tick, ok := c.ticks[symbol]
	c.tickMu.RUnlock()
	if ok {
		return tick, nil
	}
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	info, err := c.fc.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, classify("symbol_tick", symbol, err)
	}
	c.tickMu.Lock()
	for _, s := range info.Symbols {
		if pf := s.PriceFilter(); pf != nil {
			if ts := parseFloat(pf.TickSize); ts > 0 {
				c.ticks[strings.ToUpper(s.Symbol)] = ts
			}
		}
	}
	tick, ok = c.ticks[symbol]
	c.tickMu.Unlock()
	if !ok {
		return 0, fmt.Errorf("binance: 未找到 %s 的 tick size", symbol)
	}
	return tick, nil
}

// RealizedPnL 汇总 since 之后的 REALIZED_PNL 流水。
func (c *Client) RealizedPnL(ctx context.Context, symbol string, since time.Time) (float64, bool, error) {
	if err := c.wait(ctx); err != nil {
		return 0, false, err
	}
	rows, err := c.fc.NewGetIncomeHistoryService().
		Symbol(symbol).
		IncomeType("REALIZED_PNL").
		StartTime(since.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return 0, false, classify("realized_pnl", symbol, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	var total float64
	for _, row := range rows {
		total += parseFloat(row.Income)
	}
	return total, true, nil
}
