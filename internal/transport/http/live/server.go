package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"tradingjii/internal/gateway/database"
	"tradingjii/internal/logger"
	"tradingjii/internal/position"
)

// ServerConfig 只读观察接口配置。
type ServerConfig struct {
	Addr    string
	Store   *position.Store
	History *database.TradeHistoryStore
}

// Server 只读 HTTP 观察面：仓位、历史、操作流水与盈亏曲线。
// 不提供任何会改变仓位状态的端点。
type Server struct {
	cfg  ServerConfig
	ln   net.Listener
	http *http.Server
}

// NewServer 创建并绑定监听端口（立即失败优于启动后失败）。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("live http: store 为空")
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("live http 监听失败 %s: %w", cfg.Addr, err)
	}
	s := &Server{cfg: cfg, ln: ln}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/positions", s.handlePositions)
	api.GET("/positions/closed", s.handleClosedPositions)
	api.GET("/operations", s.handleOperations)
	r.GET("/chart/pnl", s.handlePnLChart)

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Addr 实际监听地址。
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Start 阻塞运行直到 ctx 取消或监听出错。
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("live http 关闭: %v", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"open":      s.cfg.Store.OpenCount(),
		"exposure":  s.cfg.Store.TotalExposure(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	open := s.cfg.Store.ListOpen()
	out := make([]positionView, 0, len(open))
	for _, rec := range open {
		out = append(out, toView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

func (s *Server) handleClosedPositions(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100)
	if s.cfg.History != nil {
		rows, err := s.cfg.History.ListClosedTrades(c.Request.Context(), limit)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"trades": rows, "count": len(rows)})
			return
		}
		logger.Warnf("live http 历史查询失败，回落内存环: %v", err)
	}
	closed := s.cfg.Store.ListClosed()
	if len(closed) > limit {
		closed = closed[len(closed)-limit:]
	}
	out := make([]positionView, 0, len(closed))
	for _, rec := range closed {
		out = append(out, toView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

func (s *Server) handleOperations(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "历史库未启用"})
		return
	}
	limit := parseLimit(c.Query("limit"), 200)
	rows, err := s.cfg.History.ListOperations(c.Request.Context(), c.Query("position_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": rows, "count": len(rows)})
}

// handlePnLChart 累计已实现盈亏曲线（echarts 渲染）。
func (s *Server) handlePnLChart(c *gin.Context) {
	if s.cfg.History == nil {
		c.String(http.StatusServiceUnavailable, "历史库未启用")
		return
	}
	points, err := s.cfg.History.CumulativePnL(c.Request.Context())
	if err != nil {
		c.String(http.StatusInternalServerError, "盈亏曲线查询失败: %v", err)
		return
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Realized PnL",
			Width:     "1100px",
			Height:    "520px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "累计已实现盈亏 (USDT)",
			Subtitle: fmt.Sprintf("共 %d 笔平仓", len(points)),
		}),
	)
	xs := make([]string, 0, len(points))
	ys := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		xs = append(xs, time.UnixMilli(p.ClosedAt).Format("01-02 15:04"))
		ys = append(ys, opts.LineData{Value: p.Cumulative, Name: p.Symbol})
	}
	line.SetXAxis(xs).AddSeries("cumulative", ys)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(c.Writer); err != nil {
		logger.Warnf("live http 渲染盈亏曲线失败: %v", err)
	}
}

// positionView 对外展示用的仓位视图。
type positionView struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Origin        string  `json:"origin"`
	Status        string  `json:"status"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	Size          float64 `json:"size"`
	Leverage      float64 `json:"leverage"`
	StopLossPrice float64 `json:"stop_loss_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Unprotected   bool    `json:"unprotected"`
	Trailing      bool    `json:"trailing_active"`
	OpenedAt      int64   `json:"opened_at"`
	ClosedAt      int64   `json:"closed_at,omitempty"`
	ExitPrice     float64 `json:"exit_price,omitempty"`
	RealizedPnL   float64 `json:"realized_pnl,omitempty"`
	CloseReason   string  `json:"close_reason,omitempty"`
}

func toView(rec *position.PositionRecord) positionView {
	v := positionView{
		ID:            rec.ID,
		Symbol:        rec.Symbol,
		Side:          string(rec.Side),
		Origin:        string(rec.Origin),
		Status:        string(rec.Status),
		EntryPrice:    rec.EntryPrice,
		CurrentPrice:  rec.CurrentPrice,
		Size:          rec.Size,
		Leverage:      rec.Leverage,
		StopLossPrice: rec.StopLossPrice,
		UnrealizedPnL: rec.UnrealizedPnL,
		Unprotected:   rec.Unprotected,
		Trailing:      rec.Trailing.Enabled,
		OpenedAt:      rec.OpenedAt.UnixMilli(),
		ExitPrice:     rec.ExitPrice,
		RealizedPnL:   rec.RealizedPnL,
		CloseReason:   string(rec.CloseReason),
	}
	if !rec.ClosedAt.IsZero() {
		v.ClosedAt = rec.ClosedAt.UnixMilli()
	}
	return v
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
