package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tradingjii/internal/position"
	"tradingjii/internal/risk"
)

// TradeHistoryStore 交易历史旁路库（sqlite）：
// closed_trades 记录每笔平仓的终态，operation_log 记录仓位操作流水。
// 仅追加与查询，权威仓位状态始终在内存表+快照。
type TradeHistoryStore struct {
	mu sync.Mutex
	db *sql.DB
}

var _ risk.OperationLog = (*TradeHistoryStore)(nil)

// NewTradeHistoryStore 打开（必要时创建）历史库。
func NewTradeHistoryStore(path string) (*TradeHistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建历史库目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开历史库失败: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("设置 pragma 失败 %s: %w", p, err)
		}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			origin TEXT NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			size REAL NOT NULL,
			leverage REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			close_reason TEXT NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol);`,
		`CREATE TABLE IF NOT EXISTS operation_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			details TEXT NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_operation_log_position ON operation_log(position_id);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("建表失败: %w", err)
		}
	}
	return &TradeHistoryStore{db: db}, nil
}

// Close 关闭历史库。
func (s *TradeHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// AppendClosedTrade 追加一笔平仓终态。
func (s *TradeHistoryStore) AppendClosedTrade(ctx context.Context, rec position.PositionRecord) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("history store 未初始化")
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO closed_trades
		 (position_id, symbol, side, origin, entry_price, exit_price, size, leverage, realized_pnl, close_reason, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Side), string(rec.Origin),
		rec.EntryPrice, rec.ExitPrice, rec.Size, rec.Leverage,
		rec.RealizedPnL, string(rec.CloseReason),
		rec.OpenedAt.UnixMilli(), rec.ClosedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入 closed_trades 失败: %w", err)
	}
	return nil
}

// Append 实现 risk.OperationLog。
func (s *TradeHistoryStore) Append(ctx context.Context, op risk.Operation) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("history store 未初始化")
	}
	details := "{}"
	if len(op.Details) > 0 {
		if buf, err := json.Marshal(op.Details); err == nil {
			details = string(buf)
		}
	}
	at := op.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO operation_log (position_id, symbol, kind, details, ts) VALUES (?, ?, ?, ?, ?)`,
		op.PositionID, strings.ToUpper(op.Symbol), op.Kind, details, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入 operation_log 失败: %w", err)
	}
	return nil
}

// ClosedTradeRow 平仓历史行。
type ClosedTradeRow struct {
	PositionID  string  `json:"position_id"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Origin      string  `json:"origin"`
	EntryPrice  float64 `json:"entry_price"`
	ExitPrice   float64 `json:"exit_price"`
	Size        float64 `json:"size"`
	Leverage    float64 `json:"leverage"`
	RealizedPnL float64 `json:"realized_pnl"`
	CloseReason string  `json:"close_reason"`
	OpenedAt    int64   `json:"opened_at"`
	ClosedAt    int64   `json:"closed_at"`
}

// ListClosedTrades 按平仓时间倒序取最近 limit 条。
func (s *TradeHistoryStore) ListClosedTrades(ctx context.Context, limit int) ([]ClosedTradeRow, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("history store 未初始化")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT position_id, symbol, side, origin, entry_price, exit_price, size, leverage, realized_pnl, close_reason, opened_at, closed_at
		 FROM closed_trades ORDER BY closed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 closed_trades 失败: %w", err)
	}
	defer rows.Close()
	var out []ClosedTradeRow
	for rows.Next() {
		var r ClosedTradeRow
		if err := rows.Scan(&r.PositionID, &r.Symbol, &r.Side, &r.Origin, &r.EntryPrice, &r.ExitPrice,
			&r.Size, &r.Leverage, &r.RealizedPnL, &r.CloseReason, &r.OpenedAt, &r.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OperationRow 操作流水行。
type OperationRow struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Kind       string `json:"kind"`
	Details    string `json:"details"`
	Ts         int64  `json:"ts"`
}

// ListOperations 查询操作流水；positionID 为空时返回全局最近 limit 条。
func (s *TradeHistoryStore) ListOperations(ctx context.Context, positionID string, limit int) ([]OperationRow, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("history store 未初始化")
	}
	if limit <= 0 {
		limit = 200
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(positionID) == "" {
		rows, err = db.QueryContext(ctx,
			`SELECT position_id, symbol, kind, details, ts FROM operation_log ORDER BY ts DESC LIMIT ?`, limit)
	} else {
		rows, err = db.QueryContext(ctx,
			`SELECT position_id, symbol, kind, details, ts FROM operation_log WHERE position_id = ? ORDER BY ts DESC LIMIT ?`,
			positionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("查询 operation_log 失败: %w", err)
	}
	defer rows.Close()
	var out []OperationRow
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(&r.PositionID, &r.Symbol, &r.Kind, &r.Details, &r.Ts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PnLPoint 累计已实现盈亏曲线上的一个点。
type PnLPoint struct {
	ClosedAt   int64
	Symbol     string
	Cumulative float64
}

// CumulativePnL 按平仓时间正序输出累计已实现盈亏。
func (s *TradeHistoryStore) CumulativePnL(ctx context.Context) ([]PnLPoint, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("history store 未初始化")
	}
	rows, err := db.QueryContext(ctx,
		`SELECT symbol, realized_pnl, closed_at FROM closed_trades ORDER BY closed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("查询盈亏曲线失败: %w", err)
	}
	defer rows.Close()
	var out []PnLPoint
	var cum float64
	for rows.Next() {
		var sym string
		var pnl float64
		var ts int64
		if err := rows.Scan(&sym, &pnl, &ts); err != nil {
			return nil, err
		}
		cum += pnl
		out = append(out, PnLPoint{ClosedAt: ts, Symbol: sym, Cumulative: cum})
	}
	return out, rows.Err()
}
