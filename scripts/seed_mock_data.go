package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"tradingjii/internal/gateway/database"
	"tradingjii/internal/position"
	"tradingjii/internal/risk"
)

// 往历史库灌入模拟平仓与操作流水，用于本地调试观察接口与盈亏曲线。
// 用法: go run scripts/seed_mock_data.go [db_path]
// 默认 db_path: data/history.db
func main() {
	dbPath := "data/history.db"
	if len(os.Args) > 1 && strings.TrimSpace(os.Args[1]) != "" {
		dbPath = strings.TrimSpace(os.Args[1])
	}

	store, err := database.NewTradeHistoryStore(dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"}
	reasons := []position.CloseReason{
		position.CloseTrailingStop, position.CloseStopLoss,
		position.CloseExternal, position.CloseManual,
	}

	now := time.Now()
	for i := 0; i < 40; i++ {
		sym := symbols[rng.Intn(len(symbols))]
		side := position.SideLong
		if rng.Intn(2) == 0 {
			side = position.SideShort
		}
		entry := 100 + rng.Float64()*50000
		movePct := (rng.Float64() - 0.42) * 0.12 // 轻微偏正，曲线不至于一路向下
		exit := entry * (1 + movePct)
		size := (500 + rng.Float64()*1500) / entry
		pnl := (exit - entry) * size
		if side == position.SideShort {
			pnl = -pnl
		}
		opened := now.Add(-time.Duration(40-i) * 6 * time.Hour)
		closed := opened.Add(time.Duration(30+rng.Intn(600)) * time.Minute)
		id := fmt.Sprintf("seed-%03d", i)

		rec := position.PositionRecord{
			ID: id, Symbol: sym, Side: side, Origin: position.OriginStrategy,
			EntryPrice: entry, ExitPrice: exit, Size: size, Leverage: 5,
			RealizedPnL: pnl, CloseReason: reasons[rng.Intn(len(reasons))],
			OpenedAt: opened, ClosedAt: closed,
		}
		if err := store.AppendClosedTrade(ctx, rec); err != nil {
			panic(err)
		}
		_ = store.Append(ctx, risk.Operation{
			PositionID: id, Symbol: sym, Kind: risk.OpOpen,
			Details: map[string]any{"entry": entry, "size": size}, At: opened,
		})
		_ = store.Append(ctx, risk.Operation{
			PositionID: id, Symbol: sym, Kind: risk.OpStopSet,
			Details: map[string]any{"price": position.ProtectiveStop(side, entry, 0.05)}, At: opened.Add(time.Second),
		})
	}

	fmt.Printf("✓ 已写入 40 条模拟平仓到 %s\n", dbPath)
}
