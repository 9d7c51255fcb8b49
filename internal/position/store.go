package position

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingjii/internal/logger"
)

var (
	// ErrDuplicatePosition 同一 symbol 已存在开仓记录。
	ErrDuplicatePosition = errors.New("position: duplicate open position for symbol")
	// ErrNotFound 指定 id 的仓位不存在。
	ErrNotFound = errors.New("position: not found")
	// ErrClosed 对已平仓记录执行了只允许开仓态的操作。
	ErrClosed = errors.New("position: already closed")
	// ErrPersistence 落盘失败；内存变更已回滚，绝不留下"已改未存"状态。
	ErrPersistence = errors.New("position: persistence failed")
)

// CreateSpec 开仓登记参数。
type CreateSpec struct {
	Symbol        string
	Side          Side
	EntryPrice    float64
	Size          float64
	Leverage      float64
	StopLossPrice float64
	TakeProfit    float64
	Confidence    int
	Origin        Origin
	OpenedAt      time.Time
}

// Store 仓位表：进程内唯一共享可变状态。
// 同一 id 的变更串行化（每仓互斥锁），不同 id 互不阻塞；
// 每次成功变更先落盘快照再返回，落盘失败则回滚内存。
type Store struct {
	mu       sync.RWMutex
	open     map[string]*PositionRecord
	bySymbol map[string]string // symbol → open position id
	closed   []*PositionRecord // 按平仓先后排列，超出上限淘汰最老

	// 每个 id 一把互斥锁，避免监控/补挂/对账同时写同一仓位。
	locks sync.Map

	persistMu sync.Mutex // 串行化"采样+写文件"，保证快照单调
	snap      *SnapshotFile

	closedCap int

	// OnClose 平仓成功（含落盘）后的回调，用于写交易流水等旁路记录。
	OnClose func(rec PositionRecord)
}

// NewStore 创建空仓位表。
func NewStore(snap *SnapshotFile, closedCap int) *Store {
	if closedCap <= 0 {
		closedCap = 500
	}
	return &Store{
		open:      make(map[string]*PositionRecord),
		bySymbol:  make(map[string]string),
		snap:      snap,
		closedCap: closedCap,
	}
}

// LoadStore 从快照恢复仓位表；快照损坏时返回错误，由调用方决定是否重置。
func LoadStore(snap *SnapshotFile, closedCap int) (*Store, error) {
	s := NewStore(snap, closedCap)
	if snap == nil {
		return s, nil
	}
	open, closed, err := snap.Load()
	if err != nil {
		return nil, err
	}
	for _, rec := range open {
		if rec == nil || rec.ID == "" {
			continue
		}
		s.open[rec.ID] = rec
		s.bySymbol[normSymbol(rec.Symbol)] = rec.ID
	}
	s.closed = closed
	if len(open) > 0 || len(closed) > 0 {
		logger.Infof("仓位快照恢复: open=%d closed=%d", len(open), len(closed))
	}
	return s, nil
}

func normSymbol(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

func (s *Store) lockFor(id string) *sync.Mutex {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Create 登记新开仓。同 symbol 已有开仓记录时返回 ErrDuplicatePosition。
func (s *Store) Create(spec CreateSpec) (string, error) {
	symbol := normSymbol(spec.Symbol)
	if symbol == "" {
		return "", fmt.Errorf("position: symbol 必填")
	}
	if spec.Side != SideLong && spec.Side != SideShort {
		return "", fmt.Errorf("position: side 非法: %q", spec.Side)
	}
	if spec.Size <= 0 || spec.EntryPrice <= 0 {
		return "", fmt.Errorf("position: size/entry_price 必须为正")
	}
	openedAt := spec.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now()
	}
	origin := spec.Origin
	if origin == "" {
		origin = OriginStrategy
	}
	rec := &PositionRecord{
		ID:              uuid.NewString(),
		Symbol:          symbol,
		Side:            spec.Side,
		EntryPrice:      spec.EntryPrice,
		Leverage:        spec.Leverage,
		OpenedAt:        openedAt,
		Origin:          origin,
		CurrentPrice:    spec.EntryPrice,
		Size:            spec.Size,
		StopLossPrice:   spec.StopLossPrice,
		TakeProfitPrice: spec.TakeProfit,
		Status:          StatusOpen,
		Confidence:      spec.Confidence,
	}

	s.mu.Lock()
	if existing, ok := s.bySymbol[symbol]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s (open id=%s)", ErrDuplicatePosition, symbol, existing)
	}
	s.open[rec.ID] = rec
	s.bySymbol[symbol] = rec.ID
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		delete(s.open, rec.ID)
		delete(s.bySymbol, symbol)
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	logger.Positionf(logger.LevelInfo, rec.ID, "create", "%s %s size=%.6f entry=%.6f stop=%.6f origin=%s",
		symbol, rec.Side, rec.Size, rec.EntryPrice, rec.StopLossPrice, rec.Origin)
	return rec.ID, nil
}

// Get 返回记录副本；开仓与留存的平仓记录均可查。
func (s *Store) Get(id string) (*PositionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.open[id]; ok {
		return rec.Clone(), true
	}
	for _, rec := range s.closed {
		if rec.ID == id {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// OpenBySymbol 按 symbol 查开仓记录副本。
func (s *Store) OpenBySymbol(symbol string) (*PositionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySymbol[normSymbol(symbol)]
	if !ok {
		return nil, false
	}
	rec, ok := s.open[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Update 原子的读-改-写：mutate 在记录副本上执行，成功后整体替换并落盘。
// 标识字段与状态由 Store 守护，mutate 中的改动会被还原；平仓必须走 Close。
func (s *Store) Update(id string, mutate func(*PositionRecord) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.open[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	// 不可变字段守护
	next.ID, next.Symbol, next.Side = cur.ID, cur.Symbol, cur.Side
	next.EntryPrice, next.Leverage, next.OpenedAt, next.Origin = cur.EntryPrice, cur.Leverage, cur.OpenedAt, cur.Origin
	next.Status = cur.Status
	// 移动止损激活后不可回退，止损只许更保护
	if cur.Trailing.Enabled {
		next.Trailing.Enabled = true
		if !MoreProtective(cur.Side, next.StopLossPrice, cur.StopLossPrice) {
			next.StopLossPrice = cur.StopLossPrice
		}
	}
	next.UpdateCount = cur.UpdateCount + 1

	s.mu.Lock()
	s.open[id] = next
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		s.open[id] = cur
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// ApplyStopMove 在变更点强制"只许改进"的止损更新；
// 新价不更保护时不产生任何变更（也不落盘），返回 moved=false。
func (s *Store) ApplyStopMove(id string, newStop float64) (bool, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.open[id]
	s.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !MoreProtective(cur.Side, newStop, cur.StopLossPrice) {
		return false, nil
	}
	next := cur.Clone()
	next.StopLossPrice = newStop
	next.Unprotected = false
	next.Trailing.LastUpdate = time.Now()
	next.UpdateCount = cur.UpdateCount + 1

	s.mu.Lock()
	s.open[id] = next
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		s.mu.Lock()
		s.open[id] = cur
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	logger.Positionf(logger.LevelInfo, id, "stop_move", "%s 止损 %.6f → %.6f", cur.Symbol, cur.StopLossPrice, newStop)
	return true, nil
}

// Close 平仓：写入终态字段并移入留存集合，超出上限淘汰最老记录。
func (s *Store) Close(id string, exitPrice float64, reason CloseReason) (*PositionRecord, error) {
	return s.CloseWithPnL(id, exitPrice, reason, nil)
}

// CloseWithPnL 平仓并可选指定交易所权威的已实现盈亏（对账导入时使用）；
// realized 为 nil 时按本地价差估算。
func (s *Store) CloseWithPnL(id string, exitPrice float64, reason CloseReason, realized *float64) (*PositionRecord, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.open[id]
	s.mu.RUnlock()
	if !ok {
		if _, found := s.Get(id); found {
			return nil, fmt.Errorf("%w: %s", ErrClosed, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := cur.Clone()
	next.Status = StatusClosed
	next.ClosedAt = time.Now()
	next.ExitPrice = exitPrice
	next.CloseReason = reason
	if realized != nil {
		next.RealizedPnL = *realized
	} else {
		next.RealizedPnL = cur.PnLAt(exitPrice)
	}
	if exitPrice > 0 {
		next.CurrentPrice = exitPrice
	}
	next.UnrealizedPnL = 0
	next.UpdateCount = cur.UpdateCount + 1

	s.mu.Lock()
	delete(s.open, id)
	delete(s.bySymbol, normSymbol(cur.Symbol))
	s.closed = append(s.closed, next)
	var evicted int
	if len(s.closed) > s.closedCap {
		evicted = len(s.closed) - s.closedCap
		s.closed = append([]*PositionRecord(nil), s.closed[evicted:]...)
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		s.mu.Lock()
		s.open[id] = cur
		s.bySymbol[normSymbol(cur.Symbol)] = id
		if n := len(s.closed); n > 0 && s.closed[n-1].ID == id {
			s.closed = s.closed[:n-1]
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if evicted > 0 {
		logger.Debugf("平仓留存超限，淘汰最老 %d 条", evicted)
	}
	logger.Positionf(logger.LevelInfo, id, "close", "%s %s exit=%.6f reason=%s pnl=%.4f",
		cur.Symbol, cur.Side, exitPrice, reason, next.RealizedPnL)
	if s.OnClose != nil {
		s.OnClose(*next.Clone())
	}
	return next.Clone(), nil
}

// ListOpen 返回开仓快照（副本），按开仓时间排序。
func (s *Store) ListOpen() []*PositionRecord {
	s.mu.RLock()
	out := make([]*PositionRecord, 0, len(s.open))
	for _, rec := range s.open {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ListClosed 返回平仓留存快照（副本），最新在后。
func (s *Store) ListClosed() []*PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PositionRecord, 0, len(s.closed))
	for _, rec := range s.closed {
		out = append(out, rec.Clone())
	}
	return out
}

// OpenCount 当前开仓数。
func (s *Store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.open)
}

// TotalExposure 全表一致视图下的名义敞口合计。
func (s *Store) TotalExposure() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, rec := range s.open {
		total += rec.Notional(rec.CurrentPrice)
	}
	return total
}

// persist 在写锁外采样副本并写快照；persistMu 保证采样与写文件整体串行，
// 后发生的变更不会被先写入的快照覆盖。
func (s *Store) persist() error {
	if s.snap == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	open := make([]*PositionRecord, 0, len(s.open))
	for _, rec := range s.open {
		open = append(open, rec.Clone())
	}
	closed := make([]*PositionRecord, 0, len(s.closed))
	for _, rec := range s.closed {
		closed = append(closed, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(open, func(i, j int) bool { return open[i].OpenedAt.Before(open[j].OpenedAt) })
	return s.snap.Save(open, closed)
}
