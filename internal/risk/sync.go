package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// SyncCoordinator 提供两级短租约：
//   - 全局租约：导入与新开仓对同一 symbol 的竞争在此互斥；
//   - 仓位租约：移动止损与补挂不会同时改同一仓位的止损。
//
// 锁序固定为 全局→仓位，任何路径不得反向，避免死锁。
// 获取一律带超时；释放函数在所有退出路径（含失败）调用。
type SyncCoordinator struct {
	global  *semaphore.Weighted
	perPos  sync.Map // position id → *semaphore.Weighted
	timeout time.Duration
}

// NewSyncCoordinator 创建租约协调器；timeout 为单次获取上限。
func NewSyncCoordinator(timeout time.Duration) *SyncCoordinator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SyncCoordinator{
		global:  semaphore.NewWeighted(1),
		timeout: timeout,
	}
}

func (c *SyncCoordinator) acquire(ctx context.Context, sem *semaphore.Weighted, what string) (func(), error) {
	acqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := sem.Acquire(acqCtx, 1); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLeaseTimeout, what, err)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}

// AcquireGlobal 获取全局排他租约。
func (c *SyncCoordinator) AcquireGlobal(ctx context.Context) (func(), error) {
	return c.acquire(ctx, c.global, "global")
}

// AcquirePosition 获取指定仓位的排他租约。
func (c *SyncCoordinator) AcquirePosition(ctx context.Context, id string) (func(), error) {
	sem, _ := c.perPos.LoadOrStore(id, semaphore.NewWeighted(1))
	return c.acquire(ctx, sem.(*semaphore.Weighted), "position "+id)
}

// Forget 仓位终结后清理租约条目。
func (c *SyncCoordinator) Forget(id string) { c.perPos.Delete(id) }
