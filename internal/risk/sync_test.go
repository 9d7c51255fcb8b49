package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireGlobalTimesOut(t *testing.T) {
	c := NewSyncCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	release, err := c.AcquireGlobal(ctx)
	require.NoError(t, err)
	defer release()

	_, err = c.AcquireGlobal(ctx)
	assert.ErrorIs(t, err, ErrLeaseTimeout)
}

func TestPositionLeasesAreIndependent(t *testing.T) {
	c := NewSyncCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	releaseA, err := c.AcquirePosition(ctx, "pos-a")
	require.NoError(t, err)
	defer releaseA()

	// 不同仓位互不阻塞
	releaseB, err := c.AcquirePosition(ctx, "pos-b")
	require.NoError(t, err)
	releaseB()

	// 同一仓位被占则超时
	_, err = c.AcquirePosition(ctx, "pos-a")
	assert.ErrorIs(t, err, ErrLeaseTimeout)
}

func TestGlobalDoesNotBlockPositionLease(t *testing.T) {
	// 锁序是 全局→仓位，但全局租约本身不应隐式占住仓位租约
	c := NewSyncCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	releaseG, err := c.AcquireGlobal(ctx)
	require.NoError(t, err)
	defer releaseG()

	releaseP, err := c.AcquirePosition(ctx, "pos-a")
	require.NoError(t, err)
	releaseP()
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewSyncCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	release, err := c.AcquireGlobal(ctx)
	require.NoError(t, err)
	release()
	release() // 二次释放不得 panic 或放大计数

	release2, err := c.AcquireGlobal(ctx)
	require.NoError(t, err)
	release2()
}

func TestForgetAllowsReacquire(t *testing.T) {
	c := NewSyncCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	release, err := c.AcquirePosition(ctx, "pos-a")
	require.NoError(t, err)
	release()
	c.Forget("pos-a")

	release, err = c.AcquirePosition(ctx, "pos-a")
	require.NoError(t, err)
	release()
}

func TestAcquireRespectsCallerContext(t *testing.T) {
	c := NewSyncCoordinator(5 * time.Second)

	hold, err := c.AcquireGlobal(context.Background())
	require.NoError(t, err)
	defer hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = c.AcquireGlobal(ctx)
	assert.ErrorIs(t, err, ErrLeaseTimeout)
	assert.Less(t, time.Since(start), time.Second, "调用方 ctx 应先于租约超时生效")
}
