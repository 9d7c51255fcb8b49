package risk

import (
	"context"
	"math"
	"math/rand"
	"time"

	"tradingjii/internal/broker"
	"tradingjii/internal/logger"
)

// retryConfig 有界重试：只对临时性错误重试，指数退避加抖动。
type retryConfig struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func defaultRetry() retryConfig {
	return retryConfig{attempts: 3, base: 200 * time.Millisecond, max: 3 * time.Second}
}

// retryTransient 执行 fn；临时错误按退避重试至多 attempts 次，
// 业务拒单与其它错误立即返回。超时/取消不在原地重试。
func retryTransient(ctx context.Context, cfg retryConfig, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.attempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(cfg.base) * math.Pow(2, float64(attempt-1)))
			if wait > cfg.max {
				wait = cfg.max
			}
			// 抖动：0.5x ~ 1.5x
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			logger.Debugf("%s 重试 %d/%d（上次: %v）", op, attempt+1, cfg.attempts, lastErr)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !broker.IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}
