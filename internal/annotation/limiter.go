package annotation

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limiter 限制对服务的调用：最多 maxInFlight 个并发，
// 两次调用开始至少间隔 minInterval。调用方阻塞直到获准。
type Limiter struct {
	sem      *semaphore.Weighted
	interval *rate.Limiter
}

func NewLimiter(maxInFlight int, minInterval time.Duration) *Limiter {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if minInterval > 0 {
		lim = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		interval: lim,
	}
}

// Acquire 返回 release 函数，调用结束后必须执行。
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.interval.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
