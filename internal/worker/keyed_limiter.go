package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter 让同一个 key（源站点）的调用至少间隔 interval，不同 key 互不影响。
type KeyedLimiter struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewKeyedLimiter(interval time.Duration) *KeyedLimiter {
	return &KeyedLimiter{interval: interval, limiters: make(map[string]*rate.Limiter)}
}

func (k *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if k == nil || k.interval <= 0 {
		return ctx.Err()
	}
	return k.limiter(key).Wait(ctx)
}

func (k *KeyedLimiter) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(k.interval), 1)
		k.limiters[key] = l
	}
	return l
}
