package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

// Policy 限定一次重试操作，Attempts 包含首次尝试。
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// delayHinter 由携带服务端等待时间的错误实现，例如 Retry-After。
type delayHinter interface {
	RetryDelay() time.Duration
}

// Retry 反复执行 op，直到成功、遇到不可重试错误、次数用完或 ctx 结束。
// 是否可重试由错误分类决定。
func Retry(ctx context.Context, p Policy, op func() error) error {
	return RetryNotify(ctx, p, op, nil)
}

// RetryNotify 与 Retry 相同，每次等待前回调 notify。
func RetryNotify(ctx context.Context, p Policy, op func() error, notify func(err error, wait time.Duration)) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.RandomizationFactor = 0.2
	exp.Reset()

	hb := &hintedBackOff{BackOff: exp, max: p.MaxDelay}
	b := backoff.WithContext(backoff.WithMaxRetries(hb, uint64(p.Attempts-1)), ctx)

	var last error
	err := backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		last = err
		if !apperrors.RetryableOf(err) {
			return backoff.Permanent(err)
		}
		var h delayHinter
		if errors.As(err, &h) {
			hb.hint = h.RetryDelay()
		}
		return err
	}, b, notify)

	// 等待中 ctx 结束时 backoff 返回 ctx.Err()，这里保留操作本身的错误供调用方分类
	if err != nil && last != nil && errors.Is(err, ctx.Err()) && !errors.Is(last, ctx.Err()) {
		return errors.Join(last, err)
	}
	return err
}

type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
	max  time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
		if h.max > 0 && d > h.max {
			d = h.max
		}
	}
	h.hint = 0
	return d
}
