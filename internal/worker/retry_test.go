package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

var fastPolicy = Policy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func transient(msg string) error {
	return apperrors.Wrap(errors.New(msg), apperrors.CategoryTransientIO, "test", true)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Retry(context.Background(), fastPolicy, func() error {
		calls++
		if calls < 3 {
			return transient("flaky")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	t.Parallel()
	calls := 0
	malformed := apperrors.Wrap(errors.New("bad"), apperrors.CategoryMalformedInput, "bad", false)
	err := Retry(context.Background(), fastPolicy, func() error {
		calls++
		return malformed
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if apperrors.CategoryOf(err) != apperrors.CategoryMalformedInput {
		t.Fatalf("err = %v, lost its category", err)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	var waits []time.Duration
	err := RetryNotify(context.Background(), fastPolicy, func() error {
		calls++
		return transient("down")
	}, func(_ error, d time.Duration) { waits = append(waits, d) })
	if calls != fastPolicy.Attempts {
		t.Fatalf("calls = %d, want %d", calls, fastPolicy.Attempts)
	}
	if len(waits) != fastPolicy.Attempts-1 {
		t.Fatalf("waits = %v", waits)
	}
	if !apperrors.RetryableOf(err) {
		t.Fatalf("err = %v, want the last transient error", err)
	}
}

type hinted struct{ error }

func (hinted) Category() apperrors.Category { return apperrors.CategoryTransientIO }
func (hinted) Retryable() bool              { return true }
func (hinted) RetryDelay() time.Duration    { return time.Hour }

func TestRetryHonoursHintCappedAtMaxDelay(t *testing.T) {
	t.Parallel()
	var waits []time.Duration
	calls := 0
	_ = RetryNotify(context.Background(), Policy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond}, func() error {
		calls++
		if calls == 1 {
			return hinted{errors.New("429")}
		}
		return nil
	}, func(_ error, d time.Duration) { waits = append(waits, d) })
	if len(waits) != 1 || waits[0] != 20*time.Millisecond {
		t.Fatalf("waits = %v, want [20ms]", waits)
	}
}

func TestRetryKeepsCauseWhenContextEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	err := Retry(ctx, Policy{Attempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func() error {
		cancel()
		return transient("down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if apperrors.CategoryOf(err) != apperrors.CategoryTransientIO {
		t.Fatalf("category = %s", apperrors.CategoryOf(err))
	}
}

func TestKeyedLimiterSpacesSameKeyOnly(t *testing.T) {
	t.Parallel()
	k := NewKeyedLimiter(50 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	_ = k.Wait(ctx, "a")
	_ = k.Wait(ctx, "b")
	if time.Since(start) > 30*time.Millisecond {
		t.Fatalf("different keys should not wait on each other")
	}
	_ = k.Wait(ctx, "a")
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("same key should be spaced")
	}
}
