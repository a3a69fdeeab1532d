package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
	"github.com/sjw9650/TradeButler/internal/storage"
)

var ErrExceeded = errors.New("budget exceeded")

// ExceededError 记录触发上限时的花费。
type ExceededError struct {
	Spent   decimal.Decimal
	Ceiling decimal.Decimal
	Window  storage.Window
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%v: spent %s of %s since %s", ErrExceeded, e.Spent.StringFixed(4), e.Ceiling.StringFixed(4), e.Window.Start.Format(time.RFC3339))
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

func (e *ExceededError) Category() apperrors.Category { return apperrors.CategoryBudgetExceeded }

func (e *ExceededError) Retryable() bool { return false }

var _ apperrors.Classified = (*ExceededError)(nil)

// Guard 根据账本判断当前窗口还能否花钱。
// 账本出错时返回错误，不会当作"未超预算"。
type Guard struct {
	ledger  storage.CostLedger
	ceiling decimal.Decimal
	period  string
	loc     *time.Location
	now     func() time.Time
}

func NewGuard(ledger storage.CostLedger, ceiling decimal.Decimal, period string, loc *time.Location) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	return &Guard{ledger: ledger, ceiling: ceiling, period: period, loc: loc, now: time.Now}
}

// WithClock 替换时间源，测试用。
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

func (g *Guard) Ceiling() decimal.Decimal { return g.ceiling }

func (g *Guard) Period() string { return g.period }

func (g *Guard) Window() storage.Window {
	return storage.CurrentWindow(g.now(), g.period, g.loc)
}

// WindowFor 返回指定周期（"day" 或 "month"）的当前窗口。
func (g *Guard) WindowFor(period string) storage.Window {
	return storage.CurrentWindow(g.now(), period, g.loc)
}

func (g *Guard) Spent(ctx context.Context) (decimal.Decimal, storage.Window, error) {
	w := g.Window()
	total, err := g.ledger.TotalCost(ctx, w)
	if err != nil {
		return decimal.Zero, w, fmt.Errorf("budget: read ledger: %w", err)
	}
	return total, w, nil
}

// Check 在花费达到上限时返回 *ExceededError。
func (g *Guard) Check(ctx context.Context) error {
	spent, w, err := g.Spent(ctx)
	if err != nil {
		return err
	}
	if spent.GreaterThanOrEqual(g.ceiling) {
		return &ExceededError{Spent: spent, Ceiling: g.ceiling, Window: w}
	}
	return nil
}
