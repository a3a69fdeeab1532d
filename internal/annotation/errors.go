package annotation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

type ErrorKind string

const (
	RateLimited         ErrorKind = "rate_limited"
	InvalidResponse     ErrorKind = "invalid_response"
	ProviderUnavailable ErrorKind = "provider_unavailable"
	BudgetExceeded      ErrorKind = "budget_exceeded"
)

// Error 是 Annotate 返回的所有错误。服务已接收请求时 Billable 为 true，需要记入账本。
type Error struct {
	Kind         ErrorKind
	Status       int
	Billable     bool
	Permanent    bool
	InputTokens  int
	OutputTokens int
	Cost         decimal.Decimal
	RetryAfter   time.Duration
	Err          error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("annotate: %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("annotate: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Category() apperrors.Category {
	switch e.Kind {
	case RateLimited, ProviderUnavailable:
		return apperrors.CategoryTransientIO
	case InvalidResponse:
		return apperrors.CategoryMalformedInput
	case BudgetExceeded:
		return apperrors.CategoryBudgetExceeded
	default:
		return apperrors.CategoryInternal
	}
}

// Retryable 只针对退避重试，InvalidResponse 的那次严格重问由调用方负责。
func (e *Error) Retryable() bool {
	if e.Permanent {
		return false
	}
	return e.Kind == RateLimited || e.Kind == ProviderUnavailable
}

// RetryDelay 是服务给出的 Retry-After，没有时为零。
func (e *Error) RetryDelay() time.Duration { return e.RetryAfter }

var _ apperrors.Classified = (*Error)(nil)
