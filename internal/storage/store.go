package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

type InsertResult int

const (
	Inserted InsertResult = iota + 1
	AlreadyPresent
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

type UpdateResult int

const (
	Updated UpdateResult = iota + 1
	NotFound
)

// ContentStore 按指纹保存内容记录。
// 多个调用方并发 InsertIfAbsent 时，只能有一个拿到 Inserted。
type ContentStore interface {
	Exists(ctx context.Context, fingerprint string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec *ContentRecord) (InsertResult, error)
	UpdateAnnotation(ctx context.Context, fingerprint string, upd AnnotationUpdate) (UpdateResult, error)
	MarkAnnotationFailed(ctx context.Context, fingerprint, category string) error
	// ListPendingAnnotation 返回尚未标注、因可重试原因失败，
	// 或由其他模型版本标注过的记录。
	ListPendingAnnotation(ctx context.Context, modelVersion string, limit int) ([]ContentRecord, error)
}

// retryableFailures 是值得再付费调用一次的 annotation_error。
// 输出格式错误的已经严格重问过一次，保持失败。
var retryableFailures = []string{string(apperrors.CategoryTransientIO)}

func retryableFailure(category string) bool {
	for _, c := range retryableFailures {
		if c == category {
			return true
		}
	}
	return false
}

// AnnotationCache 按 (指纹, 模型版本) 缓存标注结果。
// 未命中时 Get 返回 found=false 且 err 为 nil；Put 从不覆盖已有条目。
type AnnotationCache interface {
	Get(ctx context.Context, fingerprint, modelVersion string) (*AnnotationCacheEntry, bool, error)
	Put(ctx context.Context, entry *AnnotationCacheEntry) (InsertResult, error)
}

// CostLedger 是标注调用的只追加账本。
type CostLedger interface {
	Record(ctx context.Context, entry *CostLogEntry) error
	TotalCost(ctx context.Context, w Window) (decimal.Decimal, error)
	Summary(ctx context.Context, w Window) ([]ModelCost, error)
}

// ErrStoreUnavailable 是存储层故障的统一原因。
// 调用方只能当作"未知"，不能当作"不存在"。
var ErrStoreUnavailable = errors.New("store unavailable")

// StoreError 包装某次操作的后端故障。
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

func (e *StoreError) Category() apperrors.Category { return apperrors.CategoryTransientIO }

func (e *StoreError) Retryable() bool { return true }

var _ apperrors.Classified = (*StoreError)(nil)

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if rejectedRow(err) {
		return apperrors.Wrap(fmt.Errorf("%s: %w", op, err), apperrors.CategoryMalformedInput, "row_rejected", false)
	}
	return &StoreError{Op: op, Err: err}
}

// rejectedRow 判断数据库是否因数据本身拒绝写入：22 类为数据异常（如超长），
// 23 类为约束冲突，重试也不会成功。
func rejectedRow(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || len(pgErr.Code) < 2 {
		return false
	}
	switch pgErr.Code[:2] {
	case "22", "23":
		return true
	}
	return false
}

// Window 是左闭右开的时间区间 [Start, End)。
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// CurrentWindow 返回 loc 时区下包含 now 的自然日或自然月。
func CurrentWindow(now time.Time, period string, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	switch period {
	case "month":
		start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}
	default:
		start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 0, 1)}
	}
}
