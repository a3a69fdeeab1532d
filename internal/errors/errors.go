package errors

import "errors"

// Category 是暴露给运维和管理接口的粗粒度错误分类。
type Category string

const (
	CategoryTransientIO        Category = "transient_io"
	CategoryMalformedInput     Category = "malformed_input"
	CategoryBudgetExceeded     Category = "budget_exceeded"
	CategoryLedgerWriteFailure Category = "ledger_write_failure"
	CategoryInternal           Category = "internal"
)

// Classified 由知道自身分类的错误实现。
// 抓取、存储、标注的错误类型直接实现它，调用方无需引入这些包即可分流。
type Classified interface {
	error
	Category() Category
	Retryable() bool
}

type classifiedError struct {
	category  Category
	code      string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

func Wrap(cause error, category Category, code string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		retryable: retryable,
		cause:     cause,
	}
}

// CategoryOf 返回错误链最外层的分类，未分类的非 nil 错误返回 CategoryInternal。
func CategoryOf(err error) Category {
	if err == nil {
		return ""
	}
	var c Classified
	if errors.As(err, &c) {
		return c.Category()
	}
	return CategoryInternal
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func RetryableOf(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return false
}

// IsFatal 判断 err 是否要中止整个任务，而不只是当前条目。
func IsFatal(err error) bool {
	return CategoryOf(err) == CategoryBudgetExceeded
}
