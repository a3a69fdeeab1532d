package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

// FeedDescriptor 描述一个订阅源：从哪里抓取、如何标记。
type FeedDescriptor struct {
	Name     string
	URL      string
	Source   string
	Group    string
	Category string
	// Language 为源声明的语言，文字识别无法判断时使用
	Language string
}

// Validate 检查地址可解析且带有来源标签。
func (d FeedDescriptor) Validate() error {
	if d.Source == "" {
		return fmt.Errorf("feed %q: source label is required", d.Name)
	}
	u, err := url.Parse(d.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("feed %q: invalid url %q", d.Name, d.URL)
	}
	return nil
}

// RawItem 是订阅源原样发布的条目，尚未规范化。
type RawItem struct {
	Title       string
	Link        string
	GUID        string
	Author      string
	Published   string
	Description string
	Content     string
}

// Fetcher 拉取一个订阅源的条目列表。实现不在调用之间保存状态，
// 每次调用对应一次外部请求。
type Fetcher interface {
	Fetch(ctx context.Context, feed FeedDescriptor) ([]RawItem, error)
}

// Extractor 根据文章 URL 获取可读正文。
type Extractor interface {
	Extract(ctx context.Context, articleURL string) (string, error)
}

type FetchErrorKind string

const (
	FetchTimeout           FetchErrorKind = "timeout"
	FetchUnreachable       FetchErrorKind = "unreachable"
	FetchMalformedResponse FetchErrorKind = "malformed_response"
)

// FetchError 用于所有抓取失败，各类都可重试。
type FetchError struct {
	Kind   FetchErrorKind
	Feed   string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.Feed, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Feed, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Category() apperrors.Category { return apperrors.CategoryTransientIO }

func (e *FetchError) Retryable() bool { return true }

var _ apperrors.Classified = (*FetchError)(nil)

func classifyTransportError(feed string, status int, err error) *FetchError {
	kind := FetchUnreachable
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = FetchTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = FetchTimeout
	}
	return &FetchError{Kind: kind, Feed: feed, Status: status, Err: err}
}
