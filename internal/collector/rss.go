package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxFeedBytes = 4 << 20 // 4MB
	defaultUserAgent    = "TradeButlerBot/1.0"
)

var errNotAFeed = errors.New("document is not an RSS, RDF or Atom feed")

// RSSFetcher 抓取 RSS 2.0、RDF 和 Atom 源，每次调用新建一个 colly collector。
type RSSFetcher struct {
	Timeout     time.Duration
	UserAgent   string
	MaxBodySize int
}

var _ Fetcher = (*RSSFetcher)(nil)

func NewRSSFetcher(timeout time.Duration) *RSSFetcher {
	return &RSSFetcher{Timeout: timeout}
}

func (f *RSSFetcher) Fetch(ctx context.Context, feed FeedDescriptor) ([]RawItem, error) {
	if err := feed.Validate(); err != nil {
		return nil, &FetchError{Kind: FetchUnreachable, Feed: feed.Name, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyTransportError(feed.Name, 0, err)
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	// colly 没有按请求的 context，用 ctx 剩余时间限制客户端超时
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
	}
	if timeout <= 0 {
		return nil, classifyTransportError(feed.Name, 0, context.DeadlineExceeded)
	}

	ua := f.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	maxBody := f.MaxBodySize
	if maxBody <= 0 {
		maxBody = defaultMaxFeedBytes
	}

	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.MaxBodySize(maxBody),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(timeout)

	var (
		body        []byte
		contentType string
		status      int
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
		status = r.StatusCode
		contentType = strings.ToLower(r.Headers.Get("Content-Type"))
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r != nil {
			status = r.StatusCode
		}
	})

	if err := c.Visit(feed.URL); err != nil {
		return nil, classifyTransportError(feed.Name, status, err)
	}

	if !acceptableContentType(contentType) {
		return nil, &FetchError{
			Kind:   FetchMalformedResponse,
			Feed:   feed.Name,
			Status: status,
			Err:    fmt.Errorf("unexpected content type %q", contentType),
		}
	}

	items, err := parseFeed(body)
	if err != nil {
		return nil, &FetchError{Kind: FetchMalformedResponse, Feed: feed.Name, Status: status, Err: err}
	}
	return items, nil
}

// 有的站点用 text/html 或 text/plain 返回订阅源，
// 解析前只拒绝明显不是文本的类型。
func acceptableContentType(ct string) bool {
	if ct == "" {
		return true
	}
	return strings.Contains(ct, "xml") || strings.Contains(ct, "html") || strings.Contains(ct, "text/plain")
}

func parseFeed(body []byte) ([]RawItem, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty body")
	}
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	root := firstElement(doc)
	if root == nil {
		return nil, errNotAFeed
	}

	switch strings.ToLower(root.Data) {
	case "rss", "rdf":
		nodes := xmlquery.Find(root, "//item")
		items := make([]RawItem, 0, len(nodes))
		for _, n := range nodes {
			items = append(items, rssItem(n))
		}
		return items, nil
	case "feed":
		nodes := xmlquery.Find(root, "//entry")
		items := make([]RawItem, 0, len(nodes))
		for _, n := range nodes {
			items = append(items, atomEntry(n))
		}
		return items, nil
	default:
		return nil, errNotAFeed
	}
}

func rssItem(n *xmlquery.Node) RawItem {
	return RawItem{
		Title:       childText(n, "title"),
		Link:        childText(n, "link"),
		GUID:        childText(n, "guid"),
		Author:      firstNonEmpty(childText(n, "creator"), childText(n, "author")),
		Published:   firstNonEmpty(childText(n, "pubDate"), childText(n, "date")),
		Description: childText(n, "description"),
		Content:     childText(n, "encoded"),
	}
}

func atomEntry(n *xmlquery.Node) RawItem {
	author := ""
	if a := child(n, "author"); a != nil {
		author = childText(a, "name")
	}
	return RawItem{
		Title:       childText(n, "title"),
		Link:        atomLink(n),
		GUID:        childText(n, "id"),
		Author:      author,
		Published:   firstNonEmpty(childText(n, "published"), childText(n, "updated")),
		Description: childText(n, "summary"),
		Content:     childText(n, "content"),
	}
}

func atomLink(n *xmlquery.Node) string {
	fallback := ""
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode || c.Data != "link" {
			continue
		}
		href, rel := "", ""
		for _, a := range c.Attr {
			switch a.Name.Local {
			case "href":
				href = a.Value
			case "rel":
				rel = a.Value
			}
		}
		if href == "" {
			continue
		}
		if rel == "" || rel == "alternate" {
			return href
		}
		if fallback == "" {
			fallback = href
		}
	}
	return fallback
}

// child 按本地名匹配，dc:creator、content:encoded 这类带命名空间的元素也能直接找到。
// 同名时优先无前缀的元素，避免 <atom:link/> 抢在 <link> 前面。
func child(n *xmlquery.Node, name string) *xmlquery.Node {
	var prefixed *xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode || c.Data != name {
			continue
		}
		if c.Prefix == "" {
			return c
		}
		if prefixed == nil {
			prefixed = c
		}
	}
	return prefixed
}

// childText 取第一个非空的同名子元素文本，无前缀的优先。
func childText(n *xmlquery.Node, name string) string {
	fallback := ""
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode || c.Data != name {
			continue
		}
		text := strings.TrimSpace(c.InnerText())
		if text == "" {
			continue
		}
		if c.Prefix == "" {
			return text
		}
		if fallback == "" {
			fallback = text
		}
	}
	return fallback
}

func firstElement(doc *xmlquery.Node) *xmlquery.Node {
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return c
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
