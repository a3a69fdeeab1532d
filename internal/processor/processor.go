package processor

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sjw9650/TradeButler/internal/collector"
	apperrors "github.com/sjw9650/TradeButler/internal/errors"
)

// 与 contents 表的列宽保持一致
const (
	maxTitleRunes  = 512
	maxAuthorRunes = 256
	maxURLLength   = 2048
	maxBodyRunes   = 20000
)

// ErrSkip 表示条目无法成为内容记录。这是拒收而不是故障，流水线记日志后继续。
var ErrSkip = errors.New("item skipped")

// ContentDraft 是条目的规范形式，尚未计算指纹。
type ContentDraft struct {
	Title       string
	Author      string
	URL         string
	Source      string
	Category    string
	PublishedAt *time.Time
	Body        string
	Language    string
}

// Normalize 把原始条目转换为 ContentDraft。纯函数，相同输入总得到相同结果。
func Normalize(item collector.RawItem, feed collector.FeedDescriptor) (ContentDraft, error) {
	title := truncateRunes(collapseSpaces(stripHTML(item.Title)), maxTitleRunes)
	if title == "" {
		return ContentDraft{}, skip("missing title")
	}

	link := strings.TrimSpace(item.Link)
	if link == "" && looksLikeURL(item.GUID) {
		link = strings.TrimSpace(item.GUID)
	}
	if link == "" {
		return ContentDraft{}, skip("missing url")
	}
	abs, err := resolveURL(feed.URL, link)
	if err != nil {
		return ContentDraft{}, skip(err.Error())
	}
	// 截断后的链接指向别处，直接跳过
	if len(abs) > maxURLLength {
		return ContentDraft{}, skip("url too long")
	}

	body := item.Content
	if strings.TrimSpace(stripHTML(body)) == "" {
		body = item.Description
	}
	body = truncateRunes(collapseSpaces(stripHTML(body)), maxBodyRunes)

	return ContentDraft{
		Title:       title,
		Author:      truncateRunes(collapseSpaces(stripHTML(item.Author)), maxAuthorRunes),
		URL:         abs,
		Source:      feed.Source,
		Category:    feed.Category,
		PublishedAt: parsePublished(item.Published),
		Body:        body,
		Language:    DetectLanguage(title+" "+body, feed.Language),
	}, nil
}

func skip(reason string) error {
	return apperrors.Wrap(fmt.Errorf("%w: %s", ErrSkip, reason), apperrors.CategoryMalformedInput, "item_skipped", false)
}

// resolveURL 以源地址为基准解析 link，并返回规范化形式。
func resolveURL(base, link string) (string, error) {
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("unparseable url %q", link)
	}
	if !ref.IsAbs() {
		b, err := url.Parse(base)
		if err != nil || b.Host == "" {
			return "", fmt.Errorf("relative url %q without usable base", link)
		}
		ref = b.ResolveReference(ref)
	}
	if (ref.Scheme != "http" && ref.Scheme != "https") || ref.Host == "" {
		return "", fmt.Errorf("unusable url %q", link)
	}
	return NormalizeURL(ref.String()), nil
}

// NormalizeURL 小写 scheme 和 host，去掉默认端口和片段，
// 根路径只剩 "/" 时也去掉。
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "/" && u.RawQuery == "" {
		u.Path = ""
	}
	return u.String()
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func stripHTML(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	// 块级边界换成空格，避免相邻段落的词粘在一起
	doc.Find("p, br, div, li").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	return doc.Text()
}

var publishedLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parsePublished(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range publishedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes 按 rune 截断，避免把字符截成半个。
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
