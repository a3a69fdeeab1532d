package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	extractMaxResponseBytes = 2 << 20 // 2MB
	extractMinChars         = 200
	extractParagraphMin     = 40
	defaultExtractMaxChars  = 3000
)

var ErrNoArticleText = errors.New("no article text found")

// 按顺序尝试的正文容器，第一个文本足够长的胜出。
var articleSelectors = []string{
	"article",
	"div#articletxt",
	"div.article-body",
	"div.article-content",
	"div#article-content",
	"div#content",
	"div.main-content",
	"div.content",
	"div.article",
	"section[name='articleBody']",
}

// HTMLExtractor 抓取文章页面，用 goquery 提取正文。
type HTMLExtractor struct {
	Client   *http.Client
	MaxChars int
}

var _ Extractor = (*HTMLExtractor)(nil)

func NewHTMLExtractor(timeout time.Duration) *HTMLExtractor {
	return &HTMLExtractor{Client: &http.Client{Timeout: timeout}, MaxChars: defaultExtractMaxChars}
}

func (e *HTMLExtractor) Extract(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := e.client().Do(req)
	if err != nil {
		return "", classifyTransportError(articleURL, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &FetchError{Kind: FetchUnreachable, Feed: articleURL, Status: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, extractMaxResponseBytes))
	if err != nil {
		return "", &FetchError{Kind: FetchMalformedResponse, Feed: articleURL, Err: err}
	}

	text := ArticleText(doc)
	if text == "" {
		return "", ErrNoArticleText
	}
	return truncateRunes(text, e.maxChars()), nil
}

// ArticleText 提取文章正文：优先常见正文容器，
// 文本不够时退回到全页较长的段落。
func ArticleText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	for _, sel := range articleSelectors {
		text := collapseSpaces(doc.Find(sel).First().Text())
		if len([]rune(text)) >= extractMinChars {
			return text
		}
	}

	var parts []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		p := collapseSpaces(s.Text())
		if len([]rune(p)) >= extractParagraphMin {
			parts = append(parts, p)
		}
	})
	return strings.Join(parts, "\n")
}

func (e *HTMLExtractor) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return http.DefaultClient
}

func (e *HTMLExtractor) maxChars() int {
	if e.MaxChars > 0 {
		return e.MaxChars
	}
	return defaultExtractMaxChars
}

type extractRequest struct {
	URL      string `json:"url"`
	MaxChars int    `json:"maxChars"`
}

type extractResponse struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteExtractor 把渲染交给 browser-scraper 服务，
// 用于正文由 JavaScript 生成的页面。
type RemoteExtractor struct {
	Endpoint string
	Client   *http.Client
	MaxChars int
}

var _ Extractor = (*RemoteExtractor)(nil)

func NewRemoteExtractor(endpoint string, timeout time.Duration) *RemoteExtractor {
	return &RemoteExtractor{
		Endpoint: strings.TrimRight(endpoint, "/") + "/extract",
		Client:   &http.Client{Timeout: timeout},
		MaxChars: defaultExtractMaxChars,
	}
}

func (e *RemoteExtractor) Extract(ctx context.Context, articleURL string) (string, error) {
	payload, err := json.Marshal(extractRequest{URL: articleURL, MaxChars: e.MaxChars})
	if err != nil {
		return "", fmt.Errorf("marshal extract request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", classifyTransportError(articleURL, 0, err)
	}
	defer resp.Body.Close()

	var out extractResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, extractMaxResponseBytes)).Decode(&out); err != nil {
		return "", &FetchError{Kind: FetchMalformedResponse, Feed: articleURL, Status: resp.StatusCode, Err: err}
	}
	if !out.OK {
		return "", fmt.Errorf("extract %s: %s", articleURL, out.Error)
	}
	if strings.TrimSpace(out.Text) == "" {
		return "", ErrNoArticleText
	}
	return out.Text, nil
}

// ChainExtractor 返回第一个非空结果。
type ChainExtractor []Extractor

func (c ChainExtractor) Extract(ctx context.Context, articleURL string) (string, error) {
	var lastErr error = ErrNoArticleText
	for _, e := range c {
		text, err := e.Extract(ctx, articleURL)
		if err == nil && text != "" {
			return text, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	return string(rs[:limit])
}
