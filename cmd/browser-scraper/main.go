package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/chromedp/chromedp"
	"github.com/gin-gonic/gin"
	"github.com/sjw9650/TradeButler/internal/logging"
)

// 用 headless Chrome 渲染由 JavaScript 生成的文章页，供 collector.RemoteExtractor 调用。

type settings struct {
	Port            string        `env:"PORT" envDefault:"4000"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	NavigateTimeout time.Duration `env:"NAVIGATE_TIMEOUT" envDefault:"20s"`
}

const (
	defaultMaxChars = 3000
	maxCharsLimit   = 8000
)

type extractRequest struct {
	URL      string `json:"url"`
	MaxChars int    `json:"maxChars"`
}

type extractResponse struct {
	OK    bool   `json:"ok"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

type scraper struct {
	browser context.Context
	timeout time.Duration
	logger  *slog.Logger
}

func main() {
	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		slog.Error("parse env failed", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	// 整个进程复用一个 headless 实例
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), chromedp.DefaultExecAllocatorOptions[:]...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	if err := chromedp.Run(browserCtx); err != nil {
		logger.Warn("chromedp warmup failed", "err", err)
	}

	s := &scraper{browser: browserCtx, timeout: cfg.NavigateTimeout, logger: logger}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/extract", s.extract)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("browser-scraper listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.NavigateTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
}

func (s *scraper) extract(c *gin.Context) {
	var req extractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, extractResponse{Error: "invalid json"})
		return
	}
	if req.URL == "" {
		c.JSON(http.StatusBadRequest, extractResponse{Error: "url is required"})
		return
	}
	if req.MaxChars <= 0 || req.MaxChars > maxCharsLimit {
		req.MaxChars = defaultMaxChars
	}

	ctx, cancel := context.WithTimeout(s.browser, s.timeout)
	defer cancel()

	var text string
	err := chromedp.Run(ctx,
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(extractJS, &text),
	)
	if err != nil {
		s.logger.Warn("extract failed", "url", req.URL, "err", err)
		c.JSON(http.StatusOK, extractResponse{Error: err.Error()})
		return
	}

	text = trimWhitespace(text)
	if text == "" {
		c.JSON(http.StatusOK, extractResponse{Error: "empty content"})
		return
	}
	if rs := []rune(text); len(rs) > req.MaxChars {
		text = string(rs[:req.MaxChars])
	}
	c.JSON(http.StatusOK, extractResponse{OK: true, Text: text})
}

// extractJS 优先在常见正文容器中取文本，找不到时再全页兜底。
var extractJS = `(function () {
  var selectors = [
    "article",
    "div#articletxt",
    "div.article-body",
    "div.article-content",
    "div#article-content",
    "div#content",
    "div.main-content",
    "div.content",
    "div.article",
    "section[name='articleBody']"
  ];
  var minChars = 200;
  var text = "";
  for (var i = 0; i < selectors.length; i++) {
    var el = document.querySelector(selectors[i]);
    text = el ? (el.innerText || "").trim() : "";
    if (text.length > minChars) break;
  }
  if (text.length < minChars) {
    var nodes = Array.prototype.slice.call(document.querySelectorAll("p"));
    var pieces = [];
    for (var j = 0; j < nodes.length; j++) {
      var t = (nodes[j].innerText || "").trim();
      if (t.length >= 40) pieces.push(t);
      if (pieces.join("\n\n").length > 8000) break;
    }
    text = pieces.join("\n\n");
  }
  return text.replace(/\s+\n/g, "\n").trim();
})();`

func trimWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
