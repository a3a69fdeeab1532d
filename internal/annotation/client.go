package annotation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"github.com/shopspring/decimal"
)

const (
	maxBullets        = 5
	maxTags           = 8
	maxInsightRunes   = 500
	defaultMaxTokens  = 1200
	defaultTimeout    = 30 * time.Second
	maxResponseBytes  = 1 << 20 // 1MB
	maxErrorBodyBytes = 4 << 10
)

// outputSchema 是服务在消息内容中必须返回的结构。
const outputSchema = `{
  "type": "object",
  "required": ["summary_bullets", "insight", "tags"],
  "properties": {
    "summary_bullets": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "insight": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

const systemPrompt = `You summarize news articles for investors.
Reply with a JSON object with exactly these keys:
"summary_bullets": 3 to 5 short factual sentences,
"insight": one paragraph on why the article matters for markets,
"tags": up to 8 lower-case keywords (companies, sectors, topics).`

const strictSystemPrompt = systemPrompt + `
Your previous reply could not be parsed. Output only the JSON object, no prose and no code fences.`

// Request 是一次标注调用。超过 MaxInputLength 个字符的文本发送前保留开头部分。
type Request struct {
	Text           string
	ModelVersion   string
	MaxInputLength int
	Strict         bool
}

type Result struct {
	Bullets      []string
	Insight      string
	Tags         []string
	InputTokens  int
	OutputTokens int
	Cost         decimal.Decimal
	Truncated    bool
}

// Annotator 是流水线依赖的接口。
type Annotator interface {
	Annotate(ctx context.Context, req Request) (Result, error)
}

type Config struct {
	Endpoint    string
	APIKey      string
	CallTimeout time.Duration
	MaxTokens   int
}

// Client 调用兼容 OpenAI 的 chat completions 接口。
type Client struct {
	endpoint    string
	apiKey      string
	callTimeout time.Duration
	maxTokens   int
	httpClient  *http.Client
	pricing     *Pricing
	limiter     *Limiter
	schema      *jsonschema.Schema
}

var _ Annotator = (*Client)(nil)

func NewClient(cfg Config, pricing *Pricing, limiter *Limiter) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("annotation client: endpoint is required")
	}
	if pricing == nil || limiter == nil {
		return nil, errors.New("annotation client: pricing and limiter are required")
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(outputSchema))
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		callTimeout: timeout,
		maxTokens:   maxTokens,
		httpClient:  &http.Client{},
		pricing:     pricing,
		limiter:     limiter,
		schema:      schema,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

type providerOutput struct {
	SummaryBullets []string `json:"summary_bullets"`
	Insight        string   `json:"insight"`
	Tags           []string `json:"tags"`
}

func (c *Client) Annotate(ctx context.Context, req Request) (Result, error) {
	if req.ModelVersion == "" {
		return Result{}, &Error{Kind: ProviderUnavailable, Permanent: true, Err: errors.New("model version is required")}
	}
	text, truncated := TruncateHead(req.Text, req.MaxInputLength)
	if strings.TrimSpace(text) == "" {
		return Result{}, &Error{Kind: InvalidResponse, Permanent: true, Err: errors.New("empty input text")}
	}

	release, err := c.limiter.Acquire(ctx)
	if err != nil {
		return Result{}, &Error{Kind: ProviderUnavailable, Err: fmt.Errorf("wait for limiter: %w", err)}
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	prompt, temperature := systemPrompt, 0.3
	if req.Strict {
		prompt, temperature = strictSystemPrompt, 0
	}
	body, err := json.Marshal(chatRequest{
		Model: req.ModelVersion,
		Messages: []chatMessage{
			{Role: "system", Content: prompt},
			{Role: "user", Content: text},
		},
		Temperature:    temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return Result{}, statusError(resp, raw)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &Error{Kind: ProviderUnavailable, Status: resp.StatusCode, Billable: true, Err: err}
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return Result{}, &Error{Kind: InvalidResponse, Status: resp.StatusCode, Billable: true, Err: fmt.Errorf("decode completion: %w", err)}
	}
	in, out := cr.Usage.PromptTokens, cr.Usage.CompletionTokens
	cost := c.pricing.Cost(req.ModelVersion, in, out)

	if len(cr.Choices) == 0 {
		return Result{}, invalidOutput(in, out, cost, errors.New("completion has no choices"))
	}
	parsed, err := c.parseOutput(cr.Choices[0].Message.Content)
	if err != nil {
		return Result{}, invalidOutput(in, out, cost, err)
	}

	return Result{
		Bullets:      parsed.SummaryBullets,
		Insight:      parsed.Insight,
		Tags:         parsed.Tags,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         cost,
		Truncated:    truncated,
	}, nil
}

func (c *Client) parseOutput(content string) (providerOutput, error) {
	data := []byte(stripCodeFence(content))
	if !json.Valid(data) {
		return providerOutput{}, errors.New("content is not valid JSON")
	}
	if res := c.schema.ValidateJSON(data); !res.IsValid() {
		return providerOutput{}, fmt.Errorf("content does not match schema: %v", res.Errors)
	}
	var o providerOutput
	if err := json.Unmarshal(data, &o); err != nil {
		return providerOutput{}, fmt.Errorf("decode content: %w", err)
	}
	o = sanitize(o)
	if len(o.SummaryBullets) == 0 {
		return providerOutput{}, errors.New("no usable summary bullets")
	}
	return o, nil
}

func invalidOutput(in, out int, cost decimal.Decimal, err error) error {
	return &Error{
		Kind:         InvalidResponse,
		Status:       http.StatusOK,
		Billable:     true,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         cost,
		Err:          err,
	}
}

// transportError 把拨号失败视为请求未到达服务；其他失败可能已被处理，按计费处理。
func transportError(err error) error {
	billable := true
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		billable = false
	}
	return &Error{Kind: ProviderUnavailable, Billable: billable, Err: err}
}

func statusError(resp *http.Response, raw []byte) error {
	var body apiErrorBody
	_ = json.Unmarshal(raw, &body)
	code := strings.ToLower(body.Error.Code + " " + body.Error.Type)
	msg := strings.TrimSpace(body.Error.Message)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = resp.Status
	}
	cause := errors.New(msg)

	switch {
	case resp.StatusCode == http.StatusPaymentRequired,
		strings.Contains(code, "insufficient_quota"),
		strings.Contains(code, "billing_hard_limit"):
		return &Error{Kind: BudgetExceeded, Status: resp.StatusCode, Permanent: true, Err: cause}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &Error{Kind: RateLimited, Status: resp.StatusCode, RetryAfter: retryAfter(resp.Header.Get("Retry-After")), Err: cause}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &Error{Kind: ProviderUnavailable, Status: resp.StatusCode, Billable: true, Err: cause}
	default:
		return &Error{Kind: ProviderUnavailable, Status: resp.StatusCode, Permanent: true, Err: cause}
	}
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func sanitize(o providerOutput) providerOutput {
	bullets := make([]string, 0, maxBullets)
	for _, b := range o.SummaryBullets {
		b = strings.Join(strings.Fields(b), " ")
		if b == "" {
			continue
		}
		bullets = append(bullets, b)
		if len(bullets) == maxBullets {
			break
		}
	}

	seen := make(map[string]struct{}, len(o.Tags))
	tags := make([]string, 0, len(o.Tags))
	for _, t := range o.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	sort.Strings(tags)

	insight, _ := TruncateHead(strings.TrimSpace(o.Insight), maxInsightRunes)
	return providerOutput{SummaryBullets: bullets, Insight: insight, Tags: tags}
}

// TruncateHead 保留前 limit 个字符，limit <= 0 时不截断。
func TruncateHead(text string, limit int) (string, bool) {
	if limit <= 0 {
		return text, false
	}
	rs := []rune(text)
	if len(rs) <= limit {
		return text, false
	}
	return string(rs[:limit]), true
}
