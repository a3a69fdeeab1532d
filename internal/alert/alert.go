package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sjw9650/TradeButler/internal/logging"
)

type Kind string

const (
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindLedgerWriteFailure Kind = "ledger_write_failure"
	KindProviderOutage     Kind = "provider_outage"
)

// Alert 是发给运维的告警，区别于普通的任务失败。
type Alert struct {
	Kind    Kind
	Job     string
	Message string
}

func (a Alert) String() string {
	if a.Job == "" {
		return fmt.Sprintf("[%s] %s", a.Kind, a.Message)
	}
	return fmt.Sprintf("[%s] job=%s %s", a.Kind, a.Job, a.Message)
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// LogAlerter 以 error 级别写日志。
type LogAlerter struct {
	logger *slog.Logger
}

func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogAlerter{logger: logger.With("component", "alert")}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	l.logger.Error("operator alert", "kind", a.Kind, "job", a.Job, "message", a.Message)
	return nil
}

// TelegramAlerter 通过 Bot API 把告警发到群聊。
type TelegramAlerter struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramAlerter(botToken, chatID string) *TelegramAlerter {
	return &TelegramAlerter{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *TelegramAlerter) Alert(ctx context.Context, a Alert) error {
	if n.botToken == "" || n.chatID == "" {
		return errors.New("telegram alerter misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", a.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}
	return nil
}

// Multi 把告警发给每个 alerter，并合并它们的错误。
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
