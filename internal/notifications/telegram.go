package notifications

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts to a Telegram chat. Events below minLevel are
// ignored, and at most one message is sent per rate-limit interval; extra
// messages within the interval are skipped.
type TelegramNotifier struct {
	token    string
	chatID   string
	baseURL  string
	minLevel Level
	limiter  *rate.Limiter
	client   *http.Client
}

func NewTelegramNotifier(token, chatID string, minLevel Level, interval time.Duration) *TelegramNotifier {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		baseURL:  telegramAPI,
		minLevel: minLevel,
		limiter:  rate.NewLimiter(limit, 1),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// WithBaseURL points the notifier at another API host.
func (t *TelegramNotifier) WithBaseURL(base string) *TelegramNotifier {
	t.baseURL = strings.TrimRight(base, "/")
	return t
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) Notify(ctx context.Context, ev Event) error {
	if !ev.Level.AtLeast(t.minLevel) {
		return nil
	}
	if !t.limiter.Allow() {
		return nil
	}
	return t.SendAlert(ctx, ev.Level, fmt.Sprintf("*%s*\n%s", ev.Type, ev.Message))
}

// SendAlert posts message with an emoji for level.
func (t *TelegramNotifier) SendAlert(ctx context.Context, level Level, message string) error {
	emoji := "ℹ️"
	switch level {
	case LevelWarning:
		emoji = "⚠️"
	case LevelError:
		emoji = "🚨"
	case LevelSuccess:
		emoji = "✅"
	}

	text := fmt.Sprintf("%s *Risk Engine Alert*\n\n%s", emoji, message)
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", text)
	data.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
