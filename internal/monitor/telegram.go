package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramAlerter posts alerts to a Telegram chat.
type TelegramAlerter struct {
	chatID string
	http   *resty.Client
}

// NewTelegramAlerter creates an alerter for the given bot token and
// chat. Returns nil when either is empty.
func NewTelegramAlerter(botToken, chatID string) *TelegramAlerter {
	if botToken == "" || chatID == "" {
		return nil
	}
	return &TelegramAlerter{
		chatID: chatID,
		http: resty.New().
			SetBaseURL("https://api.telegram.org/bot" + botToken).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
	}
}

// Send posts one message.
func (t *TelegramAlerter) Send(ctx context.Context, message string) error {
	res, err := t.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"chat_id": t.chatID,
			"text":    message,
		}).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	if res.IsError() {
		return fmt.Errorf("telegram send: status %d: %s", res.StatusCode(), res.String())
	}
	return nil
}
