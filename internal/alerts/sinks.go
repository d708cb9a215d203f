package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"adx-trader/internal/events"
)

// LogSink writes alerts to the standard logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(ctx context.Context, a Alert) error {
	log.Println(a.Format())
	return nil
}

// BusSink republishes alerts on the event bus for the websocket stream.
type BusSink struct {
	Bus *events.Bus
}

func (BusSink) Name() string { return "bus" }

func (s BusSink) Send(ctx context.Context, a Alert) error {
	if s.Bus != nil {
		s.Bus.Publish(events.EventAlert, a)
	}
	return nil
}

// telegramSender is the part of *tgbotapi.BotAPI the sink uses.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts alerts to one chat.
type TelegramSink struct {
	bot    telegramSender
	chatID int64
}

// NewTelegramSink authorizes the bot token against the Telegram API.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram sink: token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}
	log.Printf("✅ Telegram alerts authorized as %s", bot.Self.UserName)
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, a Alert) error {
	msg := tgbotapi.NewMessage(s.chatID, a.Format())
	msg.DisableWebPagePreview = true
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// WebhookSink POSTs each alert as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("webhook encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: status %d", resp.StatusCode)
	}
	return nil
}
