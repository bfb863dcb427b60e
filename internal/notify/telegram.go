package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andrwknv/steamwatch/internal/store"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram sends alerts through the Bot API sendMessage method.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegram builds a notifier for the given bot token and chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		apiBase: telegramAPIBase,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *Telegram) NotifyFound(ctx context.Context, task *store.MonitoringTask, item *store.FoundItem) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  FormatMessage(task, item),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
