package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"plantwatch/internal/models"
)

type Telegram struct {
	mu     sync.RWMutex
	token  string
	chatID string

	// MinSeverity filters out alerts below this level.
	MinSeverity models.Severity
	BaseURL     string
	HTTP        *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:       token,
		chatID:      chatID,
		MinSeverity: models.SeverityCritical,
		BaseURL:     "https://api.telegram.org",
		HTTP:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token != "" && t.chatID != ""
}

func (t *Telegram) Update(token, chatID string) {
	t.mu.Lock()
	t.token = token
	t.chatID = chatID
	t.mu.Unlock()
}

func (t *Telegram) Notify(ctx context.Context, a models.Alert) error {
	if a.Severity < t.MinSeverity {
		return nil
	}
	return t.Send(ctx, fmt.Sprintf("[%s] %s (%s)", a.Severity, a.Message, a.Time.Format(time.RFC3339)))
}

func (t *Telegram) Send(ctx context.Context, msg string) error {
	if !t.Enabled() {
		return fmt.Errorf("telegram not configured")
	}
	t.mu.RLock()
	token, chatID := t.token, t.chatID
	t.mu.RUnlock()

	payload := map[string]any{"chat_id": chatID, "text": msg, "disable_web_page_preview": true}
	b, _ := json.Marshal(payload)
	u := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := t.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	resp, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d: %s", res.StatusCode, string(resp))
	}
	return nil
}
