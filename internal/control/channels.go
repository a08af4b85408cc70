package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"plantwatch/internal/models"
)

// CommandSender is implemented by stream.Client.
type CommandSender interface {
	SendCommand(ctx context.Context, cmd models.Command) (bool, error)
}

type WebsocketChannel struct {
	Sender CommandSender
}

func (w WebsocketChannel) Name() string { return "websocket" }

func (w WebsocketChannel) Deliver(ctx context.Context, cmd models.Command) (bool, error) {
	return w.Sender.SendCommand(ctx, cmd)
}

// HTTPChannel posts the command to <BaseURL>/devices/<id>/commands and
// reads {"success": bool} back.
type HTTPChannel struct {
	BaseURL string
	HTTP    *http.Client
}

func NewHTTPChannel(baseURL string) *HTTPChannel {
	return &HTTPChannel{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func (h *HTTPChannel) Name() string { return "http" }

func (h *HTTPChannel) Deliver(ctx context.Context, cmd models.Command) (bool, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return false, err
	}
	u := fmt.Sprintf("%s/devices/%s/commands", h.BaseURL, url.PathEscape(cmd.DeviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := h.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if res.StatusCode >= 300 {
		return false, fmt.Errorf("control status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, fmt.Errorf("decode control response: %w", err)
	}
	return out.Success, nil
}
