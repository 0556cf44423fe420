package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts trips as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook returns nil when url is empty so callers can pass it straight to
// NewWatcher.
func NewWebhook(url string, timeout time.Duration) Notifier {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify sends {"event":"HARD_STOP_TRIGGERED", ...trip}.
func (h *Webhook) Notify(ctx context.Context, t Trip) error {
	body, err := json.Marshal(struct {
		Event string `json:"event"`
		Trip
	}{Event: "HARD_STOP_TRIGGERED", Trip: t})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
