// Package notify delivers peer status transitions to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single webhook delivery.
const DefaultTimeout = 10 * time.Second

// Transition is a peer changing between online and offline.
type Transition struct {
	PeerID   uint
	PeerName string
	Online   bool
	At       time.Time
}

// State returns ONLINE or OFFLINE.
func (t Transition) State() string {
	if t.Online {
		return "ONLINE"
	}
	return "OFFLINE"
}

// matrixMessage is an m.room.message content body, accepted by Matrix
// webhook bridges such as matrix-hookshot.
type matrixMessage struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format"`
	FormattedBody string `json:"formatted_body"`
}

// Webhook posts Matrix-formatted messages.
type Webhook struct {
	httpClient *http.Client
}

// NewWebhook creates a webhook sink with the given request timeout.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Webhook{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify sends t to url. An empty url is a no-op.
func (w *Webhook) Notify(ctx context.Context, url string, t Transition) error {
	if url == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(t))
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func buildMessage(t Transition) matrixMessage {
	emoji := "\U0001F534" // red circle
	if t.Online {
		emoji = "\U0001F7E2" // green circle
	}
	name := html.EscapeString(t.PeerName)
	return matrixMessage{
		MsgType:       "m.text",
		Body:          fmt.Sprintf("%s **%s** is now %s", emoji, t.PeerName, t.State()),
		Format:        "org.matrix.custom.html",
		FormattedBody: fmt.Sprintf("<h3>%s %s</h3><p>Status: <b>%s</b></p>", emoji, name, t.State()),
	}
}
