// Package agent runs the peer side of the registration handshake: it keeps a
// key pair, activates against the hub and keeps the tunnel to the hub up.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/pkg/proto"
)

var (
	// ErrUnauthorized means the hub knows neither the token nor the key.
	ErrUnauthorized = errors.New("hub rejected the setup token and key")
	// ErrConflict means the peer is already bound to a different key.
	ErrConflict = errors.New("peer is bound to a different key")
)

// HubError is a non-success reply from the hub.
type HubError struct {
	Status  int
	Kind    string
	Message string
}

func (e *HubError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub returned %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("hub returned %d", e.Status)
}

func (e *HubError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrConflict
	}
	return nil
}

// permanent reports whether retrying the same request cannot succeed.
func (e *HubError) permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests
}

// Client talks to the hub's agent endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the hub at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Connect activates this agent, or re-attaches it once the key is bound.
func (c *Client) Connect(ctx context.Context, req proto.ConnectRequest) (*proto.ConnectResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/connect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var result proto.ConnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !result.Success {
		return nil, errors.New("hub did not confirm the registration")
	}
	return &result, nil
}

// CloseIdleConnections drops pooled connections to the hub.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

func parseError(resp *http.Response) error {
	hubErr := &HubError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil {
		hubErr.Kind = errResp.Error
		hubErr.Message = errResp.Message
	} else {
		hubErr.Message = strings.TrimSpace(string(data))
	}
	return hubErr
}

// RetryConfig configures the retry behavior for registration.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of attempts (default: 10)
	InitialBackoff time.Duration // Initial backoff duration (default: 2s)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 60s)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     10,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     60 * time.Second,
	}
}

// ConnectWithRetry retries Connect with exponential backoff. A rejection by
// the hub (4xx) is returned at once.
func (c *Client) ConnectWithRetry(ctx context.Context, req proto.ConnectRequest, cfg RetryConfig) (*proto.ConnectResponse, error) {
	if cfg.MaxRetries == 0 {
		cfg = DefaultRetryConfig()
	}

	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		resp, err := c.Connect(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var hubErr *HubError
		if errors.As(err, &hubErr) && hubErr.permanent() {
			return nil, err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxRetries).
			Dur("retry_in", backoff).
			Msg("failed to reach hub, retrying...")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("connect failed after %d attempts: %w", cfg.MaxRetries, lastErr)
}
