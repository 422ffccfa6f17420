package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/pkg/proto"
)

const (
	// DefaultReconnectInterval is how often a running agent re-attaches.
	DefaultReconnectInterval = 5 * time.Minute

	downTimeout = 10 * time.Second
)

// Options configures an Agent.
type Options struct {
	SetupToken        string
	KeyPath           string
	ReconnectInterval time.Duration
	Retry             RetryConfig
}

// Agent joins a hub and keeps the tunnel to it configured.
type Agent struct {
	client *Client
	tunnel Tunnel
	opts   Options

	current Settings
	up      bool
}

// New creates an agent.
func New(client *Client, tunnel Tunnel, opts Options) *Agent {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	return &Agent{client: client, tunnel: tunnel, opts: opts}
}

// Run activates against the hub, brings the tunnel up and re-attaches every
// reconnect interval until ctx is cancelled. The tunnel is taken down on
// the way out.
func (a *Agent) Run(ctx context.Context) error {
	defer a.client.CloseIdleConnections()

	privateKey, publicKey, err := a.loadKey()
	if err != nil {
		return err
	}
	log.Info().Str("public_key", publicKey).Msg("agent key loaded")

	req := proto.ConnectRequest{SetupToken: a.opts.SetupToken, PublicKey: publicKey}
	resp, err := a.client.ConnectWithRetry(ctx, req, a.opts.Retry)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("register with hub: %w", err)
	}
	log.Info().Str("peer_id", resp.PeerID).Str("address", resp.AssignedAddress).Msg("registered with hub")

	if err := a.apply(ctx, privateKey, resp); err != nil {
		return err
	}
	defer a.down(ctx)

	ticker := time.NewTicker(a.opts.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.reconnect(ctx, privateKey, req)
		}
	}
}

func (a *Agent) loadKey() (string, string, error) {
	if a.opts.KeyPath == "" {
		return "", "", errors.New("key path is required")
	}
	return LoadOrCreateKey(a.opts.KeyPath)
}

// reconnect re-attaches with the bound key and applies any change in the
// hub's settings. Failures keep the current tunnel.
func (a *Agent) reconnect(ctx context.Context, privateKey string, req proto.ConnectRequest) {
	resp, err := a.client.Connect(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrConflict):
		log.Error().Err(err).Msg("hub no longer accepts this agent")
		return
	case ctx.Err() != nil:
		return
	default:
		log.Warn().Err(err).Msg("failed to reach hub, keeping current tunnel")
		return
	}

	if err := a.apply(ctx, privateKey, resp); err != nil {
		log.Error().Err(err).Msg("failed to update tunnel")
	}
}

// apply brings the tunnel up when it is down or the hub's answer changed.
func (a *Agent) apply(ctx context.Context, privateKey string, resp *proto.ConnectResponse) error {
	s, err := settingsFrom(privateKey, resp)
	if err != nil {
		return err
	}
	if a.up && s == a.current {
		return nil
	}
	if s.HubEndpoint == "" {
		log.Warn().Msg("hub endpoint is not configured; waiting for the hub to initiate")
	}

	if err := a.tunnel.Up(ctx, s); err != nil {
		return fmt.Errorf("bring tunnel up: %w", err)
	}
	a.current = s
	a.up = true

	log.Info().
		Str("address", s.Address).
		Str("hub_endpoint", s.HubEndpoint).
		Str("allowed_ips", s.AllowedIPs).
		Int("forwards", len(resp.Forwards)).
		Msg("tunnel up")
	for _, f := range resp.Forwards {
		log.Info().
			Str("protocol", f.Protocol).
			Int("public_port", f.PublicPort).
			Int("private_port", f.PrivatePort).
			Msg("forward")
	}
	return nil
}

func (a *Agent) down(ctx context.Context) {
	if !a.up {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), downTimeout)
	defer cancel()

	if err := a.tunnel.Down(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to take tunnel down")
		return
	}
	a.up = false
	log.Info().Msg("tunnel down")
}
