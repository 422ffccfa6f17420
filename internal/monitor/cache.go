package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/wgingress/wgingress/internal/store"
)

type cachedPeer struct {
	ID   uint
	Name string
}

// peerCache maps public keys to peers and holds the webhook URL. It is
// rebuilt from the store once it is older than maxAge.
type peerCache struct {
	byKey       map[string]cachedPeer
	ids         map[uint]struct{}
	webhookURL  string
	refreshedAt time.Time
	maxAge      time.Duration
}

func newPeerCache(maxAge time.Duration) *peerCache {
	return &peerCache{
		byKey:  make(map[string]cachedPeer),
		ids:    make(map[uint]struct{}),
		maxAge: maxAge,
	}
}

func (c *peerCache) stale(now time.Time) bool {
	return c.refreshedAt.IsZero() || now.Sub(c.refreshedAt) >= c.maxAge
}

// refresh reloads the cache. On error the previous contents are kept.
func (c *peerCache) refresh(ctx context.Context, src Store, now time.Time) error {
	peers, err := src.ListPeers(ctx)
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}
	settings, err := src.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	byKey := make(map[string]cachedPeer, len(peers))
	ids := make(map[uint]struct{}, len(peers))
	for _, p := range peers {
		if key := p.Key(); key != "" {
			byKey[key] = cachedPeer{ID: p.ID, Name: p.Name}
			ids[p.ID] = struct{}{}
		}
	}

	c.byKey = byKey
	c.ids = ids
	c.webhookURL = settings[store.SettingMatrixWebhookURL]
	c.refreshedAt = now
	return nil
}

func (c *peerCache) lookup(publicKey string) (cachedPeer, bool) {
	p, ok := c.byKey[publicKey]
	return p, ok
}

func (c *peerCache) has(id uint) bool {
	_, ok := c.ids[id]
	return ok
}
