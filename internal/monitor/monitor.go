// Package monitor polls the tunnel interface, accounts per-peer usage and
// tracks online/offline transitions.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wgingress/wgingress/internal/notify"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

// Default timings.
const (
	DefaultTickInterval     = time.Second
	DefaultRefreshInterval  = 60 * time.Second
	DefaultFlushInterval    = 60 * time.Second
	DefaultOfflineThreshold = 180 * time.Second
)

const shutdownFlushTimeout = 5 * time.Second

// Store is the subset of the config store the monitor reads and writes.
type Store interface {
	ListPeers(ctx context.Context) ([]store.Peer, error)
	Settings(ctx context.Context) (map[string]string, error)
	AddUsage(ctx context.Context, peerID uint, at time.Time, rx, tx uint64) error
}

// Notifier delivers status transitions.
type Notifier interface {
	Notify(ctx context.Context, url string, t notify.Transition) error
}

// Options configures a Monitor. Zero values take the defaults.
type Options struct {
	TickInterval     time.Duration
	RefreshInterval  time.Duration
	FlushInterval    time.Duration
	OfflineThreshold time.Duration
}

func (o *Options) applyDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = DefaultTickInterval
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.OfflineThreshold <= 0 {
		o.OfflineThreshold = DefaultOfflineThreshold
	}
}

// liveStatus is the last observation of a peer.
type liveStatus struct {
	rx, tx uint64
	online bool
}

type usage struct {
	rx, tx uint64
}

// Monitor polls the driver once per tick. Tick is not safe for concurrent
// use; Run calls it from a single goroutine and never overlaps ticks.
type Monitor struct {
	store    Store
	driver   wireguard.Driver
	notifier Notifier
	hub      *StatsHub
	opts     Options
	now      func() time.Time

	cache     *peerCache
	live      map[uint]*liveStatus
	pending   map[uint]*usage
	names     map[uint]string
	lastFlush time.Time

	invalidated atomic.Bool
	notifyWG    sync.WaitGroup
}

// New creates a monitor. notifier may be nil.
func New(st Store, driver wireguard.Driver, notifier Notifier, hub *StatsHub, opts Options) *Monitor {
	opts.applyDefaults()
	return &Monitor{
		store:    st,
		driver:   driver,
		notifier: notifier,
		hub:      hub,
		opts:     opts,
		now:      time.Now,
		cache:    newPeerCache(opts.RefreshInterval),
		live:     make(map[uint]*liveStatus),
		pending:  make(map[uint]*usage),
		names:    make(map[uint]string),
	}
}

// Run ticks until ctx is cancelled, then flushes pending usage and waits
// for in-flight notifications.
func (m *Monitor) Run(ctx context.Context) error {
	log.Info().
		Dur("tick", m.opts.TickInterval).
		Dur("flush", m.opts.FlushInterval).
		Dur("offline_threshold", m.opts.OfflineThreshold).
		Msg("peer monitor started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
			m.flush(flushCtx, m.now())
			cancel()
			m.notifyWG.Wait()
			log.Info().Msg("peer monitor stopped")
			return nil
		case <-timer.C:
			m.Tick(ctx, m.now())
			// reset after the work so a slow tick delays the next one
			timer.Reset(m.opts.TickInterval)
		}
	}
}

// Tick performs one poll at time now.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	if m.invalidated.Swap(false) || m.cache.stale(now) {
		if err := m.cache.refresh(ctx, m.store, now); err != nil {
			log.Warn().Err(err).Msg("failed to refresh peer cache, keeping previous view")
		} else {
			m.prune()
		}
	}

	samples, err := m.driver.QueryPeers()
	if err != nil {
		metrics().DriverFailures.Inc()
		log.Debug().Err(err).Msg("tunnel query failed, skipping tick")
		return
	}
	metrics().Ticks.Inc()

	if m.lastFlush.IsZero() {
		m.lastFlush = now
	}

	snapshot := make(proto.StatsSnapshot, len(samples))
	online := 0
	for _, s := range samples {
		peer, ok := m.cache.lookup(s.PublicKey)
		if !ok {
			continue
		}
		m.names[peer.ID] = peer.Name

		isOnline := now.Sub(time.Unix(s.LastHandshake, 0)) < m.opts.OfflineThreshold
		if isOnline {
			online++
		}

		prev, seen := m.live[peer.ID]
		if seen {
			drx := counterDelta(prev.rx, s.RX)
			dtx := counterDelta(prev.tx, s.TX)
			m.accumulate(peer, drx, dtx)

			if prev.online != isOnline {
				m.transition(ctx, peer, isOnline, now)
			}
		}
		m.live[peer.ID] = &liveStatus{rx: s.RX, tx: s.TX, online: isOnline}

		snapshot[peer.ID] = proto.PeerStats{
			RX:            s.RX,
			TX:            s.TX,
			LastHandshake: s.LastHandshake,
			Online:        isOnline,
		}
	}
	metrics().OnlinePeers.Set(float64(online))

	if now.Sub(m.lastFlush) >= m.opts.FlushInterval {
		m.flush(ctx, now)
		m.lastFlush = now
	}

	m.hub.Publish(snapshot)
}

// counterDelta returns the traffic since prev. A counter that went
// backwards means the interface restarted from zero, so the whole current
// value is new traffic.
func counterDelta(prev, cur uint64) uint64 {
	if cur >= prev {
		return cur - prev
	}
	return cur
}

func (m *Monitor) accumulate(peer cachedPeer, rx, tx uint64) {
	if rx == 0 && tx == 0 {
		return
	}
	u, ok := m.pending[peer.ID]
	if !ok {
		u = &usage{}
		m.pending[peer.ID] = u
	}
	u.rx += rx
	u.tx += tx

	metrics().PeerRxBytes.WithLabelValues(peer.Name).Add(float64(rx))
	metrics().PeerTxBytes.WithLabelValues(peer.Name).Add(float64(tx))
}

// flush writes pending usage to the ledger. A peer's buffer is cleared only
// when its write succeeds.
func (m *Monitor) flush(ctx context.Context, now time.Time) {
	for id, u := range m.pending {
		if u.rx == 0 && u.tx == 0 {
			delete(m.pending, id)
			continue
		}
		if err := m.store.AddUsage(ctx, id, now, u.rx, u.tx); err != nil {
			metrics().FlushFailures.Inc()
			log.Error().Err(err).Uint("peer_id", id).Msg("failed to flush usage")
			continue
		}
		delete(m.pending, id)
	}
}

func (m *Monitor) transition(ctx context.Context, peer cachedPeer, online bool, now time.Time) {
	t := notify.Transition{PeerID: peer.ID, PeerName: peer.Name, Online: online, At: now}
	metrics().Transitions.WithLabelValues(t.State()).Inc()
	log.Info().Str("peer", peer.Name).Str("state", t.State()).Msg("peer status changed")

	url := m.cache.webhookURL
	if m.notifier == nil || url == "" {
		return
	}
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()
		if err := m.notifier.Notify(context.WithoutCancel(ctx), url, t); err != nil {
			metrics().NotifyFailures.Inc()
			log.Warn().Err(err).Str("peer", peer.Name).Msg("failed to send notification")
		}
	}()
}

// prune forgets peers that disappeared from the store.
func (m *Monitor) prune() {
	for id := range m.live {
		if !m.cache.has(id) {
			delete(m.live, id)
			delete(m.pending, id)
			if name, ok := m.names[id]; ok {
				metrics().PeerRxBytes.DeleteLabelValues(name)
				metrics().PeerTxBytes.DeleteLabelValues(name)
				delete(m.names, id)
			}
		}
	}
}

// Invalidate makes the next tick reload peers from the store. Safe to call
// from any goroutine.
func (m *Monitor) Invalidate() {
	m.invalidated.Store(true)
}

// Wait blocks until in-flight notifications finish.
func (m *Monitor) Wait() {
	m.notifyWG.Wait()
}
