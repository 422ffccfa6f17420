package monitor

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/wgingress/wgingress/pkg/proto"
)

// DefaultSubscriberBuffer is the number of snapshots a subscriber may fall
// behind before updates to it are dropped.
const DefaultSubscriberBuffer = 10

// Subscription receives stats snapshots until closed.
type Subscription struct {
	C <-chan proto.StatsSnapshot

	ch   chan proto.StatsSnapshot
	hub  *StatsHub
	once sync.Once
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// StatsHub fans stats snapshots out to subscribers without ever blocking
// the publisher.
type StatsHub struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
	last        proto.StatsSnapshot
}

// NewStatsHub creates an empty hub.
func NewStatsHub() *StatsHub {
	return &StatsHub{
		subscribers: make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (h *StatsHub) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan proto.StatsSnapshot, buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = struct{}{}
	log.Debug().Int("subscribers", len(h.subscribers)).Msg("stats subscriber attached")
	return sub
}

func (h *StatsHub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
		log.Debug().Int("subscribers", len(h.subscribers)).Msg("stats subscriber detached")
	}
}

// Publish delivers snap to every subscriber with buffer room and skips the rest.
func (h *StatsHub) Publish(snap proto.StatsSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = snap
	for sub := range h.subscribers {
		select {
		case sub.ch <- snap:
		default:
			metrics().DroppedSnapshots.Inc()
			log.Debug().Msg("stats subscriber buffer full, skipping snapshot")
		}
	}
}

// Last returns the most recently published snapshot, or nil.
func (h *StatsHub) Last() proto.StatsSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Count returns the number of attached subscribers.
func (h *StatsHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
