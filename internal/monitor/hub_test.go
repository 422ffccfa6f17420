package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/pkg/proto"
)

func TestStatsHub_SubscribeClose(t *testing.T) {
	hub := NewStatsHub()

	sub := hub.Subscribe(0)
	assert.Equal(t, 1, hub.Count())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Count())

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed after Close")
}

func TestStatsHub_Publish(t *testing.T) {
	hub := NewStatsHub()
	a := hub.Subscribe(1)
	b := hub.Subscribe(1)
	defer a.Close()
	defer b.Close()

	snap := proto.StatsSnapshot{1: {RX: 10, Online: true}}
	hub.Publish(snap)

	for _, sub := range []*Subscription{a, b} {
		select {
		case got := <-sub.C:
			assert.Equal(t, snap, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive snapshot")
		}
	}
	assert.Equal(t, snap, hub.Last())
}

func TestStatsHub_StalledSubscriberNeverBlocks(t *testing.T) {
	hub := NewStatsHub()
	stalled := hub.Subscribe(1)
	defer stalled.Close()
	live := hub.Subscribe(100)
	defer live.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			hub.Publish(proto.StatsSnapshot{uint(i): {}})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	assert.Len(t, stalled.C, 1)
	assert.Len(t, live.C, 50)
}

func TestStatsHub_ConcurrentAttachDetach(t *testing.T) {
	hub := NewStatsHub()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Publish(proto.StatsSnapshot{})
			}
		}
	}()

	for i := 0; i < 100; i++ {
		sub := hub.Subscribe(1)
		sub.Close()
	}
	close(stop)
	wg.Wait()
	require.Equal(t, 0, hub.Count())
}
