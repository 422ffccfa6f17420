package coord

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/pkg/proto"
)

func TestUsageHistory(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")

	base := time.Date(2026, 3, 31, 22, 15, 0, 0, time.UTC)
	require.NoError(t, ts.store.AddUsage(ctx, peer.ID, base, 100, 10))
	require.NoError(t, ts.store.AddUsage(ctx, peer.ID, base.Add(30*time.Minute), 50, 5))
	require.NoError(t, ts.store.AddUsage(ctx, peer.ID, base.Add(2*time.Hour), 7, 3))

	w := ts.do(t, http.MethodGet, "/api/stats/history?peerId=1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[proto.UsageHistoryResponse](t, w)

	assert.Equal(t, peer.ID, resp.PeerID)
	assert.Equal(t, []proto.UsageBucket{
		{Period: "2026-03-31T22:00:00Z", RX: 100, TX: 10},
		{Period: "2026-03-31T23:00:00Z", RX: 50, TX: 5},
		{Period: "2026-04-01T00:00:00Z", RX: 7, TX: 3},
	}, resp.Hourly)
	assert.Equal(t, []proto.UsageBucket{
		{Period: "2026-03", RX: 150, TX: 15},
		{Period: "2026-04", RX: 7, TX: 3},
	}, resp.Monthly)
}

func TestUsageHistory_Empty(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/stats/history?peerId=42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"peerId":42,"hourly":[],"monthly":[]}`, w.Body.String())
}

func TestUsageHistory_BadPeerID(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/stats/history", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/stats/history?peerId=abc", nil).Code)
}
