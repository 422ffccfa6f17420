package coord

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/pkg/proto"
)

func TestForwards_CreateListDelete(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")

	w := ts.do(t, http.MethodPost, "/api/forwards", proto.CreateForwardRequest{
		PeerID: peer.ID, Protocol: "tcp", PublicPort: 8443, PrivatePort: 443,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[proto.Forward](t, w)
	assert.Equal(t, "nas", created.PeerName)
	assert.Equal(t, "10.8.0.5", created.PeerAddress)

	w = ts.do(t, http.MethodGet, "/api/forwards", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]proto.Forward](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, created, list[0])

	w = ts.do(t, http.MethodDelete, "/api/forwards/1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodDelete, "/api/forwards/1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForwards_CreateErrors(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")

	tests := []struct {
		name string
		req  proto.CreateForwardRequest
		code int
	}{
		{"bad protocol", proto.CreateForwardRequest{PeerID: peer.ID, Protocol: "icmp", PublicPort: 80, PrivatePort: 80}, http.StatusBadRequest},
		{"uppercase protocol", proto.CreateForwardRequest{PeerID: peer.ID, Protocol: "TCP", PublicPort: 80, PrivatePort: 80}, http.StatusBadRequest},
		{"zero public port", proto.CreateForwardRequest{PeerID: peer.ID, Protocol: "tcp", PublicPort: 0, PrivatePort: 80}, http.StatusBadRequest},
		{"private port too high", proto.CreateForwardRequest{PeerID: peer.ID, Protocol: "udp", PublicPort: 80, PrivatePort: 65536}, http.StatusBadRequest},
		{"unknown peer", proto.CreateForwardRequest{PeerID: 99, Protocol: "tcp", PublicPort: 80, PrivatePort: 80}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/forwards", tt.req)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestForwards_DuplicatePublicPort(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")

	req := proto.CreateForwardRequest{PeerID: peer.ID, Protocol: "tcp", PublicPort: 80, PrivatePort: 8080}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/forwards", req).Code)
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/forwards", req).Code)

	// same port on the other protocol is independent
	req.Protocol = "udp"
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/forwards", req).Code)
}

func TestRules_Preview(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")
	require.NoError(t, ts.store.CreateForward(context.Background(), &store.Forward{
		PeerID: peer.ID, Protocol: "tcp", PublicPort: 8443, PrivatePort: 443,
	}))

	w := ts.do(t, http.MethodGet, "/api/apply", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decode[proto.RulesResponse](t, w).Rules
	assert.Contains(t, rules, "tcp dport 8443 dnat to 10.8.0.5:443")
	assert.Contains(t, rules, "flush ruleset")
	assert.Empty(t, ts.applier.last(), "preview must not apply")
}

func TestRules_Apply(t *testing.T) {
	ts := newTestServer(t)
	peer := ts.pendingAgent(t, "nas", "10.8.0.5", "tok")
	require.NoError(t, ts.store.CreateForward(context.Background(), &store.Forward{
		PeerID: peer.ID, Protocol: "udp", PublicPort: 51000, PrivatePort: 51000,
	}))

	w := ts.do(t, http.MethodPost, "/api/apply", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[proto.ApplyResponse](t, w)
	assert.True(t, resp.Applied)
	assert.Contains(t, ts.applier.last(), "udp dport 51000 dnat to 10.8.0.5:51000")
}

func TestRules_ApplyFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.applier.err = errors.New("nft: syntax error")

	w := ts.do(t, http.MethodPost, "/api/apply", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode[proto.ApplyResponse](t, w)
	assert.False(t, resp.Applied)
	assert.Contains(t, resp.Message, "syntax error")
}

func TestRules_ApplyWithoutApplier(t *testing.T) {
	ts := newTestServer(t)
	ts.applier = nil
	ts.Server.applier = nil

	w := ts.do(t, http.MethodPost, "/api/apply", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
