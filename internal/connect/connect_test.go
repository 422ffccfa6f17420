package connect

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
	"github.com/wgingress/wgingress/testutil"
)

type fixture struct {
	store  *store.Store
	driver *wireguard.Fake
	proto  *Protocol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(testutil.MemoryDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	require.NoError(t, st.SetSetting(ctx, store.SettingServerPublicKey, "hub-key"))
	require.NoError(t, st.SetSetting(ctx, store.SettingServerEndpoint, "vpn.example.com:51820"))

	driver := wireguard.NewFake()
	return &fixture{store: st, driver: driver, proto: New(st, driver, HubIdentity{})}
}

func (f *fixture) pending(t *testing.T, name, addr, token string) *store.Peer {
	t.Helper()
	p := &store.Peer{Name: name, Address: addr, SetupToken: &token, Status: store.StatusPending, Kind: store.KindAgent}
	require.NoError(t, f.store.CreatePeer(context.Background(), p))
	return p
}

func TestConnect_Activates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peer := f.pending(t, "nas", "10.8.0.2", "tok-1")
	require.NoError(t, f.store.CreateForward(ctx, &store.Forward{PeerID: peer.ID, Protocol: "tcp", PublicPort: 443, PrivatePort: 8443}))

	var activated []string
	f.proto.OnActivate = func(p store.Peer) { activated = append(activated, p.Name) }

	_, pub := testutil.WireGuardKey(t)
	resp, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "1", resp.PeerID)
	assert.Equal(t, "10.8.0.2", resp.AssignedAddress)
	assert.Equal(t, "hub-key", resp.HubPublicKey)
	assert.Equal(t, "vpn.example.com:51820", resp.HubEndpoint)
	require.Len(t, resp.Forwards, 1)
	assert.Equal(t, proto.ForwardInfo{Protocol: "tcp", PublicPort: 443, PrivatePort: 8443}, resp.Forwards[0])

	assert.Equal(t, netip.MustParsePrefix("10.8.0.2/32"), f.driver.Peers()[pub])
	assert.Equal(t, []string{"nas"}, activated)

	stored, err := f.store.GetPeer(ctx, peer.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, stored.Status)
	assert.Equal(t, pub, stored.Key())
	assert.Nil(t, stored.SetupToken)
}

func TestConnect_ReconnectSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "nas", "10.8.0.2", "tok-1")
	_, pub := testutil.WireGuardKey(t)

	first, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)

	// token already consumed; the key identifies the peer
	second, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	third, err := f.proto.Connect(ctx, proto.ConnectRequest{PublicKey: pub})
	require.NoError(t, err)
	assert.Equal(t, first, third)

	assert.Len(t, f.driver.Peers(), 1, "no second identity in the driver")
	assert.Equal(t, 3, f.driver.AddCalls())
}

func TestConnect_Unauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "nas", "10.8.0.2", "tok-1")
	_, pub := testutil.WireGuardKey(t)

	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "wrong", PublicKey: pub})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.proto.Connect(ctx, proto.ConnectRequest{PublicKey: pub})
	assert.ErrorIs(t, err, ErrUnauthorized)

	assert.Zero(t, f.driver.AddCalls())
}

func TestConnect_ConsumedTokenWithNewKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	peer := f.pending(t, "nas", "10.8.0.2", "tok-1")
	_, pub := testutil.WireGuardKey(t)
	_, other := testutil.WireGuardKey(t)

	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)

	_, err = f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: other})
	assert.ErrorIs(t, err, ErrUnauthorized)

	stored, err := f.store.GetPeer(ctx, peer.ID)
	require.NoError(t, err)
	assert.Equal(t, pub, stored.Key())
}

func TestConnect_KeyBoundToAnotherPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "a", "10.8.0.2", "tok-a")
	b := f.pending(t, "b", "10.8.0.3", "tok-b")
	_, pub := testutil.WireGuardKey(t)

	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-a", PublicKey: pub})
	require.NoError(t, err)

	_, err = f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-b", PublicKey: pub})
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.GetPeer(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
}

func TestConnect_ConcurrentSameToken(t *testing.T) {
	f := newFixture(t)
	peer := f.pending(t, "nas", "10.8.0.2", "tok-race")

	const racers = 8
	keys := make([]string, racers)
	for i := range keys {
		_, keys[i] = testutil.WireGuardKey(t)
	}

	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.proto.Connect(context.Background(), proto.ConnectRequest{SetupToken: "tok-race", PublicKey: keys[i]})
		}(i)
	}
	wg.Wait()

	winners := 0
	winner := ""
	for i, err := range results {
		if err == nil {
			winners++
			winner = keys[i]
			continue
		}
		assert.True(t, errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	require.Equal(t, 1, winners)

	stored, err := f.store.GetPeer(context.Background(), peer.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, stored.Key())
	assert.Len(t, f.driver.Peers(), 1)
}

func TestConnect_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var reqErr *RequestError
	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok"})
	assert.ErrorAs(t, err, &reqErr)

	_, err = f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok", PublicKey: "not base64!"})
	assert.ErrorAs(t, err, &reqErr)
}

func TestConnect_DriverFailureStillSucceeds(t *testing.T) {
	f := newFixture(t)
	f.pending(t, "nas", "10.8.0.2", "tok-1")
	f.driver.SetAddError(errors.New("netlink: permission denied"))
	_, pub := testutil.WireGuardKey(t)

	resp, err := f.proto.Connect(context.Background(), proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	// a later reconnect repairs the interface
	f.driver.SetAddError(nil)
	_, err = f.proto.Connect(context.Background(), proto.ConnectRequest{PublicKey: pub})
	require.NoError(t, err)
	assert.Contains(t, f.driver.Peers(), pub)
}

// activeByToken returns an already-active peer from the token lookup, which
// a store is allowed to do.
type activeByToken struct {
	Store
	peer store.Peer
}

func (a activeByToken) FindPendingByToken(context.Context, string) (*store.Peer, error) {
	p := a.peer
	return &p, nil
}

func TestConnect_ActivePeerWrongKeyIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "nas", "10.8.0.2", "tok-1")
	_, pub := testutil.WireGuardKey(t)
	_, wrong := testutil.WireGuardKey(t)

	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: pub})
	require.NoError(t, err)
	active, err := f.store.GetPeer(ctx, 1)
	require.NoError(t, err)

	p := New(activeByToken{Store: f.store, peer: *active}, f.driver, HubIdentity{})
	_, err = p.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-1", PublicKey: wrong})
	assert.ErrorIs(t, err, ErrConflict)

	stored, err := f.store.GetPeer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, pub, stored.Key())
	assert.NotContains(t, f.driver.Peers(), wrong)
}

// lostActivation hands out a pending peer whose conditional activation has
// already been won by another request.
type lostActivation struct {
	Store
	pending store.Peer
	byKey   map[string]store.Peer
}

func (l lostActivation) FindPendingByToken(context.Context, string) (*store.Peer, error) {
	p := l.pending
	return &p, nil
}

func (l lostActivation) ActivatePeer(context.Context, uint, string) (bool, error) {
	return false, nil
}

func (l lostActivation) FindByPublicKey(_ context.Context, key string) (*store.Peer, error) {
	p, ok := l.byKey[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func TestConnect_LostActivation(t *testing.T) {
	_, callerKey := testutil.WireGuardKey(t)
	_, otherKey := testutil.WireGuardKey(t)
	token := "tok-1"
	pending := store.Peer{ID: 1, Name: "nas", Address: "10.8.0.2", SetupToken: &token, Status: store.StatusPending}
	activeAs := func(id uint, key string) store.Peer {
		return store.Peer{ID: id, Name: "nas", Address: "10.8.0.2", PublicKey: &key, Status: store.StatusActive}
	}

	tests := []struct {
		name  string
		byKey map[string]store.Peer
		want  error
	}{
		{"winner used the same key", map[string]store.Peer{callerKey: activeAs(1, callerKey)}, ErrUnauthorized},
		{"winner used a different key", map[string]store.Peer{otherKey: activeAs(1, otherKey)}, ErrConflict},
		{"caller key belongs to another peer", map[string]store.Peer{callerKey: activeAs(2, callerKey)}, ErrConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := wireguard.NewFake()
			p := New(lostActivation{pending: pending, byKey: tt.byKey}, driver, HubIdentity{})

			resp, err := p.Connect(context.Background(), proto.ConnectRequest{SetupToken: token, PublicKey: callerKey})
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, resp)
			assert.Zero(t, driver.AddCalls(), "the losing request must not touch the interface")
		})
	}
}

func TestHub_Fallbacks(t *testing.T) {
	st, err := store.Open(testutil.MemoryDSN(t))
	require.NoError(t, err)
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	p := New(st, wireguard.NewFake(), HubIdentity{
		Endpoint:     "cfg.example.com:51820",
		InterfaceKey: func() (string, error) { return "iface-key", nil },
	})
	key, endpoint, err := p.Hub(ctx)
	require.NoError(t, err)
	assert.Equal(t, "iface-key", key)
	assert.Equal(t, "cfg.example.com:51820", endpoint)

	p.identity.PublicKey = "cfg-key"
	key, _, err = p.Hub(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cfg-key", key)

	require.NoError(t, st.SetSetting(ctx, store.SettingServerPublicKey, "db-key"))
	key, _, err = p.Hub(ctx)
	require.NoError(t, err)
	assert.Equal(t, "db-key", key)
}

func TestResync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pending(t, "a", "10.8.0.2", "tok-a")
	f.pending(t, "b", "10.8.0.3", "tok-b")
	_, pub := testutil.WireGuardKey(t)

	_, err := f.proto.Connect(ctx, proto.ConnectRequest{SetupToken: "tok-a", PublicKey: pub})
	require.NoError(t, err)

	fresh := wireguard.NewFake()
	p := New(f.store, fresh, HubIdentity{})
	n, err := p.Resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, netip.MustParsePrefix("10.8.0.2/32"), fresh.Peers()[pub])
}
