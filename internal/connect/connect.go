// Package connect implements agent registration: a one-time setup token
// moves a pending peer to active and binds its public key.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

var (
	// ErrUnauthorized covers unknown tokens, consumed tokens and unknown keys alike.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict means the peer is bound to a different key.
	ErrConflict = errors.New("conflict")
)

// RequestError is a malformed registration request.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return "invalid request: " + e.Reason }

// Store is the subset of the config store the handshake uses.
type Store interface {
	ListPeers(ctx context.Context) ([]store.Peer, error)
	FindPendingByToken(ctx context.Context, setupToken string) (*store.Peer, error)
	FindByPublicKey(ctx context.Context, publicKey string) (*store.Peer, error)
	ActivatePeer(ctx context.Context, id uint, publicKey string) (bool, error)
	ForwardsForPeer(ctx context.Context, peerID uint) ([]store.Forward, error)
	Settings(ctx context.Context) (map[string]string, error)
}

// HubIdentity supplies the hub key and endpoint when the settings table
// has none.
type HubIdentity struct {
	PublicKey string
	Endpoint  string
	MeshCIDR  string
	// InterfaceKey reads the key from the live interface. Optional.
	InterfaceKey func() (string, error)
}

// Protocol runs the registration handshake.
type Protocol struct {
	store    Store
	driver   wireguard.Driver
	identity HubIdentity

	// OnActivate is called after a peer becomes active.
	OnActivate func(peer store.Peer)
}

// New creates a Protocol.
func New(st Store, driver wireguard.Driver, identity HubIdentity) *Protocol {
	return &Protocol{store: st, driver: driver, identity: identity}
}

// Connect activates a pending peer or accepts a reconnect by an active one.
func (p *Protocol) Connect(ctx context.Context, req proto.ConnectRequest) (*proto.ConnectResponse, error) {
	resp, err := p.connect(ctx, req)
	metrics().Outcomes.WithLabelValues(outcome(err)).Inc()
	return resp, err
}

func (p *Protocol) connect(ctx context.Context, req proto.ConnectRequest) (*proto.ConnectResponse, error) {
	if req.PublicKey == "" {
		return nil, &RequestError{Reason: "publicKey is required"}
	}
	if !wireguard.ValidPublicKey(req.PublicKey) {
		return nil, &RequestError{Reason: "publicKey is not a valid WireGuard key"}
	}

	peer, err := p.lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	switch peer.Status {
	case store.StatusActive:
		if peer.Key() != req.PublicKey {
			log.Warn().Str("peer", peer.Name).Msg("connect with mismatched key for active peer")
			return nil, ErrConflict
		}
		p.register(peer)

	case store.StatusPending:
		ok, err := p.store.ActivatePeer(ctx, peer.ID, req.PublicKey)
		if errors.Is(err, store.ErrDuplicate) {
			log.Warn().Str("peer", peer.Name).Msg("public key already bound to another peer")
			return nil, ErrConflict
		}
		if err != nil {
			return nil, fmt.Errorf("activate peer: %w", err)
		}
		if !ok {
			// another request consumed the token first
			return nil, p.lostRace(ctx, peer.ID, req.PublicKey)
		}
		key := req.PublicKey
		peer.Status = store.StatusActive
		peer.PublicKey = &key
		peer.SetupToken = nil
		log.Info().Str("peer", peer.Name).Str("address", peer.Address).Msg("peer activated")

		p.register(peer)
		if p.OnActivate != nil {
			p.OnActivate(*peer)
		}

	default:
		return nil, ErrUnauthorized
	}

	return p.response(ctx, peer)
}

// lookup tries the setup token first, then the public key.
func (p *Protocol) lookup(ctx context.Context, req proto.ConnectRequest) (*store.Peer, error) {
	if req.SetupToken != "" {
		peer, err := p.store.FindPendingByToken(ctx, req.SetupToken)
		if err == nil {
			return peer, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("lookup token: %w", err)
		}
	}

	peer, err := p.store.FindByPublicKey(ctx, req.PublicKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	if peer.Status != store.StatusActive {
		return nil, ErrUnauthorized
	}
	return peer, nil
}

// lostRace classifies a failed activation. A winner with a different key
// is a conflict; anything else is reported as unauthorized.
func (p *Protocol) lostRace(ctx context.Context, id uint, publicKey string) error {
	winner, err := p.store.FindByPublicKey(ctx, publicKey)
	if err == nil && winner.ID == id {
		// same key won; still a non-success for this request
		return ErrUnauthorized
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Debug().Err(err).Msg("lookup after lost activation")
		return ErrUnauthorized
	}
	log.Warn().Uint("peer_id", id).Msg("activation lost to a different key")
	return ErrConflict
}

// register adds the peer to the interface. The store is authoritative, so
// a driver failure is logged and repaired by the next connect or resync.
func (p *Protocol) register(peer *store.Peer) {
	allowed, err := hostPrefix(peer.Address)
	if err != nil {
		log.Error().Err(err).Str("peer", peer.Name).Msg("peer has an unusable address")
		return
	}
	if err := p.driver.AddPeer(peer.Key(), allowed); err != nil {
		metrics().DriverFailures.Inc()
		log.Error().Err(err).Str("peer", peer.Name).Msg("failed to add peer to interface")
	}
}

func (p *Protocol) response(ctx context.Context, peer *store.Peer) (*proto.ConnectResponse, error) {
	forwards, err := p.store.ForwardsForPeer(ctx, peer.ID)
	if err != nil {
		return nil, fmt.Errorf("load forwards: %w", err)
	}
	key, endpoint, err := p.Hub(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]proto.ForwardInfo, 0, len(forwards))
	for _, f := range forwards {
		infos = append(infos, proto.ForwardInfo{
			Protocol:    f.Protocol,
			PublicPort:  f.PublicPort,
			PrivatePort: f.PrivatePort,
		})
	}

	return &proto.ConnectResponse{
		Success:         true,
		PeerID:          strconv.FormatUint(uint64(peer.ID), 10),
		AssignedAddress: peer.Address,
		HubPublicKey:    key,
		HubEndpoint:     endpoint,
		Forwards:        infos,
		MeshCIDR:        p.identity.MeshCIDR,
	}, nil
}

// Hub returns the hub public key and endpoint. Stored settings win over
// configuration, which wins over the live interface key.
func (p *Protocol) Hub(ctx context.Context) (publicKey, endpoint string, err error) {
	settings, err := p.store.Settings(ctx)
	if err != nil {
		return "", "", fmt.Errorf("load settings: %w", err)
	}

	publicKey = settings[store.SettingServerPublicKey]
	if publicKey == "" {
		publicKey = p.identity.PublicKey
	}
	if publicKey == "" && p.identity.InterfaceKey != nil {
		if k, err := p.identity.InterfaceKey(); err == nil {
			publicKey = k
		} else {
			log.Debug().Err(err).Msg("interface key unavailable")
		}
	}

	endpoint = settings[store.SettingServerEndpoint]
	if endpoint == "" {
		endpoint = p.identity.Endpoint
	}
	return publicKey, endpoint, nil
}

// Resync re-adds every active peer to the interface so it matches the store
// after a hub restart. It returns the number of peers added.
func (p *Protocol) Resync(ctx context.Context) (int, error) {
	peers, err := p.store.ListPeers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list peers: %w", err)
	}
	added := 0
	for i := range peers {
		peer := &peers[i]
		if peer.Status != store.StatusActive || peer.Key() == "" {
			continue
		}
		allowed, err := hostPrefix(peer.Address)
		if err != nil {
			log.Error().Err(err).Str("peer", peer.Name).Msg("skipping peer with unusable address")
			continue
		}
		if err := p.driver.AddPeer(peer.Key(), allowed); err != nil {
			metrics().DriverFailures.Inc()
			log.Warn().Err(err).Str("peer", peer.Name).Msg("failed to resync peer")
			continue
		}
		added++
	}
	return added, nil
}

func hostPrefix(address string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse address: %w", err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func outcome(err error) string {
	var reqErr *RequestError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.As(err, &reqErr):
		return "invalid"
	default:
		return "error"
	}
}
