package coord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/policy"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

const (
	maxPeerNameLen   = 64
	setupTokenBytes  = 32
	qrCodeSize       = 512
	allocateAttempts = 3
)

func peerInfo(p *store.Peer) proto.Peer {
	return proto.Peer{
		ID:        p.ID,
		Name:      p.Name,
		Address:   p.Address,
		PublicKey: p.Key(),
		Status:    p.Status,
		Kind:      p.Kind,
	}
}

// handleListPeers returns every peer.
func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.store.ListPeers(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list peers")
		s.jsonError(w, "failed to load peers", http.StatusInternalServerError)
		return
	}

	result := make([]proto.Peer, 0, len(peers))
	for i := range peers {
		result = append(result, peerInfo(&peers[i]))
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleCreatePeer creates a pending agent with a setup token, or an active
// device with a generated key pair and client config.
func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	var req proto.CreatePeerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxPeerNameLen {
		s.jsonError(w, fmt.Sprintf("name is required and at most %d characters", maxPeerNameLen), http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = store.KindAgent
	}
	if req.Kind != store.KindAgent && req.Kind != store.KindDevice {
		s.jsonError(w, "kind must be agent or device", http.StatusBadRequest)
		return
	}
	if req.Address != "" {
		if err := s.checkAddress(req.Address); err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	switch req.Kind {
	case store.KindDevice:
		s.createDevice(w, r, req)
	default:
		s.createAgent(w, r, req)
	}
}

func (s *Server) createAgent(w http.ResponseWriter, r *http.Request, req proto.CreatePeerRequest) {
	token, err := generateSetupToken()
	if err != nil {
		s.jsonError(w, "failed to generate token: "+err.Error(), http.StatusInternalServerError)
		return
	}

	peer := &store.Peer{
		Name:       req.Name,
		SetupToken: &token,
		Status:     store.StatusPending,
		Kind:       store.KindAgent,
	}
	if !s.insertPeer(w, r.Context(), peer, req.Address) {
		return
	}

	log.Info().Str("peer", peer.Name).Str("address", peer.Address).Msg("agent created")
	s.writeJSON(w, http.StatusCreated, proto.CreatePeerResponse{
		Peer:       peerInfo(peer),
		SetupToken: token,
	})
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request, req proto.CreatePeerRequest) {
	hubKey, endpoint, err := s.connect.Hub(r.Context())
	if err != nil {
		s.jsonError(w, "failed to load hub settings", http.StatusInternalServerError)
		return
	}
	if hubKey == "" {
		s.jsonError(w, "hub public key is not configured", http.StatusConflict)
		return
	}

	privateKey, publicKey, err := wireguard.GenerateKeyPair()
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	peer := &store.Peer{
		Name:      req.Name,
		PublicKey: &publicKey,
		Status:    store.StatusActive,
		Kind:      store.KindDevice,
	}
	if !s.insertPeer(w, r.Context(), peer, req.Address) {
		return
	}

	allowed := netip.PrefixFrom(netip.MustParseAddr(peer.Address), 32)
	if err := s.driver.AddPeer(publicKey, allowed); err != nil {
		log.Error().Err(err).Str("peer", peer.Name).Msg("failed to add device to interface")
	}
	s.peersChanged()

	cfgText := wireguard.GenerateClientConfig(wireguard.ClientConfigParams{
		ClientPrivateKey: privateKey,
		ClientAddress:    peer.Address,
		ServerPublicKey:  hubKey,
		ServerEndpoint:   endpoint,
		MeshCIDR:         s.cfg.MeshPrefix().String(),
	})
	qr, err := wireguard.GenerateQRCodeDataURL(cfgText, qrCodeSize)
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.Name).Msg("failed to render QR code")
	}

	log.Info().Str("peer", peer.Name).Str("address", peer.Address).Msg("device created")
	s.writeJSON(w, http.StatusCreated, proto.CreatePeerResponse{
		Peer:       peerInfo(peer),
		PrivateKey: privateKey,
		Config:     cfgText,
		QRCode:     qr,
	})
}

// insertPeer assigns an address when none was requested and stores peer.
// It writes the error response itself and reports whether it succeeded.
func (s *Server) insertPeer(w http.ResponseWriter, ctx context.Context, peer *store.Peer, address string) bool {
	for attempt := 0; ; attempt++ {
		peer.ID = 0
		peer.Address = address
		if address == "" {
			addr, err := s.store.NextFreeAddress(ctx, s.cfg.MeshPrefix())
			if errors.Is(err, store.ErrAddressExhausted) {
				s.jsonError(w, err.Error(), http.StatusConflict)
				return false
			}
			if err != nil {
				log.Error().Err(err).Msg("failed to allocate address")
				s.jsonError(w, "failed to allocate address", http.StatusInternalServerError)
				return false
			}
			peer.Address = addr.String()
		}

		err := s.store.CreatePeer(ctx, peer)
		if err == nil {
			return true
		}
		if errors.Is(err, store.ErrDuplicate) {
			// a concurrent create took the same address
			if address == "" && attempt < allocateAttempts {
				continue
			}
			s.jsonError(w, "address already assigned", http.StatusConflict)
			return false
		}
		log.Error().Err(err).Msg("failed to create peer")
		s.jsonError(w, "failed to create peer", http.StatusInternalServerError)
		return false
	}
}

// checkAddress accepts a usable host address inside the mesh subnet.
func (s *Server) checkAddress(address string) error {
	if err := policy.ValidateAddress(address); err != nil {
		return err
	}
	addr := netip.MustParseAddr(address)
	mesh := s.cfg.MeshPrefix()
	if !mesh.Contains(addr) {
		return fmt.Errorf("address %s is outside the mesh subnet %s", address, mesh)
	}
	hub := mesh.Addr().Next()
	if addr == mesh.Addr() || addr == hub || !mesh.Contains(addr.Next()) {
		return fmt.Errorf("address %s is reserved", address)
	}
	return nil
}

// handleDeletePeer removes a peer, its forwards and its interface entry.
func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	peer, err := s.store.GetPeer(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.jsonError(w, "peer not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.jsonError(w, "failed to load peer", http.StatusInternalServerError)
		return
	}

	if err := s.store.DeletePeer(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "peer not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Uint("peer_id", id).Msg("failed to delete peer")
		s.jsonError(w, "failed to delete peer", http.StatusInternalServerError)
		return
	}

	if key := peer.Key(); key != "" {
		if remover, ok := s.driver.(wireguard.Remover); ok {
			if err := remover.RemovePeer(key); err != nil {
				log.Warn().Err(err).Str("peer", peer.Name).Msg("failed to remove peer from interface")
			}
		}
	}
	s.peersChanged()

	log.Info().Str("peer", peer.Name).Msg("peer deleted")
	w.WriteHeader(http.StatusNoContent)
}

func generateSetupToken() (string, error) {
	b := make([]byte, setupTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
