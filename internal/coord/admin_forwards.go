package coord

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/policy"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/pkg/proto"
)

func (s *Server) handleListForwards(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListForwards(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list forwards")
		s.jsonError(w, "failed to load forwards", http.StatusInternalServerError)
		return
	}

	result := make([]proto.Forward, 0, len(rows))
	for _, f := range rows {
		result = append(result, proto.Forward{
			ID:          f.ID,
			PeerID:      f.PeerID,
			PeerName:    f.PeerName,
			PeerAddress: f.PeerAddress,
			Protocol:    f.Protocol,
			PublicPort:  f.PublicPort,
			PrivatePort: f.PrivatePort,
		})
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateForward(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateForwardRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := policy.ValidateProtocol(req.Protocol); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := policy.ValidatePort("public port", req.PublicPort); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := policy.ValidatePort("private port", req.PrivatePort); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	fwd := &store.Forward{
		PeerID:      req.PeerID,
		Protocol:    req.Protocol,
		PublicPort:  req.PublicPort,
		PrivatePort: req.PrivatePort,
	}
	err := s.store.CreateForward(r.Context(), fwd)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, "peer not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrDuplicate):
		s.jsonError(w, "public port already forwarded for this protocol", http.StatusConflict)
		return
	case err != nil:
		log.Error().Err(err).Msg("failed to create forward")
		s.jsonError(w, "failed to create forward", http.StatusInternalServerError)
		return
	}

	resp := proto.Forward{
		ID:          fwd.ID,
		PeerID:      fwd.PeerID,
		Protocol:    fwd.Protocol,
		PublicPort:  fwd.PublicPort,
		PrivatePort: fwd.PrivatePort,
	}
	if peer, err := s.store.GetPeer(r.Context(), fwd.PeerID); err == nil {
		resp.PeerName = peer.Name
		resp.PeerAddress = peer.Address
	}

	log.Info().Uint("forward_id", fwd.ID).Str("protocol", fwd.Protocol).Int("public_port", fwd.PublicPort).Msg("forward created")
	s.writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDeleteForward(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, "invalid forward id", http.StatusBadRequest)
		return
	}

	if err := s.store.DeleteForward(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.jsonError(w, "forward not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Uint("forward_id", id).Msg("failed to delete forward")
		s.jsonError(w, "failed to delete forward", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePreviewRules returns the ruleset that POST would apply.
func (s *Server) handlePreviewRules(w http.ResponseWriter, r *http.Request) {
	rs, err := s.synth.Generate(r.Context(), s.store)
	if err != nil {
		log.Error().Err(err).Msg("failed to synthesize ruleset")
		s.jsonError(w, "failed to generate rules", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.RulesResponse{Rules: rs.Text})
}

// handleApplyRules synthesizes the ruleset and loads it.
func (s *Server) handleApplyRules(w http.ResponseWriter, r *http.Request) {
	if s.applier == nil {
		s.jsonError(w, "rule application is not configured", http.StatusServiceUnavailable)
		return
	}

	rs, err := s.synth.Generate(r.Context(), s.store)
	if err != nil {
		log.Error().Err(err).Msg("failed to synthesize ruleset")
		s.jsonError(w, "failed to generate rules", http.StatusInternalServerError)
		return
	}

	if err := s.applier.Apply(r.Context(), rs.Text); err != nil {
		log.Error().Err(err).Msg("failed to apply ruleset")
		s.writeJSON(w, http.StatusInternalServerError, proto.ApplyResponse{Applied: false, Message: err.Error()})
		return
	}

	log.Info().Int("forwards", rs.Rules).Int("skipped", rs.Skipped).Msg("ruleset applied")
	msg := "rules applied"
	if rs.Skipped > 0 {
		msg = "rules applied; invalid forwards were skipped"
	}
	s.writeJSON(w, http.StatusOK, proto.ApplyResponse{Applied: true, Message: msg})
}
