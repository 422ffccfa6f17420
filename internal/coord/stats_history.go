package coord

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/pkg/proto"
)

const (
	historyHours  = 24
	historyMonths = 12
)

// handleUsageHistory returns a peer's recent hourly and monthly ledger.
func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("peerId")
	if raw == "" {
		s.jsonError(w, "peerId is required", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		s.jsonError(w, "invalid peerId", http.StatusBadRequest)
		return
	}
	peerID := uint(id)

	hourly, err := s.store.HourlyUsageFor(r.Context(), peerID, historyHours)
	if err != nil {
		log.Error().Err(err).Uint("peer_id", peerID).Msg("failed to load hourly usage")
		s.jsonError(w, "failed to load usage", http.StatusInternalServerError)
		return
	}
	monthly, err := s.store.MonthlyUsageFor(r.Context(), peerID, historyMonths)
	if err != nil {
		log.Error().Err(err).Uint("peer_id", peerID).Msg("failed to load monthly usage")
		s.jsonError(w, "failed to load usage", http.StatusInternalServerError)
		return
	}

	resp := proto.UsageHistoryResponse{
		PeerID:  peerID,
		Hourly:  make([]proto.UsageBucket, 0, len(hourly)),
		Monthly: make([]proto.UsageBucket, 0, len(monthly)),
	}
	for _, h := range hourly {
		resp.Hourly = append(resp.Hourly, proto.UsageBucket{
			Period: time.Unix(h.HourStart, 0).UTC().Format(time.RFC3339),
			RX:     h.RX,
			TX:     h.TX,
		})
	}
	for _, m := range monthly {
		resp.Monthly = append(resp.Monthly, proto.UsageBucket{Period: m.Month, RX: m.RX, TX: m.TX})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
