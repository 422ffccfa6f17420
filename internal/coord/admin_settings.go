package coord

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to load settings")
		s.jsonError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}

	var resp proto.Settings
	if v, ok := settings[store.SettingServerPublicKey]; ok {
		resp.ServerPublicKey = &v
	}
	if v, ok := settings[store.SettingServerEndpoint]; ok {
		resp.ServerEndpoint = &v
	}
	if v, ok := settings[store.SettingMatrixWebhookURL]; ok {
		resp.MatrixWebhookURL = &v
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleUpdateSettings stores the fields present in the request. An empty
// string clears a setting.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req proto.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updates := make(map[string]string)
	if req.ServerPublicKey != nil {
		v := strings.TrimSpace(*req.ServerPublicKey)
		if v != "" && !wireguard.ValidPublicKey(v) {
			s.jsonError(w, "serverPublicKey is not a valid WireGuard key", http.StatusBadRequest)
			return
		}
		updates[store.SettingServerPublicKey] = v
	}
	if req.ServerEndpoint != nil {
		v := strings.TrimSpace(*req.ServerEndpoint)
		if v != "" && !validEndpoint(v) {
			s.jsonError(w, "serverEndpoint must be host:port", http.StatusBadRequest)
			return
		}
		updates[store.SettingServerEndpoint] = v
	}
	if req.MatrixWebhookURL != nil {
		v := strings.TrimSpace(*req.MatrixWebhookURL)
		if v != "" && !validWebhookURL(v) {
			s.jsonError(w, "matrixWebhookUrl must be an http or https URL", http.StatusBadRequest)
			return
		}
		updates[store.SettingMatrixWebhookURL] = v
	}

	for key, value := range updates {
		if err := s.store.SetSetting(r.Context(), key, value); err != nil {
			log.Error().Err(err).Str("key", key).Msg("failed to save setting")
			s.jsonError(w, "failed to save settings", http.StatusInternalServerError)
			return
		}
	}
	if len(updates) > 0 {
		s.peersChanged()
	}

	s.handleGetSettings(w, r)
}

// handleDetectKey reads the public key from the live interface.
func (s *Server) handleDetectKey(w http.ResponseWriter, _ *http.Request) {
	if s.inspect == nil {
		s.jsonError(w, "interface inspection is not available", http.StatusServiceUnavailable)
		return
	}
	key, err := s.inspect.PublicKey()
	if err != nil {
		s.jsonError(w, "failed to read interface key: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

func (s *Server) handleInterfaceStatus(w http.ResponseWriter, _ *http.Request) {
	resp := proto.InterfaceStatus{Interface: s.cfg.WireGuard.Interface}
	if s.inspect == nil {
		resp.Error = "interface inspection is not available"
		s.writeJSON(w, http.StatusOK, resp)
		return
	}

	st := s.inspect.Status()
	resp.Up = st.Up
	resp.PublicKey = st.PublicKey
	resp.Peers = st.Peers
	resp.Error = st.Error
	s.writeJSON(w, http.StatusOK, resp)
}

func validEndpoint(v string) bool {
	host, port, err := net.SplitHostPort(v)
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 1 && n <= 65535
}

func validWebhookURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
