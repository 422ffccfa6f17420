// Package coord implements the wgingress hub HTTP API.
package coord

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/config"
	"github.com/wgingress/wgingress/internal/connect"
	"github.com/wgingress/wgingress/internal/monitor"
	"github.com/wgingress/wgingress/internal/policy"
	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/internal/wireguard"
	"github.com/wgingress/wgingress/pkg/proto"
)

const shutdownTimeout = 10 * time.Second

// RuleApplier loads a synthesized ruleset.
type RuleApplier interface {
	Apply(ctx context.Context, ruleset string) error
}

// Deps are the collaborators the server wires together.
type Deps struct {
	Store     *store.Store
	Driver    wireguard.Driver
	Inspector wireguard.Inspector // optional
	Stats     *monitor.StatsHub
	Applier   RuleApplier
	// PeersChanged is called after peers or settings change so cached views
	// can be refreshed. Optional.
	PeersChanged func()
}

// Server is the hub's HTTP API.
type Server struct {
	cfg     *config.ServerConfig
	router  *mux.Router
	store   *store.Store
	driver  wireguard.Driver
	inspect wireguard.Inspector
	stats   *monitor.StatsHub
	applier RuleApplier
	connect *connect.Protocol
	synth   *policy.Synthesizer
	changed func()
	version string
}

// NewServer creates the API server.
func NewServer(cfg *config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Driver == nil || deps.Stats == nil {
		return nil, errors.New("store, driver and stats hub are required")
	}

	synth, err := policy.NewSynthesizer(cfg.MeshPrefix())
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}

	identity := connect.HubIdentity{
		PublicKey: cfg.WireGuard.PublicKey,
		Endpoint:  cfg.WireGuard.Endpoint,
		MeshCIDR:  cfg.MeshPrefix().String(),
	}
	if deps.Inspector != nil {
		identity.InterfaceKey = deps.Inspector.PublicKey
	}

	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		store:   deps.Store,
		driver:  deps.Driver,
		inspect: deps.Inspector,
		stats:   deps.Stats,
		applier: deps.Applier,
		connect: connect.New(deps.Store, deps.Driver, identity),
		synth:   synth,
		changed: deps.PeersChanged,
	}
	s.connect.OnActivate = func(store.Peer) { s.peersChanged() }

	s.setupRoutes()
	return s, nil
}

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(version string) {
	s.version = version
}

// Connect exposes the registration handshake, used for startup resync.
func (s *Server) Connect() *connect.Protocol {
	return s.connect
}

func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)

	api.HandleFunc("/peers", s.withAuth(s.handleListPeers)).Methods(http.MethodGet)
	api.HandleFunc("/peers/{id:[0-9]+}", s.withAuth(s.handleDeletePeer)).Methods(http.MethodDelete)
	api.HandleFunc("/agents", s.withAuth(s.handleCreatePeer)).Methods(http.MethodPost)

	api.HandleFunc("/forwards", s.withAuth(s.handleListForwards)).Methods(http.MethodGet)
	api.HandleFunc("/forwards", s.withAuth(s.handleCreateForward)).Methods(http.MethodPost)
	api.HandleFunc("/forwards/{id:[0-9]+}", s.withAuth(s.handleDeleteForward)).Methods(http.MethodDelete)

	api.HandleFunc("/apply", s.withAuth(s.handlePreviewRules)).Methods(http.MethodGet)
	api.HandleFunc("/apply", s.withAuth(s.handleApplyRules)).Methods(http.MethodPost)

	api.HandleFunc("/stats/history", s.withAuth(s.handleUsageHistory)).Methods(http.MethodGet)
	api.HandleFunc("/stats/stream", s.withStreamAuth(s.handleStatsSSE)).Methods(http.MethodGet)
	api.HandleFunc("/stats/ws", s.withStreamAuth(s.handleStatsWS)).Methods(http.MethodGet)

	api.HandleFunc("/settings", s.withAuth(s.handleGetSettings)).Methods(http.MethodGet)
	api.HandleFunc("/settings", s.withAuth(s.handleUpdateSettings)).Methods(http.MethodPost)
	api.HandleFunc("/settings/detect-key", s.withAuth(s.handleDetectKey)).Methods(http.MethodGet)
	api.HandleFunc("/settings/wg-status", s.withAuth(s.handleInterfaceStatus)).Methods(http.MethodGet)

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.jsonError(w, "not found", http.StatusNotFound)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// withAuth requires the admin bearer token.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		if !s.validToken(parts[1]) {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// withStreamAuth also accepts ?token= since EventSource cannot set headers.
func (s *Server) withStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	authed := s.withAuth(next)
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if token := r.URL.Query().Get("token"); token != "" {
				if !s.validToken(token) {
					s.jsonError(w, "invalid token", http.StatusUnauthorized)
					return
				}
				next(w, r)
				return
			}
		}
		authed(w, r)
	}
}

func (s *Server) validToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req proto.ConnectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	resp, err := s.connect.Connect(r.Context(), req)
	if err != nil {
		var reqErr *connect.RequestError
		switch {
		case errors.Is(err, connect.ErrUnauthorized):
			s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		case errors.Is(err, connect.ErrConflict):
			s.writeError(w, http.StatusConflict, "conflict", "peer already active with a different key")
		case errors.As(err, &reqErr):
			s.writeError(w, http.StatusBadRequest, "invalid_request", reqErr.Reason)
		default:
			log.Error().Err(err).Msg("connect failed")
			s.jsonError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) peersChanged() {
	if s.changed != nil {
		s.changed()
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.writeError(w, code, http.StatusText(code), message)
}

func (s *Server) writeError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(proto.ErrorResponse{
		Error:   kind,
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}

func pathID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{Control: reuseAddr}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// streams watch the base context so shutdown can end them
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()

	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", ln.Addr().String()).Msg("starting hub API server")
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	cancelBase()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
