// Package api provides the HTTP surface for the hub: the WebSocket
// endpoint, the status snapshot, health checks, and read-only event-log
// routes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/relayhub/relayhub/internal/cache"
	"github.com/relayhub/relayhub/internal/config"
	"github.com/relayhub/relayhub/internal/registry"
	"github.com/relayhub/relayhub/internal/router"
	"github.com/relayhub/relayhub/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	registry  *registry.Registry
	cache     *cache.Cache
	store     store.Store
	router    *router.Router
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
}

// NewServer creates a new API server.
func NewServer(reg *registry.Registry, c *cache.Cache, s store.Store, rt *router.Router, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:  reg,
		cache:     c,
		store:     s,
		router:    rt,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Status snapshot (unauthenticated; renders registry and cache state).
	mux.Get("/", srv.handleStatus)

	// Health check routes
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// The single WebSocket endpoint shared by agents and frontends.
	mux.Get("/ws", rt.HandleWS)

	// Read-only event-log routes
	mux.Get("/api/devices", srv.handleListDevices)
	mux.Get("/api/events", srv.handleListEvents)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// statusResponse is the read-only snapshot served at /.
type statusResponse struct {
	Status        string   `json:"status"`
	Devices       []string `json:"devices"`
	FrontendCount int      `json:"frontend_count"`
	CachedStates  int      `json:"cached_states"`
	Timestamp     string   `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        "online",
		Devices:       s.registry.AgentIDs(),
		FrontendCount: s.registry.FrontendCount(),
		CachedStates:  s.cache.Count(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Warn("failed to list devices", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	offset := queryInt(r, "offset", 0)

	events, err := s.store.ListEvents(r.Context(), limit, offset)
	if err != nil {
		s.logger.Warn("failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
