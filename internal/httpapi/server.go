package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/backend"
	"github.com/antoniostano/posegen/internal/config"
	"github.com/antoniostano/posegen/internal/logging"
	"github.com/antoniostano/posegen/internal/observability"
	"github.com/antoniostano/posegen/internal/policy"
	"github.com/antoniostano/posegen/internal/tasks"
)

type Server struct {
	cfg      config.Config
	registry *tasks.Registry
	bus      *tasks.Bus
	creds    auth.Credentials
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	ready    atomic.Bool
}

// New builds the API. creds is the process credential; when its token names a
// subject, PUT /v1/owner only accepts that subject.
func New(cfg config.Config, registry *tasks.Registry, bus *tasks.Bus, creds auth.Credentials, metrics *observability.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		creds:    creds,
		metrics:  metrics,
		logger:   logging.Or(logger).With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only follow the feed from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// MarkReady flips /readyz once the registry has bootstrapped.
func (s *Server) MarkReady() {
	s.ready.Store(true)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/generations", s.handleListGenerations)
	r.Get("/v1/generations/ws", s.handleFeed)
	r.Post("/v1/generations/clear-dismissed", s.handleClearDismissed)
	r.Post("/v1/generations/{mode}", s.handleStartGeneration)
	r.Get("/v1/generations/{id}", s.handleGetGeneration)
	r.Post("/v1/generations/{id}/retry-apply", s.handleRetryApply)
	r.Post("/v1/generations/{id}/dismiss", s.handleDismiss)
	r.Put("/v1/owner", s.handleSetOwner)
	r.Get("/v1/entities/{id}/snapshot", s.handleEntitySnapshot)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"backend_mode": s.cfg.Backend.Mode,
		"store_mode":   s.cfg.Store.Mode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"owner_id":          s.registry.Owner(),
		"active_transports": s.registry.ActiveCount(),
		"feed_subscribers":  s.bus.SubscriberCount(),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: policy.Redact(message), Code: code})
}

// respondRegistryError maps registry and backend failures onto HTTP
// statuses. Backend 4xx pass through; anything else from the backend is 502.
func (s *Server) respondRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, tasks.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrApplyInFlight):
		respondError(w, http.StatusConflict, "apply_in_flight", err.Error())
	case errors.Is(err, tasks.ErrInvalidTaskState):
		respondError(w, http.StatusConflict, "invalid_task_state", err.Error())
	case errors.Is(err, tasks.ErrRegistryClosed):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		status := backend.StatusCode(err)
		if status >= 400 && status < 500 {
			respondError(w, status, "backend_rejected", err.Error())
			return
		}
		s.logger.Warn("backend request failed", "error", err, "status", status)
		respondError(w, http.StatusBadGateway, "backend_unavailable", err.Error())
	}
}
