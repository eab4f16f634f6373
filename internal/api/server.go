package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
	"agent-queue/internal/telemetry"
)

// Limiter throttles enqueue per tenant key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for producers, workers and operators.
type Server struct {
	svc        *service.Service
	resolver   *service.Resolver
	limiter    Limiter
	health     Pinger
	adminToken string
	log        *slog.Logger
	ssePoll    time.Duration
	keepAlive  time.Duration
}

// Options configure optional server collaborators.
type Options struct {
	Limiter    Limiter
	Health     Pinger
	AdminToken string
	Logger     *slog.Logger
}

// New constructs the API server.
func New(svc *service.Service, resolver *service.Resolver, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		svc:        svc,
		resolver:   resolver,
		limiter:    opts.Limiter,
		health:     opts.Health,
		adminToken: opts.AdminToken,
		log:        log.With("component", "api"),
		ssePoll:    time.Second,
		keepAlive:  15 * time.Second,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.With(s.workerAuth).Post("/claim", s.handleClaim)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.With(s.workerAuth).Post("/heartbeat", s.handleHeartbeat)
			r.With(s.workerAuth).Post("/complete", s.handleComplete)
			r.With(s.workerAuth).Post("/fail", s.handleFail)
			r.With(s.adminAuth).Post("/cancel", s.handleCancel)
			r.With(s.workerAuth).Post("/cancel/ack", s.handleCancelAck)
			r.With(s.workerAuth).Post("/events", s.handleAppendEvent)
			r.Get("/events", s.handleListEvents)
			r.Get("/events/stream", s.handleStreamEvents)
			r.With(s.workerAuth).Post("/artifacts", s.handleRecordArtifact)
			r.Get("/artifacts", s.handleListArtifacts)
		})
	})

	r.Route("/system/worker-pause", func(r chi.Router) {
		r.Get("/", s.handleGetPause)
		r.With(s.adminAuth).Post("/", s.handleApplyPause)
	})

	r.Route("/workers/credentials", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Post("/", s.handleCreateCredential)
		r.Get("/", s.handleListCredentials)
		r.Post("/{id}/revoke", s.handleRevokeCredential)
	})

	r.Route("/mcp/tools", func(r chi.Router) {
		r.Get("/", s.handleListTools)
		r.Post("/call", s.handleCallTool)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps a service error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, models.ErrValidation.Error()
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, models.ErrNotFound.Error()
	case errors.Is(err, models.ErrOwnership):
		return http.StatusConflict, models.ErrOwnership.Error()
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, models.ErrInvalidState.Error()
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, models.ErrConflict.Error()
	case errors.Is(err, models.ErrPolicyDenied):
		return http.StatusForbidden, models.ErrPolicyDenied.Error()
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized, models.ErrUnauthenticated.Error()
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst unchanged.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return models.Validationf("invalid json: %v", err)
	}
	return nil
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func enqueueLimitKey(tenant string) string {
	return fmt.Sprintf("enqueue:%s", tenant)
}
