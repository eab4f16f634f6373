package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
	"agent-queue/internal/telemetry"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req service.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.allowEnqueue(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.svc.Enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

var errRateLimited = errors.New("enqueue rate limit exceeded")

// allowEnqueue takes a token from the caller's tenant bucket. REST and tool
// calls share it. A limiter outage lets the request through.
func (s *Server) allowEnqueue(r *http.Request) error {
	if s.limiter == nil {
		return nil
	}
	tenant := tenantFromRequest(r)
	allowed, _, err := s.limiter.Allow(r.Context(), enqueueLimitKey(tenant))
	if err != nil {
		s.log.Warn("rate limiter unavailable", "tenant", tenant, "error", err)
		return nil
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		return errRateLimited
	}
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jobs, err := s.svc.ListJobs(r.Context(), service.ListJobsRequest{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Limit:  limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req service.ClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Claim(r.Context(), policyFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req service.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Heartbeat(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req service.CompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Complete(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req service.FailRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Fail(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req service.CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req, actorFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelAck(w http.ResponseWriter, r *http.Request) {
	var req service.CancelAckRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.AckCancel(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRecordArtifact(w http.ResponseWriter, r *http.Request) {
	var req service.ArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	art, err := s.svc.RecordArtifact(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	arts, err := s.svc.ListArtifacts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, models.Validationf("%s must be an integer", name)
	}
	return n, nil
}
