package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

const (
	minStreamPoll = 100 * time.Millisecond
	maxStreamPoll = 10 * time.Second
	streamPage    = 500
)

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req service.AppendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev, err := s.svc.AppendEvent(r.Context(), policyFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, err := models.ParseCursor(q.Get("after"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.svc.ListEvents(r.Context(), chi.URLParam(r, "id"), service.ListEventsRequest{After: after, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, service.NewEventsPage(events, after))
}

// sseWriter frames job events for text/event-stream clients.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (s sseWriter) event(name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleStreamEvents polls the same cursor listing as handleListEvents and
// pushes each new event as an SSE frame until the client goes away.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "id")

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	after, err := models.ParseCursor(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	poll := s.ssePoll
	if v := r.URL.Query().Get("pollIntervalMs"); v != "" {
		ms, err := queryInt(v, "pollIntervalMs")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		poll = time.Duration(ms) * time.Millisecond
		if poll < minStreamPoll || poll > maxStreamPoll {
			s.writeError(w, r, models.Validationf("pollIntervalMs must be between %d and %d",
				minStreamPoll.Milliseconds(), maxStreamPoll.Milliseconds()))
			return
		}
	}
	if _, err := s.svc.GetJob(ctx, jobID); err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	out := sseWriter{w: w, f: flusher}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		events, err := s.svc.ListEvents(ctx, jobID, service.ListEventsRequest{After: after, Limit: streamPage})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			status, code := statusFor(err)
			msg := err.Error()
			if status == http.StatusInternalServerError {
				s.log.Error("event stream failed", "job_id", jobID, "error", err)
				msg = "internal server error"
			}
			_ = out.event("error", "", errorDetail{Code: code, Message: msg})
			return
		}
		for _, ev := range events {
			if err := out.event("queue_event", ev.Cursor().String(), ev); err != nil {
				return
			}
			after = ev.Cursor()
		}
		if len(events) == streamPage {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if err := out.comment("keep-alive"); err != nil {
				return
			}
		case <-ticker.C:
		}
	}
}
