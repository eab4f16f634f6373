package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agent-queue/internal/service"
)

func (s *Server) handleGetPause(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.PauseState(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleApplyPause(w http.ResponseWriter, r *http.Request) {
	var req service.PauseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.ApplyPause(r.Context(), req, actorFromRequest(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req service.CreateCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	issued, err := s.svc.IssueCredential(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.svc.ListCredentials(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"credentials": creds})
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := s.svc.RevokeCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}
