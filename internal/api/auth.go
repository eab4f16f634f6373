package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

type ctxKey int

const policyKey ctxKey = iota

const (
	workerTokenHeader = "X-Worker-Token"
	adminTokenHeader  = "X-Admin-Token"
	actorHeader       = "X-Actor"
)

// identityFromRequest picks the credential the caller presented. A dedicated
// worker token wins over a bearer JWT.
func (s *Server) identityFromRequest(r *http.Request) (service.WorkerIdentity, error) {
	if raw := strings.TrimSpace(r.Header.Get(workerTokenHeader)); raw != "" {
		return service.TokenIdentity{Raw: raw}, nil
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return nil, models.Unauthenticatedf("authorization header must be a bearer token")
		}
		return s.resolver.VerifyFederated(strings.TrimSpace(token))
	}
	return service.AnonymousIdentity{}, nil
}

func (s *Server) resolvePolicy(r *http.Request) (service.Policy, error) {
	id, err := s.identityFromRequest(r)
	if err != nil {
		return service.Policy{}, err
	}
	return s.resolver.Resolve(r.Context(), id)
}

// workerAuth resolves the caller's worker policy and stores it on the context.
func (s *Server) workerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy, err := s.resolvePolicy(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), policyKey, policy)))
	})
}

func policyFrom(ctx context.Context) service.Policy {
	if p, ok := ctx.Value(policyKey).(service.Policy); ok {
		return p
	}
	return service.Policy{}
}

// adminAuth guards operator endpoints when an admin token is configured.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.checkAdmin(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAdmin(r *http.Request) error {
	if s.adminToken == "" {
		return nil
	}
	got := r.Header.Get(adminTokenHeader)
	if got == "" {
		return models.Unauthenticatedf("admin token required")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
		return models.PolicyDeniedf("invalid admin token")
	}
	return nil
}

func actorFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(actorHeader))
}
