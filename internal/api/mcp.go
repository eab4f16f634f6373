package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

// toolCall is the MCP-style envelope accepted by POST /mcp/tools/call.
type toolCall struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolResult struct {
	Result any `json:"result"`
}

type jobRef struct {
	JobID string `json:"jobId"`
}

type toolFunc func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error)

func (s *Server) tools() map[string]toolFunc {
	return map[string]toolFunc{
		"queue.enqueue": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req service.EnqueueRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			if err := s.allowEnqueue(r); err != nil {
				return nil, err
			}
			return s.svc.Enqueue(ctx, req)
		},
		"queue.get": func(ctx context.Context, _ *http.Request, args json.RawMessage) (any, error) {
			var ref jobRef
			if err := decodeArgs(args, &ref); err != nil {
				return nil, err
			}
			return s.svc.GetJob(ctx, ref.JobID)
		},
		"queue.list": func(ctx context.Context, _ *http.Request, args json.RawMessage) (any, error) {
			var req service.ListJobsRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			jobs, err := s.svc.ListJobs(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobs": jobs}, nil
		},
		"queue.claim": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req service.ClaimRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			policy, err := s.resolvePolicy(r)
			if err != nil {
				return nil, err
			}
			return s.svc.Claim(ctx, policy, req)
		},
		"queue.heartbeat": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				service.HeartbeatRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			policy, err := s.resolvePolicy(r)
			if err != nil {
				return nil, err
			}
			return s.svc.Heartbeat(ctx, policy, req.JobID, req.HeartbeatRequest)
		},
		"queue.complete": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				service.CompleteRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			policy, err := s.resolvePolicy(r)
			if err != nil {
				return nil, err
			}
			return s.svc.Complete(ctx, policy, req.JobID, req.CompleteRequest)
		},
		"queue.fail": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				service.FailRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			policy, err := s.resolvePolicy(r)
			if err != nil {
				return nil, err
			}
			return s.svc.Fail(ctx, policy, req.JobID, req.FailRequest)
		},
		"queue.cancel": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			if err := s.checkAdmin(r); err != nil {
				return nil, err
			}
			var req struct {
				jobRef
				service.CancelRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return s.svc.Cancel(ctx, req.JobID, req.CancelRequest, actorFromRequest(r))
		},
		"queue.events.append": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				service.AppendEventRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			policy, err := s.resolvePolicy(r)
			if err != nil {
				return nil, err
			}
			return s.svc.AppendEvent(ctx, policy, req.JobID, req.AppendEventRequest)
		},
		"queue.events.list": func(ctx context.Context, _ *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				service.ListEventsRequest
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			events, err := s.svc.ListEvents(ctx, req.JobID, req.ListEventsRequest)
			if err != nil {
				return nil, err
			}
			return service.NewEventsPage(events, req.After), nil
		},
		"queue.artifacts.list": func(ctx context.Context, _ *http.Request, args json.RawMessage) (any, error) {
			var req struct {
				jobRef
				Limit int `json:"limit"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			arts, err := s.svc.ListArtifacts(ctx, req.JobID, req.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"artifacts": arts}, nil
		},
		"system.worker_pause.get": func(ctx context.Context, _ *http.Request, _ json.RawMessage) (any, error) {
			return s.svc.PauseState(ctx)
		},
		"system.worker_pause.apply": func(ctx context.Context, r *http.Request, args json.RawMessage) (any, error) {
			if err := s.checkAdmin(r); err != nil {
				return nil, err
			}
			var req service.PauseRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return s.svc.ApplyPause(ctx, req, actorFromRequest(r))
		},
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return models.Validationf("invalid arguments: %v", err)
	}
	return nil
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(s.tools()))
	for name := range s.tools() {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"tools": names})
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var call toolCall
	if err := decodeJSON(r, &call); err != nil {
		s.writeError(w, r, err)
		return
	}
	fn, ok := s.tools()[call.Tool]
	if !ok {
		s.writeError(w, r, models.NotFoundf("unknown tool %q", call.Tool))
		return
	}
	res, err := fn(r.Context(), r, call.Arguments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toolResult{Result: res})
}
