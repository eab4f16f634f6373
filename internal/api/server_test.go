package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-queue/internal/models"
	"agent-queue/internal/ratelimit"
	"agent-queue/internal/service"
	"agent-queue/internal/store/memory"
)

const testJWTSecret = "federation-secret"

type harness struct {
	srv     *Server
	handler http.Handler
	repo    *memory.Store
}

func newHarness(t *testing.T, opts Options, anonymous bool) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := memory.New()
	svc := service.New(repo, service.Options{
		MaxAttempts:      3,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		MaxLeaseSeconds:  3600,
		PauseAuditLimit:  5,
	}, log)
	resolver := service.NewResolver(repo, service.ResolverOptions{
		FederatedSecret: testJWTSecret,
		AllowAnonymous:  anonymous,
	})
	opts.Logger = log
	opts.Health = repo
	srv := New(svc, resolver, opts)
	return &harness{srv: srv, handler: srv.Router(), repo: repo}
}

func (h *harness) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[errorBody](t, rec).Error.Code
}

func (h *harness) enqueue(t *testing.T, typ string, priority int) models.Job {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/jobs", map[string]any{"type": typ, "priority": priority, "payload": map[string]any{"n": 1}})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[models.Job](t, rec)
}

func (h *harness) claim(t *testing.T, worker string) models.Job {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": worker, "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.ClaimResponse](t, rec)
	require.NotNil(t, res.Job)
	return *res.Job
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, Options{}, true)
	low := h.enqueue(t, "shell", 5)
	high := h.enqueue(t, "shell", 10)

	rec := h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[service.ClaimResponse](t, rec)
	require.NotNil(t, claim.Job)
	assert.Equal(t, high.ID, claim.Job.ID)
	assert.False(t, claim.System.Paused)

	rec = h.do(t, http.MethodPost, "/jobs/"+high.ID+"/heartbeat", map[string]any{"workerId": "w1", "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/jobs/"+high.ID+"/complete", map[string]any{"workerId": "w2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ownership_error", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/jobs/"+high.ID+"/complete", map[string]any{"workerId": "w1", "resultSummary": "ok"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusSucceeded, decode[models.Job](t, rec).Status)

	rec = h.do(t, http.MethodGet, "/jobs/"+low.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusQueued, decode[models.Job](t, rec).Status)

	rec = h.do(t, http.MethodGet, "/jobs?status=succeeded", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Jobs []models.Job `json:"jobs"`
	}](t, rec)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, high.ID, list.Jobs[0].ID)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, Options{}, true)

	rec := h.do(t, http.MethodGet, "/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/jobs", map[string]any{"priority": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{not json"))
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)
	assert.Equal(t, http.StatusBadRequest, out.Code)
}

func TestWorkerAuthentication(t *testing.T) {
	h := newHarness(t, Options{}, false)
	job := h.enqueue(t, "shell", 1)

	rec := h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60},
		workerTokenHeader, "awt_nope")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/workers/credentials", map[string]any{"workerId": "w1", "allowedJobTypes": []string{"shell"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	issued := decode[service.IssuedCredential](t, rec)
	require.True(t, strings.HasPrefix(issued.Token, "awt_"))

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w2", "leaseSeconds": 60},
		workerTokenHeader, issued.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "policy_denied", errorCode(t, rec))

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60},
		workerTokenHeader, issued.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[service.ClaimResponse](t, rec)
	require.NotNil(t, claim.Job)
	assert.Equal(t, job.ID, claim.Job.ID)

	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w1", "message": "anonymous"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w2", "message": "spoofed"},
		workerTokenHeader, issued.Token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w1", "message": "progress"},
		workerTokenHeader, issued.Token)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/workers/credentials/"+issued.Credential.ID+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/heartbeat", map[string]any{"workerId": "w1", "leaseSeconds": 60},
		workerTokenHeader, issued.Token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFederatedBearerToken(t *testing.T) {
	h := newHarness(t, Options{}, false)
	h.enqueue(t, "shell", 1)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ci-runner",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	rec := h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "other", "leaseSeconds": 60},
		"Authorization", "Bearer "+signed)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "ci-runner", "leaseSeconds": 60},
		"Authorization", "Bearer "+signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotNil(t, decode[service.ClaimResponse](t, rec).Job)

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "ci-runner", "leaseSeconds": 60},
		"Authorization", "Basic abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminToken(t *testing.T) {
	h := newHarness(t, Options{AdminToken: "s3cret"}, true)
	job := h.enqueue(t, "shell", 1)

	rec := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", map[string]any{"reason": "no longer needed"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", nil, adminTokenHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", map[string]any{"reason": "no longer needed"},
		adminTokenHeader, "s3cret", actorHeader, "alice")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusCancelled, decode[models.Job](t, rec).Status)

	rec = h.do(t, http.MethodGet, "/workers/credentials", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkerPauseEndpoints(t *testing.T) {
	h := newHarness(t, Options{}, true)
	h.enqueue(t, "shell", 1)

	rec := h.do(t, http.MethodPost, "/system/worker-pause", map[string]any{"action": "pause", "mode": "drain"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, decode[service.ClaimResponse](t, rec).Job)
	h.enqueue(t, "shell", 1)

	rec = h.do(t, http.MethodPost, "/system/worker-pause",
		map[string]any{"action": "pause", "mode": "drain", "reason": "upgrade"}, actorHeader, "ops")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[service.PauseResult](t, rec)
	assert.True(t, res.Changed)
	assert.True(t, res.System.Paused)
	version := res.System.Version

	rec = h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w2", "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code)
	claim := decode[service.ClaimResponse](t, rec)
	assert.Nil(t, claim.Job)
	assert.True(t, claim.System.Paused)
	require.NotNil(t, claim.System.Mode)
	assert.Equal(t, models.PauseModeDrain, *claim.System.Mode)

	rec = h.do(t, http.MethodPost, "/system/worker-pause", map[string]any{"action": "resume", "reason": "done"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[errorBody](t, rec).Error.Message, "forceResume")

	rec = h.do(t, http.MethodPost, "/system/worker-pause", map[string]any{"action": "resume", "reason": "done", "forceResume": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[service.PauseResult](t, rec)
	assert.True(t, res.ForcedResume)
	assert.False(t, res.System.Paused)
	assert.Equal(t, version+1, res.System.Version)

	rec = h.do(t, http.MethodGet, "/system/worker-pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[service.PauseSnapshot](t, rec)
	assert.EqualValues(t, 1, snap.Metrics.Running)
	assert.EqualValues(t, 1, snap.Metrics.Queued)
	require.Len(t, snap.Audit.Latest, 2)
	assert.True(t, snap.Audit.Latest[0].Forced)
}

func TestEventsPolling(t *testing.T) {
	h := newHarness(t, Options{}, true)
	job := h.enqueue(t, "shell", 1)
	h.claim(t, "w1")

	for _, msg := range []string{"first", "second", "third"} {
		rec := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w1", "message": msg})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w2", "message": "injected"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ownership_error", errorCode(t, rec))

	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events?limit=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[service.EventsPage](t, rec)
	require.NotEmpty(t, all.Events)
	last := all.Events[len(all.Events)-1]
	assert.Equal(t, "third", last.Message)
	assert.Equal(t, last.Cursor(), all.NextCursor)

	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events?after="+all.NextCursor.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tail := decode[service.EventsPage](t, rec)
	assert.Empty(t, tail.Events)
	assert.Equal(t, all.NextCursor, tail.NextCursor)

	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events?after=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events?limit=501", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/jobs/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStreamResumesFromLastEventID(t *testing.T) {
	h := newHarness(t, Options{}, true)
	job := h.enqueue(t, "shell", 1)
	h.claim(t, "w1")

	rec := h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w1", "message": "before-cursor"})
	require.Equal(t, http.StatusCreated, rec.Code)
	seen := decode[models.JobEvent](t, rec)
	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/events", map[string]any{"workerId": "w1", "message": "after-cursor", "level": "warn"})
	require.Equal(t, http.StatusCreated, rec.Code)
	next := decode[models.JobEvent](t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/events/stream?pollIntervalMs=100", nil).WithContext(ctx)
	req.Header.Set("Last-Event-ID", seen.Cursor().String())
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)

	assert.Equal(t, "text/event-stream", out.Header().Get("Content-Type"))
	body := out.Body.String()
	assert.NotContains(t, body, "before-cursor")
	assert.Contains(t, body, "after-cursor")
	assert.Contains(t, body, "id: "+next.Cursor().String()+"\nevent: queue_event\n")
}

func TestEventStreamValidation(t *testing.T) {
	h := newHarness(t, Options{}, true)
	job := h.enqueue(t, "shell", 1)

	rec := h.do(t, http.MethodGet, "/jobs/"+job.ID+"/events/stream?pollIntervalMs=50", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(t, http.MethodGet, "/jobs/missing/events/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnqueueRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute, ratelimit.WithClock(func() time.Time { return fixed }))
	h := newHarness(t, Options{Limiter: limiter}, true)

	body := map[string]any{"type": "shell"}
	rec := h.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "acme")
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "acme")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	rec = h.do(t, http.MethodPost, "/jobs", body, "X-Tenant-ID", "globex")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestToolEnqueueSharesRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	fixed := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute, ratelimit.WithClock(func() time.Time { return fixed }))
	h := newHarness(t, Options{Limiter: limiter}, true)

	call := map[string]any{"tool": "queue.enqueue", "arguments": map[string]any{"type": "shell"}}
	rec := h.do(t, http.MethodPost, "/mcp/tools/call", call, "X-Tenant-ID", "acme")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", call, "X-Tenant-ID", "acme")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", errorCode(t, rec))
	rec = h.do(t, http.MethodPost, "/jobs", map[string]any{"type": "shell"}, "X-Tenant-ID", "acme")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "REST and tool calls draw from one bucket")

	rec = h.do(t, http.MethodGet, "/jobs?limit=10", nil)
	list := decode[struct {
		Jobs []models.Job `json:"jobs"`
	}](t, rec)
	assert.Len(t, list.Jobs, 1)
}

func TestArtifactsOverHTTP(t *testing.T) {
	h := newHarness(t, Options{}, true)
	job := h.enqueue(t, "shell", 1)
	rec := h.do(t, http.MethodPost, "/jobs/claim", map[string]any{"workerId": "w1", "leaseSeconds": 60})
	require.Equal(t, http.StatusOK, rec.Code)

	art := map[string]any{"workerId": "w1", "name": "job.log", "storagePath": "runs/" + job.ID + "/job.log", "sizeBytes": 12}
	rec = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/artifacts", art)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}](t, rec)
	require.Len(t, list.Artifacts, 1)
	assert.Equal(t, "job.log", list.Artifacts[0].Name)

	rec = h.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	got := decode[models.Job](t, rec)
	require.NotNil(t, got.ArtifactsPath)
	assert.Equal(t, "runs/"+job.ID, *got.ArtifactsPath)
}

func TestToolCalls(t *testing.T) {
	h := newHarness(t, Options{}, true)

	rec := h.do(t, http.MethodGet, "/mcp/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decode[struct {
		Tools []string `json:"tools"`
	}](t, rec)
	assert.Contains(t, listing.Tools, "queue.claim")
	assert.Contains(t, listing.Tools, "system.worker_pause.apply")

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.enqueue",
		"arguments": map[string]any{"type": "shell", "priority": 3},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	enq := decode[struct {
		Result models.Job `json:"result"`
	}](t, rec)
	assert.Equal(t, models.StatusQueued, enq.Result.Status)

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.claim",
		"arguments": map[string]any{"workerId": "w1", "leaseSeconds": 30},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[struct {
		Result service.ClaimResponse `json:"result"`
	}](t, rec)
	require.NotNil(t, claim.Result.Job)
	assert.Equal(t, enq.Result.ID, claim.Result.Job.ID)

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.events.append",
		"arguments": map[string]any{"jobId": enq.Result.ID, "workerId": "w2", "message": "not mine"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.events.append",
		"arguments": map[string]any{"jobId": enq.Result.ID, "workerId": "w1", "message": "progress"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.fail",
		"arguments": map[string]any{"jobId": enq.Result.ID, "workerId": "w2", "errorMessage": "boom"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "queue.fail",
		"arguments": map[string]any{"jobId": enq.Result.ID, "workerId": "w1", "errorMessage": "boom", "retryable": false},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	failed := decode[struct {
		Result models.Job `json:"result"`
	}](t, rec)
	assert.Equal(t, models.StatusFailed, failed.Result.Status)

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{
		"tool":      "system.worker_pause.apply",
		"arguments": map[string]any{"action": "pause", "mode": "quiesce"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/mcp/tools/call", map[string]any{"tool": "queue.explode"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{}, true)
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
