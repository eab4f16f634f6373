// Package client is a typed HTTP client for the queue API. Calls that fail
// with a connection error or a 502/503/504 response are retried with capped
// exponential backoff; every queue operation is conditioned on server-side
// state, so a repeated call cannot apply twice.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agent-queue/internal/models"
	"agent-queue/internal/service"
)

const (
	WorkerTokenHeader = "X-Worker-Token"
	AdminTokenHeader  = "X-Admin-Token"
	ActorHeader       = "X-Actor"
	TenantHeader      = "X-Tenant-ID"
)

// Client talks to one queue API base URL.
type Client struct {
	baseURL     string
	http        *http.Client
	workerToken string
	bearer      string
	adminToken  string
	actor       string
	tenant      string
	maxRetries  int
	backoffBase time.Duration
	backoffMax  time.Duration
	log         *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }
func WithWorkerToken(tok string) Option     { return func(c *Client) { c.workerToken = tok } }
func WithBearerToken(tok string) Option     { return func(c *Client) { c.bearer = tok } }
func WithAdminToken(tok string) Option      { return func(c *Client) { c.adminToken = tok } }
func WithActor(actor string) Option         { return func(c *Client) { c.actor = actor } }
func WithTenant(tenant string) Option       { return func(c *Client) { c.tenant = tenant } }
func WithLogger(l *slog.Logger) Option      { return func(c *Client) { c.log = l } }

// WithRetry sets how many times a transient failure is retried and the
// backoff bounds between attempts.
func WithRetry(max int, base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = max
		c.backoffBase = base
		c.backoffMax = maxDelay
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 30 * time.Second},
		maxRetries:  4,
		backoffBase: 250 * time.Millisecond,
		backoffMax:  5 * time.Second,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIError is a non-2xx response. It unwraps to the matching models error
// kind so callers can use errors.Is(err, models.ErrOwnership).
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue api %d %s: %s", e.Status, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case models.ErrValidation.Error():
		return models.ErrValidation
	case models.ErrNotFound.Error():
		return models.ErrNotFound
	case models.ErrOwnership.Error():
		return models.ErrOwnership
	case models.ErrInvalidState.Error():
		return models.ErrInvalidState
	case models.ErrConflict.Error():
		return models.ErrConflict
	case models.ErrPolicyDenied.Error():
		return models.ErrPolicyDenied
	case models.ErrUnauthenticated.Error():
		return models.ErrUnauthenticated
	}
	return nil
}

// LeaseLost reports whether err means the worker no longer owns the job.
func LeaseLost(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrOwnership) ||
		errors.Is(err, models.ErrInvalidState)
}

func retryableStatus(code int) bool {
	return code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := time.Duration(float64(c.backoffBase) * math.Pow(2, float64(attempt)))
	if wait > c.backoffMax || wait <= 0 {
		wait = c.backoffMax
	}
	if wait < 2 {
		return wait
	}
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			c.log.Debug("retrying queue request", "method", method, "path", path, "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		retry, err := c.once(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if !retry || ctx.Err() != nil {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%s %s: giving up after %d attempts: %w", method, path, c.maxRetries+1, lastErr)
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) (bool, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return false, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return true, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "http_error", Message: resp.Status}
		var eb struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20)); json.Unmarshal(data, &eb) == nil && eb.Error.Code != "" {
			apiErr.Code = eb.Error.Code
			apiErr.Message = eb.Error.Message
		}
		return retryableStatus(resp.StatusCode), apiErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return false, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.workerToken != "" {
		req.Header.Set(WorkerTokenHeader, c.workerToken)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}
	if c.tenant != "" {
		req.Header.Set(TenantHeader, c.tenant)
	}
}

func jobPath(id string, parts ...string) string {
	p := "/jobs/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) Enqueue(ctx context.Context, req service.EnqueueRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, "/jobs", req, &job)
	return job, err
}

func (c *Client) GetJob(ctx context.Context, id string) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodGet, jobPath(id), nil, &job)
	return job, err
}

func (c *Client) ListJobs(ctx context.Context, req service.ListJobsRequest) ([]models.Job, error) {
	q := url.Values{}
	if req.Status != "" {
		q.Set("status", req.Status)
	}
	if req.Type != "" {
		q.Set("type", req.Type)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("/jobs", q), nil, &out)
	return out.Jobs, err
}

func (c *Client) Claim(ctx context.Context, req service.ClaimRequest) (service.ClaimResponse, error) {
	var out service.ClaimResponse
	err := c.do(ctx, http.MethodPost, "/jobs/claim", req, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, jobID string, req service.HeartbeatRequest) (service.HeartbeatResponse, error) {
	var out service.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "heartbeat"), req, &out)
	return out, err
}

func (c *Client) Complete(ctx context.Context, jobID string, req service.CompleteRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "complete"), req, &job)
	return job, err
}

func (c *Client) Fail(ctx context.Context, jobID string, req service.FailRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "fail"), req, &job)
	return job, err
}

func (c *Client) Cancel(ctx context.Context, jobID string, req service.CancelRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel"), req, &job)
	return job, err
}

func (c *Client) AckCancel(ctx context.Context, jobID string, req service.CancelAckRequest) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "cancel", "ack"), req, &job)
	return job, err
}

func (c *Client) AppendEvent(ctx context.Context, jobID string, req service.AppendEventRequest) (models.JobEvent, error) {
	var ev models.JobEvent
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "events"), req, &ev)
	return ev, err
}

func (c *Client) ListEvents(ctx context.Context, jobID string, req service.ListEventsRequest) (service.EventsPage, error) {
	q := url.Values{}
	if req.After > 0 {
		q.Set("after", req.After.String())
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	var page service.EventsPage
	err := c.do(ctx, http.MethodGet, withQuery(jobPath(jobID, "events"), q), nil, &page)
	return page, err
}

func (c *Client) RecordArtifact(ctx context.Context, jobID string, req service.ArtifactRequest) (models.Artifact, error) {
	var art models.Artifact
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "artifacts"), req, &art)
	return art, err
}

func (c *Client) ListArtifacts(ctx context.Context, jobID string) ([]models.Artifact, error) {
	var out struct {
		Artifacts []models.Artifact `json:"artifacts"`
	}
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "artifacts"), nil, &out)
	return out.Artifacts, err
}

func (c *Client) PauseState(ctx context.Context) (service.PauseSnapshot, error) {
	var snap service.PauseSnapshot
	err := c.do(ctx, http.MethodGet, "/system/worker-pause", nil, &snap)
	return snap, err
}

func (c *Client) ApplyPause(ctx context.Context, req service.PauseRequest) (service.PauseResult, error) {
	var res service.PauseResult
	err := c.do(ctx, http.MethodPost, "/system/worker-pause", req, &res)
	return res, err
}

func (c *Client) CreateCredential(ctx context.Context, req service.CreateCredentialRequest) (service.IssuedCredential, error) {
	var out service.IssuedCredential
	err := c.do(ctx, http.MethodPost, "/workers/credentials", req, &out)
	return out, err
}

func (c *Client) ListCredentials(ctx context.Context) ([]models.WorkerCredential, error) {
	var out struct {
		Credentials []models.WorkerCredential `json:"credentials"`
	}
	err := c.do(ctx, http.MethodGet, "/workers/credentials", nil, &out)
	return out.Credentials, err
}

func (c *Client) RevokeCredential(ctx context.Context, id string) (models.WorkerCredential, error) {
	var out models.WorkerCredential
	err := c.do(ctx, http.MethodPost, "/workers/credentials/"+url.PathEscape(id)+"/revoke", nil, &out)
	return out, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
