package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-queue/internal/models"
	"agent-queue/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T) (*Service, *memory.Store, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := memory.New(memory.WithClock(clock.Now))
	svc := New(repo, Options{
		MaxAttempts:      3,
		RetryBackoffBase: 15 * time.Second,
		RetryBackoffMax:  10 * time.Minute,
		MaxLeaseSeconds:  3600,
		PauseAuditLimit:  10,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, repo, clock
}

var anyWorker = UnrestrictedPolicy("test")

func claimAs(t *testing.T, svc *Service, worker string) ClaimResponse {
	t.Helper()
	res, err := svc.Claim(context.Background(), anyWorker, ClaimRequest{WorkerID: worker, LeaseSeconds: 60})
	require.NoError(t, err)
	return res
}

func TestRetryDelay(t *testing.T) {
	base, max := 15*time.Second, 10*time.Minute
	assert.Equal(t, 15*time.Second, RetryDelay(base, max, 1))
	assert.Equal(t, 30*time.Second, RetryDelay(base, max, 2))
	assert.Equal(t, 60*time.Second, RetryDelay(base, max, 3))
	assert.Equal(t, max, RetryDelay(base, max, 10))
	assert.Equal(t, max, RetryDelay(base, max, 1000))
	assert.Equal(t, time.Duration(0), RetryDelay(0, max, 3))
}

func TestEnqueueValidatesAndDerivesFilters(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{Type: "  "})
	assert.True(t, errors.Is(err, models.ErrValidation))

	job, err := svc.Enqueue(ctx, EnqueueRequest{
		Type:                 "shell",
		Priority:             4,
		RequiredCapabilities: []string{"docker"},
		Payload: map[string]any{
			"repository":           "org/app",
			"requiredCapabilities": []any{"git", "docker"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempt)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, []string{"docker", "git"}, job.RequiredCapabilities)
	require.NotNil(t, job.Repository)
	assert.Equal(t, "org/app", *job.Repository)
}

func TestClaimHighestPriorityFirst(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	a, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 10})
	clock.Advance(time.Millisecond)
	_, _ = svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 5})

	res := claimAs(t, svc, "w1")
	require.NotNil(t, res.Job)
	assert.Equal(t, a.ID, res.Job.ID)
	assert.False(t, res.System.Paused)
}

func TestClaimValidatesLease(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Claim(context.Background(), anyWorker, ClaimRequest{WorkerID: "w1", LeaseSeconds: 0})
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.Claim(context.Background(), anyWorker, ClaimRequest{WorkerID: "w1", LeaseSeconds: 3601})
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.Claim(context.Background(), anyWorker, ClaimRequest{LeaseSeconds: 60})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestRetryThenDeadLetter(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})

	for attempt := 1; attempt <= 2; attempt++ {
		res := claimAs(t, svc, "w1")
		require.NotNil(t, res.Job, "attempt %d", attempt)
		failed, err := svc.Fail(ctx, anyWorker, job.ID, FailRequest{WorkerID: "w1", ErrorMessage: "flaky", Retryable: true})
		require.NoError(t, err)
		assert.Equal(t, models.StatusQueued, failed.Status)
		assert.Equal(t, attempt+1, failed.Attempt)
		require.NotNil(t, failed.NextAttemptAt)
		assert.Equal(t, clock.Now().Add(RetryDelay(15*time.Second, 10*time.Minute, attempt)), *failed.NextAttemptAt)

		assert.Nil(t, claimAs(t, svc, "w1").Job, "not eligible before backoff")
		clock.Advance(RetryDelay(15*time.Second, 10*time.Minute, attempt))
	}

	require.NotNil(t, claimAs(t, svc, "w1").Job)
	failed, err := svc.Fail(ctx, anyWorker, job.ID, FailRequest{WorkerID: "w1", ErrorMessage: "flaky", Retryable: true})
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeadLetter, failed.Status)
	assert.Equal(t, 3, failed.Attempt)

	clock.Advance(time.Hour)
	assert.Nil(t, claimAs(t, svc, "w1").Job)
}

func TestNonRetryableFailIsTerminal(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)

	failed, err := svc.Fail(ctx, anyWorker, job.ID, FailRequest{WorkerID: "w1", ErrorMessage: "bad input"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Nil(t, claimAs(t, svc, "w1").Job)

	_, err = svc.Fail(ctx, anyWorker, job.ID, FailRequest{WorkerID: "w1"})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestOwnershipEnforced(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)

	_, err := svc.Heartbeat(ctx, anyWorker, job.ID, HeartbeatRequest{WorkerID: "w2", LeaseSeconds: 60})
	assert.True(t, errors.Is(err, models.ErrOwnership))
	_, err = svc.Complete(ctx, anyWorker, job.ID, CompleteRequest{WorkerID: "w2"})
	assert.True(t, errors.Is(err, models.ErrOwnership))
	_, err = svc.Fail(ctx, anyWorker, job.ID, FailRequest{WorkerID: "w2", ErrorMessage: "x"})
	assert.True(t, errors.Is(err, models.ErrOwnership))

	done, err := svc.Complete(ctx, anyWorker, job.ID, CompleteRequest{WorkerID: "w1", ResultSummary: "ok"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, done.Status)

	_, err = svc.Complete(ctx, anyWorker, job.ID, CompleteRequest{WorkerID: "w1"})
	assert.True(t, errors.Is(err, models.ErrOwnership), "finished jobs have no owner")

	_, err = svc.Heartbeat(ctx, anyWorker, "missing", HeartbeatRequest{WorkerID: "w1", LeaseSeconds: 60})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestLeaseExpiryRecoveredByNextClaim(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)

	clock.Advance(61 * time.Second)
	res := claimAs(t, svc, "w2")
	require.NotNil(t, res.Job)
	assert.Equal(t, job.ID, res.Job.ID)
	assert.Equal(t, 2, res.Job.Attempt)
}

func TestPausedClaimDoesNotMutate(t *testing.T) {
	svc, repo, clock := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)

	res, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeDrain, Reason: "upgrade"}, "ops")
	require.NoError(t, err)
	require.True(t, res.Changed)
	version := res.System.Version

	clock.Advance(2 * time.Minute)
	for i := 0; i < 3; i++ {
		claim := claimAs(t, svc, "w2")
		assert.Nil(t, claim.Job)
		assert.True(t, claim.System.Paused)
		require.NotNil(t, claim.System.Mode)
		assert.Equal(t, models.PauseModeDrain, *claim.System.Mode)
	}

	stale, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stale.Status, "maintenance is suppressed while paused")

	snap, err := svc.PauseState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Metrics.StaleRunning)
	assert.False(t, snap.Metrics.IsDrained)

	again, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeDrain, Reason: "upgrade"}, "ops")
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, version, again.System.Version)

	_, err = svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeQuiesce, Reason: "switch"}, "ops")
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestResumeRequiresDrainOrForce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)
	_, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeQuiesce, Reason: "maint"}, "ops")
	require.NoError(t, err)

	_, err = svc.ApplyPause(ctx, PauseRequest{Action: models.ActionResume, Reason: "done"}, "ops")
	require.True(t, errors.Is(err, models.ErrConflict))
	assert.Contains(t, err.Error(), "forceResume")

	hb, err := svc.Heartbeat(ctx, anyWorker, job.ID, HeartbeatRequest{WorkerID: "w1", LeaseSeconds: 60})
	require.NoError(t, err)
	assert.True(t, hb.System.Quiescing(), "heartbeat carries the pause snapshot")

	res, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionResume, Reason: "done", ForceResume: true}, "ops")
	require.NoError(t, err)
	assert.True(t, res.ForcedResume)
	assert.False(t, res.System.Paused)
	require.Len(t, res.Audit.Latest, 2)
	assert.True(t, res.Audit.Latest[0].Forced)

	noop, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionResume, Reason: "again"}, "ops")
	require.NoError(t, err)
	assert.False(t, noop.Changed)
	assert.Equal(t, res.System.Version, noop.System.Version)
}

func TestResumeWhenDrainedNeedsNoForce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeDrain, Reason: "r"}, "")
	require.NoError(t, err)
	res, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionResume, Reason: "r"}, "")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.ForcedResume)
	assert.True(t, res.Metrics.IsDrained)
}

func TestPauseValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Mode: models.PauseModeDrain}, "")
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.ApplyPause(ctx, PauseRequest{Action: models.ActionPause, Reason: "x"}, "")
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.ApplyPause(ctx, PauseRequest{Action: "toggle", Reason: "x"}, "")
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestCancelFlow(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	queued, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: -1})
	running, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 5})
	require.Equal(t, running.ID, claimAs(t, svc, "w1").Job.ID)

	c, err := svc.Cancel(ctx, queued.ID, CancelRequest{}, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, c.Status)

	flagged, err := svc.Cancel(ctx, running.ID, CancelRequest{Reason: "stop"}, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, flagged.Status)

	hb, err := svc.Heartbeat(ctx, anyWorker, running.ID, HeartbeatRequest{WorkerID: "w1", LeaseSeconds: 60})
	require.NoError(t, err)
	require.NotNil(t, hb.Job.CancelRequestedAt)

	acked, err := svc.AckCancel(ctx, anyWorker, running.ID, CancelAckRequest{WorkerID: "w1", Message: "stopped at step 2"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, acked.Status)

	events, err := svc.ListEvents(ctx, running.ID, ListEventsRequest{})
	require.NoError(t, err)
	assert.Equal(t, "stopped at step 2", events[len(events)-1].Message)
}

func TestEventsValidationAndCursor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	claimAs(t, svc, "w1")
	mine := func(req AppendEventRequest) AppendEventRequest {
		req.WorkerID = "w1"
		return req
	}

	_, err := svc.AppendEvent(ctx, anyWorker, job.ID, mine(AppendEventRequest{Level: "debug", Message: "x"}))
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.AppendEvent(ctx, anyWorker, job.ID, mine(AppendEventRequest{Message: "   "}))
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.AppendEvent(ctx, anyWorker, job.ID, AppendEventRequest{Message: "x"})
	assert.True(t, errors.Is(err, models.ErrValidation), "workerId is required")
	_, err = svc.AppendEvent(ctx, anyWorker, "missing", mine(AppendEventRequest{Message: "x"}))
	assert.True(t, errors.Is(err, models.ErrNotFound))

	first, err := svc.AppendEvent(ctx, anyWorker, job.ID, mine(AppendEventRequest{Message: " one "}))
	require.NoError(t, err)
	assert.Equal(t, "one", first.Message)
	assert.Equal(t, models.LevelInfo, first.Level)
	_, err = svc.AppendEvent(ctx, anyWorker, job.ID, mine(AppendEventRequest{Level: models.LevelWarn, Message: "two"}))
	require.NoError(t, err)

	after, err := svc.ListEvents(ctx, job.ID, ListEventsRequest{After: first.Cursor()})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "two", after[0].Message)

	_, err = svc.ListEvents(ctx, job.ID, ListEventsRequest{Limit: 501})
	assert.True(t, errors.Is(err, models.ErrValidation))
}

func TestAppendEventRequiresOwner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})

	_, err := svc.AppendEvent(ctx, anyWorker, job.ID, AppendEventRequest{WorkerID: "w1", Message: "before claim"})
	assert.True(t, errors.Is(err, models.ErrOwnership))

	claimAs(t, svc, "w1")
	_, err = svc.AppendEvent(ctx, anyWorker, job.ID, AppendEventRequest{WorkerID: "intruder", Message: "fake log"})
	assert.True(t, errors.Is(err, models.ErrOwnership))

	bound := Policy{WorkerID: "w2"}
	_, err = svc.AppendEvent(ctx, bound, job.ID, AppendEventRequest{WorkerID: "w1", Message: "spoofed"})
	assert.True(t, errors.Is(err, models.ErrPolicyDenied))

	_, err = svc.Complete(ctx, anyWorker, job.ID, CompleteRequest{WorkerID: "w1"})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, anyWorker, job.ID, AppendEventRequest{WorkerID: "w1", Message: "late"})
	assert.True(t, errors.Is(err, models.ErrOwnership), "finished jobs no longer have an owner")
}

func TestTokenPolicyBindsWorkerAndFilters(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	issued, err := svc.IssueCredential(ctx, CreateCredentialRequest{
		WorkerID:            "builder-1",
		AllowedJobTypes:     []string{"shell"},
		AllowedRepositories: []string{"org/app"},
		Capabilities:        []string{"docker"},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^awt_[0-9a-f]{64}$`, issued.Token)

	resolver := NewResolver(repo, ResolverOptions{})
	policy, err := resolver.Resolve(ctx, TokenIdentity{Raw: issued.Token})
	require.NoError(t, err)
	assert.Equal(t, "builder-1", policy.WorkerID)

	_, err = svc.Claim(ctx, policy, ClaimRequest{WorkerID: "impostor", LeaseSeconds: 60})
	assert.True(t, errors.Is(err, models.ErrPolicyDenied))

	_, _ = svc.Enqueue(ctx, EnqueueRequest{Type: "review", Priority: 9, Payload: map[string]any{"repository": "org/app"}})
	_, _ = svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 8, Payload: map[string]any{"repository": "org/other"}})
	_, _ = svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 7, RequiredCapabilities: []string{"gpu"}, Payload: map[string]any{"repository": "org/app"}})
	want, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell", Priority: 1, RequiredCapabilities: []string{"docker"}, Payload: map[string]any{"repository": "org/app"}})

	res, err := svc.Claim(ctx, policy, ClaimRequest{WorkerID: "builder-1", LeaseSeconds: 60, AllowedTypes: []string{"review"}})
	require.NoError(t, err)
	assert.Nil(t, res.Job, "requested types outside the allowlist yield no work")

	res, err = svc.Claim(ctx, policy, ClaimRequest{WorkerID: "builder-1", LeaseSeconds: 60, WorkerCapabilities: []string{"gpu"}})
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, want.ID, res.Job.ID, "credential capabilities override caller-supplied ones")

	_, err = svc.RevokeCredential(ctx, issued.Credential.ID)
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, TokenIdentity{Raw: issued.Token})
	assert.True(t, errors.Is(err, models.ErrUnauthenticated))
	_, err = resolver.Resolve(ctx, TokenIdentity{Raw: "awt_unknown"})
	assert.True(t, errors.Is(err, models.ErrUnauthenticated))
}

func TestResolverFederatedAndAnonymous(t *testing.T) {
	_, repo, _ := newTestService(t)
	ctx := context.Background()

	strict := NewResolver(repo, ResolverOptions{FederatedSecret: "s3cret", FederatedIssuer: "https://ci.example"})
	_, err := strict.Resolve(ctx, AnonymousIdentity{})
	assert.True(t, errors.Is(err, models.ErrUnauthenticated))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "runner-7",
		Issuer:    "https://ci.example",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	id, err := strict.VerifyFederated(signed)
	require.NoError(t, err)
	policy, err := strict.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "runner-7", policy.WorkerID)
	assert.Empty(t, policy.AllowedTypes)

	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "runner-7",
		Issuer:    "https://elsewhere",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	_, err = strict.VerifyFederated(wrongIssuer)
	assert.True(t, errors.Is(err, models.ErrUnauthenticated))

	open := NewResolver(repo, ResolverOptions{AllowAnonymous: true})
	policy, err = open.Resolve(ctx, AnonymousIdentity{})
	require.NoError(t, err)
	assert.Equal(t, "", policy.WorkerID)
	_, err = open.VerifyFederated(signed)
	assert.True(t, errors.Is(err, models.ErrUnauthenticated), "federation disabled without a secret")
}

func TestArtifactsRequireOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	job, _ := svc.Enqueue(ctx, EnqueueRequest{Type: "shell"})
	require.NotNil(t, claimAs(t, svc, "w1").Job)

	_, err := svc.RecordArtifact(ctx, anyWorker, job.ID, ArtifactRequest{WorkerID: "w1", Name: "log"})
	assert.True(t, errors.Is(err, models.ErrValidation))
	_, err = svc.RecordArtifact(ctx, anyWorker, job.ID, ArtifactRequest{WorkerID: "w2", Name: "log", StoragePath: "/a/log"})
	assert.True(t, errors.Is(err, models.ErrOwnership))

	art, err := svc.RecordArtifact(ctx, anyWorker, job.ID, ArtifactRequest{WorkerID: "w1", Name: "output.log", StoragePath: "/var/artifacts/" + job.ID + "/output.log", SizeBytes: 10})
	require.NoError(t, err)
	assert.Equal(t, "output.log", art.Name)

	got, _ := svc.GetJob(ctx, job.ID)
	require.NotNil(t, got.ArtifactsPath)
	assert.Equal(t, "/var/artifacts/"+job.ID, *got.ArtifactsPath)

	list, err := svc.ListArtifacts(ctx, job.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
