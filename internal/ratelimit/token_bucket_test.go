package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBucket(t *testing.T, now func() time.Time) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, 2, 1, time.Minute, WithClock(now))
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	fixed := time.Unix(1_700_000_000, 0)
	bucket := newBucket(t, func() time.Time { return fixed })

	allowed, _, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	assert.True(t, allowed, "second token")
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	assert.False(t, allowed, "third token exceeds capacity")

	allowed, _, _ = bucket.Allow(ctx, "other-tenant")
	assert.True(t, allowed, "buckets are per key")
}

func TestTokenBucketRefill(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	bucket := newBucket(t, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "tenant")
		require.NoError(t, err)
		require.True(t, allowed)
	}
	allowed, _, _ := bucket.Allow(ctx, "tenant")
	require.False(t, allowed)

	now = now.Add(1100 * time.Millisecond)
	allowed, _, err := bucket.Allow(ctx, "tenant")
	require.NoError(t, err)
	assert.True(t, allowed, "one token refilled after a second")
}
