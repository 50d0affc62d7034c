package redislimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"code.kerpass.org/prekeys/pkg/ratelimit"
)

const testAddr = "localhost:6379"

func newTestLimiter(t *testing.T, size int, regen time.Duration) (*Limiter, *time.Time) {
	client := redis.NewClient(&redis.Options{Addr: testAddr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); nil != err {
		t.Skipf("redis unavailable, got error %v", err)
	}

	limiter, err := New(client, "test-"+uuid.NewString(), ratelimit.Policy{BucketSize: size, PermitRegen: regen})
	require.NoError(t, err)

	now := time.UnixMilli(1_700_000_000_000)
	limiter.Now = func() time.Time { return now }
	return limiter, &now
}

func TestLimiter_Burst(t *testing.T) {
	ctx := context.Background()
	limiter, now := newTestLimiter(t, 2, 30*time.Second)

	require.NoError(t, limiter.Validate(ctx, "alice"))
	require.NoError(t, limiter.Validate(ctx, "alice"))

	err := limiter.Validate(ctx, "alice")
	var rle *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rle)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Equal(t, 30*time.Second, rle.RetryAfter)

	assert.NoError(t, limiter.Validate(ctx, "bob"))

	*now = now.Add(30 * time.Second)
	assert.NoError(t, limiter.Validate(ctx, "alice"))
	assert.Error(t, limiter.Validate(ctx, "alice"))
}

func TestNew_Invalid(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: testAddr})
	defer client.Close()

	_, err := New(nil, "x", ratelimit.Policy{BucketSize: 1, PermitRegen: time.Second})
	assert.Error(t, err)
	_, err = New(client, "x", ratelimit.Policy{BucketSize: 0, PermitRegen: time.Second})
	assert.Error(t, err)
	_, err = New(client, "x", ratelimit.Policy{BucketSize: 1, PermitRegen: time.Microsecond})
	assert.Error(t, err)
}

func TestScriptResultError(t *testing.T) {
	assert.NoError(t, scriptResultError("alice", -1))

	for _, tc := range []struct {
		wait       int64
		retryAfter time.Duration
		seconds    int64
	}{
		{wait: 0, retryAfter: time.Millisecond, seconds: 1},
		{wait: 1, retryAfter: time.Millisecond, seconds: 1},
		{wait: 6000, retryAfter: 6 * time.Second, seconds: 6},
	} {
		err := scriptResultError("alice", tc.wait)
		var rle *ratelimit.RateLimitedError
		require.True(t, errors.As(err, &rle), "wait %d", tc.wait)
		assert.Equal(t, tc.retryAfter, rle.RetryAfter)
		assert.Equal(t, tc.seconds, rle.RetryAfterSeconds())
	}
}
