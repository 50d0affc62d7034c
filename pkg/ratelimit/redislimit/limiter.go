// Package redislimit provides a leaky bucket ratelimit.Limiter shared through Redis.
package redislimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"code.kerpass.org/prekeys/internal/utils"
	"code.kerpass.org/prekeys/pkg/ratelimit"
)

// leakyBucket consumes one permit of the KEYS[1] bucket.
// It returns -1 if the permit was granted, the wait in milliseconds otherwise.
var leakyBucket = redis.NewScript(`
local size = tonumber(ARGV[1])
local regen = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'space', 'ts')
local space = tonumber(state[1])
local ts = tonumber(state[2])
if space == nil or ts == nil then
  space = size
  ts = now
end
space = math.min(size, space + math.max(0, now - ts) / regen)
local rv = -1
if space >= 1 then
  space = space - 1
else
  rv = math.max(1, math.ceil((1 - space) * regen))
end
redis.call('HSET', KEYS[1], 'space', tostring(space), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], math.ceil(size * regen))
return rv
`)

// Limiter is a ratelimit.Limiter that keeps its buckets in Redis.
type Limiter struct {
	Client redis.Scripter
	Name   string
	Policy ratelimit.Policy

	// Now returns the current time, time.Now if nil.
	Now func() time.Time
}

// New returns a Limiter named name. Buckets keys are prefixed with name.
func New(client redis.Scripter, name string, policy ratelimit.Policy) (*Limiter, error) {
	if nil == client {
		return nil, utils.NewError(0, ratelimit.Error, "nil redis client")
	}
	if err := policy.Check(); nil != err {
		return nil, err
	}
	if policy.PermitRegen < time.Millisecond {
		return nil, utils.NewError(0, ratelimit.Error, "PermitRegen below 1ms")
	}
	return &Limiter{Client: client, Name: name, Policy: policy}, nil
}

// Validate consumes one permit for key.
func (self *Limiter) Validate(ctx context.Context, key string) error {
	now := time.Now()
	if nil != self.Now {
		now = self.Now()
	}
	wait, err := leakyBucket.Run(
		ctx,
		self.Client,
		[]string{self.bucketKey(key)},
		self.Policy.BucketSize,
		self.Policy.PermitRegen.Milliseconds(),
		now.UnixMilli(),
	).Int64()
	if nil != err {
		return utils.WrapError(err, 0, ratelimit.Error, "failed running leaky bucket script")
	}

	return scriptResultError(key, wait)
}

// scriptResultError maps the leaky bucket script result to a Validate error.
// Any non negative result is a rejection, waits below 1ms are reported as 1ms.
func scriptResultError(key string, wait int64) error {
	if wait < 0 {
		return nil
	}
	return &ratelimit.RateLimitedError{Key: key, RetryAfter: time.Duration(max(wait, 1)) * time.Millisecond}
}

func (self *Limiter) bucketKey(key string) string {
	return "leaky_bucket::" + self.Name + "::" + key
}

var _ ratelimit.Limiter = &Limiter{}
