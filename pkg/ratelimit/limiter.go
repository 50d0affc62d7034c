package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter rations requests per key.
type Limiter interface {
	// Validate consumes one permit for key.
	// It errors with a *RateLimitedError if no permit is available.
	Validate(ctx context.Context, key string) error
}

// Policy configures a leaky bucket.
//
// A bucket holds at most BucketSize permits and regains one permit every PermitRegen.
type Policy struct {
	BucketSize  int
	PermitRegen time.Duration
}

// Check returns an error if the Policy is invalid.
func (self Policy) Check() error {
	if self.BucketSize <= 0 {
		return newError("invalid BucketSize %d", self.BucketSize)
	}
	if self.PermitRegen <= 0 {
		return newError("invalid PermitRegen %s", self.PermitRegen)
	}
	return nil
}

// bucket state after consuming one permit at now.
// It returns the updated space and the wait before a permit is available when space was short.
func (self Policy) leak(space float64, last time.Time, now time.Time) (float64, time.Duration) {
	elapsed := now.Sub(last)
	if elapsed < 0 {
		elapsed = 0
	}
	space = math.Min(float64(self.BucketSize), space+float64(elapsed)/float64(self.PermitRegen))
	if space >= 1 {
		return space - 1, 0
	}
	wait := time.Duration(math.Ceil((1 - space) * float64(self.PermitRegen)))
	return space, wait
}

// Unlimited is a Limiter that accepts every request.
type Unlimited struct{}

func (self Unlimited) Validate(_ context.Context, _ string) error {
	return nil
}

const memPruneThreshold = 10_000

type memBucket struct {
	space float64
	last  time.Time
}

// MemLimiter is an "in memory" leaky bucket Limiter.
type MemLimiter struct {
	policy Policy

	// Now returns the current time, time.Now if nil.
	Now func() time.Time

	mut     sync.Mutex
	buckets map[string]memBucket
}

// NewMemLimiter returns a MemLimiter applying policy.
func NewMemLimiter(policy Policy) (*MemLimiter, error) {
	if err := policy.Check(); nil != err {
		return nil, err
	}
	return &MemLimiter{policy: policy, buckets: make(map[string]memBucket)}, nil
}

// Validate consumes one permit for key.
func (self *MemLimiter) Validate(_ context.Context, key string) error {
	now := time.Now()
	if nil != self.Now {
		now = self.Now()
	}

	self.mut.Lock()
	defer self.mut.Unlock()

	b, found := self.buckets[key]
	if !found {
		b = memBucket{space: float64(self.policy.BucketSize), last: now}
	}
	space, wait := self.policy.leak(b.space, b.last, now)
	self.buckets[key] = memBucket{space: space, last: now}
	if len(self.buckets) > memPruneThreshold {
		self.prune(now)
	}
	if wait > 0 {
		return &RateLimitedError{Key: key, RetryAfter: wait}
	}

	return nil
}

// prune removes buckets that are full again.
func (self *MemLimiter) prune(now time.Time) {
	refill := time.Duration(self.policy.BucketSize) * self.policy.PermitRegen
	for key, b := range self.buckets {
		if now.Sub(b.last) >= refill {
			delete(self.buckets, key)
		}
	}
}

var (
	_ Limiter = Unlimited{}
	_ Limiter = &MemLimiter{}
)
