// Package ratelimit implements the token bucket that gates outbound sends.
package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

const (
	// DefaultCapacity is the default size of the bucket
	DefaultCapacity = 10
	// DefaultRefillWindow is the default time it takes to refill an empty bucket
	DefaultRefillWindow = 5 * time.Second
)

// TokenBucket is a continuous token bucket: fractional tokens accumulate between calls, so bursts don't depend on how often the bucket is checked.
// Tokens are refilled lazily when the bucket is evaluated; there's no background timer.
// The bucket starts full.
type TokenBucket struct {
	limiter *rate.Limiter
	clock   clock.PassiveClock
}

// New returns a TokenBucket that holds up to capacity tokens, refilling an empty bucket in refillWindow.
// If capacity or refillWindow are not positive, every call is allowed.
func New(capacity int, refillWindow time.Duration, cl clock.PassiveClock) *TokenBucket {
	if cl == nil {
		cl = &clock.RealClock{}
	}

	var limiter *rate.Limiter
	if capacity <= 0 || refillWindow <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	} else {
		limiter = rate.NewLimiter(rate.Limit(float64(capacity)/refillWindow.Seconds()), capacity)
	}

	return &TokenBucket{
		limiter: limiter,
		clock:   cl,
	}
}

// IsAllowed consumes a token and returns true if at least one is available.
// Otherwise it returns false, and no token is consumed.
func (b *TokenBucket) IsAllowed() bool {
	return b.limiter.AllowN(b.clock.Now(), 1)
}

// Available returns the number of tokens currently in the bucket.
func (b *TokenBucket) Available() float64 {
	if b.limiter.Limit() == rate.Inf {
		return math.Inf(1)
	}
	return b.limiter.TokensAt(b.clock.Now())
}
