package waterfall

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	growthFactor = 1.2
	ceilingRatio = 2.0
	floorRatio   = 1.0 / 16.0
)

// AdaptiveLimiter paces one provider's dispatches with a token bucket
// whose refill rate adapts to provider feedback: a 429 halves the rate,
// each success grows it 20% back, capped at twice the configured base.
// Cache hits never spend a token.
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	floor   rate.Limit
	ceil    rate.Limit
}

// NewAdaptiveLimiter creates a limiter from a requests-per-minute budget.
func NewAdaptiveLimiter(rpm int) *AdaptiveLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	base := rate.Limit(float64(rpm) / 60.0)
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(base, 1),
		floor:   base * floorRatio,
		ceil:    base * ceilingRatio,
	}
}

// Wait blocks until a dispatch token is available or ctx is done.
func (l *AdaptiveLimiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// OnSuccess grows the rate toward the ceiling.
func (l *AdaptiveLimiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.limiter.Limit() * growthFactor
	if next > l.ceil {
		next = l.ceil
	}
	l.limiter.SetLimit(next)
}

// OnThrottle halves the rate in response to a 429. The floor keeps a
// trickle flowing so recovery probes still go out.
func (l *AdaptiveLimiter) OnThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.limiter.Limit() / 2
	if next < l.floor {
		next = l.floor
	}
	l.limiter.SetLimit(next)
}

// Rate returns the current refill rate in requests per second.
func (l *AdaptiveLimiter) Rate() rate.Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiter.Limit()
}
