package common

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests and tracks the venue's reported usage.
type RateLimiter struct {
	limiter *rate.Limiter
	log     *zap.Logger

	mu         sync.Mutex
	usedWeight int
	limit      int
}

// NewRateLimiter allows rps requests per second with the given burst.
// weightLimit is the venue's advertised weight budget (0 disables warnings).
func NewRateLimiter(rps float64, burst, weightLimit int, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
		limit:   weightLimit,
	}
}

// Wait blocks until a request may be sent or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader records the used weight reported by the venue.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if rl == nil || headerValue == "" || rl.limit <= 0 {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	rl.usedWeight = weight
	rl.mu.Unlock()

	pct := float64(weight) / float64(rl.limit) * 100
	if pct >= 95 {
		rl.log.Warn("rate limit critical", zap.Int("used", weight), zap.Int("limit", rl.limit))
	} else if pct >= 80 {
		rl.log.Info("rate limit high", zap.Int("used", weight), zap.Int("limit", rl.limit))
	}
}

// Usage returns the last reported weight and the budget.
func (rl *RateLimiter) Usage() (used, limit int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.usedWeight, rl.limit
}
