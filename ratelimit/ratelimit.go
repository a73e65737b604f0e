// Package ratelimit implements the per-(tenant, provider) token-bucket
// throttle shared by all adapter calls. The orchestrator, not the adapter,
// decides what to do when a slot cannot be acquired.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/synchub_backend/syncerr"
)

// BucketConfig is provider-specific: providers differ by an order of
// magnitude in their limits.
type BucketConfig struct {
	Capacity     float64
	RefillPerMin float64
}

// ConfigFunc resolves the bucket config for a provider (per-tenant overrides
// come from the provider connection row).
type ConfigFunc func(tenantId string, provider string) BucketConfig

type bucket struct {
	tokens   float64
	lastFill time.Time
}

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     ConfigFunc

	// MaxWait bounds how long Acquire blocks before failing fast.
	MaxWait time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg ConfigFunc) *Limiter {
	return &Limiter{
		buckets: map[string]*bucket{},
		cfg:     cfg,
		MaxWait: 5 * time.Second,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func key(tenantId, provider string) string {
	return tenantId + "|" + provider
}

// Acquire takes one token, waiting up to MaxWait for a refill. When the wait
// would exceed MaxWait it fails fast with RATE_LIMITED carrying the time
// until a token becomes available, so the orchestrator can requeue instead
// of parking a worker.
func (l *Limiter) Acquire(ctx context.Context, tenantId string, provider string) error {
	wait, err := l.tryTake(tenantId, provider)
	if err != nil {
		return err
	}
	if wait == 0 {
		return nil
	}
	if err := l.sleep(ctx, wait); err != nil {
		return syncerr.Transient("rate limit wait interrupted", err)
	}
	wait, err = l.tryTake(tenantId, provider)
	if err != nil {
		return err
	}
	if wait > 0 {
		// Contention consumed the refill we waited for.
		return syncerr.RateLimited(wait, fmt.Sprintf("provider %s throttle exhausted", provider))
	}
	return nil
}

// tryTake returns (0, nil) when a token was taken, (wait, nil) when one will
// be available within MaxWait, and RATE_LIMITED otherwise.
func (l *Limiter) tryTake(tenantId, provider string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.cfg(tenantId, provider)
	if cfg.Capacity <= 0 || cfg.RefillPerMin <= 0 {
		// Unconfigured providers are not throttled locally.
		return 0, nil
	}

	k := key(tenantId, provider)
	b := l.buckets[k]
	now := l.now()
	if b == nil {
		b = &bucket{tokens: cfg.Capacity, lastFill: now}
		l.buckets[k] = b
	}

	refillPerSec := cfg.RefillPerMin / 60.0
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillPerSec
		if b.tokens > cfg.Capacity {
			b.tokens = cfg.Capacity
		}
		b.lastFill = now
	}

	if b.tokens >= 1 {
		b.tokens -= 1
		return 0, nil
	}

	need := 1 - b.tokens
	wait := time.Duration(need / refillPerSec * float64(time.Second))
	if wait > l.MaxWait {
		return 0, syncerr.RateLimited(wait, fmt.Sprintf("provider %s throttle exhausted", provider))
	}
	return wait, nil
}
