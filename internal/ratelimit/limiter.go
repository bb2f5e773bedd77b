package ratelimit

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"golang.org/x/time/rate"
)

const idleEvictAfter = 10 * time.Minute

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ImportLimiter is a per-key token bucket guarding the report import
// endpoint. A zero rate disables limiting.
type ImportLimiter struct {
	rate  rate.Limit
	burst int
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewImportLimiter(cfg config.Config, clk clock.Clock) *ImportLimiter {
	return New(cfg.Import.RateLimit, cfg.Import.RateBurst, clk)
}

func New(perSecond float64, burst int, clk clock.Clock) *ImportLimiter {
	if clk == nil {
		clk = clock.New()
	}
	if burst <= 0 {
		burst = 1
	}
	return &ImportLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clock:   clk,
		buckets: map[string]*bucket{},
	}
}

func (l *ImportLimiter) Enabled() bool {
	return l != nil && l.rate > 0
}

// Allow takes one token from the bucket of key.
func (l *ImportLimiter) Allow(key string) RateLimitResult {
	if !l.Enabled() {
		return RateLimitResult{Allowed: true}
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	res := RateLimitResult{Limit: l.burst}
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		return res
	}
	res.Allowed = true
	res.Remaining = int(math.Max(0, math.Floor(b.limiter.TokensAt(now))))
	return res
}

func (l *ImportLimiter) evict(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleEvictAfter {
			delete(l.buckets, key)
		}
	}
}
