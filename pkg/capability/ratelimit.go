package capability

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/polisai/polis-defense/internal/governance"
	"github.com/polisai/polis-defense/pkg/domain"
	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// FlagRateLimited is raised when a client exceeds its request budget.
const FlagRateLimited = "rate_limited"

// RateResult is the state of one rate key after a hit.
type RateResult struct {
	Allowed bool
	// Count is the number of hits in the current window, when the backend tracks it.
	Count     int64
	Remaining float64
}

// RateCounter counts hits per key. When consume is false the counter reports the
// current state without recording the hit.
type RateCounter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration, consume bool) (RateResult, error)
}

// MemoryCounter is a process-local RateCounter built on token buckets.
type MemoryCounter struct {
	limiter *governance.KeyedLimiter
	clock   runtime.Clock
}

// NewMemoryCounter creates an in-memory counter.
func NewMemoryCounter(cfg governance.RateLimiterConfig, clock runtime.Clock) *MemoryCounter {
	if clock == nil {
		clock = runtime.SystemClock{}
	}
	return &MemoryCounter{limiter: governance.NewKeyedLimiter(cfg), clock: clock}
}

// Hit implements RateCounter. limit hits per window refill continuously, with a burst
// of limit.
func (m *MemoryCounter) Hit(_ context.Context, key string, limit int, window time.Duration, consume bool) (RateResult, error) {
	every := rate.Limit(float64(limit) / window.Seconds())
	stats := m.limiter.Take(key, every, limit, m.clock.Now(), consume)
	return RateResult{Allowed: stats.Allowed, Remaining: stats.Remaining}, nil
}

// RateLimiter scores clients that exceed limit requests per window_seconds. Keys are
// scoped by the node's "scope" setting so separate rate_limiter nodes do not share
// budgets. Dry runs only peek at the counter.
type RateLimiter struct {
	Counter RateCounter
}

// Check implements runtime.Capability.
func (r *RateLimiter) Check(ctx context.Context, facts *domain.RequestFacts, cfg domain.Config) (runtime.DefenseOutcome, error) {
	limit := cfg.Int("limit", 10)
	if limit <= 0 {
		return runtime.Neutral(), nil
	}
	window := cfg.Seconds("window_seconds", time.Minute)

	res, err := r.Counter.Hit(ctx, RateKey(facts, cfg), limit, window, !runtime.IsDryRun(ctx))
	if err != nil {
		return runtime.DefenseOutcome{}, err
	}
	details := map[string]any{"limit": limit, "remaining": res.Remaining}
	if res.Count > 0 {
		details["count"] = res.Count
	}
	if res.Allowed {
		return runtime.DefenseOutcome{Details: details}, nil
	}
	out := scored(cfg, cfg.Float("score", 50), FlagRateLimited)
	out.Details = details
	return out, nil
}

// RateKey builds the counter key of a request: the node scope followed by the client
// address and, when "key" is ip_path, the request path.
func RateKey(facts *domain.RequestFacts, cfg domain.Config) string {
	parts := []string{cfg.String("scope", "default"), facts.ClientIP}
	if strings.EqualFold(cfg.String("key", "ip"), "ip_path") {
		parts = append(parts, facts.Path)
	}
	return strings.Join(parts, "|")
}
