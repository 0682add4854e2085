package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds the memory used by a KeyedLimiter.
type RateLimiterConfig struct {
	// MaxKeys caps the number of tracked keys; idle keys are evicted past it.
	MaxKeys int `yaml:"max_keys"`
	// IdleTTL is how long an unused key is kept.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// RateLimitStats describes the state of one key after a check.
type RateLimitStats struct {
	Allowed   bool
	Remaining float64
	Limit     rate.Limit
	Burst     int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter keeps one token bucket per key (client IP, form, ...). Limits are
// supplied per call so several rate_limiter nodes with different settings can share it
// through distinct keys.
type KeyedLimiter struct {
	mu       sync.Mutex
	config   RateLimiterConfig
	limiters map[string]*limiterEntry
}

// NewKeyedLimiter creates an empty keyed limiter.
func NewKeyedLimiter(config RateLimiterConfig) *KeyedLimiter {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 100_000
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	return &KeyedLimiter{config: config, limiters: make(map[string]*limiterEntry)}
}

// Take consumes one token for key at now when consume is true; otherwise it only
// reports whether a token would be available.
func (k *KeyedLimiter) Take(key string, limit rate.Limit, burst int, now time.Time, consume bool) RateLimitStats {
	if burst <= 0 {
		burst = 1
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.limiters[key]
	if !ok {
		if len(k.limiters) >= k.config.MaxKeys {
			k.evictLocked(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(limit, burst)}
		k.limiters[key] = entry
	}
	if entry.limiter.Limit() != limit {
		entry.limiter.SetLimitAt(now, limit)
	}
	if entry.limiter.Burst() != burst {
		entry.limiter.SetBurstAt(now, burst)
	}
	entry.lastSeen = now

	stats := RateLimitStats{Limit: limit, Burst: burst}
	if consume {
		stats.Allowed = entry.limiter.AllowN(now, 1)
	} else {
		stats.Allowed = entry.limiter.TokensAt(now) >= 1
	}
	stats.Remaining = entry.limiter.TokensAt(now)
	if stats.Remaining < 0 {
		stats.Remaining = 0
	}
	return stats
}

// Len returns the number of tracked keys.
func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *KeyedLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, entry := range k.limiters {
		if now.Sub(entry.lastSeen) > k.config.IdleTTL {
			delete(k.limiters, key)
			continue
		}
		if oldestKey == "" || entry.lastSeen.Before(oldest) {
			oldestKey, oldest = key, entry.lastSeen
		}
	}
	if len(k.limiters) >= k.config.MaxKeys && oldestKey != "" {
		delete(k.limiters, oldestKey)
	}
}
