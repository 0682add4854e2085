package capability

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polisai/polis-defense/pkg/engine/runtime"
)

// DefaultRedisPrefix namespaces every key the Redis backends write.
const DefaultRedisPrefix = "defense:"

// RedisOptions configures the shared Redis client.
type RedisOptions struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// NewRedisClient connects and pings Redis.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.ReadTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisReputation reads reputation hashes written by an external feed. The hash at
// <prefix>reputation:<ip> holds optional "score" and "reason" fields; its existence
// lists the address.
type RedisReputation struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisReputation creates a reputation store over client.
func NewRedisReputation(client redis.UniversalClient, prefix string) *RedisReputation {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisReputation{client: client, prefix: prefix}
}

// Key returns the hash key of addr.
func (r *RedisReputation) Key(addr netip.Addr) string {
	return r.prefix + "reputation:" + addr.String()
}

// Lookup implements ReputationStore.
func (r *RedisReputation) Lookup(ctx context.Context, addr netip.Addr) (Reputation, error) {
	fields, err := r.client.HGetAll(ctx, r.Key(addr)).Result()
	if err != nil {
		return Reputation{}, fmt.Errorf("redis reputation: %w", err)
	}
	if len(fields) == 0 {
		return Reputation{}, nil
	}
	rep := Reputation{Listed: true, Reason: fields["reason"]}
	if raw, ok := fields["score"]; ok {
		if score, err := strconv.ParseFloat(raw, 64); err == nil {
			rep.Score = score
		}
	}
	return rep, nil
}

// Set lists addr. ttl zero keeps the entry until removed.
func (r *RedisReputation) Set(ctx context.Context, addr netip.Addr, rep Reputation, ttl time.Duration) error {
	key := r.Key(addr)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "score", strconv.FormatFloat(rep.Score, 'f', -1, 64), "reason", rep.Reason)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis reputation: %w", err)
	}
	return nil
}

// RedisCounter is a fixed-window RateCounter shared by every engine instance.
type RedisCounter struct {
	client redis.UniversalClient
	prefix string
	clock  runtime.Clock
}

// NewRedisCounter creates a counter over client.
func NewRedisCounter(client redis.UniversalClient, prefix string, clock runtime.Clock) *RedisCounter {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if clock == nil {
		clock = runtime.SystemClock{}
	}
	return &RedisCounter{client: client, prefix: prefix, clock: clock}
}

// WindowKey returns the counter key of key for the window containing now.
func (c *RedisCounter) WindowKey(key string, window time.Duration, now time.Time) string {
	start := now.Truncate(window).Unix()
	return fmt.Sprintf("%srate:%s:%d", c.prefix, key, start)
}

// Hit implements RateCounter.
func (c *RedisCounter) Hit(ctx context.Context, key string, limit int, window time.Duration, consume bool) (RateResult, error) {
	if window <= 0 {
		window = time.Minute
	}
	windowKey := c.WindowKey(key, window, c.clock.Now())

	var count int64
	if consume {
		pipe := c.client.Pipeline()
		incr := pipe.Incr(ctx, windowKey)
		pipe.Expire(ctx, windowKey, window)
		if _, err := pipe.Exec(ctx); err != nil {
			return RateResult{}, fmt.Errorf("redis rate counter: %w", err)
		}
		count = incr.Val()
	} else {
		n, err := c.client.Get(ctx, windowKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return RateResult{}, fmt.Errorf("redis rate counter: %w", err)
		}
		// A peek reports whether the next hit would still be allowed.
		count = n + 1
	}

	remaining := float64(int64(limit) - count)
	if remaining < 0 {
		remaining = 0
	}
	return RateResult{Allowed: count <= int64(limit), Count: count, Remaining: remaining}, nil
}
