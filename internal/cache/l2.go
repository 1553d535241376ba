package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/genstudio/authcore/internal/circuitbreaker"
)

// L2 is the remote tier over Redis. Failures are absorbed behind a circuit
// breaker: while open, reads behave as misses and writes are dropped, so no
// cache error ever reaches a caller.
type L2 struct {
	rdb    *redis.Client
	cb     *circuitbreaker.CircuitBreaker
	ttl    time.Duration
	opTO   time.Duration
	logger *slog.Logger
}

// L2Options configures the remote tier.
type L2Options struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	TTL      time.Duration
	Logger   *slog.Logger
}

// NewL2 connects the remote tier. Connection failure is reported but the
// tier is still constructed; the breaker keeps it out of the path.
func NewL2(opts L2Options) *L2 {
	if opts.TTL == 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &L2{
		rdb:    rdb,
		cb:     circuitbreaker.New(circuitbreaker.DefaultConfig("cache:l2")),
		ttl:    opts.TTL,
		opTO:   2 * time.Second,
		logger: opts.Logger.With("component", "cache.l2"),
	}
}

// Get fetches and decodes a JSON value into dest. The second return is a
// hit flag; errors are swallowed into misses.
func (c *L2) Get(ctx context.Context, key string, dest any) bool {
	gen, err := c.cb.Allow()
	if err != nil {
		return false // circuit open: treated as absent
	}

	opCtx, cancel := context.WithTimeout(ctx, c.opTO)
	defer cancel()
	raw, err := c.rdb.Get(opCtx, key).Bytes()
	if err == redis.Nil {
		c.cb.Record(gen, true)
		return false
	}
	if err != nil {
		c.cb.Record(gen, false)
		return false
	}
	c.cb.Record(gen, true)
	if err := json.Unmarshal(raw, dest); err != nil {
		return false
	}
	return true
}

// Set stores a JSON-encoded value; best-effort.
func (c *L2) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	gen, err := c.cb.Allow()
	if err != nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(value)
	if err != nil {
		c.cb.Record(gen, true)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTO)
	defer cancel()
	c.cb.Record(gen, c.rdb.Set(opCtx, key, raw, ttl).Err() == nil)
}

// InvalidatePattern removes matching keys via SCAN+DEL; returns the count.
func (c *L2) InvalidatePattern(ctx context.Context, pattern string) int {
	gen, err := c.cb.Allow()
	if err != nil {
		return 0
	}
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	removed := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(opCtx, cursor, pattern, 200).Result()
		if err != nil {
			c.cb.Record(gen, false)
			return removed
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(opCtx, keys...).Err(); err == nil {
				removed += len(keys)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	c.cb.Record(gen, true)
	return removed
}

// Push appends a JSON-encoded value to a Redis list (reconciliation queue).
func (c *L2) Push(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, c.opTO)
	defer cancel()
	return c.rdb.RPush(opCtx, key, raw).Err()
}

// Healthy pings the remote store.
func (c *L2) Healthy(ctx context.Context) bool {
	opCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return c.rdb.Ping(opCtx).Err() == nil
}

// BreakerState exposes the circuit state for health reporting.
func (c *L2) BreakerState() circuitbreaker.State { return c.cb.State() }

// Close shuts down the client.
func (c *L2) Close() error { return c.rdb.Close() }
