package dialect

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// nextScript starts the counter at ARGV[1] on first use and advances it by
// ARGV[2] afterwards.
var nextScript = redis.NewScript(`
if redis.call("exists", KEYS[1]) == 0 then
	redis.call("set", KEYS[1], ARGV[1])
	return tonumber(ARGV[1])
end
return redis.call("incrby", KEYS[1], ARGV[2])
`)

// Counter is a Redis-backed sequence. Allocation is atomic across processes.
type Counter struct {
	redis   *redis.Client
	key     string
	logger  Logger
	metrics Metrics
}

// NewCounter creates a counter stored under key.
func NewCounter(redis *redis.Client, key string, logger Logger, metrics Metrics) *Counter {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	return &Counter{
		redis:   redis,
		key:     key,
		logger:  logger,
		metrics: metrics,
	}
}

// Next allocates the next value: initial on first use, then the previous value
// plus increment.
func (c *Counter) Next(ctx context.Context, initial, increment int64) (int64, error) {
	val, err := nextScript.Run(ctx, c.redis, []string{c.key}, initial, increment).Int64()
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "next")
		return 0, fmt.Errorf("failed to advance counter %s: %w", c.key, err)
	}

	c.metrics.Increment(MetricCounterIncrement)
	return val, nil
}

// Get returns the current value; ok is false when nothing was allocated yet.
func (c *Counter) Get(ctx context.Context) (value int64, ok bool, err error) {
	val, err := c.redis.Get(ctx, c.key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "get")
		return 0, false, fmt.Errorf("failed to get counter: %w", err)
	}

	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid counter value: %w", err)
	}
	return intVal, true, nil
}

// Set sets the counter to a specific value
// ⚠️ USE WITH CAUTION: Only for migrations or recovery operations
func (c *Counter) Set(ctx context.Context, value int64) error {
	err := c.redis.Set(ctx, c.key, value, 0).Err()
	if err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "set")
		return fmt.Errorf("failed to set counter: %w", err)
	}

	c.logger.Info("counter value set", "key", c.key, "value", value)
	return nil
}

// Delete removes the counter; the next allocation starts over at its initial value.
func (c *Counter) Delete(ctx context.Context) error {
	if err := c.redis.Del(ctx, c.key).Err(); err != nil {
		c.metrics.Increment(MetricCounterError, "operation", "delete")
		return fmt.Errorf("failed to delete counter: %w", err)
	}

	c.logger.Info("counter deleted", "key", c.key)
	return nil
}
