// Package concurrency bounds the number of simultaneously active runs
// using a Redis-backed atomic counter: a single bounded acquire/release
// pair implemented as embedded Lua scripts so the check-and-increment is
// atomic even with several front-door replicas sharing one counter.
package concurrency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// acquireScript atomically checks the current run count against the limit
// and increments it if there is room. KEYS[1] is the counter key, ARGV[1]
// the limit.
const acquireScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current, limit}
end
local updated = redis.call("INCR", KEYS[1])
return {1, updated, limit}
`

// releaseScript atomically decrements the counter, never going below zero.
const releaseScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current <= 0 then
  redis.call("SET", KEYS[1], "0")
  return 0
end
return redis.call("DECR", KEYS[1])
`

const counterKey = "workflows:active_runs"

// Result reports the outcome of an Acquire attempt.
type Result struct {
	Allowed bool
	Current int64
	Limit   int64
}

// Limiter bounds the number of concurrently active runs across the
// deployment using a single shared Redis counter.
type Limiter struct {
	redis   *redis.Client
	acquire *redis.Script
	release *redis.Script
	maxRuns int64
}

// New builds a Limiter dialing addr, capping active runs at maxActiveRuns.
func New(addr string, maxActiveRuns int) *Limiter {
	return &Limiter{
		redis:   redis.NewClient(&redis.Options{Addr: addr}),
		acquire: redis.NewScript(acquireScript),
		release: redis.NewScript(releaseScript),
		maxRuns: int64(maxActiveRuns),
	}
}

// Acquire attempts to reserve one concurrency slot for a run about to
// start. Callers must call Release exactly once per successful Acquire,
// typically via defer at run termination.
func (l *Limiter) Acquire(ctx context.Context) (*Result, error) {
	res, err := l.acquire.Run(ctx, l.redis, []string{counterKey}, l.maxRuns).Result()
	if err != nil {
		return nil, fmt.Errorf("concurrency: acquire: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return nil, fmt.Errorf("concurrency: unexpected script result shape")
	}
	return &Result{
		Allowed: arr[0].(int64) == 1,
		Current: arr[1].(int64),
		Limit:   arr[2].(int64),
	}, nil
}

// Release frees one concurrency slot.
func (l *Limiter) Release(ctx context.Context) error {
	if err := l.release.Run(ctx, l.redis, []string{counterKey}).Err(); err != nil {
		return fmt.Errorf("concurrency: release: %w", err)
	}
	return nil
}

// Health checks Redis reachability.
func (l *Limiter) Health(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
