// Package breaker wraps sony/gobreaker around outbound tool and webhook
// dispatch so a flapping external collaborator degrades to fast failures
// instead of piling up blocked node executions.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/lyzr/workflows/common/logger"
)

// Registry hands out one named circuit breaker per external collaborator
// (one per tool name, one per webhook URL), so a failing tool does not
// trip the breaker for unrelated tools. Safe for concurrent use: parallel
// and loop(parallel) nodes dispatch body tools from their own goroutines.
type Registry struct {
	log      *logger.Logger
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds an empty Registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{log: log, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// For returns the named circuit breaker, creating it on first use with the
// engine's default trip policy: open after 5 consecutive failures (counts
// reset every minute while closed), half-open after 30 seconds.
func (r *Registry) For(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state change", "breaker", cbName, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker, translating gobreaker.ErrOpenState
// and gobreaker.ErrTooManyRequests into a single caller-facing error so
// node handlers don't need to import gobreaker directly.
func (r *Registry) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	cb := r.For(name)
	result, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("breaker: %s: circuit open, failing fast: %w", name, err)
		}
		return nil, err
	}
	return result, nil
}
