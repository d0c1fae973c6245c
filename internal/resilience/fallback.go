package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Failover] failed or was
// skipped because its breaker was open.
var ErrAllFailed = errors.New("all endpoints failed")

type failoverEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover holds a primary and zero or more fallbacks of the same kind, each
// guarded by its own [CircuitBreaker]. Entries are tried in the order they
// were added.
type Failover[T any] struct {
	entries []failoverEntry[T]
	cfg     CircuitBreakerConfig
}

// NewFailover creates a [Failover] with primary as its first entry. cfg is the
// template for every entry's breaker; its Name is replaced per entry.
func NewFailover[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(primaryName, primary)
	return f
}

// Add appends a fallback entry.
func (f *Failover[T]) Add(name string, value T) {
	cbCfg := f.cfg
	cbCfg.Name = name
	f.entries = append(f.entries, failoverEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of entries.
func (f *Failover[T]) Len() int { return len(f.entries) }

// States returns each entry's breaker state keyed by entry name.
func (f *Failover[T]) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Execute runs fn against each entry in turn until one succeeds.
func (f *Failover[T]) Execute(fn func(T) error) error {
	_, err := Try(f, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Try runs fn against each entry of f until one succeeds and returns its
// result. It is a function rather than a method because methods cannot have
// their own type parameters.
func Try[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.entries {
		e := &f.entries[i]
		var result R
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint with open circuit", "endpoint", e.name)
			continue
		}
		slog.Warn("endpoint failed, trying next", "endpoint", e.name, "error", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
