package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has
// an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breakers of a
// [FallbackGroup]. The breaker Name is set from the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// Attempt describes one try made by [Call].
type Attempt struct {
	Name string
	Err  error
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of the same kind.
// Entries are tried in registration order; an entry whose breaker is open is
// skipped.
//
// Register all entries before the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback tried after all earlier entries.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Breaker returns the circuit breaker of the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute is [Call] for operations without a result.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, string, T) error) error {
	_, err := Call(ctx, fg, func(ctx context.Context, name string, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, name, v)
	})
	return err
}

// Call tries fn against each entry until one succeeds. It stops early when
// ctx is done. The returned error wraps both [ErrAllFailed] and the last
// entry error. Go methods cannot have type parameters, hence a function.
func Call[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, string, T) (R, error)) (R, error) {
	result, done, err := Hold(ctx, fg, fn)
	if err != nil {
		return result, err
	}
	done(nil)
	return result, nil
}

// Hold is [Call] for results that keep using the backend after fn returns,
// such as a stream that can still break. On success the winning entry's
// breaker reservation stays open and the caller reports the final outcome
// through done, exactly once.
func Hold[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, string, T) (R, error)) (R, func(error), error) {
	var (
		zero     R
		attempts []Attempt
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, nil, err
		}
		entry := &fg.entries[i]
		done, err := entry.breaker.Allow()
		if err != nil {
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
			attempts = append(attempts, Attempt{Name: entry.name, Err: err})
			continue
		}
		result, err := fn(ctx, entry.name, entry.value)
		if err == nil {
			if len(attempts) > 0 {
				slog.Info("provider failover succeeded", "provider", entry.name, "skipped", len(attempts))
			}
			return result, done, nil
		}
		done(err)
		slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
		attempts = append(attempts, Attempt{Name: entry.name, Err: err})
	}
	return zero, nil, allFailed(attempts)
}

func allFailed(attempts []Attempt) error {
	var last error
	for _, a := range attempts {
		if !errors.Is(a.Err, ErrCircuitOpen) || last == nil {
			last = a.Err
		}
	}
	if last == nil {
		return ErrAllFailed
	}
	return fmt.Errorf("%w (%d tried): %w", ErrAllFailed, len(attempts), last)
}
