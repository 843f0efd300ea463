package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// STTFallback implements [stt.Provider] with failover across several
// recognition backends. A backend whose stream later fails counts against
// its circuit breaker as well.
type STTFallback struct {
	group   *FallbackGroup[stt.Provider]
	metrics *observe.Metrics
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// STTOption configures an [STTFallback].
type STTOption func(*STTFallback)

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) STTOption {
	return func(f *STTFallback) { f.metrics = m }
}

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig, opts ...STTOption) *STTFallback {
	f := &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
	for _, o := range opts {
		o(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Backends returns the backend names in try order.
func (f *STTFallback) Backends() []string { return f.group.Names() }

// BreakerState returns the breaker state of the named backend.
func (f *STTFallback) BreakerState(name string) (State, bool) {
	cb := f.group.Breaker(name)
	if cb == nil {
		return StateClosed, false
	}
	return cb.State(), true
}

// StartStream opens a session on the first healthy backend. When every
// backend fails, the error keeps the last backend's recognition code.
//
// The backend's breaker judges the whole stream, not only the dial: a
// session that connects and then drops counts as a failure once it ends.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, done, err := Hold(ctx, f.group, func(ctx context.Context, name string, p stt.Provider) (stt.SessionHandle, error) {
		ctx, span := observe.StartSpan(ctx, "stt.start_stream",
			trace.WithAttributes(attribute.String("provider", name)))

		start := time.Now()
		h, err := p.StartStream(ctx, cfg)
		observe.EndSpan(span, err)
		status := "ok"
		if err != nil {
			status = stt.ErrorCode(err)
		}
		f.metrics.RecordProviderRequest(ctx, name, status, time.Since(start))
		return h, err
	})
	if err != nil {
		return nil, err
	}
	return &watchedSession{SessionHandle: h, done: done}, nil
}

// watchedSession settles its backend's breaker reservation when the stream
// ends, either through a failure seen by Err or through Close.
type watchedSession struct {
	stt.SessionHandle
	done func(error)
	once sync.Once
}

func (s *watchedSession) Err() error {
	err := s.SessionHandle.Err()
	if err != nil {
		s.settle(err)
	}
	return err
}

func (s *watchedSession) Close() error {
	s.settle(s.SessionHandle.Err())
	return s.SessionHandle.Close()
}

// settle reports the stream outcome once. Only network failures count
// against the backend; caller aborts and other codes are not its fault.
func (s *watchedSession) settle(err error) {
	if err != nil && (stt.ErrorCode(err) != stt.CodeNetwork || errors.Is(err, context.Canceled)) {
		err = nil
	}
	s.once.Do(func() { s.done(err) })
}
