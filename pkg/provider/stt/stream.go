package stt

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrSourceClosed is returned by Start after Close.
var ErrSourceClosed = errors.New("stt: source is closed")

const defaultEventBuffer = 64

// StreamOption configures a StreamSource.
type StreamOption func(*StreamSource)

// WithStreamConfig sets the StreamConfig passed to every StartStream call.
func WithStreamConfig(cfg StreamConfig) StreamOption {
	return func(s *StreamSource) {
		s.cfg = cfg
	}
}

// WithEventBuffer sets the capacity of the event channel.
func WithEventBuffer(n int) StreamOption {
	return func(s *StreamSource) {
		if n >= 0 {
			s.buffer = n
		}
	}
}

// StreamSource adapts a Provider into a Source. Each Start opens one backend
// session; its partials and finals are folded into a cumulative result list
// that restarts at index zero with every session.
//
// A partial occupies the slot after the last final and is replaced by the
// next partial or by the final that commits it.
type StreamSource struct {
	provider Provider
	cfg      StreamConfig
	buffer   int

	events  chan Event
	closing chan struct{}

	mu     sync.Mutex
	handle SessionHandle
	closed bool
	// drained closes when the most recent pump has emitted its EventEnd.
	drained chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Ensure StreamSource implements Source at compile time.
var _ Source = (*StreamSource)(nil)

// NewStreamSource returns a Source that opens sessions on p.
func NewStreamSource(p Provider, opts ...StreamOption) *StreamSource {
	s := &StreamSource{
		provider: p,
		buffer:   defaultEventBuffer,
		closing:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.events = make(chan Event, s.buffer)
	return s
}

// Start opens a backend session. ctx bounds the lifetime of the session, not
// just the dial. Calling Start while a session is running is a no-op. A
// session started while a stopped one is still draining holds its events
// back until the stopped session's EventEnd has been emitted.
func (s *StreamSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSourceClosed
	}
	if s.handle != nil {
		return nil
	}
	h, err := s.provider.StartStream(ctx, s.cfg)
	if err != nil {
		return &Error{Code: CodeStartFailed, Err: err}
	}
	s.handle = h
	prev, done := s.drained, make(chan struct{})
	s.drained = done
	s.wg.Add(1)
	go s.pump(h, prev, done)
	return nil
}

// Stop closes the running backend session. Its EventEnd follows once the
// session has drained; a new session may be started right away.
func (s *StreamSource) Stop() error {
	s.mu.Lock()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}

// Events returns the event stream.
func (s *StreamSource) Events() <-chan Event { return s.events }

// SendAudio forwards chunk to the running session.
func (s *StreamSource) SendAudio(chunk []byte) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return ErrSessionClosed
	}
	return h.SendAudio(chunk)
}

// Close stops the running session, waits for its pump to exit and closes the
// event channel. Calling Close more than once is safe.
func (s *StreamSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		h := s.handle
		s.mu.Unlock()

		close(s.closing)
		if h != nil {
			err = h.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
	return err
}

// pump relays one backend session as events, after the pump before it
// (prev, nil for the first) has finished.
func (s *StreamSource) pump(h SessionHandle, prev <-chan struct{}, done chan struct{}) {
	defer s.wg.Done()
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-s.closing:
		}
	}
	s.emit(Event{Type: EventStart})

	var results []Result
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		var (
			t  Transcript
			ok bool
		)
		// Finals first, so a buffered final is never overtaken by a later partial.
		select {
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
		default:
			select {
			case t, ok = <-finals:
				if !ok {
					finals = nil
					continue
				}
			case t, ok = <-partials:
				if !ok {
					partials = nil
					continue
				}
			case <-s.closing:
				partials, finals = nil, nil
				continue
			}
		}

		var idx int
		results, idx = foldTranscript(results, t)
		s.emit(Event{
			Type:  EventResult,
			Batch: ResultBatch{ResultIndex: idx, Results: slices.Clone(results)},
		})
	}

	failure := h.Err()
	_ = h.Close()

	s.mu.Lock()
	if s.handle == h {
		s.handle = nil
	}
	s.mu.Unlock()

	if failure != nil {
		s.emit(Event{Type: EventError, Code: ErrorCode(failure)})
	}
	s.emit(Event{Type: EventEnd})
}

func (s *StreamSource) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// foldTranscript records t in the cumulative result list and returns the
// updated list together with the index of the slot that changed.
func foldTranscript(results []Result, t Transcript) ([]Result, int) {
	r := Result{
		IsFinal:      t.IsFinal,
		Alternatives: []Alternative{{Transcript: t.Text, Confidence: t.Confidence}},
	}
	if n := len(results); n > 0 && !results[n-1].IsFinal {
		results[n-1] = r
		return results, n - 1
	}
	idx := len(results)
	return append(results, r), idx
}
