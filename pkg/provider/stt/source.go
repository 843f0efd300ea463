package stt

import "context"

// EventType enumerates the kinds of Event a Source emits.
type EventType int

const (
	// EventStart is emitted once the source begins capturing.
	EventStart EventType = iota + 1

	// EventResult carries a new cumulative ResultBatch.
	EventResult

	// EventEnd is emitted whenever a recognition session terminates, whether
	// requested through Stop or not. It is always the last event of a session.
	EventEnd

	// EventError reports a recognition failure. An EventEnd follows.
	EventError
)

// String returns the event type name used in logs.
func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventResult:
		return "result"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Alternative is one recognition hypothesis of a Result.
type Alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Result is one utterance slot of a recognition session. Alternatives are
// ordered best first.
type Result struct {
	IsFinal      bool          `json:"is_final"`
	Alternatives []Alternative `json:"alternatives"`
}

// ResultBatch is the cumulative result list of the current session.
// ResultIndex is the lowest index that changed since the previous batch.
// Indices restart at zero in every session.
type ResultBatch struct {
	ResultIndex int      `json:"result_index"`
	Results     []Result `json:"results"`
}

// Event is a single notification from a Source.
type Event struct {
	Type  EventType
	Batch ResultBatch
	// Code is the recognition error code for EventError.
	Code string
}

// Source is a startable recognition stream. Events from all sessions arrive
// on the same channel in order.
type Source interface {
	// Start begins a recognition session. Starting a running source is a
	// no-op. A returned error means no session was started and no events for
	// it will follow.
	Start(ctx context.Context) error

	// Stop requests the running session to end. The session's EventEnd is
	// still delivered. Stopping an idle source is a no-op.
	Stop() error

	// Events returns the event stream. It is closed by Close.
	Events() <-chan Event

	// SendAudio forwards PCM audio to the running session. It returns
	// ErrSessionClosed when no session is running.
	SendAudio(chunk []byte) error

	// Close stops any session and releases resources.
	Close() error
}
