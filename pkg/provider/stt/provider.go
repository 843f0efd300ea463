// Package stt defines the recognition layer that feeds the transcript engine.
//
// Two levels of abstraction live here. A Provider wraps a streaming
// transcription backend (Deepgram, a replay script, a failover group) and
// exposes a SessionHandle that accepts raw PCM audio and emits partial and
// final Transcript values. A Source is what the session controller talks to:
// it can be started and stopped, and it reports everything that happens as an
// ordered stream of Event values carrying cumulative ResultBatch snapshots.
// StreamSource turns any Provider into a Source.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the common choice
	// for speech recognition.
	SampleRate int

	// Channels is the number of interleaved audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider choose its default.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live backend.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the backend. The
	// chunk must match the format agreed in StreamConfig. Calling SendAudio
	// after the session ended returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim Transcript values. The channel is
	// closed when the session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of committed Transcript values. The channel is
	// closed when the session ends.
	Finals() <-chan Transcript

	// Err reports why the session ended. It returns nil while the session is
	// running, after Close, and after the backend ended the stream cleanly.
	// Wrap failures in *Error to attach a recognition error code.
	Err() error

	// Close terminates the session and releases its resources. After Close
	// returns, Partials and Finals are closed. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming transcription backend.
type Provider interface {
	// StartStream opens a new streaming session. The returned SessionHandle
	// accepts audio immediately. The caller owns the handle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
