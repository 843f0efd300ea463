package stt

import (
	"errors"
	"fmt"
	"time"
)

// Transcript is a single backend recognition result. Both partial (interim)
// and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the backend committed to this result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when the
	// backend does not report confidence.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from backends that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint for recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (backend-specific scale).
	Boost float64
}

// Recognition error codes reported in Event.Code.
const (
	CodeNetwork     = "network"
	CodeAborted     = "aborted"
	CodeNoSpeech    = "no-speech"
	CodeNotAllowed  = "not-allowed"
	CodeStartFailed = "start-failed"
)

// Error is a recognition failure tagged with a short machine-readable code.
type Error struct {
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "stt: " + e.Code
	}
	return fmt.Sprintf("stt: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode extracts the recognition code from err. Untagged errors are
// reported as CodeNetwork.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeNetwork
}
