// Package replay provides an stt.Provider that plays back scripted
// recognition sessions. It needs no credentials or audio and is used for
// demos, local development and end-to-end tests of the transcript pipeline.
//
// A script is a YAML document:
//
//	loop: true
//	sessions:
//	  - steps:
//	      - {after: 300ms, text: "hel"}
//	      - {after: 200ms, text: "hello", final: true}
//	    error: network   # optional; omit to end cleanly
//	  - hold: true       # stays open until closed
//	    steps:
//	      - {after: 100ms, text: "hello there", final: true}
//
// Every StartStream call plays the next session of the script.
package replay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"gopkg.in/yaml.v3"
)

// ErrExhausted is returned by StartStream once every session of a
// non-looping script has been played.
var ErrExhausted = errors.New("replay: script exhausted")

// Step is a single scripted transcript.
type Step struct {
	After      time.Duration `yaml:"after"`
	Text       string        `yaml:"text"`
	Final      bool          `yaml:"final"`
	Confidence float64       `yaml:"confidence"`
}

// Session is one scripted recognition session.
type Session struct {
	Steps []Step `yaml:"steps"`

	// Error, when set, ends the session with a recognition failure carrying
	// this code.
	Error string `yaml:"error"`

	// Hold keeps the session open after the last step until it is closed.
	Hold bool `yaml:"hold"`
}

// Script is a sequence of sessions.
type Script struct {
	Loop     bool      `yaml:"loop"`
	Sessions []Session `yaml:"sessions"`
}

// Parse decodes a script from r. Unknown fields are rejected.
func Parse(r io.Reader) (Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Script{}, fmt.Errorf("replay: parse script: %w", err)
	}
	if len(s.Sessions) == 0 {
		return Script{}, errors.New("replay: script has no sessions")
	}
	for i, sess := range s.Sessions {
		for j, st := range sess.Steps {
			if st.After < 0 {
				return Script{}, fmt.Errorf("replay: sessions[%d].steps[%d]: after must be >= 0", i, j)
			}
		}
	}
	return s, nil
}

// Load reads and parses the script file at path.
func Load(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("replay: read script: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSpeed scales all step delays by 1/factor. A factor of 2 plays the
// script twice as fast.
func WithSpeed(factor float64) Option {
	return func(p *Provider) {
		if factor > 0 {
			p.speed = factor
		}
	}
}

// Provider implements stt.Provider by playing back a Script.
type Provider struct {
	script Script
	speed  float64

	mu   sync.Mutex
	next int
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// New creates a Provider for script.
func New(script Script, opts ...Option) *Provider {
	p := &Provider{script: script, speed: 1}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StartStream plays the next scripted session.
func (p *Provider) StartStream(ctx context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.next >= len(p.script.Sessions) {
		if !p.script.Loop || len(p.script.Sessions) == 0 {
			p.mu.Unlock()
			return nil, ErrExhausted
		}
		p.next = 0
	}
	script := p.script.Sessions[p.next]
	p.next++
	p.mu.Unlock()

	s := &session{
		partials: make(chan stt.Transcript, 16),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.play(ctx, script, p.speed)
	return s, nil
}

type session struct {
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu         sync.Mutex
	err        error
	audioBytes int
}

func (s *session) play(ctx context.Context, script Session, speed float64) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for _, st := range script.Steps {
		timer := time.NewTimer(time.Duration(float64(st.After) / speed))
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.fail(&stt.Error{Code: stt.CodeAborted, Err: ctx.Err()})
			return
		}
		t := stt.Transcript{Text: st.Text, IsFinal: st.Final, Confidence: st.Confidence}
		out := s.partials
		if st.Final {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}

	if script.Hold {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.fail(&stt.Error{Code: stt.CodeAborted, Err: ctx.Err()})
		}
		return
	}
	if script.Error != "" {
		s.fail(&stt.Error{Code: script.Error, Err: errors.New("scripted failure")})
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// SendAudio discards the chunk; replayed sessions do not listen.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.audioBytes += len(chunk)
	s.mu.Unlock()
	return nil
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}
