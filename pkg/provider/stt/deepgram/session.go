package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/coder/websocket"
)

// noAudioReason appears in the close reason Deepgram sends when it heard no
// audio within its timeout window.
const noAudioReason = "NET-0001"

// result is the subset of a Deepgram "Results" message we use.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// decodeResult turns one server message into a transcript. Metadata, speech
// events and malformed frames report false.
func decodeResult(data []byte) (stt.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" || len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	best := r.Channel.Alternatives[0]

	t := stt.Transcript{
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
		Timestamp:  secs(r.Start),
		Duration:   secs(r.Duration),
		Words:      make([]stt.WordDetail, len(best.Words)),
	}
	for i, w := range best.Words {
		t.Words[i] = stt.WordDetail{Word: w.Word, Start: secs(w.Start), End: secs(w.End), Confidence: w.Confidence}
	}
	return t, true
}

func secs(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// session is one live connection. Audio is written from its own goroutine so
// SendAudio never blocks on the network.
type session struct {
	conn     *websocket.Conn
	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(ctx context.Context, conn *websocket.Conn) *session {
	s := &session{
		conn:     conn,
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Go(func() { s.send(ctx) })
	s.wg.Go(func() { s.receive(ctx) })
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close asks Deepgram to flush with CloseStream, then hangs up and waits for
// both loops.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
		s.wg.Wait()
	})
	return nil
}

func (s *session) send(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

func (s *session) receive(ctx context.Context) {
	defer close(s.finals)
	defer close(s.partials)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.fail(ctx, err)
			return
		}
		t, ok := decodeResult(data)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
			return
		}
	}
}

// fail records why the connection ended. Hang-ups we asked for and normal
// closures leave Err nil.
func (s *session) fail(ctx context.Context, err error) {
	select {
	case <-s.done:
		return
	default:
	}

	var code string
	var ce websocket.CloseError
	switch {
	case ctx.Err() != nil:
		code = stt.CodeAborted
	case errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure:
		return
	case errors.As(err, &ce) && strings.Contains(ce.Reason, noAudioReason):
		code = stt.CodeNoSpeech
	default:
		code = stt.CodeNetwork
	}

	s.mu.Lock()
	s.err = &stt.Error{Code: code, Err: fmt.Errorf("deepgram: read: %w", err)}
	s.mu.Unlock()
}
