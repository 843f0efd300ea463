package display

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
)

// maxAudioFrame bounds a single ingested websocket message.
const maxAudioFrame = 1 << 20

// Controller is the subset of *session.Controller the server drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Reset()
	View() session.View
	SendAudio(chunk []byte) error
}

// Server exposes a Controller and a Hub over HTTP.
type Server struct {
	ctrl Controller
	hub  *Hub

	// dropped counts audio frames discarded because no session was running.
	dropped atomic.Int64
}

// NewServer creates a Server. hub may be nil when no websocket views are
// served.
func NewServer(ctrl Controller, hub *Hub) *Server {
	return &Server{ctrl: ctrl, hub: hub}
}

// Register adds the display routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/transcript", s.handleTranscript)
	mux.HandleFunc("POST /v1/start", s.handleStart)
	mux.HandleFunc("POST /v1/stop", s.handleStop)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /v1/audio", s.handleAudio)
	if s.hub != nil {
		mux.Handle("GET /v1/transcript/ws", s.hub)
	}
}

// Handler returns a mux serving only the display routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// DroppedFrames returns the number of audio frames discarded while idle.
func (s *Server) DroppedFrames() int64 { return s.dropped.Load() }

func (s *Server) handleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.View())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Start(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("start request failed", "err", err)
	}
	writeJSON(w, statusFor(err), s.ctrl.View())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Stop()
	if err != nil {
		observe.Logger(r.Context()).Warn("stop request failed", "err", err)
	}
	writeJSON(w, statusFor(err), s.ctrl.View())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.ctrl.Reset()
	writeJSON(w, http.StatusOK, s.ctrl.View())
}

// handleAudio reads binary PCM frames and forwards them to the controller.
// Text messages are ignored. Frames arriving while no session runs are
// dropped.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("audio websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxAudioFrame)

	log := observe.Logger(r.Context())
	log.Info("audio client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	var frames, dropped int64
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				log.Warn("audio client read failed", "remote", r.RemoteAddr, "err", err)
			}
			log.Info("audio client disconnected", "remote", r.RemoteAddr, "frames", frames, "dropped", dropped)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		frames++
		if err := s.ctrl.SendAudio(data); err != nil {
			dropped++
			s.dropped.Add(1)
			if dropped == 1 {
				log.Debug("dropping audio", "err", err)
			}
			if errors.Is(err, session.ErrUnsupported) {
				conn.Close(websocket.StatusPolicyViolation, "speech recognition is not supported")
				return
			}
		}
	}
}

// statusFor maps controller errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "err", err)
	}
}
