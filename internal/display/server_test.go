package display

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

func TestServer_Transcript(t *testing.T) {
	ctrl, _ := newController(t)
	srv := NewServer(ctrl, nil)

	mustDo(t, srv, http.MethodPost, "/v1/start", http.StatusOK)
	ctrl.Submit(resultEvent(0, final("hello world")))
	ctrl.Submit(resultEvent(1, interim("again")))

	v := mustDo(t, srv, http.MethodGet, "/v1/transcript", http.StatusOK)
	if v.Text != "hello world again" {
		t.Errorf("text = %q, want %q", v.Text, "hello world again")
	}
	if len(v.Chunks) != 1 || v.Chunks[0] != "hello world" {
		t.Errorf("chunks = %v", v.Chunks)
	}
	if !v.Listening || v.Interim != "again" {
		t.Errorf("view = %+v, want listening with interim", v)
	}
}

func TestServer_StopAndReset(t *testing.T) {
	ctrl, src := newController(t)
	srv := NewServer(ctrl, nil)

	mustDo(t, srv, http.MethodPost, "/v1/start", http.StatusOK)
	ctrl.Submit(resultEvent(0, final("one")))

	v := mustDo(t, srv, http.MethodPost, "/v1/stop", http.StatusOK)
	if v.Listening {
		t.Error("still listening after stop")
	}
	if src.Stops() != 1 {
		t.Errorf("source stops = %d, want 1", src.Stops())
	}

	v = mustDo(t, srv, http.MethodPost, "/v1/reset", http.StatusOK)
	if v.Text != "" || len(v.Chunks) != 0 {
		t.Errorf("view after reset = %+v, want empty", v)
	}
}

func TestServer_StartFailure(t *testing.T) {
	ctrl, src := newController(t)
	src.StartErr = &stt.Error{Code: stt.CodeNotAllowed, Err: errors.New("denied")}
	srv := NewServer(ctrl, nil)

	v := mustDo(t, srv, http.MethodPost, "/v1/start", http.StatusBadGateway)
	if want := session.ErrorMessage(stt.CodeNotAllowed); v.Error != want {
		t.Errorf("error = %q, want %q", v.Error, want)
	}
	if v.Listening {
		t.Error("listening after failed start")
	}
}

func TestServer_Unsupported(t *testing.T) {
	ctrl, err := session.New(nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	srv := NewServer(ctrl, nil)

	for _, path := range []string{"/v1/start", "/v1/stop"} {
		v := mustDo(t, srv, http.MethodPost, path, http.StatusNotImplemented)
		if !v.Unsupported || v.Error != session.UnsupportedMessage {
			t.Errorf("%s view = %+v", path, v)
		}
	}
	mustDo(t, srv, http.MethodPost, "/v1/reset", http.StatusOK)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	ctrl, _ := newController(t)
	srv := NewServer(ctrl, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestServer_AudioIngest(t *testing.T) {
	ctrl, src := newController(t)
	srv := NewServer(ctrl, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts.URL+"/v1/audio")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	frames := [][]byte{{1, 2}, {3, 4}, {5, 6}}
	for _, f := range frames {
		if err := conn.Write(ctx, websocket.MessageBinary, f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("ignored")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	waitFor(t, func() bool { return src.SendAudioCount() == len(frames) })
	if got := src.SendAudioCalls[1].Chunk; string(got) != string(frames[1]) {
		t.Errorf("frame 1 = %v, want %v", got, frames[1])
	}
}

func TestServer_AudioDroppedWhileIdle(t *testing.T) {
	ctrl, src := newController(t)
	src.SendAudioErr = stt.ErrSessionClosed
	srv := NewServer(ctrl, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	conn := dial(t, ts.URL+"/v1/audio")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{0}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitFor(t, func() bool { return srv.DroppedFrames() == 2 })
	conn.Close(websocket.StatusNormalClosure, "done")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"unsupported", session.ErrUnsupported, http.StatusNotImplemented},
		{"closed", session.ErrClosed, http.StatusServiceUnavailable},
		{"source", errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := statusFor(tc.err); got != tc.want {
				t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newController(t *testing.T) (*session.Controller, *mock.Source) {
	t.Helper()
	src := mock.NewSource()
	ctrl, err := session.New(src)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, src
}

func final(text string) stt.Result {
	return stt.Result{IsFinal: true, Alternatives: []stt.Alternative{{Transcript: text}}}
}

func interim(text string) stt.Result {
	return stt.Result{Alternatives: []stt.Alternative{{Transcript: text}}}
}

func resultEvent(index int, r stt.Result) stt.Event {
	results := make([]stt.Result, index+1)
	results[index] = r
	return stt.Event{Type: stt.EventResult, Batch: stt.ResultBatch{ResultIndex: index, Results: results}}
}

// mustDo serves one request and decodes the returned view.
func mustDo(t *testing.T, srv *Server, method, path string, wantStatus int) session.View {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	if rec.Code != wantStatus {
		t.Fatalf("%s %s status = %d, want %d (body %s)", method, path, rec.Code, wantStatus, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	var v session.View
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 3s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
