package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/livescribe/internal/app"
	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
	"github.com/MrWong99/livescribe/pkg/provider/stt/mock"
)

// testConfig returns a defaulted config with the given primary backend.
func testConfig(primary string) *config.Config {
	cfg := &config.Config{
		Server:      config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Recognition: config.RecognitionConfig{Primary: config.ProviderEntry{Name: primary}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNew_NoPrimaryIsUnsupported(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(""), nil)

	if a.Controller().Supported() {
		t.Fatal("controller should be unsupported without a primary backend")
	}
	rec := get(t, a, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	v := view(t, get(t, a, "/v1/transcript"))
	if !v.Unsupported || v.Error != session.UnsupportedMessage {
		t.Errorf("view = %+v, want unsupported", v)
	}
}

func TestNew_BuildsBackendsFromRegistry(t *testing.T) {
	t.Parallel()
	primary := &mock.Provider{StartStreamErr: errors.New("down")}
	secondary := &mock.Provider{}

	reg := config.NewRegistry()
	reg.RegisterSTT("first", func(config.ProviderEntry) (stt.Provider, error) { return primary, nil })
	reg.RegisterSTT("second", func(config.ProviderEntry) (stt.Provider, error) { return secondary, nil })

	cfg := testConfig("first")
	cfg.Recognition.Fallbacks = []config.ProviderEntry{{Name: "missing"}, {Name: "second"}}
	cfg.Recognition.SampleRate = 48000
	a := newApp(t, cfg, reg)

	rec := post(t, a, "/v1/start")
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d, body %s", rec.Code, rec.Body)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls primary=%d secondary=%d, want 1 each", primary.CallCount(), secondary.CallCount())
	}
	if got := secondary.StartStreamCalls[0].Cfg.SampleRate; got != 48000 {
		t.Errorf("sample rate = %d, want 48000", got)
	}
	if rec := get(t, a, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestNew_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) {
		return nil, errors.New("missing api key")
	})
	_, err := app.New(context.Background(), testConfig("broken"), reg, app.WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "missing api key") {
		t.Fatalf("err = %v, want factory error", err)
	}
}

func TestNew_UnregisteredPrimaryIsUnsupported(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig("nope"), config.NewRegistry())
	if a.Controller().Supported() {
		t.Error("unregistered primary should leave recognition unsupported")
	}
}

func TestApp_TranscriptFlow(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	w := &chunkWriter{}
	a := newApp(t, testConfig(""), nil, app.WithSource(src), app.WithKafkaWriter(w))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := runApp(ctx, a)

	if rec := post(t, a, "/v1/start"); rec.Code != http.StatusOK {
		t.Fatalf("start = %d", rec.Code)
	}
	src.Emit(stt.Event{Type: stt.EventStart})
	src.Emit(stt.Event{Type: stt.EventResult, Batch: stt.ResultBatch{Results: []stt.Result{
		{IsFinal: true, Alternatives: []stt.Alternative{{Transcript: "hello world"}}},
	}}})

	waitFor(t, func() bool { return view(t, get(t, a, "/v1/transcript")).Text == "hello world" })
	waitFor(t, func() bool { return w.count() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Not parallel: it swaps the global tracer provider so the middleware has
// a trace id to echo.
func TestApp_ServesOverListener(t *testing.T) {
	prev := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := newApp(t, testConfig(""), nil, app.WithSource(mock.NewSource()), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := runApp(ctx, a)

	url := "http://" + ln.Addr().String()
	var resp *http.Response
	waitFor(t, func() bool {
		resp, err = http.Get(url + "/healthz")
		return err == nil
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	if cid := resp.Header.Get("X-Correlation-ID"); len(cid) != 32 {
		t.Errorf("X-Correlation-ID = %q, want a trace id", cid)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	a := newApp(t, testConfig(""), nil, app.WithSource(mock.NewSource()), app.WithLevelVar(&lv))

	next := testConfig("")
	next.Server.LogLevel = config.LogDebug
	next.Reconciliation.DedupMode = transcript.DedupPhonetic
	next.Continuity.MaxRestarts = 3

	a.ApplyConfig(next, config.Diff(testConfig(""), next))
	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	src := mock.NewSource()
	a, err := app.New(context.Background(), testConfig(""), nil, app.WithSource(src), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if src.CloseCalls != 1 {
		t.Errorf("source closed %d times, want 1", src.CloseCalls)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(""), nil, app.WithSource(mock.NewSource()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown = %v, want context.Canceled", err)
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, reg *config.Registry, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, reg, opts...)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

// runApp runs a in the background and returns Run's result channel.
func runApp(ctx context.Context, a *app.App) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return done
}

func get(t *testing.T, a *app.App, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func post(t *testing.T, a *app.App, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
	return rec
}

func view(t *testing.T, rec *httptest.ResponseRecorder) session.View {
	t.Helper()
	var v session.View
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 3s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type chunkWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *chunkWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *chunkWriter) Close() error { return nil }

func (w *chunkWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}
