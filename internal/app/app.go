// Package app wires the livescribe subsystems into a running server.
//
// New builds the recognition backends, the session controller, its sinks and
// the HTTP surface. Run serves until the context ends; Shutdown releases
// everything in order.
//
// For testing, inject doubles with functional options (WithProvider,
// WithSource, WithListener, ...). When an option is not given, New builds
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/livescribe/internal/config"
	"github.com/MrWong99/livescribe/internal/display"
	"github.com/MrWong99/livescribe/internal/events"
	"github.com/MrWong99/livescribe/internal/health"
	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/resilience"
	"github.com/MrWong99/livescribe/internal/session"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Injected or built in New.
	provider    stt.Provider
	source      stt.Source
	metrics     *observe.Metrics
	gatherer    prometheus.Gatherer
	level       *slog.LevelVar
	watcher     *config.Watcher
	listener    net.Listener
	kafkaWriter events.Writer
	clock       session.Clock

	fallback  *resilience.STTFallback
	ctrl      *session.Controller
	hub       *display.Hub
	publisher *events.Publisher
	handler   http.Handler
	server    *http.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider injects the recognition backend instead of creating it from
// the registry.
func WithProvider(p stt.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithSource injects the recognition source directly, bypassing providers.
func WithSource(s stt.Source) Option {
	return func(a *App) { a.source = s }
}

// WithMetrics sets the metrics instruments. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer selects what /metrics serves. Default: the global registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithLevelVar lets configuration reloads change the log level.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithWatcher runs w alongside the server. Its change callback should call
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithListener serves on ln instead of listening on cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithKafkaWriter replaces the Kafka writer of the chunk publisher.
func WithKafkaWriter(w events.Writer) Option {
	return func(a *App) { a.kafkaWriter = w }
}

// WithClock replaces the clock driving automatic restarts.
func WithClock(c session.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New creates an App from cfg. reg resolves recognition backends by name and
// may be nil when a provider or source is injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initRecognition(); err != nil {
		return nil, err
	}
	if err := a.initController(); err != nil {
		return nil, err
	}
	a.initSinks()
	a.initHTTP()

	slog.InfoContext(ctx, "app initialised",
		"recognition", a.ctrl.Supported(),
		"backends", a.backendNames(),
		"kafka", a.publisher.Enabled(),
	)
	return a, nil
}

// ─── Init ────────────────────────────────────────────────────────────────────

func (a *App) initRecognition() error {
	if a.source != nil {
		return nil
	}
	if a.provider == nil {
		fb, err := a.buildFallback()
		if err != nil {
			return err
		}
		if fb == nil {
			slog.Warn("no recognition backend configured, speech recognition is unsupported")
			return nil
		}
		a.fallback = fb
		a.provider = fb
	}
	a.source = stt.NewStreamSource(a.provider, stt.WithStreamConfig(a.cfg.Recognition.StreamConfig()))
	return nil
}

// buildFallback creates the configured backends. It returns nil when the
// primary is missing or not registered.
func (a *App) buildFallback() (*resilience.STTFallback, error) {
	rc := a.cfg.Recognition
	if rc.Primary.Name == "" || a.reg == nil {
		return nil, nil
	}
	primary, err := a.reg.CreateSTT(rc.Primary)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("recognition provider not available", "name", rc.Primary.Name)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	slog.Info("provider created", "kind", "stt", "name", rc.Primary.Name)

	fb := resilience.NewSTTFallback(primary, rc.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.Breaker.MaxFailures,
			ResetTimeout: rc.Breaker.ResetTimeout,
		},
	}, resilience.WithMetrics(a.metrics))

	for _, entry := range rc.Fallbacks {
		p, err := a.reg.CreateSTT(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not available, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("app: fallback: %w", err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("provider created", "kind", "stt-fallback", "name", entry.Name)
	}
	return fb, nil
}

func (a *App) initController() error {
	opts := []session.Option{
		session.WithPolicy(a.cfg.Reconciliation.Policy()),
		session.WithRestartPolicy(a.cfg.Continuity.RestartPolicy()),
		session.WithMetrics(a.metrics),
	}
	if a.clock != nil {
		opts = append(opts, session.WithClock(a.clock))
	}
	ctrl, err := session.New(a.source, opts...)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.ctrl = ctrl
	a.closers = append(a.closers, ctrl.Close)
	return nil
}

func (a *App) initSinks() {
	a.hub = display.NewHub(
		display.WithHubMetrics(a.metrics),
		display.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
	)
	a.ctrl.AddSink(a.hub)

	kc := a.cfg.Sinks.Kafka
	key, err := os.Hostname()
	if err != nil {
		key = "livescribe"
	}
	pubOpts := []events.Option{events.WithMetrics(a.metrics)}
	if a.kafkaWriter != nil {
		pubOpts = append(pubOpts, events.WithWriter(a.kafkaWriter))
	}
	a.publisher = events.New(events.Config{
		Enabled: kc.Enabled,
		Brokers: kc.Brokers,
		Topic:   kc.Topic,
		Key:     key,
	}, pubOpts...)
	a.ctrl.AddSink(a.publisher)
	a.closers = append(a.closers, a.publisher.Close)
}

func (a *App) initHTTP() {
	mux := http.NewServeMux()
	display.NewServer(a.ctrl, a.hub).Register(mux)

	checkers := []health.Checker{health.RecognitionChecker(a.ctrl.Supported)}
	if a.fallback != nil {
		checkers = append(checkers, health.BackendsChecker(a.fallback))
	}
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler(a.gatherer))

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

func (a *App) backendNames() []string {
	if a.fallback == nil {
		return nil
	}
	return a.fallback.Backends()
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig applies the live-reloadable parts of cfg. It matches
// [config.ChangeFunc].
func (a *App) ApplyConfig(cfg *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ReconciliationChanged {
		if err := a.ctrl.SetPolicy(cfg.Reconciliation.Policy()); err != nil {
			slog.Error("failed to apply reconciliation policy", "err", err)
		} else {
			slog.Info("reconciliation policy updated", "dedup_mode", cfg.Reconciliation.DedupMode)
		}
	}
	if d.ContinuityChanged {
		if err := a.ctrl.SetRestartPolicy(cfg.Continuity.RestartPolicy()); err != nil {
			slog.Error("failed to apply restart policy", "err", err)
		} else {
			slog.Info("restart policy updated")
		}
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, forwards recognition events and publishes chunks until
// ctx is cancelled. A clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	g.Go(func() error { return a.ctrl.Run(gctx) })
	g.Go(func() error { return a.publisher.Run(gctx) })
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. If ctx expires first,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.watcher != nil {
			a.watcher.Stop()
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
