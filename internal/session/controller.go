// Package session keeps a live transcript in sync with a recognition source.
//
// The [Controller] owns a [transcript.Engine] and drives the source through
// its lifecycle: explicit Start and Stop, automatic debounced restarts when a
// session ends on its own, and error reporting. Every state change is
// published to the registered [Sink]s as a [View].
//
// All Controller methods are safe for concurrent use. Source events are
// serialized through a single mutex, so the engine itself needs no locking.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/transcript"
	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// UnsupportedMessage is the error shown when no recognition source exists.
const UnsupportedMessage = "Speech recognition is not supported"

var (
	// ErrUnsupported is returned by operations on a controller without a
	// recognition source.
	ErrUnsupported = errors.New("session: speech recognition is not supported")

	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session: controller closed")
)

// ErrorMessage formats a recognition error code for display.
func ErrorMessage(code string) string {
	return "Speech recognition error: " + code
}

// View is a snapshot of what a display should show.
type View struct {
	// Text is the rendered transcript: chunks plus, while listening, the
	// interim text.
	Text string `json:"text"`

	// Chunks are the committed phrases in order.
	Chunks []string `json:"chunks"`

	// Interim is the unfinalized text. Empty while not listening.
	Interim string `json:"interim,omitempty"`

	Listening   bool   `json:"listening"`
	Error       string `json:"error,omitempty"`
	Unsupported bool   `json:"unsupported,omitempty"`

	// Restarting is set while an automatic restart is pending.
	Restarting bool `json:"restarting,omitempty"`
}

// Update is a View together with what caused it.
type Update struct {
	View View

	// Appended holds chunks committed by this change, in order.
	Appended []string

	// Reason names the change: "start", "result", "sealed", "stop", "error",
	// "restart", "reset" or "policy".
	Reason string
}

// Sink receives every Update. Publish is called with the controller lock
// held and must not block or call back into the controller.
type Sink interface {
	Publish(Update)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Update)

// Publish calls f(u).
func (f SinkFunc) Publish(u Update) { f(u) }

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy sets the reconciliation policy. Default: transcript.DefaultPolicy.
func WithPolicy(p transcript.Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithRestartPolicy sets the automatic restart policy.
// Default: DefaultRestartPolicy.
func WithRestartPolicy(p RestartPolicy) Option {
	return func(c *Controller) { c.restartPolicy = p }
}

// WithClock replaces the clock used for restart timers.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSink registers a sink at construction.
func WithSink(s Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, s) }
}

// Controller reconciles source events into a transcript and manages the
// listening lifecycle.
type Controller struct {
	policy        transcript.Policy
	restartPolicy RestartPolicy
	clock         Clock

	mu         sync.Mutex
	source     stt.Source
	engine     *transcript.Engine
	restart    *restarter
	metrics    *observe.Metrics
	sinks      []Sink
	sessionCtx context.Context

	desired   bool // user wants to listen
	listening bool
	// live is set while a session we started has not reported its end.
	live bool
	// owedEnds counts ends still to arrive from sessions that were stopped
	// or failed. They seal the transcript but are never taken as unexpected.
	owedEnds int
	errMsg    string
	closed    bool
}

// New returns a Controller for source. A nil source yields an unsupported
// controller: its view reports the condition once and every operation is a
// no-op.
func New(source stt.Source, opts ...Option) (*Controller, error) {
	c := &Controller{
		source:        source,
		policy:        transcript.DefaultPolicy(),
		restartPolicy: DefaultRestartPolicy(),
		sessionCtx:    context.Background(),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.restartPolicy.Validate(); err != nil {
		return nil, err
	}
	engine, err := transcript.NewEngine(c.policy)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	c.engine = engine
	c.restart = newRestarter(c.clock, c.restartPolicy)
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if source == nil {
		c.errMsg = UnsupportedMessage
	}
	return c, nil
}

// Supported reports whether a recognition source is available.
func (c *Controller) Supported() bool { return c.source != nil }

// AddSink registers s and immediately publishes the current view to it.
func (c *Controller) AddSink(s Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks = append(c.sinks, s)
	s.Publish(Update{View: c.viewLocked(), Reason: "subscribe"})
}

// View returns the current snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	if c.source == nil {
		return View{Chunks: []string{}, Error: c.errMsg, Unsupported: true}
	}
	st := c.engine.State()
	v := View{
		Text:       c.engine.Render(c.listening),
		Chunks:     st.Chunks(),
		Listening:  c.listening,
		Error:      c.errMsg,
		Restarting: c.restart.pending(),
	}
	if v.Chunks == nil {
		v.Chunks = []string{}
	}
	if c.listening {
		v.Interim = st.Interim()
	}
	return v
}

// Start begins listening. It clears any previous error. Starting while
// already listening is a no-op. ctx scopes the call only; restarted
// sessions keep its values but not its cancellation.
func (c *Controller) Start(ctx context.Context) error {
	if c.source == nil {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.desired && c.listening && !c.restart.pending() {
		return nil
	}

	c.errMsg = ""
	c.restart.cancel()
	c.restart.succeeded()
	c.desired = true
	c.sessionCtx = context.WithoutCancel(ctx)

	startCtx, span := observe.StartSpan(c.sessionCtx, "session.start")
	err := c.source.Start(startCtx)
	observe.EndSpan(span, err)
	if err != nil {
		code := stt.ErrorCode(err)
		slog.Error("failed to start recognition", "code", code, "err", err)
		c.metrics.RecordSourceError(ctx, code)
		c.errMsg = ErrorMessage(code)
		c.desired = false
		c.setListening(ctx, false)
		c.publish(nil, "error")
		return fmt.Errorf("session: start: %w", err)
	}

	c.live = true
	c.setListening(ctx, true)
	slog.Info("recognition started")
	c.publish(nil, "start")
	return nil
}

// Stop ends listening. The current session's remaining events are still
// applied; its end seals the interim without scheduling a restart.
func (c *Controller) Stop() error {
	if c.source == nil {
		return ErrUnsupported
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	ctx := context.Background()
	c.desired = false
	c.restart.cancel()
	c.disownSession()
	c.setListening(ctx, false)
	err := c.source.Stop()
	c.publish(nil, "stop")
	if err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	return nil
}

// Reset discards the transcript and session bookkeeping. A pending restart
// is cancelled and the controller goes idle; an active session keeps
// running. A session that already ended and is waiting on a restart is not
// active, so Reset leaves the controller idle. The current error stays
// visible.
func (c *Controller) Reset() {
	if c.source == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.restart.cancel() {
		c.desired = false
		c.setListening(context.Background(), false)
	}
	c.engine.Reset()
	c.publish(nil, "reset")
}

// SetPolicy replaces the reconciliation policy. Accumulated text is kept.
func (c *Controller) SetPolicy(p transcript.Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.engine.SetPolicy(p); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	c.policy = c.engine.Policy()
	c.publish(nil, "policy")
	return nil
}

// SetRestartPolicy replaces the restart policy. It applies from the next
// scheduled restart.
func (c *Controller) SetRestartPolicy(p RestartPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restartPolicy = p
	c.restart.setPolicy(p)
	return nil
}

// SendAudio forwards PCM audio to the source.
func (c *Controller) SendAudio(chunk []byte) error {
	if c.source == nil {
		return ErrUnsupported
	}
	return c.source.SendAudio(chunk)
}

// Run forwards source events to Submit until ctx is done or the source's
// event channel is closed.
func (c *Controller) Run(ctx context.Context) error {
	if c.source == nil {
		<-ctx.Done()
		return nil
	}
	events := c.source.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Submit(ev)
		}
	}
}

// Submit applies one source event.
func (c *Controller) Submit(ev stt.Event) {
	if c.source == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	ctx := c.sessionCtx
	switch ev.Type {
	case stt.EventStart:
		c.metrics.RecordSessionEvent(ctx, "start")
		if c.desired {
			c.setListening(ctx, true)
			c.publish(nil, "start")
		}

	case stt.EventResult:
		c.applyResult(ctx, ev.Batch)

	case stt.EventError:
		c.handleError(ctx, ev.Code)

	case stt.EventEnd:
		c.handleEnd(ctx)

	default:
		slog.Debug("ignoring unknown recognition event", "type", ev.Type)
	}
}

func (c *Controller) applyResult(ctx context.Context, batch stt.ResultBatch) {
	out := c.engine.Apply(batch)
	finals := len(out.Appended) + out.Suppressed + out.Empty
	c.metrics.RecordBatch(ctx, finals, out.Records-finals, out.Skipped)
	c.metrics.RecordChunks(ctx, len(out.Appended), "final")
	c.metrics.RecordDuplicates(ctx, out.Suppressed, string(c.engine.Policy().Mode))
	c.metrics.RecordEmptyFinals(ctx, out.Empty)

	if out.Records == 0 {
		return
	}
	c.restart.succeeded()
	if out.Suppressed > 0 {
		slog.Debug("suppressed duplicate final", "count", out.Suppressed)
	}
	c.publish(out.Appended, "result")
}

// disownSession marks the live session's end, whenever it arrives, as one
// the controller expects. A session started afterwards is unaffected.
func (c *Controller) disownSession() {
	if c.live {
		c.live = false
		c.owedEnds++
	}
}

func (c *Controller) handleError(ctx context.Context, code string) {
	if code == "" {
		code = stt.CodeNetwork
	}
	c.disownSession()
	c.metrics.RecordSourceError(ctx, code)
	if !c.desired && code == stt.CodeAborted {
		// Requested stop; the backend reports the abort as an error.
		slog.Debug("recognition aborted after stop")
		return
	}
	slog.Warn("recognition error", "code", code)
	c.errMsg = ErrorMessage(code)
	c.desired = false
	c.restart.cancel()
	c.setListening(ctx, false)
	c.publish(nil, "error")
}

func (c *Controller) handleEnd(ctx context.Context) {
	appended := c.boundaryLocked(ctx)

	if c.owedEnds > 0 {
		// A stopped or failed session finished. Whatever runs now, if
		// anything, was started after it.
		c.owedEnds--
		c.metrics.RecordSessionEvent(ctx, "end")
		if !c.desired {
			c.setListening(ctx, false)
		}
		c.publish(appended, "sealed")
		return
	}
	c.live = false

	if !c.desired {
		c.metrics.RecordSessionEvent(ctx, "end")
		c.setListening(ctx, false)
		c.publish(appended, "sealed")
		return
	}

	c.metrics.RecordSessionEvent(ctx, "unexpected_end")
	if !c.restart.policy.Enabled {
		slog.Info("recognition ended, auto restart disabled")
		c.desired = false
		c.setListening(ctx, false)
		c.publish(appended, "sealed")
		return
	}
	c.scheduleRestart(ctx)
	c.publish(appended, "sealed")
}

// boundaryLocked seals the interim into the transcript and starts a fresh
// index space. It returns the sealed chunk, if any.
func (c *Controller) boundaryLocked(ctx context.Context) []string {
	text, sealed := c.engine.Seal()
	c.engine.Boundary()
	if !sealed {
		return nil
	}
	c.metrics.RecordChunks(ctx, 1, "sealed")
	return []string{text}
}

// scheduleRestart arms the next restart or gives up when the budget is
// spent.
func (c *Controller) scheduleRestart(ctx context.Context) {
	if c.restart.exhausted() {
		slog.Error("recognition restarts exhausted", "attempts", c.restart.attempts)
		c.metrics.RecordRestart(ctx, "exhausted", 0)
		c.errMsg = ErrRestartsExhausted.Error()
		c.desired = false
		c.setListening(ctx, false)
		return
	}
	d := c.restart.schedule(c.fireRestart)
	c.metrics.RecordRestart(ctx, "scheduled", d)
	slog.Info("scheduling recognition restart", "attempt", c.restart.attempts, "delay", d)
}

func (c *Controller) fireRestart(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.restart.claim(gen) || !c.desired {
		return
	}

	ctx := c.sessionCtx
	startCtx, span := observe.StartSpan(ctx, "session.restart")
	err := c.source.Start(startCtx)
	observe.EndSpan(span, err)
	if err != nil {
		slog.Warn("recognition restart failed", "attempt", c.restart.attempts, "err", err)
		c.metrics.RecordRestart(ctx, "failed", 0)
		c.metrics.RecordSourceError(ctx, stt.ErrorCode(err))
		c.scheduleRestart(ctx)
		c.publish(nil, "restart")
		return
	}
	c.live = true
	c.metrics.RecordRestart(ctx, "started", 0)
	slog.Info("recognition restarted", "attempt", c.restart.attempts)
	c.publish(nil, "restart")
}

// Close cancels any pending restart and closes the source. It is safe to
// call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.desired = false
	c.restart.cancel()
	c.setListening(context.Background(), false)
	c.mu.Unlock()

	if c.source == nil {
		return nil
	}
	if err := c.source.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}
	return nil
}

func (c *Controller) setListening(ctx context.Context, on bool) {
	if c.listening == on {
		return
	}
	c.listening = on
	if on {
		c.metrics.ActiveSessions.Add(ctx, 1)
	} else {
		c.metrics.ActiveSessions.Add(ctx, -1)
	}
}

func (c *Controller) publish(appended []string, reason string) {
	if len(c.sinks) == 0 {
		return
	}
	u := Update{View: c.viewLocked(), Appended: appended, Reason: reason}
	for _, s := range c.sinks {
		s.Publish(u)
	}
}
