// Package events publishes committed transcript chunks to Kafka.
//
// [Publisher] is a [session.Sink]: it queues every appended chunk without
// blocking the controller and writes them from [Publisher.Run]. With Kafka
// disabled the chunks are only logged.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
)

const defaultQueueSize = 256

// ErrQueueFull is recorded when a chunk is dropped because Run is behind.
var ErrQueueFull = errors.New("events: publish queue full")

// ChunkEvent is the JSON payload of one published chunk.
type ChunkEvent struct {
	// Seq increases by one per chunk for the lifetime of the publisher.
	Seq    int64     `json:"seq"`
	Text   string    `json:"text"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Enabled bool
	Brokers []string
	Topic   string

	// Key is the message key. All chunks share it so they land on one
	// partition in order.
	Key string

	// QueueSize bounds chunks waiting to be written. Default: 256.
	QueueSize int
}

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithWriter replaces the Kafka writer. It enables publishing regardless of
// Config.Brokers.
func WithWriter(w Writer) Option {
	return func(p *Publisher) { p.writer = w }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithNow overrides the event timestamp clock.
func WithNow(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// Publisher writes chunk events to a Kafka topic.
type Publisher struct {
	writer  Writer
	topic   string
	key     string
	metrics *observe.Metrics
	now     func() time.Time

	queue chan ChunkEvent
	seq   atomic.Int64

	mu      sync.Mutex
	closed  bool
	stop    chan struct{}
	running sync.WaitGroup
}

// Ensure Publisher implements session.Sink at compile time.
var _ session.Sink = (*Publisher)(nil)

// New creates a Publisher. When cfg is disabled or lists no brokers, it runs
// in log-only mode.
func New(cfg Config, opts ...Option) *Publisher {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	p := &Publisher{
		topic: cfg.Topic,
		key:   cfg.Key,
		now:   time.Now,
		queue: make(chan ChunkEvent, size),
		stop:  make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	switch {
	case p.writer != nil:
	case !cfg.Enabled || len(cfg.Brokers) == 0:
		slog.Info("kafka disabled, logging chunks only")
	default:
		dialer := &kafka.Dialer{
			Timeout:   10 * time.Second,
			DualStack: true,
		}
		p.writer = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    &kafka.Transport{Dial: dialer.DialFunc},
		}
		slog.Info("kafka publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return p
}

// Enabled reports whether chunks are written to Kafka.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Publish queues u's appended chunks. It never blocks; chunks that do not fit
// are dropped and counted.
func (p *Publisher) Publish(u session.Update) {
	for _, text := range u.Appended {
		ev := ChunkEvent{
			Seq:    p.seq.Add(1),
			Text:   text,
			Reason: u.Reason,
			Time:   p.now(),
		}
		select {
		case p.queue <- ev:
		default:
			slog.Warn("dropping chunk event, publish queue full", "seq", ev.Seq)
			p.metrics.RecordPublish(context.Background(), p.sinkName(), ErrQueueFull)
		}
	}
}

// Run writes queued events until ctx is done or Close is called. Events still
// queued at that point are flushed with a short deadline.
func (p *Publisher) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.running.Add(1)
	p.mu.Unlock()
	defer p.running.Done()

	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case <-p.stop:
			p.flush()
			return nil
		case ev := <-p.queue:
			_ = p.publish(ctx, ev)
		}
	}
}

func (p *Publisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.queue:
			if err := p.publish(ctx, ev); err != nil && ctx.Err() != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev ChunkEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal chunk event", "err", err)
		return err
	}
	slog.Debug("publishing chunk", "topic", p.topic, "seq", ev.Seq, "payload", string(payload))

	if p.writer == nil {
		p.metrics.RecordPublish(ctx, p.sinkName(), nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(p.key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("transcript.chunk")},
			{Key: "reason", Value: []byte(ev.Reason)},
		},
	}
	err = p.writer.WriteMessages(ctx, msg)
	if err != nil {
		slog.Error("failed to write chunk to kafka", "topic", p.topic, "seq", ev.Seq, "err", err)
	}
	p.metrics.RecordPublish(ctx, p.sinkName(), err)
	return err
}

func (p *Publisher) sinkName() string {
	if p.writer == nil {
		return "log"
	}
	return "kafka"
}

// Close stops Run, waits for its flush and closes the Kafka writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	p.mu.Unlock()

	p.running.Wait()
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
