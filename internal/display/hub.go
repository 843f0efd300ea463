// Package display serves the live transcript to browsers and accepts audio
// from capture clients.
//
// [Hub] is a [session.Sink] that pushes every view to connected websocket
// clients as JSON. [Server] exposes the HTTP surface:
//
//	GET  /v1/transcript     current view as JSON
//	POST /v1/start          begin listening
//	POST /v1/stop           stop listening
//	POST /v1/reset          clear the transcript
//	GET  /v1/transcript/ws  websocket stream of views
//	GET  /v1/audio          websocket ingest of binary PCM frames
package display

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/internal/observe"
	"github.com/MrWong99/livescribe/internal/session"
)

const (
	defaultClientBuffer = 8
	writeTimeout        = 5 * time.Second
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClientBuffer sets how many pending views a client may queue before
// older ones are dropped. Default: 8.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithHubMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithHubMetrics(m *observe.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket clients whose host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.origins = append(h.origins, patterns...) }
}

type client struct {
	send chan []byte
}

// Hub fans views out to websocket clients. Every message is a complete
// view, so a slow client loses intermediate views, never the latest one.
type Hub struct {
	buffer  int
	metrics *observe.Metrics
	origins []string

	mu      sync.Mutex
	clients map[*client]struct{}
	last    []byte
}

// Ensure Hub implements session.Sink at compile time.
var _ session.Sink = (*Hub)(nil)

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		buffer:  defaultClientBuffer,
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Publish encodes u's view and queues it for every client. It never blocks.
func (h *Hub) Publish(u session.Update) {
	data, err := json.Marshal(u.View)
	if err != nil {
		slog.Error("failed to encode view", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = data
	for c := range h.clients {
		offer(c.send, data)
	}
}

// offer queues data, evicting the oldest queued view when ch is full.
func offer(ch chan []byte, data []byte) {
	for {
		select {
		case ch <- data:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register() *client {
	c := &client{send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.mu.Unlock()
	h.metrics.DisplayClients.Add(context.Background(), 1)
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.metrics.DisplayClients.Add(context.Background(), -1)
}

// ServeHTTP upgrades the request to a websocket and streams views until the
// client disconnects or the request context ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Debug("display websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := h.register()
	defer h.unregister(c)

	log := observe.Logger(r.Context())
	log.Debug("display client connected", "remote", r.RemoteAddr)

	// Views only flow one way; CloseRead handles pings and reports the
	// client's close through ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug("display client disconnected", "remote", r.RemoteAddr)
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Debug("display client write failed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}
