// Package hub fans scan events out to WebSocket observers. One
// goroutine consumes the event bridge and broadcasts each event to
// every connection subscribed to its scan; connections with no
// subscriptions receive everything. Sends are best-effort: a failed
// write drops the connection and never blocks other observers.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"scand/internal/bridge"
)

const writeTimeout = 10 * time.Second

// Metrics receives connection and event measurements. Optional.
type Metrics interface {
	RecordWSConnections(n int64)
	RecordEventPublished(kind string)
	RecordBridgeDepth(n int64)
}

// Hub owns the observer connection set.
type Hub struct {
	logger       *slog.Logger
	bus          *bridge.Bridge
	pingInterval time.Duration
	metrics      Metrics

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// New creates a hub consuming events from bus. pingInterval controls
// the liveness pings sent to every connection; zero disables them.
func New(bus *bridge.Bridge, pingInterval time.Duration, logger *slog.Logger, metrics Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger.With("component", "hub"),
		bus:          bus,
		pingInterval: pingInterval,
		metrics:      metrics,
		conns:        make(map[*Conn]struct{}),
	}
}

// Run consumes the bridge until ctx is cancelled. Events published by
// the same scan reach each connection in publish order because this is
// the bridge's single consumer.
func (h *Hub) Run(ctx context.Context) {
	if h.pingInterval > 0 {
		go h.pingLoop(ctx)
	}
	for {
		ev, err := h.bus.Next(ctx)
		if err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.RecordEventPublished(ev.Kind)
			h.metrics.RecordBridgeDepth(int64(h.bus.Len()))
		}
		h.Broadcast(ctx, ev)
	}
}

func (h *Hub) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

// Broadcast sends one event to every interested connection. Failed
// connections are closed and removed; the loop continues.
func (h *Hub) Broadcast(ctx context.Context, ev bridge.Event) {
	for _, c := range h.snapshot() {
		if !c.wants(ev.ScanID) {
			continue
		}
		if err := c.Send(ctx, ev); err != nil {
			h.logger.Debug("Dropping observer after failed send", "error", err)
			h.Remove(c)
		}
	}
}

func (h *Hub) ping(ctx context.Context) {
	frame := map[string]string{"type": "ping"}
	for _, c := range h.snapshot() {
		if err := c.Send(ctx, frame); err != nil {
			h.Remove(c)
		}
	}
}

// Add registers a WebSocket connection and returns its handle.
func (h *Hub) Add(ws *websocket.Conn) *Conn {
	c := &Conn{ws: ws, subs: make(map[string]struct{})}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.recordConns(n)
	return c
}

// Remove unregisters a connection and closes the socket.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	_, present := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	if present {
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
		h.recordConns(n)
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) snapshot() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) recordConns(n int) {
	if h.metrics != nil {
		h.metrics.RecordWSConnections(int64(n))
	}
}

// Conn is one observer connection. An empty subscription set means the
// observer receives events for all scans.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	subMu   sync.RWMutex
	subs    map[string]struct{}
}

// Send writes one JSON frame. Writes are serialized per connection so
// broadcasts and pings never interleave.
func (c *Conn) Send(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.ws, v)
}

// Subscribe narrows the connection to one more scan id. An empty id
// clears the filter, returning the connection to receive-all.
func (c *Conn) Subscribe(scanID string) {
	c.subMu.Lock()
	if scanID == "" {
		c.subs = make(map[string]struct{})
	} else {
		c.subs[scanID] = struct{}{}
	}
	c.subMu.Unlock()
}

// Unsubscribe removes one scan id. Dropping the last subscription
// returns the connection to receive-all.
func (c *Conn) Unsubscribe(scanID string) {
	c.subMu.Lock()
	delete(c.subs, scanID)
	c.subMu.Unlock()
}

func (c *Conn) wants(scanID string) bool {
	// Events without a scan scope concern the whole service and reach
	// every connection regardless of filter.
	if scanID == "" {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[scanID]
	return ok
}
