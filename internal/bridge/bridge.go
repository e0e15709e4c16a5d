// Package bridge provides the thread-safe event queue that carries scan
// events from worker goroutines to the single broadcast consumer.
package bridge

import (
	"context"
	"sync"
	"time"
)

// Event kinds delivered to real-time observers.
const (
	KindAgentCreated       = "agent_created"
	KindAgentUpdated       = "agent_updated"
	KindMessage            = "message"
	KindToolExecution      = "tool_execution"
	KindVulnerabilityFound = "vulnerability_found"
	KindStatsUpdated       = "stats_updated"
	KindScanCreated        = "scan_created"
	KindScanUpdated        = "scan_updated"
	KindScanDeleted        = "scan_deleted"
)

// Event is one notification destined for observers. Seq is assigned at
// enqueue time and is monotonically increasing for the process lifetime;
// it preserves per-scan ordering but is not an external contract.
type Event struct {
	Kind   string    `json:"type"`
	ScanID string    `json:"scan_id,omitempty"`
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"timestamp"`
	Data   any       `json:"data"`
}

// Bridge is an unbounded multi-producer/single-consumer FIFO queue.
// Publish never blocks; Next blocks until an event arrives or the
// context is cancelled. Growth is bounded only by process memory,
// which is acceptable for small, transient events.
type Bridge struct {
	mu     sync.Mutex
	queue  []Event
	seq    uint64
	notify chan struct{}
}

// New creates an empty bridge.
func New() *Bridge {
	return &Bridge{
		notify: make(chan struct{}, 1),
	}
}

// Publish enqueues an event. Safe to call from any goroutine.
func (b *Bridge) Publish(kind, scanID string, data any) {
	b.mu.Lock()
	b.seq++
	b.queue = append(b.queue, Event{
		Kind:   kind,
		ScanID: scanID,
		Seq:    b.seq,
		Time:   time.Now().UTC(),
		Data:   data,
	})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest queued event, blocking until one is available
// or ctx is cancelled. Intended for a single consumer; concurrent
// callers would compete for events.
func (b *Bridge) Next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-b.notify:
		}
	}
}

// Len returns the number of queued events.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
