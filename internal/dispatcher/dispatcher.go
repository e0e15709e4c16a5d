// Package dispatcher delivers scan webhook callbacks asynchronously.
// Events are buffered in a bounded queue and posted as CloudEvents by a
// worker pool, with retry, per-host circuit breaking, and graceful
// drain on shutdown.
package dispatcher

import (
	"context"
	"errors"

	"scand/pkg/cloudevent"
)

// ErrBufferFull means the queue was full and the event was dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher queues events for async delivery.
type Dispatcher interface {
	// Dispatch enqueues without blocking. Returns ErrBufferFull when
	// the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close drains the queue, bounded by the context deadline.
	Close(ctx context.Context) error
}

// Event pairs an envelope with its destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // empty disables signing
	Requeues    int    // circuit-open requeue count
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64
	Dropped       int64
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
