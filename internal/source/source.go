// Package source abstracts the inbound change-event feed. The consumer
// controls acknowledgment: an event is acked only after it reaches a
// terminal state downstream, so a crash between fetch and ack causes
// redelivery rather than loss.
package source

import (
	"context"
	"time"
)

// RawEvent is one undecoded envelope from the feed.
type RawEvent struct {
	// Partition identifies the stream the event came from.
	Partition string
	// ID is the transport's delivery ID, used to acknowledge the event.
	ID string
	// Data is the raw envelope payload.
	Data []byte
}

// EventSource is a resumable, acknowledgment-based event feed.
type EventSource interface {
	// Fetch blocks up to wait for new events and returns at most max of
	// them. A nil slice with nil error means the wait timed out.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]*RawEvent, error)

	// Ack marks events as fully processed. Unacked events are
	// redelivered after a restart.
	Ack(ctx context.Context, events ...*RawEvent) error

	// Close releases source resources.
	Close() error
}
