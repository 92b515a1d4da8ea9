// Package presence tracks live connections and the participants bound to them.
package presence

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutboxClosed is returned by Push once the outbox has been closed.
var ErrOutboxClosed = errors.New("outbox closed")

// ErrOutboxFull is returned by the Push that overflows the buffered queue.
// That Push also closes the outbox.
var ErrOutboxFull = errors.New("outbox buffer full")

// Sink accepts encoded frames for a single connection.
// Push must not block; delivery is at-most-once.
type Sink interface {
	Push(data []byte) error
}

// Outbox queues encoded frames for one connection. A transport write loop
// drains Frames and writes them to the wire in push order. A consumer that
// falls a full buffer behind is cut off rather than skipped over, so it never
// observes a gap in the frame stream.
type Outbox struct {
	connID     string
	frames     chan []byte
	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// NewOutbox creates an Outbox for the given connection.
//
// Precondition: connID must be non-empty.
// Postcondition: Returns an Outbox with an open frames channel. bufferSize <= 0 uses 64.
func NewOutbox(connID string, bufferSize int) *Outbox {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Outbox{
		connID: connID,
		frames: make(chan []byte, bufferSize),
	}
}

// ConnectionID returns the connection this outbox belongs to.
func (o *Outbox) ConnectionID() string {
	return o.connID
}

// Push enqueues data without blocking.
//
// Postcondition: data is queued, or ErrOutboxClosed / ErrOutboxFull is returned
// wrapped with the connection id. After ErrOutboxFull the outbox is closed and
// Overflowed reports true.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxClosed)
	}
	select {
	case o.frames <- data:
		return nil
	default:
		o.overflowed = true
		o.closed = true
		close(o.frames)
		return fmt.Errorf("connection %s: %w", o.connID, ErrOutboxFull)
	}
}

// Frames returns the read side of the queue. It is closed by Close.
func (o *Outbox) Frames() <-chan []byte {
	return o.frames
}

// Close stops accepting frames and closes the queue. Safe to call repeatedly.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.frames)
	}
}

// IsClosed reports whether Close has been called.
func (o *Outbox) IsClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Overflowed reports whether the outbox was closed by a Push that found the
// queue full.
func (o *Outbox) Overflowed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.overflowed
}
