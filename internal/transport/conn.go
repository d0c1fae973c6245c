package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed [Conn].
	ErrClosed = errors.New("transport: connection closed")

	// ErrNotConnected is returned when there is no live connection to use.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrSendQueueFull is returned when the outbound queue cannot take more
	// messages without blocking the caller.
	ErrSendQueueFull = errors.New("transport: send queue full")
)

// Conn is a live duplex channel to the backend.
//
// Send never blocks on the network: messages are queued for a writer
// goroutine and delivery is best effort. Inbound messages arrive on the
// channel returned by Inbound, which is closed when the connection ends;
// Done is closed at the same time and Err then reports why.
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// Send queues m for delivery.
	Send(m Message) error

	// Inbound returns the stream of decoded messages from the backend.
	Inbound() <-chan Message

	// Done is closed when the connection has ended for any reason.
	Done() <-chan struct{}

	// Err returns the reason the connection ended, or nil while it is live
	// or after a local Close.
	Err() error

	// Close ends the connection. Safe to call more than once.
	Close() error
}

// Dialer establishes connections to one backend endpoint.
type Dialer interface {
	// Dial connects and returns a live Conn.
	Dial(ctx context.Context) (Conn, error)

	// Endpoint names the backend for logs and metrics.
	Endpoint() string
}
