package transport

import (
	"errors"
	"log/slog"
	"sync"
)

const (
	defaultQueueSize   = 64
	defaultInboundSize = 64
)

// link is the carrier-independent half of a [Conn]: the outbound queue, the
// inbound stream and the shutdown bookkeeping. Carriers embed it and supply
// the goroutines that move bytes.
type link struct {
	endpoint string
	out      chan []byte
	in       chan Message
	done     chan struct{}

	doneOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newLink(endpoint string, queue int) *link {
	if queue <= 0 {
		queue = defaultQueueSize
	}
	return &link{
		endpoint: endpoint,
		out:      make(chan []byte, queue),
		in:       make(chan Message, defaultInboundSize),
		done:     make(chan struct{}),
	}
}

// Send implements [Conn].
func (l *link) Send(m Message) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	raw, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case l.out <- raw:
		return nil
	case <-l.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// Inbound implements [Conn].
func (l *link) Inbound() <-chan Message { return l.in }

// Done implements [Conn].
func (l *link) Done() <-chan struct{} { return l.done }

// Err implements [Conn].
func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// finish marks the link ended. A nil err means a local close.
func (l *link) finish(err error) {
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

// deliver decodes raw and hands it to the inbound stream. Malformed and
// unknown messages are logged and dropped. It reports false once the link
// has ended.
func (l *link) deliver(raw []byte) bool {
	msg, err := Decode(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownType) {
			slog.Debug("ignoring unknown backend message", "endpoint", l.endpoint, "type", msg.Type)
		} else {
			slog.Warn("dropping malformed backend message", "endpoint", l.endpoint, "error", err)
		}
		return true
	}
	select {
	case l.in <- msg:
		return true
	case <-l.done:
		return false
	}
}
