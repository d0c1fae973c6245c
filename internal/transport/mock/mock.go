// Package mock provides in-memory implementations of [transport.Conn] and
// [transport.Dialer] for unit tests.
//
// Typical usage:
//
//	conn := mock.NewConn()
//	conn.Push(transport.Message{Type: transport.TypeBotToken, Payload: transport.BotToken{Token: "Hi"}})
//	conn.Drop(errors.New("reset by peer"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/internal/transport"
)

// Conn is a mock [transport.Conn]. Sent messages are recorded; inbound
// messages are injected by the test with [Conn.Push].
type Conn struct {
	mu sync.Mutex

	in     chan transport.Message
	done   chan struct{}
	ended  bool
	err    error
	sent   []transport.Message
	sentCh chan transport.Message

	// SendError, if set, is returned by Send instead of recording the message.
	SendError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ transport.Conn = (*Conn)(nil)

// NewConn returns a live mock connection.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan transport.Message, 64),
		done:   make(chan struct{}),
		sentCh: make(chan transport.Message, 256),
	}
}

// Send implements [transport.Conn].
func (c *Conn) Send(m transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return transport.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	c.sent = append(c.sent, m)
	select {
	case c.sentCh <- m:
	default:
	}
	return nil
}

// Inbound implements [transport.Conn].
func (c *Conn) Inbound() <-chan transport.Message { return c.in }

// Done implements [transport.Conn].
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err implements [transport.Conn].
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close implements [transport.Conn].
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.end(nil)
	return nil
}

// Push injects an inbound message. It is a no-op after the connection ended.
func (c *Conn) Push(m transport.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.in <- m
}

// Drop ends the connection as if the backend went away.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.end(err)
}

// Sent returns a copy of every message passed to Send.
func (c *Conn) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Message, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentCh receives every sent message as it is recorded.
func (c *Conn) SentCh() <-chan transport.Message { return c.sentCh }

// SentOfType returns the sent messages whose Type is typ.
func (c *Conn) SentOfType(typ string) []transport.Message {
	var out []transport.Message
	for _, m := range c.Sent() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// end must be called with c.mu held.
func (c *Conn) end(err error) {
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.in)
	close(c.done)
}

// Dialer is a mock [transport.Dialer]. Each Dial pops the next entry from
// Results; when Results is exhausted a fresh [Conn] is returned.
type Dialer struct {
	mu sync.Mutex

	// Name is returned by Endpoint.
	Name string

	// Results scripts the outcome of successive Dial calls.
	Results []DialResult

	// CallCountDial records how many times Dial was called.
	CallCountDial int

	conns []*Conn
}

// DialResult is one scripted Dial outcome.
type DialResult struct {
	Conn *Conn
	Err  error
}

var _ transport.Dialer = (*Dialer)(nil)

// Endpoint implements [transport.Dialer].
func (d *Dialer) Endpoint() string {
	if d.Name == "" {
		return "mock://backend"
	}
	return d.Name
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDial++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := DialResult{}
	if len(d.Results) > 0 {
		res = d.Results[0]
		d.Results = d.Results[1:]
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Conn == nil {
		res.Conn = NewConn()
	}
	d.conns = append(d.conns, res.Conn)
	return res.Conn, nil
}

// Conns returns every connection handed out so far.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Conn, len(d.conns))
	copy(out, d.conns)
	return out
}

// Calls returns the number of Dial calls.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountDial
}
