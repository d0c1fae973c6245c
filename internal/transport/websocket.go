package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// readLimit leaves room for synthesized reply audio inside bot_response.
	readLimit = 16 << 20
)

// WebSocketOption configures a [WebSocketDialer].
type WebSocketOption func(*WebSocketDialer)

// WithHeader adds an HTTP header to the WebSocket handshake.
func WithHeader(key, value string) WebSocketOption {
	return func(d *WebSocketDialer) { d.header.Add(key, value) }
}

// WithDialTimeout bounds the handshake. Defaults to 10s.
func WithDialTimeout(timeout time.Duration) WebSocketOption {
	return func(d *WebSocketDialer) {
		if timeout > 0 {
			d.dialTimeout = timeout
		}
	}
}

// WithQueueSize sets the outbound queue capacity. Defaults to 64.
func WithQueueSize(n int) WebSocketOption {
	return func(d *WebSocketDialer) { d.queue = n }
}

// WebSocketDialer connects to a backend speaking the envelope protocol as text
// frames over a WebSocket.
type WebSocketDialer struct {
	url         string
	header      http.Header
	dialTimeout time.Duration
	queue       int
}

var _ Dialer = (*WebSocketDialer)(nil)

// NewWebSocketDialer returns a dialer for url (ws:// or wss://).
func NewWebSocketDialer(url string, opts ...WebSocketOption) (*WebSocketDialer, error) {
	if url == "" {
		return nil, errors.New("transport: websocket url must not be empty")
	}
	d := &WebSocketDialer{
		url:         url,
		header:      http.Header{},
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Endpoint implements [Dialer].
func (d *WebSocketDialer) Endpoint() string { return d.url }

// Dial implements [Dialer].
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, d.url, &websocket.DialOptions{HTTPHeader: d.header})
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", d.url, err)
	}
	ws.SetReadLimit(readLimit)

	lifeCtx, stop := context.WithCancel(context.Background())
	c := &wsConn{
		link: newLink(d.url, d.queue),
		ws:   ws,
		stop: stop,
	}
	c.wg.Add(2)
	go c.readLoop(lifeCtx)
	go c.writeLoop(lifeCtx)
	slog.Info("backend connected", "transport", "websocket", "endpoint", d.url)
	return c, nil
}

// wsConn is a live WebSocket connection. It implements [Conn].
type wsConn struct {
	*link
	ws   *websocket.Conn
	stop context.CancelFunc

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Close implements [Conn].
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.finish(nil)
		c.flush()
		c.stop()
		_ = c.ws.Close(websocket.StatusNormalClosure, "client closing")
		c.wg.Wait()
	})
	return nil
}

// flush writes whatever is still queued, best effort.
func (c *wsConn) flush() {
	for {
		select {
		case raw := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.ws.Write(ctx, websocket.MessageText, raw)
			cancel()
		default:
			return
		}
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case raw := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				c.fail(fmt.Errorf("transport: websocket write: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer close(c.in)
	for {
		typ, raw, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.fail(fmt.Errorf("transport: backend closed the connection: %w", err))
			} else {
				c.fail(fmt.Errorf("transport: websocket read: %w", err))
			}
			return
		}
		if typ != websocket.MessageText {
			slog.Debug("ignoring binary websocket frame", "endpoint", c.endpoint, "bytes", len(raw))
			continue
		}
		if !c.deliver(raw) {
			return
		}
	}
}

// fail ends the connection because of a remote or network error. Local closes
// win: if Close already ran, the error is dropped.
func (c *wsConn) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	slog.Warn("backend connection lost", "endpoint", c.endpoint, "error", err)
	c.finish(err)
	c.stop()
	go func() { _ = c.ws.CloseNow() }()
}
