package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/transport"
)

// backend is a minimal WebSocket server. Every text frame it receives is
// forwarded to received; frames written to send go to the client.
type backend struct {
	received chan string
	send     chan string
	header   chan http.Header
	srv      *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		received: make(chan string, 16),
		send:     make(chan string, 16),
		header:   make(chan http.Header, 1),
	}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.header <- r.Header.Clone()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		ctx := r.Context()

		go func() {
			for msg := range b.send {
				if msg == "" {
					_ = ws.Close(websocket.StatusGoingAway, "bye")
					return
				}
				_ = ws.Write(ctx, websocket.MessageText, []byte(msg))
			}
		}()
		for {
			_, raw, err := ws.Read(ctx)
			if err != nil {
				return
			}
			b.received <- string(raw)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) url() string { return "ws" + strings.TrimPrefix(b.srv.URL, "http") }

func dial(t *testing.T, b *backend) transport.Conn {
	t.Helper()
	d, err := transport.NewWebSocketDialer(b.url(), transport.WithHeader("Authorization", "Bearer t0ken"))
	if err != nil {
		t.Fatalf("NewWebSocketDialer: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := d.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWebSocket_SendAndReceive(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	conn := dial(t, b)

	if got := (<-b.header).Get("Authorization"); got != "Bearer t0ken" {
		t.Errorf("handshake header: got %q", got)
	}

	if err := conn.Send(transport.Message{Type: transport.TypeStartRecording}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-b.received:
		if got != `{"type":"start_recording"}` {
			t.Errorf("got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("backend never received the message")
	}

	b.send <- `{"type":"telemetry"}`
	b.send <- `{"type":"bot_token","data":{"token":"Hel"}}`
	select {
	case msg := <-conn.Inbound():
		tok, ok := msg.Payload.(transport.BotToken)
		if !ok || tok.Token != "Hel" {
			t.Errorf("got %+v, want bot_token Hel", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the token")
	}
}

func TestWebSocket_RemoteCloseEndsConn(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	conn := dial(t, b)

	b.send <- ""
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not end after remote close")
	}
	if conn.Err() == nil {
		t.Error("Err: got nil, want the remote close reason")
	}
	if err := conn.Send(transport.Message{Type: transport.TypeStopRecording}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after close: got %v, want ErrClosed", err)
	}
	for range conn.Inbound() {
	}
}

func TestWebSocket_LocalClose(t *testing.T) {
	t.Parallel()
	b := newBackend(t)
	conn := dial(t, b)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := conn.Err(); err != nil {
		t.Errorf("Err after local close: got %v, want nil", err)
	}
}

func TestNewWebSocketDialer_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := transport.NewWebSocketDialer(""); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestWebSocket_DialFailure(t *testing.T) {
	t.Parallel()
	d, err := transport.NewWebSocketDialer("ws://127.0.0.1:1/ws", transport.WithDialTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewWebSocketDialer: %v", err)
	}
	if _, err := d.Dial(context.Background()); err == nil {
		t.Fatal("expected dial error, got nil")
	}
}
