package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/internal/transport/mock"
)

var errRefused = errors.New("connection refused")

// runReconnector starts r and returns a stop function that cancels Run and
// waits for it to return.
func runReconnector(t *testing.T, r *transport.Reconnector) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func fastConfig(d transport.Dialer) transport.ReconnectorConfig {
	return transport.ReconnectorConfig{
		Dialer:     d,
		Backoff:    time.Millisecond,
		MaxBackoff: 2 * time.Millisecond,
	}
}

func TestReconnector_FirstConnect(t *testing.T) {
	t.Parallel()
	conn := mock.NewConn()
	d := &mock.Dialer{Results: []mock.DialResult{{Err: errRefused}, {Conn: conn}}}
	connected := make(chan transport.Conn, 1)
	cfg := fastConfig(d)
	cfg.OnConnect = func(c transport.Conn) { connected <- c }
	r := transport.NewReconnector(cfg)
	stop := runReconnector(t, r)

	select {
	case got := <-connected:
		if got != conn {
			t.Error("OnConnect got the wrong connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the first connection")
	}
	if r.Connection() != conn {
		t.Error("expected the dialed connection to be current")
	}
	st := r.Stats()
	if st.Connects != 1 || st.Failures != 1 || st.LastError != errRefused.Error() {
		t.Errorf("stats: got %+v", st)
	}

	stop()
	if conn.CallCountClose != 1 {
		t.Errorf("closes after Run returned: got %d, want 1", conn.CallCountClose)
	}
	if r.Connection() != nil {
		t.Error("expected nil connection after Run returned")
	}
}

func TestReconnector_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	first := mock.NewConn()
	second := mock.NewConn()
	d := &mock.Dialer{Results: []mock.DialResult{
		{Conn: first},
		{Err: errRefused},
		{Conn: second},
	}}
	connected := make(chan transport.Conn, 2)
	cfg := fastConfig(d)
	cfg.OnConnect = func(c transport.Conn) { connected <- c }
	r := transport.NewReconnector(cfg)
	defer runReconnector(t, r)()

	if got := <-connected; got != first {
		t.Fatal("first OnConnect got the wrong connection")
	}
	first.Drop(errors.New("reset by peer"))
	r.NotifyDisconnect()

	select {
	case got := <-connected:
		if got != second {
			t.Error("OnConnect got the wrong connection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reconnection")
	}
	if r.Connection() != second {
		t.Error("expected the new connection to be current")
	}
	if got := d.Calls(); got != 3 {
		t.Errorf("dial calls: got %d, want 3", got)
	}
	if first.CallCountClose != 1 {
		t.Errorf("old connection closes: got %d, want 1", first.CallCountClose)
	}
}

func TestReconnector_GivesUpUntilNotified(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Results: []mock.DialResult{
		{Err: errRefused},
		{Err: errRefused},
	}}
	gaveUp := make(chan error, 1)
	connected := make(chan transport.Conn, 1)
	cfg := fastConfig(d)
	cfg.MaxRetries = 2
	cfg.OnGiveUp = func(err error) { gaveUp <- err }
	cfg.OnConnect = func(c transport.Conn) { connected <- c }
	r := transport.NewReconnector(cfg)
	defer runReconnector(t, r)()

	select {
	case err := <-gaveUp:
		if !errors.Is(err, transport.ErrGaveUp) || !errors.Is(err, errRefused) {
			t.Errorf("got %v, want ErrGaveUp wrapping the dial error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for give-up")
	}
	if r.Connection() != nil {
		t.Error("expected no connection after giving up")
	}
	if !r.Stats().GaveUp {
		t.Error("stats should report the give-up")
	}

	time.Sleep(20 * time.Millisecond)
	if got := d.Calls(); got != 2 {
		t.Fatalf("dial calls while given up: got %d, want 2", got)
	}

	r.NotifyDisconnect()
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("NotifyDisconnect did not start a new cycle")
	}
	if r.Stats().GaveUp {
		t.Error("GaveUp should clear after a successful connect")
	}
}

func TestReconnector_CancelDuringBackoff(t *testing.T) {
	t.Parallel()
	d := &mock.Dialer{Results: []mock.DialResult{{Err: errRefused}}}
	r := transport.NewReconnector(transport.ReconnectorConfig{Dialer: d, Backoff: time.Hour})
	stop := runReconnector(t, r)

	deadline := time.Now().Add(5 * time.Second)
	for d.Calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no dial attempt")
		}
		time.Sleep(time.Millisecond)
	}
	stop()
	if got := d.Calls(); got != 1 {
		t.Errorf("dial calls: got %d, want 1", got)
	}
}

func TestFailoverDialer(t *testing.T) {
	t.Parallel()
	primary := &mock.Dialer{Name: "ws://primary", Results: []mock.DialResult{{Err: errRefused}}}
	secondary := &mock.Dialer{Name: "ws://secondary"}
	fd, err := transport.NewFailoverDialer(resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}, primary, secondary)
	if err != nil {
		t.Fatalf("NewFailoverDialer: %v", err)
	}
	if got, want := fd.Endpoint(), "ws://primary,ws://secondary"; got != want {
		t.Errorf("Endpoint: got %q, want %q", got, want)
	}

	for i := range 2 {
		if _, err := fd.Dial(context.Background()); err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
	}
	if got := primary.Calls(); got != 1 {
		t.Errorf("primary dials: got %d, want 1 (breaker should skip it)", got)
	}
	if got := secondary.Calls(); got != 2 {
		t.Errorf("secondary dials: got %d, want 2", got)
	}
	if got := fd.Breakers()["ws://primary"]; got != resilience.StateOpen {
		t.Errorf("primary breaker: got %v, want open", got)
	}
}

func TestFailoverDialer_NoEndpoints(t *testing.T) {
	t.Parallel()
	if _, err := transport.NewFailoverDialer(resilience.CircuitBreakerConfig{}); err == nil {
		t.Fatal("expected error, got nil")
	}
}
