package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrGaveUp is passed to OnGiveUp when every attempt of a cycle failed.
var ErrGaveUp = errors.New("transport: reconnection failed after max retries")

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Dialer establishes connections. Usually a [FailoverDialer].
	Dialer Dialer

	// MaxRetries is the number of dial attempts per cycle. Default: 10.
	MaxRetries int

	// Backoff is the wait after the first failed attempt. It doubles after
	// every further failure up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait. Default: 30s.
	MaxBackoff time.Duration

	// OnConnect receives every connection the reconnector establishes,
	// including the first one. May be nil.
	OnConnect func(Conn)

	// OnGiveUp is called when a cycle exhausted its attempts. May be nil.
	OnGiveUp func(error)
}

// Stats describes the reconnector's history for status pages.
type Stats struct {
	Connects  int    `json:"connects"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
	GaveUp    bool   `json:"gave_up"`
}

// Reconnector owns the backend connection. [Reconnector.Run] dials until a
// connection is up, hands it to OnConnect and then waits for
// [Reconnector.NotifyDisconnect] before starting the next cycle. A cycle that
// gives up also waits for NotifyDisconnect, which doubles as a manual retry.
//
// Session state is not carried over: the backend forgets sessions when the
// socket drops, so every connection is a fresh start for the owner.
type Reconnector struct {
	dialer     Dialer
	maxRetries int
	base, max  time.Duration
	onConnect  func(Conn)
	onGiveUp   func(error)

	// kick is buffered so a notification made while Run is busy is kept.
	kick chan struct{}

	mu    sync.Mutex
	conn  Conn
	stats Stats
}

// NewReconnector returns a reconnector for cfg. Nothing is dialled until Run.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		dialer:     cfg.Dialer,
		maxRetries: cfg.MaxRetries,
		base:       cfg.Backoff,
		max:        cfg.MaxBackoff,
		onConnect:  cfg.OnConnect,
		onGiveUp:   cfg.OnGiveUp,
		kick:       make(chan struct{}, 1),
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.base <= 0 {
		r.base = defaultBackoff
	}
	if r.max <= 0 {
		r.max = defaultMaxBackoff
	}
	if r.max < r.base {
		r.max = r.base
	}
	return r
}

// Run drives connection cycles until ctx is cancelled, then closes the
// current connection. It always returns nil so it can sit in an errgroup
// next to the components that consume its connections.
func (r *Reconnector) Run(ctx context.Context) error {
	defer r.drop()
	for {
		if !r.cycle(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.kick:
			r.drop()
		}
	}
}

// NotifyDisconnect reports that the current connection is gone, or asks for
// a fresh cycle after a give-up. Extra calls before Run reacts are merged.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Connection returns the current connection, or nil between cycles.
func (r *Reconnector) Connection() Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

// Stats returns a copy of the reconnection history.
func (r *Reconnector) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// cycle dials until success or the attempt budget is spent. It reports false
// only when ctx ended.
func (r *Reconnector) cycle(ctx context.Context) bool {
	wait := r.base
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		conn, err := r.dialer.Dial(ctx)
		if err == nil {
			r.connected(conn, attempt)
			return true
		}
		lastErr = err
		r.failed(err)
		slog.Warn("backend dial failed",
			"endpoint", r.dialer.Endpoint(),
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"retry_in", wait,
			"err", err,
		)
		if attempt == r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = min(2*wait, r.max)
	}

	r.mu.Lock()
	r.stats.GaveUp = true
	r.mu.Unlock()
	slog.Error("backend unreachable, waiting for a retry request",
		"endpoint", r.dialer.Endpoint(),
		"attempts", r.maxRetries,
	)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("%w: %w", ErrGaveUp, lastErr))
	}
	return true
}

func (r *Reconnector) connected(conn Conn, attempt int) {
	// Notifications queued while dialling refer to an older connection.
	select {
	case <-r.kick:
	default:
	}
	r.mu.Lock()
	r.conn = conn
	r.stats.Connects++
	r.stats.GaveUp = false
	r.mu.Unlock()

	slog.Info("backend connected", "endpoint", r.dialer.Endpoint(), "attempt", attempt)
	if r.onConnect != nil {
		r.onConnect(conn)
	}
}

func (r *Reconnector) failed(err error) {
	r.mu.Lock()
	r.stats.Failures++
	r.stats.LastError = err.Error()
	r.mu.Unlock()
}

// drop closes and forgets the current connection.
func (r *Reconnector) drop() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}
