// Package session tracks the optional recording session that spans several
// utterances.
//
// A session has two phases. The requested phase flips as soon as the user
// asks to start or stop; the confirmed phase follows the backend's
// recording_started and recording_stopped messages. Capture never waits for
// confirmation: utterances are labelled from the requested phase on a
// best-effort basis.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/transport"
)

// Summary is the metadata the backend reports when a session ends.
type Summary struct {
	SessionID        string    `json:"session_id"`
	Filename         string    `json:"filename,omitempty"`
	AverageLatencyMs *float64  `json:"average_latency_ms,omitempty"`
	StoppedAt        time.Time `json:"stopped_at"`
}

// Snapshot is a point-in-time copy of both session phases.
type Snapshot struct {
	// Requested is the optimistic, user-facing state.
	Requested bool `json:"requested"`

	// Confirmed is true between recording_started and recording_stopped.
	Confirmed bool `json:"confirmed"`

	// SessionID is the backend-assigned id, empty until confirmed.
	SessionID string `json:"session_id,omitempty"`

	// LastSummary describes the most recently finished session, if any.
	LastSummary *Summary `json:"last_summary,omitempty"`
}

// ChangeFunc is called when the externally observable session state changes.
type ChangeFunc func(active bool, sessionID string)

// Manager is the two-phase session state. Mutating methods are called from
// the engine loop; Snapshot may be called from any goroutine.
type Manager struct {
	send     func(transport.Message) error
	onChange ChangeFunc
	now      func() time.Time

	mu        sync.Mutex
	requested bool
	confirmed bool
	id        string
	last      *Summary

	// stopsPending counts stop_recording requests not yet acknowledged.
	stopsPending int
}

// NewManager returns an inactive Manager. send delivers requests to the
// backend; onChange may be nil.
func NewManager(send func(transport.Message) error, onChange ChangeFunc) *Manager {
	return &Manager{send: send, onChange: onChange, now: time.Now}
}

// Start asks the backend for a new session and marks it active immediately.
// Starting while already requested active is a no-op. If the request cannot
// be sent the state is left unchanged.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.requested {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.send(transport.Message{Type: transport.TypeStartRecording}); err != nil {
		return err
	}
	m.update(func() { m.requested = true })
	slog.Info("session start requested")
	return nil
}

// Stop asks the backend to end the session and marks it inactive
// immediately. It reports false without sending anything when no session is
// requested active and no confirmed session is left without a pending stop.
// The local state is cleared even if sending fails.
func (m *Manager) Stop() (bool, error) {
	m.mu.Lock()
	if !m.requested && (!m.confirmed || m.stopsPending > 0) {
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()

	err := m.send(transport.Message{Type: transport.TypeStopRecording})
	m.update(func() {
		m.requested = false
		if err == nil {
			m.stopsPending++
		}
	})
	slog.Info("session stop requested", "error", err)
	return true, err
}

// HandleStarted records the backend's confirmation.
func (m *Manager) HandleStarted(p transport.RecordingStarted) {
	m.update(func() {
		m.confirmed = true
		m.id = p.SessionID
	})
	slog.Info("session confirmed", "session_id", p.SessionID)
}

// HandleStopped records the end of a confirmed session. A stop for a session
// this manager does not consider active is ignored. When the stop answers a
// local request, the requested phase is left alone so that a Start issued
// after that request survives the acknowledgement.
func (m *Manager) HandleStopped(p transport.RecordingStopped) {
	m.mu.Lock()
	known := m.confirmed && (p.SessionID == "" || p.SessionID == m.id)
	m.mu.Unlock()
	if !known {
		slog.Debug("ignoring stop confirmation for inactive session", "session_id", p.SessionID)
		return
	}

	m.update(func() {
		m.last = &Summary{
			SessionID:        m.id,
			Filename:         p.Filename,
			AverageLatencyMs: p.AverageLatencyMs,
			StoppedAt:        m.now(),
		}
		m.confirmed = false
		m.id = ""
		if m.stopsPending > 0 {
			m.stopsPending--
		} else {
			m.requested = false
		}
	})
	attrs := []any{"session_id", p.SessionID, "filename", p.Filename}
	if p.AverageLatencyMs != nil {
		attrs = append(attrs, "average_latency_ms", *p.AverageLatencyMs)
	}
	slog.Info("session finalized", attrs...)
}

// Disconnect drops the session locally in both phases. The backend forgets
// sessions when the connection drops, so there is nothing left to stop.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	had := m.requested || m.confirmed
	m.mu.Unlock()
	if !had {
		return
	}
	m.update(func() {
		m.requested = false
		m.confirmed = false
		m.id = ""
		m.stopsPending = 0
	})
	slog.Warn("session dropped by transport disconnect")
}

// Label returns the recording_mode value for an outgoing utterance, or nil
// when no session is requested.
func (m *Manager) Label() *bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.requested {
		return nil
	}
	on := true
	return &on
}

// BotAudioTarget returns the session id reply audio should be filed under.
// ok is false unless a session is both requested and confirmed.
func (m *Manager) BotAudioTarget() (id string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.requested || !m.confirmed || m.id == "" {
		return "", false
	}
	return m.id, true
}

// Active reports the requested phase.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requested
}

// Snapshot returns a copy of both phases.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{Requested: m.requested, Confirmed: m.confirmed, SessionID: m.id}
	if m.last != nil {
		last := *m.last
		s.LastSummary = &last
	}
	return s
}

// update applies fn under the lock and reports the observable state to
// onChange if it changed.
func (m *Manager) update(fn func()) {
	m.mu.Lock()
	beforeActive, beforeID := m.requested, m.id
	fn()
	afterActive, afterID := m.requested, m.id
	m.mu.Unlock()

	if m.onChange != nil && (beforeActive != afterActive || beforeID != afterID) {
		m.onChange(afterActive, afterID)
	}
}
