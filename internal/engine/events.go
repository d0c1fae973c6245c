package engine

import (
	"github.com/MrWong99/parley/internal/transport"
	"github.com/MrWong99/parley/pkg/audio"
)

// The mailbox carries one of the event types below, plus
// [capture.TimerFired] and [response.Done]. Events that belong to a source
// or connection carry it so the loop can drop leftovers from a replaced one.

type frameEvent struct {
	src   audio.Source
	frame audio.AudioFrame
}

type sourceEndedEvent struct {
	src audio.Source
	err error
}

type inboundEvent struct {
	conn transport.Conn
	msg  transport.Message
}

type connectedEvent struct {
	conn transport.Conn
}

type disconnectedEvent struct {
	conn transport.Conn
	err  error
}

type configEvent struct {
	cfg Config
}

type commandKind int

const (
	cmdStartSession commandKind = iota
	cmdStopSession
	cmdStopCapture
	cmdReinitialize
	cmdBarrier
)

func (k commandKind) String() string {
	switch k {
	case cmdStartSession:
		return "start_session"
	case cmdStopSession:
		return "stop_session"
	case cmdStopCapture:
		return "stop_capture"
	case cmdReinitialize:
		return "reinitialize"
	case cmdBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

type commandEvent struct {
	kind  commandKind
	reply chan error
}
