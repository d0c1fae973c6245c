// Package transport carries parley's JSON event protocol to and from the
// dialogue backend.
//
// Every message travels as an envelope:
//
//	{"type": "bot_token", "data": {"token": "Hel"}}
//
// Binary payloads are []byte fields and therefore base64 on the wire. Two
// carriers are provided: a WebSocket client ([WebSocketDialer]) and an MQTT
// client ([MQTTDialer]). Both expose the same [Conn].
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outbound message types.
const (
	TypeAudioData      = "audio_data"
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeBotAudio       = "bot_audio"
)

// Inbound message types.
const (
	TypeRecordingStarted = "recording_started"
	TypeRecordingStopped = "recording_stopped"
	TypeBotStreamStart   = "bot_stream_start"
	TypeBotToken         = "bot_token"
	TypeBotStreamEnd     = "bot_stream_end"
	TypeBotResponse      = "bot_response"
	TypeError            = "error"
	TypeStatus           = "status"
)

// ErrUnknownType is returned by [Decode] for a well-formed envelope whose
// type is not part of the protocol.
var ErrUnknownType = errors.New("transport: unknown message type")

// Message is one protocol message. Payload is one of the payload structs in
// this file, or nil for types without data.
type Message struct {
	Type    string
	Payload any
}

// envelope is the wire form of a [Message].
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AudioData carries one finalized utterance.
type AudioData struct {
	Audio  []byte `json:"audio"`
	Format string `json:"format"`
	// RecordingMode labels the utterance as part of a recording session. It
	// is best effort and may lag behind session confirmation.
	RecordingMode *bool `json:"recording_mode,omitempty"`
}

// BotAudio returns played reply audio to the backend for a recording session.
type BotAudio struct {
	Audio     []byte `json:"audio"`
	SessionID string `json:"session_id"`
}

// RecordingStarted confirms a session start.
type RecordingStarted struct {
	SessionID string `json:"session_id"`
}

// RecordingStopped confirms a session stop with optional summary metadata.
type RecordingStopped struct {
	SessionID        string   `json:"session_id"`
	Filename         string   `json:"filename,omitempty"`
	AverageLatencyMs *float64 `json:"average_latency_ms,omitempty"`
}

// BotToken is one incremental piece of reply text.
type BotToken struct {
	Token string `json:"token"`
}

// Latency is the backend's own timing report for a turn, in milliseconds.
type Latency struct {
	Backend float64  `json:"backend"`
	Average *float64 `json:"average,omitempty"`
}

// BotResponse is a complete turn, or the audio carrier for a streamed one.
type BotResponse struct {
	UserText    string   `json:"user_text"`
	BotText     string   `json:"bot_text"`
	Audio       []byte   `json:"audio,omitempty"`
	LatencyMs   *Latency `json:"latency_ms,omitempty"`
	IsRecording *bool    `json:"is_recording,omitempty"`
	Recorded    *bool    `json:"recorded,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
}

// ErrorMessage is a backend-reported failure.
type ErrorMessage struct {
	Message string `json:"message"`
}

// StatusMessage is an informational backend notice.
type StatusMessage struct {
	Message string `json:"message"`
}

// Encode serialises m into its envelope.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type}
	if m.Payload != nil {
		data, err := json.Marshal(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("transport: encode %s: %w", m.Type, err)
		}
		env.Data = data
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", m.Type, err)
	}
	return out, nil
}

// Decode parses an envelope and its payload. Payload-less types decode to a
// nil Payload; unknown types return the bare type with [ErrUnknownType].
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Message{}, errors.New("transport: decode envelope: missing type")
	}

	var payload any
	switch env.Type {
	case TypeStartRecording, TypeStopRecording, TypeBotStreamStart, TypeBotStreamEnd:
		return Message{Type: env.Type}, nil
	case TypeAudioData:
		payload = &AudioData{}
	case TypeBotAudio:
		payload = &BotAudio{}
	case TypeRecordingStarted:
		payload = &RecordingStarted{}
	case TypeRecordingStopped:
		payload = &RecordingStopped{}
	case TypeBotToken:
		payload = &BotToken{}
	case TypeBotResponse:
		payload = &BotResponse{}
	case TypeError:
		payload = &ErrorMessage{}
	case TypeStatus:
		payload = &StatusMessage{}
	default:
		return Message{Type: env.Type}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return Message{Type: env.Type}, fmt.Errorf("transport: decode %s: %w", env.Type, err)
		}
	}
	return Message{Type: env.Type, Payload: derefPayload(payload)}, nil
}

// derefPayload turns the pointer used for unmarshalling back into a value so
// consumers can type-switch on payload structs directly.
func derefPayload(p any) any {
	switch v := p.(type) {
	case *AudioData:
		return *v
	case *BotAudio:
		return *v
	case *RecordingStarted:
		return *v
	case *RecordingStopped:
		return *v
	case *BotToken:
		return *v
	case *BotResponse:
		return *v
	case *ErrorMessage:
		return *v
	case *StatusMessage:
		return *v
	default:
		return p
	}
}
