package engine

import (
	"github.com/MrWong99/parley/internal/response"
	"github.com/MrWong99/parley/pkg/types"
)

// Observer is the user-facing collaborator. Methods are called on the engine
// loop goroutine and must not block or call back into the engine
// synchronously.
type Observer interface {
	// OnStateChanged reports every voice state change.
	OnStateChanged(state types.VoiceState)

	// OnPartialText reports the accumulated reply text after each token.
	OnPartialText(text string)

	// OnFinalTurn reports a finished reply.
	OnFinalTurn(userText, botText string, meta response.Meta)

	// OnError reports a message meant for the user.
	OnError(message string)

	// OnSessionChanged reports the user-facing session state and the
	// backend-assigned id once it is known.
	OnSessionChanged(active bool, sessionID string)
}

// StatusObserver is optionally implemented by an [Observer] that wants the
// backend's informational status messages.
type StatusObserver interface {
	OnStatus(message string)
}

// ObserverFuncs adapts plain functions to [Observer] and [StatusObserver].
// Nil fields are skipped.
type ObserverFuncs struct {
	StateChanged   func(types.VoiceState)
	PartialText    func(string)
	FinalTurn      func(userText, botText string, meta response.Meta)
	Error          func(string)
	SessionChanged func(active bool, sessionID string)
	Status         func(string)
}

var (
	_ Observer       = ObserverFuncs{}
	_ StatusObserver = ObserverFuncs{}
)

func (o ObserverFuncs) OnStateChanged(s types.VoiceState) {
	if o.StateChanged != nil {
		o.StateChanged(s)
	}
}

func (o ObserverFuncs) OnPartialText(text string) {
	if o.PartialText != nil {
		o.PartialText(text)
	}
}

func (o ObserverFuncs) OnFinalTurn(userText, botText string, meta response.Meta) {
	if o.FinalTurn != nil {
		o.FinalTurn(userText, botText, meta)
	}
}

func (o ObserverFuncs) OnError(message string) {
	if o.Error != nil {
		o.Error(message)
	}
}

func (o ObserverFuncs) OnSessionChanged(active bool, sessionID string) {
	if o.SessionChanged != nil {
		o.SessionChanged(active, sessionID)
	}
}

func (o ObserverFuncs) OnStatus(message string) {
	if o.Status != nil {
		o.Status(message)
	}
}
