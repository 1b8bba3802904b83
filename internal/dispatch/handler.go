package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrStopped is the cause reported for messages still queued at shutdown.
var ErrStopped = errors.New("dispatcher stopped")

// State is the lifecycle state of a batch.
type State int

const (
	Pending State = iota
	Sending
	Delivered
	Offlined
	Dropped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sending:
		return "sending"
	case Delivered:
		return "delivered"
	case Offlined:
		return "offlined"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeliveryError reports a batch that was not delivered, and where it ended
// up.
type DeliveryError struct {
	Outcome State
	IDs     []string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("dispatch: %d messages %s: %v", len(e.IDs), e.Outcome, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Handler receives inbound collector messages and asynchronous delivery
// errors. It is called from the dispatch goroutine, or from Shutdown for a
// dispatcher that never ran, so implementations must not block for long.
type Handler interface {
	HandleMessage(msg json.RawMessage)
	HandleError(err error)
}

// NopHandler ignores everything.
type NopHandler struct{}

func (NopHandler) HandleMessage(json.RawMessage) {}
func (NopHandler) HandleError(error)             {}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	OnMessage func(json.RawMessage)
	OnError   func(error)
}

func (h HandlerFuncs) HandleMessage(msg json.RawMessage) {
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (h HandlerFuncs) HandleError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}
