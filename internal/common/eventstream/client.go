package eventstream

import (
	"time"

	"github.com/pilotproject/pilot/internal/pilot"
)

// Channel names used by the unit pipeline. State transitions and cancellation
// requests travel on separate channels so that stages can drain control
// messages independently of their input backlog.
const (
	StateChannel   = "pilot.state"
	ControlChannel = "pilot.control"
)

// StateTransition is published for every unit state change, before the unit
// is handed to the next stage's input queue.
type StateTransition struct {
	UnitId    string      `json:"unitId"`
	From      pilot.State `json:"from"`
	To        pilot.State `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CancelRequested asks whichever stage currently holds the named units to
// stop them. It is broadcast because the requester does not know where each
// unit currently is.
type CancelRequested struct {
	UnitIds []string `json:"unitIds"`
}

// EventMessage is the single message schema carried by the stream. Exactly
// one field is set.
type EventMessage struct {
	StateTransition *StateTransition `json:"stateTransition,omitempty"`
	CancelRequested *CancelRequested `json:"cancelRequested,omitempty"`
}

// EventStream is the pub/sub bus used for state-change notifications and the
// cancellation broadcast. Delivery is at-least-once; ordering within one
// channel is FIFO per subscriber. Every subscriber on a channel receives
// every message.
type EventStream interface {
	Publish(channel string, events []*EventMessage) []error
	Subscribe(channel string, callback func(event *EventMessage) error) error
	Close() error
}
