package engine

import (
	"fmt"
	"time"
)

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	EventError
	EventDebug
)

var kindNames = map[EventKind]string{
	EventConnected:    "connected",
	EventDisconnected: "disconnected",
	EventMessage:      "message",
	EventError:        "error",
	EventDebug:        "debug",
}

func (k EventKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name so JSON consumers see "message"
// rather than an integer.
func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Reasons attached to Disconnected events that hosts commonly match on.
const (
	ReasonStopped = "stopped"
	ReasonTimeout = "timeout"
)

// Event is one lifecycle or message notification delivered to the host.
// Only the fields relevant to Kind are set. Events are never mutated after
// they are queued.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// Disconnected
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`

	// Message
	Command string `json:"command,omitempty"`
	Payload string `json:"payload,omitempty"`

	// Error and Debug
	Message string `json:"message,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventDisconnected:
		return "disconnected: " + e.Reason
	case EventMessage:
		return "message " + e.Command + ": " + e.Payload
	case EventError, EventDebug:
		return e.Kind.String() + ": " + e.Message
	default:
		return e.Kind.String()
	}
}

func connectedEvent() Event { return Event{Kind: EventConnected, At: time.Now()} }

func disconnectedEvent(reason string, err error) Event {
	return Event{Kind: EventDisconnected, At: time.Now(), Reason: reason, Err: err}
}

func messageEvent(cmd, payload string) Event {
	return Event{Kind: EventMessage, At: time.Now(), Command: cmd, Payload: payload}
}

func errorEvent(msg string) Event { return Event{Kind: EventError, At: time.Now(), Message: msg} }

func debugEvent(msg string) Event { return Event{Kind: EventDebug, At: time.Now(), Message: msg} }
