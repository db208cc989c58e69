package session

import (
	"time"

	"github.com/e7canasta/orion-sync/internal/control"
)

// EventKind enumerates the externally produced events.
type EventKind int

const (
	EventPrepare EventKind = iota
	EventStart
	EventStop
	// EventDecodeError reports a malformed command. It never changes state.
	EventDecodeError
)

func (k EventKind) String() string {
	switch k {
	case EventPrepare:
		return "PREPARE"
	case EventStart:
		return "START"
	case EventStop:
		return "STOP"
	case EventDecodeError:
		return "DECODE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is one input to the state machine. The command listener, the master
// console and the coordinator all produce them.
type Event struct {
	Kind EventKind
	// MasterTimestamp is the reference instant for START and STOP. For STOP
	// it is only meaningful when HasTimestamp is set.
	MasterTimestamp float64
	HasTimestamp    bool
	// ReceivedAt is when the event reached the process. Zero means "when
	// processed".
	ReceivedAt time.Time
	// CommandSentAt is set by the master: the instant it sent START to the
	// agents.
	CommandSentAt float64
	Source        string
	Err           error
}

// Prepare builds a local PREPARE event.
func Prepare(source string) Event {
	return Event{Kind: EventPrepare, Source: source}
}

// Start builds a local START event.
func Start(source string, masterTimestamp float64) Event {
	return Event{Kind: EventStart, MasterTimestamp: masterTimestamp, HasTimestamp: true, Source: source}
}

// Stop builds a local STOP event carrying a master timestamp.
func Stop(source string, masterTimestamp float64) Event {
	return Event{Kind: EventStop, MasterTimestamp: masterTimestamp, HasTimestamp: true, Source: source}
}

// FromReceived converts a datagram from the command listener.
func FromReceived(r control.Received) Event {
	ev := Event{ReceivedAt: r.At}
	if r.From != nil {
		ev.Source = r.From.String()
	}
	if r.Err != nil {
		ev.Kind = EventDecodeError
		ev.Err = r.Err
		return ev
	}
	switch r.Command.Verb {
	case control.VerbPrepare:
		ev.Kind = EventPrepare
	case control.VerbStart:
		ev.Kind = EventStart
	case control.VerbStop:
		ev.Kind = EventStop
	default:
		ev.Kind = EventDecodeError
		ev.Err = &control.DecodeError{Payload: r.Command.String(), Reason: "unknown verb"}
		return ev
	}
	ev.MasterTimestamp = r.Command.Timestamp
	ev.HasTimestamp = r.Command.HasTimestamp
	return ev
}
