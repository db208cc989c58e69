// Package control implements the plain-text lifecycle command channel between
// the master and its agents: one command per UDP datagram, no acknowledgment,
// no retry.
package control

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultPort is the agents' command port.
const DefaultPort = 5000

// ErrDecode is wrapped by every DecodeError.
var ErrDecode = errors.New("control: malformed command")

// Verb is a lifecycle command verb.
type Verb string

const (
	VerbPrepare Verb = "PREPARE"
	VerbStart   Verb = "START"
	VerbStop    Verb = "STOP"
)

// Command is a decoded lifecycle command.
type Command struct {
	Verb Verb
	// Timestamp is the master reference instant in Unix seconds. Only
	// meaningful when HasTimestamp is set.
	Timestamp    float64
	HasTimestamp bool
}

// Prepare builds a PREPARE command.
func Prepare() Command { return Command{Verb: VerbPrepare} }

// Start builds a START command carrying the master start instant.
func Start(ts float64) Command { return Command{Verb: VerbStart, Timestamp: ts, HasTimestamp: true} }

// Stop builds a STOP command carrying the master stop instant.
func Stop(ts float64) Command { return Command{Verb: VerbStop, Timestamp: ts, HasTimestamp: true} }

// StopBare builds a STOP command without a timestamp.
func StopBare() Command { return Command{Verb: VerbStop} }

// String renders the wire form.
func (c Command) String() string {
	if !c.HasTimestamp {
		return string(c.Verb)
	}
	return string(c.Verb) + "," + strconv.FormatFloat(c.Timestamp, 'f', 6, 64)
}

// Encode renders the datagram payload.
func (c Command) Encode() []byte {
	return []byte(c.String())
}

// DecodeError describes a datagram that could not be decoded.
type DecodeError struct {
	Payload string
	Reason  string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("control: malformed command %q: %s", e.Payload, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return ErrDecode
}

// Decode parses one datagram payload. Surrounding whitespace is ignored.
func Decode(payload []byte) (Command, error) {
	if !utf8.Valid(payload) {
		return Command{}, &DecodeError{Payload: fmt.Sprintf("%x", payload), Reason: "not utf-8"}
	}
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Command{}, &DecodeError{Payload: text, Reason: "empty datagram"}
	}

	parts := strings.Split(text, ",")
	verb := Verb(strings.TrimSpace(parts[0]))
	args := parts[1:]

	fail := func(reason string) (Command, error) {
		return Command{}, &DecodeError{Payload: text, Reason: reason}
	}

	switch verb {
	case VerbPrepare:
		if len(args) != 0 {
			return fail("PREPARE takes no argument")
		}
		return Prepare(), nil

	case VerbStart:
		if len(args) != 1 {
			return fail("START requires exactly one timestamp")
		}
		ts, err := parseTimestamp(args[0])
		if err != nil {
			return fail(err.Error())
		}
		return Start(ts), nil

	case VerbStop:
		switch len(args) {
		case 0:
			return StopBare(), nil
		case 1:
			ts, err := parseTimestamp(args[0])
			if err != nil {
				return fail(err.Error())
			}
			return Stop(ts), nil
		default:
			return fail("STOP takes at most one timestamp")
		}

	default:
		return fail(fmt.Sprintf("unknown verb %q", verb))
	}
}

func parseTimestamp(s string) (float64, error) {
	ts, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return 0, fmt.Errorf("non-finite timestamp %q", s)
	}
	return ts, nil
}
