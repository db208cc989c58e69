// Package clock provides the time source shared by the capture pipeline and
// the one-shot clock offset estimate used to align agents with the master.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts wall-clock reads so the session machinery can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by time.Now.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Seconds converts t to Unix seconds with sub-microsecond resolution. This is
// the representation carried on the wire and in every sync file.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromSeconds is the inverse of Seconds.
func FromSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}

// Offset estimates the local-vs-reference clock offset from a single start
// signal: localNow must be read immediately on receipt of the command that
// carried masterStart.
//
// The one-way master-to-agent delay is folded into the result; nothing here
// attempts to measure or remove it.
func Offset(localNow, masterStart float64) float64 {
	return localNow - masterStart
}

// Manual is a Clock whose time only moves when Set or Advance is called.
// Safe for concurrent use.
type Manual struct {
	mu      sync.Mutex
	current time.Time
}

// NewManual returns a Manual clock positioned at initial.
func NewManual(initial time.Time) *Manual {
	return &Manual{current: initial}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

// SetSeconds moves the clock to the given Unix seconds.
func (m *Manual) SetSeconds(s float64) {
	m.Set(FromSeconds(s))
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}
