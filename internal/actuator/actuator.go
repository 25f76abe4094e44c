// Package actuator drives the device's vibration motor and backlight.
package actuator

import (
	"log/slog"
	"sync"
)

// Actuator is fire-and-forget: no call reports success or failure.
type Actuator interface {
	ShortPulse()
	DoublePulse()
	LongPulse()
	Backlight()
}

// Event names an actuation.
type Event string

const (
	EventShortPulse  Event = "short_pulse"
	EventDoublePulse Event = "double_pulse"
	EventLongPulse   Event = "long_pulse"
	EventBacklight   Event = "backlight"
)

// Log writes every actuation to the default slog logger. It stands in for
// hardware on hosts without a motor.
type Log struct{}

func (Log) ShortPulse()  { logEvent(EventShortPulse) }
func (Log) DoublePulse() { logEvent(EventDoublePulse) }
func (Log) LongPulse()   { logEvent(EventLongPulse) }
func (Log) Backlight()   { logEvent(EventBacklight) }

func logEvent(e Event) {
	slog.Info("actuator", "event", string(e))
}

// Multi fans every actuation out to each of its members in order.
type Multi []Actuator

func (m Multi) ShortPulse() {
	for _, a := range m {
		a.ShortPulse()
	}
}

func (m Multi) DoublePulse() {
	for _, a := range m {
		a.DoublePulse()
	}
}

func (m Multi) LongPulse() {
	for _, a := range m {
		a.LongPulse()
	}
}

func (m Multi) Backlight() {
	for _, a := range m {
		a.Backlight()
	}
}

// Recorder remembers every actuation. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) ShortPulse()  { r.add(EventShortPulse) }
func (r *Recorder) DoublePulse() { r.add(EventDoublePulse) }
func (r *Recorder) LongPulse()   { r.add(EventLongPulse) }
func (r *Recorder) Backlight()   { r.add(EventBacklight) }

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded actuations.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many times e was recorded.
func (r *Recorder) Count(e Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
