// internal/types/models.go
package types

import (
	"time"
)

// MaxValues bounds a session's value sequence: one seed entry plus one entry
// per minute, twelve hours at most.
const MaxValues = 720

// PhaseCount is the number of sleep phases tracked per session.
const PhaseCount = 4

// Phase is a classified sleep depth. The zero value is not a valid phase.
type Phase uint8

const (
	PhaseDeep Phase = iota + 1
	PhaseREM
	PhaseLight
	PhaseAwake
)

func (p Phase) String() string {
	switch p {
	case PhaseDeep:
		return "deep"
	case PhaseREM:
		return "rem"
	case PhaseLight:
		return "light"
	case PhaseAwake:
		return "awake"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four tracked phases.
func (p Phase) Valid() bool {
	return p >= PhaseDeep && p <= PhaseAwake
}

// Phases lists every phase from deepest to lightest.
var Phases = [PhaseCount]Phase{PhaseDeep, PhaseREM, PhaseLight, PhaseAwake}

// Stats holds per-phase minute counters, indexed by Phase-1.
type Stats [PhaseCount]uint16

// Minutes returns the counter for p, or 0 for an invalid phase.
func (s Stats) Minutes(p Phase) uint16 {
	if !p.Valid() {
		return 0
	}
	return s[p-1]
}

// Total returns the sum of all phase counters.
func (s Stats) Total() int {
	total := 0
	for _, n := range s {
		total += int(n)
	}
	return total
}

// Session is one sleep-tracking run.
type Session struct {
	ID       SessionID `json:"id,omitempty" yaml:"id,omitempty"`
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
	Finished bool      `json:"finished" yaml:"finished"`
	Stats    Stats     `json:"stats" yaml:"stats"`
	Values   []uint16  `json:"values" yaml:"values"`

	// Level is the most recent smoothed value. It keeps following the
	// classifier after Values reaches MaxValues.
	Level uint16 `json:"-" yaml:"-"`
}

// NewSession returns a live session seeded with a single value.
func NewSession(start time.Time, seed uint16) *Session {
	values := make([]uint16, 1, MaxValues)
	values[0] = seed
	return &Session{
		ID:     NewSessionID(),
		Start:  start,
		Values: values,
		Level:  seed,
	}
}

// Count returns how many value entries are populated.
func (s *Session) Count() int {
	return len(s.Values)
}

// Record accounts one classified minute. The phase counter always advances;
// the value is dropped once the sequence is at MaxValues. Sealed sessions are
// left untouched. Reports whether the value was stored.
func (s *Session) Record(p Phase, value uint16) bool {
	if s.Finished || !p.Valid() {
		return false
	}
	s.Stats[p-1]++
	s.Level = value
	if len(s.Values) >= MaxValues {
		return false
	}
	s.Values = append(s.Values, value)
	return true
}

// Seal marks the session finished at end. Only the first call has effect.
func (s *Session) Seal(end time.Time) bool {
	if s.Finished {
		return false
	}
	s.End = end
	s.Finished = true
	return true
}

// Duration returns the elapsed time between start and end.
func (s *Session) Duration() time.Duration {
	if s.End.Before(s.Start) {
		return 0
	}
	return s.End.Sub(s.Start)
}
