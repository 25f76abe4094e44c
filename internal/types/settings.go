package types

import (
	"fmt"
	"time"
)

type Mode uint8

const (
	ModeWorkday Mode = iota
	ModeWeekend
)

func (m Mode) String() string {
	if m == ModeWeekend {
		return "weekend"
	}
	return "workday"
}

type Status uint8

const (
	StatusInactive Status = iota
	StatusActive
)

func (s Status) String() string {
	if s == StatusActive {
		return "active"
	}
	return "inactive"
}

// Coefficient defaults and bounds, in tenths (15 == 1.5).
const (
	DefaultRiseCoef uint8 = 15
	DefaultFallCoef uint8 = 10
	MinCoef         uint8 = 1
	MaxCoef         uint8 = 50
)

// WakeWindow is the time-of-day range in which the smart alarm may fire.
// It does not cross midnight.
type WakeWindow struct {
	StartHour   uint8 `json:"start_hour" yaml:"start_hour"`
	StartMinute uint8 `json:"start_minute" yaml:"start_minute"`
	EndHour     uint8 `json:"end_hour" yaml:"end_hour"`
	EndMinute   uint8 `json:"end_minute" yaml:"end_minute"`
}

// DefaultWakeWindow is 07:00-07:30.
func DefaultWakeWindow() WakeWindow {
	return WakeWindow{StartHour: 7, StartMinute: 0, EndHour: 7, EndMinute: 30}
}

// Valid reports whether every field is a real clock value and the end does
// not precede the start. A window that fails this contains no time of day,
// so the alarm could never fire.
func (w WakeWindow) Valid() bool {
	if w.StartHour >= 24 || w.EndHour >= 24 || w.StartMinute >= 60 || w.EndMinute >= 60 {
		return false
	}
	return w.EndOfDay() >= w.StartOfDay()
}

// StartOfDay returns the window start in minutes since midnight.
func (w WakeWindow) StartOfDay() int {
	return int(w.StartHour)*60 + int(w.StartMinute)
}

// EndOfDay returns the window end in minutes since midnight.
func (w WakeWindow) EndOfDay() int {
	return int(w.EndHour)*60 + int(w.EndMinute)
}

func (w WakeWindow) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.StartHour, w.StartMinute, w.EndHour, w.EndMinute)
}

// Edge selects the start or end of a wake window.
type Edge uint8

const (
	EdgeStart Edge = iota
	EdgeEnd
)

// StepHour moves the hour of the given edge by delta, wrapping 23<->0.
func (w *WakeWindow) StepHour(e Edge, delta int) {
	h := &w.StartHour
	if e == EdgeEnd {
		h = &w.EndHour
	}
	*h = uint8(wrap(int(*h)+delta, 24))
}

// StepMinute moves the minute of the given edge by delta, wrapping 59<->0
// without carrying into the hour.
func (w *WakeWindow) StepMinute(e Edge, delta int) {
	m := &w.StartMinute
	if e == EdgeEnd {
		m = &w.EndMinute
	}
	*m = uint8(wrap(int(*m)+delta, 60))
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

// Settings is the device configuration persisted across sessions.
type Settings struct {
	Mode            Mode       `json:"mode" yaml:"mode"`
	Status          Status     `json:"status" yaml:"status"`
	Window          WakeWindow `json:"window" yaml:"window"`
	RiseCoef        uint8      `json:"rise_coef" yaml:"rise_coef"`
	FallCoef        uint8      `json:"fall_coef" yaml:"fall_coef"`
	Snooze          uint8      `json:"snooze" yaml:"snooze"`
	Profile         uint8      `json:"profile" yaml:"profile"`
	VibrateOnChange bool       `json:"vibrate_on_change" yaml:"vibrate_on_change"`
	AutoMode        bool       `json:"auto_mode" yaml:"auto_mode"`
}

func DefaultSettings() Settings {
	return Settings{
		Mode:     ModeWorkday,
		Status:   StatusInactive,
		Window:   DefaultWakeWindow(),
		RiseCoef: DefaultRiseCoef,
		FallCoef: DefaultFallCoef,
	}
}

// ValidCoef reports whether c is an accepted coefficient in tenths.
func ValidCoef(c uint8) bool {
	return c >= MinCoef && c <= MaxCoef
}

// Normalize resets out-of-range fields to their defaults and reports
// whether anything changed.
func (s *Settings) Normalize() bool {
	changed := false
	if !ValidCoef(s.RiseCoef) {
		s.RiseCoef = DefaultRiseCoef
		changed = true
	}
	if !ValidCoef(s.FallCoef) {
		s.FallCoef = DefaultFallCoef
		changed = true
	}
	if !s.Window.Valid() {
		s.Window = DefaultWakeWindow()
		changed = true
	}
	if s.Mode > ModeWeekend {
		s.Mode = ModeWorkday
		changed = true
	}
	if s.Status > StatusActive {
		s.Status = StatusInactive
		changed = true
	}
	return changed
}

// ModeAt derives the operating mode from the local weekday: weekend runs
// from Friday 13:00 through Sunday 12:59.
func ModeAt(t time.Time) Mode {
	switch t.Weekday() {
	case time.Friday:
		if t.Hour() >= 13 {
			return ModeWeekend
		}
	case time.Saturday:
		return ModeWeekend
	case time.Sunday:
		if t.Hour() <= 12 {
			return ModeWeekend
		}
	}
	return ModeWorkday
}

// ParseClock parses "HH:MM" into an hour and minute.
func ParseClock(s string) (hour, minute uint8, err error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("parse time %q: want HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("parse time %q: out of range", s)
	}
	return uint8(h), uint8(m), nil
}

// ParseWakeWindow builds a window from two "HH:MM" strings. The end must not
// precede the start.
func ParseWakeWindow(start, end string) (WakeWindow, error) {
	sh, sm, err := ParseClock(start)
	if err != nil {
		return WakeWindow{}, err
	}
	eh, em, err := ParseClock(end)
	if err != nil {
		return WakeWindow{}, err
	}
	w := WakeWindow{StartHour: sh, StartMinute: sm, EndHour: eh, EndMinute: em}
	if w.EndOfDay() < w.StartOfDay() {
		return WakeWindow{}, fmt.Errorf("wake window %s crosses midnight", w)
	}
	return w, nil
}
