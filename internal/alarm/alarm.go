// Package alarm is the smart wake alarm: it fires inside the wake window as
// soon as sleep turns light, or near the window's end regardless of phase,
// then pulses the vibration motor until acknowledged or the pulse cap.
package alarm

import (
	"log/slog"
	"time"

	"github.com/user/sleeptrack/internal/actuator"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/types"
)

const (
	DefaultPulseInterval  = 5 * time.Second
	DefaultMaxPulses      = 10
	DefaultBacklightEvery = 3
	// ForcedWakeMargin is how long before the window closes the alarm fires
	// whatever the phase.
	ForcedWakeMargin = 2
)

type State uint8

const (
	StateIdle State = iota
	StateFiring
)

func (s State) String() string {
	if s == StateFiring {
		return "firing"
	}
	return "idle"
}

// Reason says why the alarm fired.
type Reason string

const (
	ReasonLightSleep Reason = "light_sleep"
	ReasonForced     Reason = "forced"
)

// InWindow reports whether now's time of day lies in w, both ends included.
// A window whose end precedes its start contains nothing.
func InWindow(w types.WakeWindow, now time.Time) bool {
	cur := now.Hour()*60 + now.Minute()
	return cur >= w.StartOfDay() && cur <= w.EndOfDay()
}

// ForcedMark returns the minute of day from which the alarm fires regardless
// of phase: the window end less the margin, borrowing from the hour, and
// never before the window start or midnight.
func ForcedMark(w types.WakeWindow) int {
	mark := w.EndOfDay() - ForcedWakeMargin
	if mark < w.StartOfDay() {
		mark = w.StartOfDay()
	}
	if mark < 0 {
		mark = 0
	}
	return mark
}

// Decide reports whether the alarm should fire at now given the current
// phase.
func Decide(w types.WakeWindow, phase types.Phase, now time.Time) (Reason, bool) {
	if !InWindow(w, now) {
		return "", false
	}
	if phase == types.PhaseLight {
		return ReasonLightSleep, true
	}
	if now.Hour()*60+now.Minute() >= ForcedMark(w) {
		return ReasonForced, true
	}
	return "", false
}

// Options tunes an Alarm. Zero fields take defaults.
type Options struct {
	PulseInterval  time.Duration
	MaxPulses      int
	BacklightEvery int

	// OnFire runs when the alarm starts firing.
	OnFire func(Reason)
	// OnFinish runs when firing ends, by acknowledgment or at the pulse cap.
	OnFinish func(acknowledged bool)
}

// Alarm is the Idle/Firing state machine. All methods must be called from
// the scheduler's goroutine.
type Alarm struct {
	sched scheduler.Scheduler
	act   actuator.Actuator
	opts  Options

	state  State
	pulses int
	timer  scheduler.Timer
}

func New(sched scheduler.Scheduler, act actuator.Actuator, opts Options) *Alarm {
	if opts.PulseInterval <= 0 {
		opts.PulseInterval = DefaultPulseInterval
	}
	if opts.MaxPulses <= 0 {
		opts.MaxPulses = DefaultMaxPulses
	}
	if opts.BacklightEvery <= 0 {
		opts.BacklightEvery = DefaultBacklightEvery
	}
	return &Alarm{sched: sched, act: act, opts: opts}
}

func (a *Alarm) State() State {
	return a.state
}

// Pulses returns how many pulses the current or last firing produced.
func (a *Alarm) Pulses() int {
	return a.pulses
}

// Check fires the alarm if it is idle and Decide says so. It reports
// whether the alarm started firing.
func (a *Alarm) Check(w types.WakeWindow, phase types.Phase, now time.Time) bool {
	if a.state != StateIdle {
		return false
	}
	reason, ok := Decide(w, phase, now)
	if !ok {
		return false
	}
	a.Fire(reason)
	return true
}

// Fire starts the pulse loop unconditionally. Firing an already firing
// alarm is a no-op.
func (a *Alarm) Fire(reason Reason) {
	if a.state == StateFiring {
		return
	}
	slog.Info("alarm firing", "reason", reason)
	a.state = StateFiring
	a.pulses = 0
	if a.opts.OnFire != nil {
		a.opts.OnFire(reason)
	}
	a.pulse()
}

func (a *Alarm) pulse() {
	if a.state != StateFiring {
		return
	}
	if a.pulses >= a.opts.MaxPulses {
		a.timer = nil
		a.state = StateIdle
		slog.Info("alarm gave up after pulse cap", "pulses", a.pulses)
		if a.opts.OnFinish != nil {
			a.opts.OnFinish(false)
		}
		return
	}
	a.act.LongPulse()
	a.timer = a.sched.After(a.opts.PulseInterval, a.pulse)
	a.pulses++
	if a.pulses%a.opts.BacklightEvery == 0 {
		a.act.Backlight()
	}
}

// Acknowledge stops a firing alarm. It reports false, and does nothing,
// when the alarm is idle.
func (a *Alarm) Acknowledge() bool {
	if a.state != StateFiring {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.state = StateIdle
	slog.Info("alarm acknowledged", "pulses", a.pulses)
	if a.opts.OnFinish != nil {
		a.opts.OnFinish(true)
	}
	return true
}
