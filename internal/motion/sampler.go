// Package motion polls a 3-axis motion source and keeps the per-minute peak
// of the averaged axis deltas.
package motion

import (
	"log/slog"
	"time"

	"github.com/user/sleeptrack/internal/scheduler"
)

// DefaultInterval is the polling cadence.
const DefaultInterval = 300 * time.Millisecond

// Sample is one raw reading. DidVibrate flags readings disturbed by the
// device's own actuators.
type Sample struct {
	X          int16 `json:"x"`
	Y          int16 `json:"y"`
	Z          int16 `json:"z"`
	DidVibrate bool  `json:"did_vibrate"`
}

// Source is the pull-based motion collaborator.
type Source interface {
	Peek() (Sample, error)
}

// Tracker holds the peak delta observed since the last Take.
type Tracker struct {
	// NoiseFloor zeroes per-axis deltas below it.
	NoiseFloor int

	last   [3]int16
	primed bool
	peak   uint16
}

// Observe folds one sample into the running peak. The first sample after a
// reset only primes the previous vector.
func (t *Tracker) Observe(s Sample) {
	if s.DidVibrate {
		t.raise(0)
		return
	}
	cur := [3]int16{s.X, s.Y, s.Z}
	if !t.primed {
		t.last = cur
		t.primed = true
		t.raise(0)
		return
	}

	sum := 0
	for i := range cur {
		d := abs(int(cur[i]) - int(t.last[i]))
		if d < t.NoiseFloor {
			d = 0
		}
		sum += d
	}
	t.last = cur

	avg := sum / 3
	if avg > 0xFFFF {
		avg = 0xFFFF
	}
	t.raise(uint16(avg))
}

func (t *Tracker) raise(v uint16) {
	if v > t.peak {
		t.peak = v
	}
}

// Peak returns the current peak without clearing it.
func (t *Tracker) Peak() uint16 {
	return t.peak
}

// Take returns the peak and clears it for the next minute.
func (t *Tracker) Take() uint16 {
	p := t.peak
	t.peak = 0
	return p
}

// Reset clears the peak and forgets the previous vector.
func (t *Tracker) Reset() {
	t.peak = 0
	t.primed = false
	t.last = [3]int16{}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Sampler re-arms itself on the scheduler every interval while running.
type Sampler struct {
	src      Source
	sched    scheduler.Scheduler
	tracker  *Tracker
	interval time.Duration
	timer    scheduler.Timer
}

// NewSampler creates a stopped Sampler feeding tracker.
func NewSampler(src Source, sched scheduler.Scheduler, tracker *Tracker, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		src:      src,
		sched:    sched,
		tracker:  tracker,
		interval: interval,
	}
}

// Start resets the tracker and arms the first poll. Starting a running
// sampler restarts it.
func (s *Sampler) Start() {
	s.Stop()
	s.tracker.Reset()
	s.timer = s.sched.After(s.interval, s.tick)
}

// Stop cancels the pending poll. Stopping a stopped sampler is a no-op.
func (s *Sampler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Running reports whether a poll is armed.
func (s *Sampler) Running() bool {
	return s.timer != nil
}

func (s *Sampler) tick() {
	if s.timer == nil {
		return
	}
	sample, err := s.src.Peek()
	if err != nil {
		slog.Debug("motion peek failed", "error", err)
	} else {
		s.tracker.Observe(sample)
	}
	s.timer = s.sched.After(s.interval, s.tick)
}
