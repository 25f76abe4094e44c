package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a virtual-time Scheduler. Nothing runs until Advance or Flush is
// called, which makes timer ordering fully deterministic.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
	posted []func()
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

func (m *Manual) After(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, due: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Flush runs posted tasks, including any they post in turn.
func (m *Manual) Flush() {
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward by d, firing every timer that comes due in
// due-time order (ties in arming order).
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.Flush()
	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].due.Equal(m.timers[j].due) {
				return m.timers[i].seq < m.timers[j].seq
			}
			return m.timers[i].due.Before(m.timers[j].due)
		})
		if len(m.timers) == 0 || m.timers[0].due.After(target) {
			m.now = target
			m.mu.Unlock()
			break
		}
		next := m.timers[0]
		m.timers = m.timers[1:]
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()

		next.fn()
		m.Flush()
	}
	m.Flush()
}

// Set advances the clock to t. Times not after Now are ignored.
func (m *Manual) Set(t time.Time) {
	now := m.Now()
	if t.After(now) {
		m.Advance(t.Sub(now))
	}
}

type manualTimer struct {
	owner *Manual
	due   time.Time
	seq   uint64
	fn    func()
}

func (t *manualTimer) Stop() bool {
	m := t.owner
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

// Call runs fn immediately along with anything it posts.
func (m *Manual) Call(_ context.Context, fn func()) error {
	fn()
	m.Flush()
	return nil
}
