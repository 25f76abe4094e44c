// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Timer is a pending callback. Stop is idempotent and reports whether the
// callback was prevented from running.
type Timer interface {
	Stop() bool
}

// Scheduler is the cooperative executor every engine callback runs on.
// Callbacks never run concurrently with each other.
type Scheduler interface {
	Now() time.Time
	After(d time.Duration, fn func()) Timer
	Post(fn func())
}

// minuteSpec fires at second zero of every minute.
const minuteSpec = "0 * * * * *"

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Loop is a single goroutine draining posted tasks. Timers and cron entries
// post onto it rather than running their callbacks directly.
type Loop struct {
	tasks chan func()
	cron  *cron.Cron
	done  chan struct{}
	once  sync.Once
}

// NewLoop creates a Loop whose task queue holds up to buffer pending tasks.
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 64
	}
	return &Loop{
		tasks: make(chan func(), buffer),
		cron:  cron.New(cron.WithParser(cronParser)),
		done:  make(chan struct{}),
	}
}

// Now returns the local wall-clock time.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post queues fn for execution on the loop. Posting after the loop has
// stopped drops the task.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Every registers fn under a cron expression; each firing is posted onto the loop.
func (l *Loop) Every(spec string, fn func()) error {
	_, err := l.cron.AddFunc(spec, func() {
		l.Post(fn)
	})
	return err
}

// EveryMinute registers fn to run at the top of every wall-clock minute.
func (l *Loop) EveryMinute(fn func()) error {
	return l.Every(minuteSpec, fn)
}

// Run starts the cron ticker and executes posted tasks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.cron.Start()
	defer func() {
		<-l.cron.Stop().Done()
		l.once.Do(func() { close(l.done) })
	}()

	slog.Debug("event loop started")
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-ctx.Done():
			slog.Debug("event loop stopped")
			return ctx.Err()
		}
	}
}

// Call runs fn on the loop and waits for it to return.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopTimer struct {
	timer   *time.Timer
	stopped atomic.Bool
}

func (t *loopTimer) Stop() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	t.timer.Stop()
	return true
}
