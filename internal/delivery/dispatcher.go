package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/sleeptrack/internal/types"
)

// Notification is one message waiting for delivery.
type Notification struct {
	To        types.Recipient
	Text      string
	CreatedAt time.Time
}

// Dispatcher delivers notifications off the caller's goroutine. Each
// recipient gets its own FIFO lane so its messages arrive in order, while
// the semaphore limits how many deliveries run at once across recipients.
type Dispatcher struct {
	registry  *Registry
	retry     *RetryPolicy
	lanes     map[types.Recipient]chan Notification
	semaphore *semaphore.Weighted
	pending   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDispatcher creates a Dispatcher that runs up to maxConcurrent
// deliveries at once. A nil policy uses DefaultRetryPolicy.
func NewDispatcher(registry *Registry, policy *RetryPolicy, maxConcurrent int64) *Dispatcher {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Dispatcher{
		registry:  registry,
		retry:     policy,
		lanes:     make(map[types.Recipient]chan Notification),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the dispatcher's context. Must be called before Notify.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
}

// Stop cancels the dispatcher context, closes all lanes, and waits for
// in-flight deliveries to finish.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Lock()
	for to, lane := range d.lanes {
		close(lane)
		delete(d.lanes, to)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify queues text for to, creating the recipient's lane on first use.
// Returns an error if the lane's buffer is full.
func (d *Dispatcher) Notify(to types.Recipient, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return fmt.Errorf("dispatcher not started")
	}

	lane, exists := d.lanes[to]
	if !exists {
		lane = make(chan Notification, 32)
		d.lanes[to] = lane
		d.wg.Add(1)
		go d.processLane(lane)
	}

	d.pending.Add(1)
	select {
	case lane <- Notification{To: to, Text: text, CreatedAt: time.Now()}:
		return nil
	default:
		d.pending.Add(-1)
		return fmt.Errorf("delivery queue full for %s", to)
	}
}

func (d *Dispatcher) processLane(lane chan Notification) {
	defer d.wg.Done()
	for {
		select {
		case n, ok := <-lane:
			if !ok {
				return
			}
			if err := d.semaphore.Acquire(d.ctx, 1); err != nil {
				return
			}
			err := d.retry.Execute(d.ctx, func() error {
				return d.registry.Deliver(n.To, n.Text)
			})
			if err != nil {
				d.failed.Add(1)
				slog.Error("delivery failed", "recipient", n.To, "error", err)
			} else {
				d.delivered.Add(1)
				slog.Debug("delivered", "recipient", n.To, "latency", time.Since(n.CreatedAt))
			}
			d.semaphore.Release(1)
			d.pending.Add(-1)
		case <-d.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until no deliveries are queued or running, or the timeout
// expires. Returns true if idle, false if timed out.
func (d *Dispatcher) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if d.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stats returns the number of delivered and failed notifications.
func (d *Dispatcher) Stats() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}
