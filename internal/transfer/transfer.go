// Package transfer streams the latest stored session to the companion over
// a size-bounded channel: a header message, then the values in windows sized
// to the channel's outbox. A failed window is resent, never skipped.
package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/types"
)

// Header keys. Value i is sent under key HeaderLen+i.
const (
	KeyStart  uint32 = 0
	KeyEnd    uint32 = 1
	KeyCount  uint32 = 2
	HeaderLen        = 3
)

const (
	DefaultDebounce  = 3 * time.Second
	DefaultStep      = 100 * time.Millisecond
	DefaultMaxValues = 40
)

// headerChunk is the cursor position of the header message.
const headerChunk = -1

// MinOutboxSize is the smallest outbox that still carries the header message.
var MinOutboxSize = companion.DictSize(HeaderLen, companion.TupleWidth)

// Options tunes a Transfer. Zero fields take defaults.
type Options struct {
	Debounce  time.Duration
	Step      time.Duration
	MaxValues int
	// OnComplete, if set, runs on the scheduler when a transfer finishes.
	OnComplete func(Result)
}

// Result summarizes a finished transfer.
type Result struct {
	ID        types.TransferID `json:"id"`
	Values    int              `json:"values"`
	ChunkSize int              `json:"chunk_size"`
	Windows   int              `json:"windows"`
	Resends   int              `json:"resends"`
}

// ChunkSize derives how many value tuples fit one message: the outbox divided
// by the per-tuple size, less one for margin, clamped to [1, max]. Invalid
// inputs fall back to max.
func ChunkSize(outbox, perTuple, max int) int {
	if max <= 0 {
		max = DefaultMaxValues
	}
	if outbox <= 0 || perTuple <= 0 {
		return max
	}
	n := outbox/perTuple - 1
	if n <= 0 || n > max {
		return max
	}
	return n
}

// Transfer owns the state of at most one export at a time. All methods must
// be called from the scheduler's goroutine.
type Transfer struct {
	ch       companion.Channel
	sessions types.SessionReader
	sched    scheduler.Scheduler
	opts     Options

	pending bool
	active  bool
	timer   scheduler.Timer

	result Result
	buf    []companion.Tuple
	size   int
	chunk  int
}

// New creates an idle Transfer.
func New(ch companion.Channel, sessions types.SessionReader, sched scheduler.Scheduler, opts Options) *Transfer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}
	if opts.MaxValues <= 0 {
		opts.MaxValues = DefaultMaxValues
	}
	return &Transfer{ch: ch, sessions: sessions, sched: sched, opts: opts}
}

// Busy reports whether a transfer is pending or in progress.
func (t *Transfer) Busy() bool {
	return t.pending || t.active
}

// Request schedules an export after the debounce delay. It returns
// ErrTransferInFlight, and changes nothing, while one is pending or active.
func (t *Transfer) Request() error {
	if t.Busy() {
		return types.ErrTransferInFlight
	}
	t.pending = true
	t.timer = t.sched.After(t.opts.Debounce, t.begin)
	return nil
}

// Cancel abandons any pending or running transfer.
func (t *Transfer) Cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.active {
		slog.Info("sync cancelled", "transfer_id", t.result.ID, "chunk", t.chunk)
	}
	t.reset()
}

func (t *Transfer) reset() {
	t.pending = false
	t.active = false
	t.buf = nil
	t.chunk = 0
	t.size = 0
}

func (t *Transfer) begin() {
	t.timer = nil
	t.pending = false

	session, ok, err := t.sessions.Latest(context.Background())
	if err != nil {
		slog.Error("sync aborted, reading latest session failed", "error", err)
		return
	}
	if !ok {
		slog.Info("sync skipped, no stored session")
		return
	}

	if outbox := t.ch.OutboxSize(); outbox > 0 && t.ch.EstimateSize(HeaderLen, companion.TupleWidth) > outbox {
		// Resending cannot help; the header alone overflows the outbox.
		slog.Error("sync aborted, outbox too small for the header",
			"outbox", outbox, "need", t.ch.EstimateSize(HeaderLen, companion.TupleWidth))
		return
	}

	t.buf = Flatten(session)
	perTuple := t.ch.EstimateSize(1, companion.TupleWidth) - t.ch.EstimateSize(0, companion.TupleWidth)
	t.size = ChunkSize(t.ch.OutboxSize(), perTuple, t.opts.MaxValues)
	t.chunk = headerChunk
	t.active = true
	t.result = Result{
		ID:        types.NewTransferID(),
		Values:    len(t.buf) - HeaderLen,
		ChunkSize: t.size,
	}
	slog.Info("sync started",
		"transfer_id", t.result.ID, "values", t.result.Values,
		"chunk_size", t.size, "outbox", t.ch.OutboxSize())
	t.schedule()
}

func (t *Transfer) schedule() {
	t.timer = t.sched.After(t.opts.Step, t.step)
}

// step sends the window at the cursor, or completes the transfer.
func (t *Transfer) step() {
	t.timer = nil
	if !t.active {
		return
	}
	msg, done := t.window()
	if done {
		res := t.result
		t.reset()
		slog.Info("sync complete", "transfer_id", res.ID, "windows", res.Windows, "resends", res.Resends)
		if t.opts.OnComplete != nil {
			t.opts.OnComplete(res)
		}
		return
	}
	if err := t.ch.Send(msg); err != nil {
		// Nothing left the device; treat as a failed send of this window.
		t.Failed(err)
		return
	}
	t.result.Windows++
	slog.Debug("sync window sent", "transfer_id", t.result.ID, "chunk", t.chunk, "tuples", len(msg))
}

// window returns the message at the cursor, or done once every value tuple
// has been sent.
func (t *Transfer) window() (companion.Message, bool) {
	if t.chunk == headerChunk {
		return companion.Message(t.buf[:HeaderLen]), false
	}
	from := HeaderLen + t.chunk*t.size
	if from >= len(t.buf) {
		return nil, true
	}
	to := min(from+t.size, len(t.buf))
	return companion.Message(t.buf[from:to]), false
}

// Sent acknowledges the window at the cursor and schedules the next one.
func (t *Transfer) Sent() {
	if !t.active {
		return
	}
	t.chunk++
	t.schedule()
}

// Failed keeps the cursor and schedules a resend of the same window.
func (t *Transfer) Failed(err error) {
	if !t.active {
		return
	}
	t.result.Resends++
	slog.Warn("sync window failed, resending", "transfer_id", t.result.ID, "chunk", t.chunk, "error", err)
	t.schedule()
}

// Flatten lays a session out as the header tuples followed by one tuple per
// value.
func Flatten(s types.Session) []companion.Tuple {
	buf := make([]companion.Tuple, 0, HeaderLen+len(s.Values))
	buf = append(buf,
		companion.Tuple{Key: KeyStart, Value: s.Start.Unix()},
		companion.Tuple{Key: KeyEnd, Value: s.End.Unix()},
		companion.Tuple{Key: KeyCount, Value: int64(len(s.Values))},
	)
	for i, v := range s.Values {
		buf = append(buf, companion.Tuple{Key: uint32(HeaderLen + i), Value: int64(v)})
	}
	return buf
}
