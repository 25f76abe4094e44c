package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/types"
)

// fakeChannel acknowledges every send on the scheduler, except the sends
// whose ordinal appears in fail.
type fakeChannel struct {
	sched  scheduler.Scheduler
	t      *Transfer
	outbox int
	fail   map[int]bool
	busy   map[int]bool
	sends  int
	sent   []companion.Message
}

func (f *fakeChannel) OutboxSize() int { return f.outbox }

func (f *fakeChannel) EstimateSize(count, width int) int {
	return companion.DictSize(count, width)
}

func (f *fakeChannel) Send(msg companion.Message) error {
	f.sends++
	n := f.sends
	if f.busy[n] {
		return types.ErrBusy
	}
	f.sent = append(f.sent, append(companion.Message(nil), msg...))
	f.sched.Post(func() {
		if f.fail[n] {
			f.t.Failed(errors.New("send failed"))
			return
		}
		f.t.Sent()
	})
	return nil
}

func storeSession(t *testing.T, values int) *state.SessionStore {
	t.Helper()
	store := state.NewSessionStore(state.NewMemoryKV(0), state.SlotOptions{})
	s := types.NewSession(time.Unix(1_760_000_000, 0), 1000)
	for i := 1; i < values; i++ {
		s.Record(types.PhaseLight, uint16(i))
	}
	s.Seal(time.Unix(1_760_030_000, 0))
	if _, err := store.Store(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return store
}

func setup(t *testing.T, values, outbox int, maxValues int) (*fakeChannel, *Transfer, *scheduler.Manual, *[]Result) {
	t.Helper()
	sched := scheduler.NewManual(time.Unix(1_760_040_000, 0))
	ch := &fakeChannel{sched: sched, outbox: outbox, fail: map[int]bool{}, busy: map[int]bool{}}
	var results []Result
	tr := New(ch, storeSession(t, values), sched, Options{
		MaxValues:  maxValues,
		OnComplete: func(r Result) { results = append(results, r) },
	})
	ch.t = tr
	return ch, tr, sched, &results
}

// deliveredValues reassembles the value tuples from every distinct window.
func deliveredValues(msgs []companion.Message) map[uint32]int64 {
	out := make(map[uint32]int64)
	for _, m := range msgs[1:] {
		for _, tp := range m {
			out[tp.Key] = tp.Value
		}
	}
	return out
}

func TestChunkSize(t *testing.T) {
	tests := []struct {
		outbox, perTuple, max, want int
	}{
		{656, 11, 40, 40},
		{200, 11, 40, 17},
		{22, 11, 40, 1},
		{11, 11, 40, 40},
		{0, 11, 40, 40},
		{656, 0, 40, 40},
		{656, 11, 0, DefaultMaxValues},
	}
	for _, tt := range tests {
		if got := ChunkSize(tt.outbox, tt.perTuple, tt.max); got != tt.want {
			t.Errorf("ChunkSize(%d, %d, %d) = %d, want %d", tt.outbox, tt.perTuple, tt.max, got, tt.want)
		}
	}
}

func TestFlatten(t *testing.T) {
	s := types.Session{
		Start:  time.Unix(100, 0),
		End:    time.Unix(200, 0),
		Values: []uint16{1000, 900, 50},
	}
	buf := Flatten(s)
	if len(buf) != HeaderLen+3 {
		t.Fatalf("expected %d tuples, got %d", HeaderLen+3, len(buf))
	}
	if buf[0].Value != 100 || buf[1].Value != 200 || buf[2].Value != 3 {
		t.Errorf("unexpected header %v", buf[:HeaderLen])
	}
	if buf[5].Key != 5 || buf[5].Value != 50 {
		t.Errorf("unexpected last value tuple %+v", buf[5])
	}
}

func TestTransferAllSuccess(t *testing.T) {
	ch, tr, sched, results := setup(t, 100, 656, 40)

	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(DefaultDebounce + time.Minute)

	// ceil(100/40) value windows plus the header.
	if len(ch.sent) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(ch.sent))
	}
	header := ch.sent[0]
	if v, _ := header.Find(KeyCount); v != 100 {
		t.Errorf("header count: expected 100, got %d", v)
	}
	sizes := []int{len(ch.sent[1]), len(ch.sent[2]), len(ch.sent[3])}
	if sizes[0] != 40 || sizes[1] != 40 || sizes[2] != 20 {
		t.Errorf("unexpected window sizes %v", sizes)
	}
	if got := deliveredValues(ch.sent); len(got) != 100 {
		t.Errorf("expected 100 delivered values, got %d", len(got))
	}
	if ch.sent[1][0].Key != HeaderLen {
		t.Errorf("first value tuple should use key %d, got %d", HeaderLen, ch.sent[1][0].Key)
	}

	if tr.Busy() {
		t.Error("transfer should be idle after completion")
	}
	if len(*results) != 1 || (*results)[0].Windows != 4 || (*results)[0].Resends != 0 {
		t.Errorf("unexpected results %+v", *results)
	}
}

func TestTransferWindowCount(t *testing.T) {
	for _, n := range []int{1, 39, 40, 41, 720} {
		ch, tr, sched, _ := setup(t, n, 656, 40)
		if err := tr.Request(); err != nil {
			t.Fatal(err)
		}
		sched.Advance(DefaultDebounce + time.Hour)

		want := 1 + (n+39)/40
		if len(ch.sent) != want {
			t.Errorf("%d values: expected %d messages, got %d", n, want, len(ch.sent))
		}
	}
}

func TestTransferResendsFailedWindow(t *testing.T) {
	ch, tr, sched, results := setup(t, 100, 656, 40)
	// Second send is the first value window.
	ch.fail[2] = true

	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(DefaultDebounce + time.Minute)

	if len(ch.sent) != 5 {
		t.Fatalf("expected 5 messages with one resend, got %d", len(ch.sent))
	}
	first, resent := ch.sent[1], ch.sent[2]
	if len(first) != len(resent) {
		t.Fatalf("resent window differs in size: %d vs %d", len(first), len(resent))
	}
	for i := range first {
		if first[i] != resent[i] {
			t.Fatalf("resent window differs at %d: %+v vs %+v", i, first[i], resent[i])
		}
	}
	if got := deliveredValues(ch.sent); len(got) != 100 {
		t.Errorf("expected 100 delivered values, got %d", len(got))
	}
	if (*results)[0].Resends != 1 {
		t.Errorf("expected one resend, got %d", (*results)[0].Resends)
	}
}

func TestTransferRetriesBusyChannel(t *testing.T) {
	ch, tr, sched, results := setup(t, 10, 656, 40)
	ch.busy[1] = true

	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(DefaultDebounce + time.Minute)

	if len(ch.sent) != 2 {
		t.Fatalf("expected header and one window, got %d", len(ch.sent))
	}
	if len(*results) != 1 || (*results)[0].Resends != 1 {
		t.Errorf("unexpected results %+v", *results)
	}
}

func TestTransferIgnoresRequestWhileBusy(t *testing.T) {
	ch, tr, sched, results := setup(t, 50, 656, 40)

	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	if err := tr.Request(); !errors.Is(err, types.ErrTransferInFlight) {
		t.Errorf("expected ErrTransferInFlight while pending, got %v", err)
	}

	sched.Advance(DefaultDebounce + DefaultStep/2)
	if !tr.Busy() {
		t.Fatal("expected transfer in progress")
	}
	if err := tr.Request(); !errors.Is(err, types.ErrTransferInFlight) {
		t.Errorf("expected ErrTransferInFlight while active, got %v", err)
	}

	sched.Advance(time.Minute)
	if len(*results) != 1 {
		t.Fatalf("expected exactly one transfer, got %d", len(*results))
	}
	if len(ch.sent) != 3 {
		t.Errorf("expected 3 messages, got %d", len(ch.sent))
	}
}

func TestTransferDebounce(t *testing.T) {
	ch, tr, sched, _ := setup(t, 5, 656, 40)
	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(DefaultDebounce - time.Millisecond)
	if len(ch.sent) != 0 {
		t.Fatalf("nothing should be sent before the debounce elapses, got %d", len(ch.sent))
	}
	sched.Advance(time.Second)
	if len(ch.sent) == 0 {
		t.Error("expected sending to begin after the debounce")
	}
}

func TestTransferNoStoredSession(t *testing.T) {
	sched := scheduler.NewManual(time.Unix(0, 0))
	ch := &fakeChannel{sched: sched, outbox: 656}
	tr := New(ch, state.NewSessionStore(state.NewMemoryKV(0), state.SlotOptions{}), sched, Options{})
	ch.t = tr

	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(time.Minute)
	if len(ch.sent) != 0 {
		t.Errorf("expected no messages, got %d", len(ch.sent))
	}
	if tr.Busy() {
		t.Error("transfer should be idle")
	}
}

func TestTransferCancel(t *testing.T) {
	ch, tr, sched, results := setup(t, 100, 656, 40)
	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(DefaultDebounce + DefaultStep)
	tr.Cancel()
	sent := len(ch.sent)
	sched.Advance(time.Minute)

	if len(ch.sent) != sent {
		t.Errorf("no messages should follow a cancel, got %d more", len(ch.sent)-sent)
	}
	if len(*results) != 0 {
		t.Errorf("cancelled transfer should not complete, got %+v", *results)
	}
	if tr.Busy() {
		t.Error("transfer should be idle after cancel")
	}
}

func TestTransferAbortsWhenHeaderOverflowsOutbox(t *testing.T) {
	ch, tr, sched, results := setup(t, 10, MinOutboxSize-1, 40)
	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(time.Minute)

	if ch.sends != 0 {
		t.Errorf("expected no send attempts, got %d", ch.sends)
	}
	if len(*results) != 0 {
		t.Errorf("aborted transfer should not complete, got %+v", *results)
	}
	if tr.Busy() {
		t.Fatal("transfer should be idle after the abort")
	}
	if err := tr.Request(); err != nil {
		t.Errorf("a later request should be accepted, got %v", err)
	}
}

func TestTransferSmallestOutbox(t *testing.T) {
	ch, tr, sched, results := setup(t, 7, MinOutboxSize, 40)
	if err := tr.Request(); err != nil {
		t.Fatal(err)
	}
	sched.Advance(time.Minute)

	if len(*results) != 1 {
		t.Fatalf("expected one completed transfer, got %d", len(*results))
	}
	for i, m := range ch.sent {
		if size := companion.DictSize(len(m), companion.TupleWidth); size > MinOutboxSize {
			t.Errorf("message %d is %d bytes, outbox is %d", i, size, MinOutboxSize)
		}
	}
	if got := len(deliveredValues(ch.sent)); got != 7 {
		t.Errorf("expected 7 values delivered, got %d", got)
	}
}
