package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/user/sleeptrack/internal/actuator"
	"github.com/user/sleeptrack/internal/alarm"
	"github.com/user/sleeptrack/internal/command"
	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/motion"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/types"
)

// fakeMotion lies still until movingAfter, then swings the X axis by 900
// on every poll.
type fakeMotion struct {
	sched       *scheduler.Manual
	movingAfter time.Time
	polls       int
}

func (f *fakeMotion) Peek() (motion.Sample, error) {
	f.polls++
	if f.movingAfter.IsZero() || !f.sched.Now().After(f.movingAfter) {
		return motion.Sample{X: 10, Y: 10, Z: 10}, nil
	}
	return motion.Sample{X: int16(f.polls % 2 * 900)}, nil
}

// fakeChannel acknowledges every send through the engine.
type fakeChannel struct {
	e    *Engine
	sent []companion.Message
}

func (f *fakeChannel) OutboxSize() int { return 656 }

func (f *fakeChannel) EstimateSize(count, width int) int {
	return companion.DictSize(count, width)
}

func (f *fakeChannel) Send(msg companion.Message) error {
	f.sent = append(f.sent, msg)
	f.e.Sent()
	return nil
}

type note struct {
	to   types.Recipient
	text string
}

type fakeNotifier struct {
	notes []note
}

func (f *fakeNotifier) Notify(to types.Recipient, text string) error {
	f.notes = append(f.notes, note{to, text})
	return nil
}

type harness struct {
	sched    *scheduler.Manual
	motion   *fakeMotion
	ch       *fakeChannel
	act      *actuator.Recorder
	notifier *fakeNotifier
	sessions *state.SessionStore
	settings *state.SettingsStore
	e        *Engine
}

func newHarness(t *testing.T, start time.Time, initial *types.Settings) *harness {
	t.Helper()
	kv := state.NewMemoryKV(0)
	h := &harness{
		sched:    scheduler.NewManual(start),
		act:      &actuator.Recorder{},
		notifier: &fakeNotifier{},
		sessions: state.NewSessionStore(kv, state.SlotOptions{}),
		settings: state.NewSettingsStore(kv),
		ch:       &fakeChannel{},
	}
	h.motion = &fakeMotion{sched: h.sched}
	if initial != nil {
		if err := h.settings.Save(context.Background(), *initial); err != nil {
			t.Fatal(err)
		}
	}
	h.e = New(Deps{
		Scheduler: h.sched,
		Motion:    h.motion,
		Channel:   h.ch,
		Sessions:  h.sessions,
		Settings:  h.settings,
		Actuator:  h.act,
		Notifier:  h.notifier,
	}, Options{Recipients: []types.Recipient{"telegram:42"}})
	h.ch.e = h.e
	if err := h.e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h
}

// minutes advances the clock one minute at a time, ticking the engine
// after each minute as the wall-clock cron would.
func (h *harness) minutes(n int) {
	for i := 0; i < n; i++ {
		h.sched.Advance(time.Minute)
		h.e.MinuteTick()
	}
}

// tuesday is a workday.
func tuesday(hour, minute int) time.Time {
	return time.Date(2026, 10, 13, hour, minute, 0, 0, time.Local)
}

func TestToggleStartsAndStopsCapture(t *testing.T) {
	h := newHarness(t, tuesday(23, 0), nil)

	h.e.Toggle()
	if !h.e.Status().Active {
		t.Fatal("expected capture to be active")
	}
	if h.act.Count(actuator.EventShortPulse) != 1 {
		t.Errorf("expected a short pulse on start, got %v", h.act.Events())
	}
	stored, _ := h.settings.Load(context.Background())
	if stored.Status != types.StatusActive {
		t.Error("active status should be persisted")
	}

	h.minutes(30)
	if h.motion.polls == 0 {
		t.Error("sampler never polled the motion source")
	}

	h.e.Toggle()
	if h.e.Status().Active {
		t.Fatal("expected capture to be stopped")
	}
	if h.act.Count(actuator.EventDoublePulse) != 1 {
		t.Errorf("expected a double pulse on stop, got %v", h.act.Events())
	}

	polls := h.motion.polls
	h.sched.Advance(time.Minute)
	if h.motion.polls != polls {
		t.Error("sampler kept polling after stop")
	}

	s, ok, err := h.sessions.Latest(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected stored session, ok=%v err=%v", ok, err)
	}
	if s.Count() != 31 {
		t.Errorf("expected seed plus 30 values, got %d", s.Count())
	}
	if s.Values[0] != 1000 {
		t.Errorf("expected seed value 1000, got %d", s.Values[0])
	}
	if s.Stats.Total() != 30 {
		t.Errorf("expected 30 classified minutes, got %d", s.Stats.Total())
	}
	if !s.End.Equal(tuesday(23, 30)) {
		t.Errorf("expected end 23:30, got %v", s.End)
	}

	if len(h.notifier.notes) != 1 || h.notifier.notes[0].to != "telegram:42" {
		t.Fatalf("expected one summary to telegram:42, got %+v", h.notifier.notes)
	}
	if !strings.Contains(h.notifier.notes[0].text, "Deep:") {
		t.Errorf("summary lacks phase lines: %q", h.notifier.notes[0].text)
	}
}

func TestMinuteTickIgnoredWhileInactive(t *testing.T) {
	h := newHarness(t, tuesday(23, 0), nil)
	h.minutes(5)
	if st := h.e.Status(); st.Session != nil {
		t.Errorf("no session should exist, got %+v", st.Session)
	}
}

func TestStatsSumToMinutes(t *testing.T) {
	h := newHarness(t, tuesday(22, 0), nil)
	h.motion.movingAfter = tuesday(22, 40)

	h.e.Toggle()
	h.minutes(75)
	st := h.e.Status()
	if st.Session.Minutes != 75 {
		t.Errorf("expected 75 counted minutes, got %d", st.Session.Minutes)
	}
	if st.Session.Values != 76 {
		t.Errorf("expected 76 values, got %d", st.Session.Values)
	}
	if st.Session.Stats.Minutes(types.PhaseDeep) == 0 || st.Session.Stats.Minutes(types.PhaseLight) == 0 {
		t.Errorf("expected both deep and light minutes, got %v", st.Session.Stats)
	}
}

func TestValuesCappedForLongSessions(t *testing.T) {
	h := newHarness(t, tuesday(12, 0), nil)
	h.e.SetMode(types.ModeWeekend)
	h.e.Toggle()
	h.minutes(types.MaxValues + 30)

	st := h.e.Status()
	if st.Session.Values != types.MaxValues {
		t.Errorf("expected %d values, got %d", types.MaxValues, st.Session.Values)
	}
	if st.Session.Minutes != types.MaxValues+30 {
		t.Errorf("expected every minute counted, got %d", st.Session.Minutes)
	}
}

func TestAlarmFiresOnLightSleepInWindow(t *testing.T) {
	h := newHarness(t, tuesday(6, 0), nil)
	h.motion.movingAfter = tuesday(7, 11)

	h.e.Toggle()
	h.minutes(71)
	if got := h.e.Status().Alarm; got != "idle" {
		t.Fatalf("alarm fired early at %s", h.sched.Now().Format("15:04"))
	}
	h.minutes(1)

	st := h.e.Status()
	if st.Alarm != "firing" {
		t.Fatalf("expected alarm firing at 07:12, got %s", st.Alarm)
	}
	if st.Active {
		t.Error("capture should stop when the alarm fires")
	}
	if st.Phase != "light" {
		t.Errorf("expected light phase, got %s", st.Phase)
	}

	polls := h.motion.polls
	h.sched.Advance(12 * time.Second)
	if h.motion.polls != polls {
		t.Error("sampler kept polling while the alarm fires")
	}
	if h.act.Count(actuator.EventLongPulse) != 3 {
		t.Errorf("expected 3 pulses after 12s, got %d", h.act.Count(actuator.EventLongPulse))
	}

	if !h.e.Acknowledge() {
		t.Fatal("expected acknowledgment to stop the alarm")
	}
	s, ok, _ := h.sessions.Latest(context.Background())
	if !ok {
		t.Fatal("acknowledgment should store the session")
	}
	if s.Stats.Total() != 72 {
		t.Errorf("expected 72 minutes, got %d", s.Stats.Total())
	}
	if h.e.Acknowledge() {
		t.Error("second acknowledgment should be a no-op")
	}
}

func TestAlarmForcedWakeAndPulseCap(t *testing.T) {
	h := newHarness(t, tuesday(6, 0), nil)

	h.e.Toggle()
	h.minutes(87)
	if h.e.Status().Alarm != "idle" {
		t.Fatal("alarm fired before the forced mark")
	}
	h.minutes(1)
	if h.e.Status().Alarm != "firing" {
		t.Fatalf("expected forced wake at 07:28, now %s", h.sched.Now().Format("15:04"))
	}

	h.sched.Advance(time.Minute)
	if h.e.Status().Alarm != "idle" {
		t.Error("alarm should give up after the pulse cap")
	}
	if got := h.act.Count(actuator.EventLongPulse); got != alarm.DefaultMaxPulses {
		t.Errorf("expected %d pulses, got %d", alarm.DefaultMaxPulses, got)
	}
	if _, ok, _ := h.sessions.Latest(context.Background()); !ok {
		t.Error("session should be stored when the alarm gives up")
	}
	if len(h.notifier.notes) != 1 {
		t.Errorf("expected one summary, got %d", len(h.notifier.notes))
	}
}

func TestToggleWhileFiringAcknowledges(t *testing.T) {
	h := newHarness(t, tuesday(7, 0), nil)
	h.e.Toggle()
	h.minutes(28)
	if h.e.Status().Alarm != "firing" {
		t.Fatal("expected alarm firing")
	}

	h.e.Toggle()
	st := h.e.Status()
	if st.Alarm != "idle" || st.Active {
		t.Errorf("toggle should only acknowledge, got alarm=%s active=%v", st.Alarm, st.Active)
	}
	if h.act.Count(actuator.EventShortPulse) != 1 {
		t.Error("acknowledging toggle should not start a new capture")
	}
}

func TestNoAlarmOnWeekendMode(t *testing.T) {
	s := types.DefaultSettings()
	s.Mode = types.ModeWeekend
	h := newHarness(t, tuesday(6, 50), &s)

	h.e.Toggle()
	h.minutes(60)
	if h.e.Status().Alarm != "idle" || !h.e.Status().Active {
		t.Error("weekend mode should never fire the alarm")
	}
}

func TestAutoModeFollowsWeekday(t *testing.T) {
	s := types.DefaultSettings()
	s.AutoMode = true
	saturday := time.Date(2026, 10, 17, 23, 0, 0, 0, time.Local)
	h := newHarness(t, saturday, &s)

	h.e.Toggle()
	if got := h.e.Settings().Mode; got != types.ModeWeekend {
		t.Errorf("expected weekend mode on Saturday, got %s", got)
	}
}

func TestStartResetsInterruptedCapture(t *testing.T) {
	s := types.DefaultSettings()
	s.Status = types.StatusActive
	h := newHarness(t, tuesday(23, 0), &s)

	if h.e.Status().Active {
		t.Error("capture should not resume after a restart")
	}
	stored, _ := h.settings.Load(context.Background())
	if stored.Status != types.StatusInactive {
		t.Error("reset status should be persisted")
	}
}

func TestHandleMessageSetTime(t *testing.T) {
	h := newHarness(t, tuesday(20, 0), nil)
	w := types.WakeWindow{StartHour: 6, StartMinute: 10, EndHour: 6, EndMinute: 40}

	if err := h.e.HandleMessage(command.Encode(command.SetTime{Window: w})); err != nil {
		t.Fatal(err)
	}
	stored, _ := h.settings.Load(context.Background())
	if stored.Window != w {
		t.Errorf("expected persisted window %v, got %v", w, stored.Window)
	}
}

func TestHandleMessageSetSettings(t *testing.T) {
	h := newHarness(t, tuesday(20, 0), nil)
	c := command.SetSettings{Snooze: 1, FallCoef: 5, RiseCoef: 30, Profile: 1, VibrateOnChange: true}

	if err := h.e.HandleMessage(command.Encode(c)); err != nil {
		t.Fatal(err)
	}
	stored, _ := h.settings.Load(context.Background())
	if stored.RiseCoef != 30 || stored.FallCoef != 5 || !stored.VibrateOnChange {
		t.Errorf("settings not persisted: %+v", stored)
	}
}

func TestHandleMessageRejectsMalformed(t *testing.T) {
	h := newHarness(t, tuesday(20, 0), nil)
	before := h.e.Settings()

	msg := companion.Message{
		{Key: command.KeyCommand, Value: command.CodeSetTime},
		{Key: command.KeyStartHour, Value: 6},
	}
	if err := h.e.HandleMessage(msg); !errors.Is(err, types.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand, got %v", err)
	}
	if h.e.Settings() != before {
		t.Error("malformed command changed settings")
	}
	if err := h.e.HandleMessage(companion.Message{{Key: command.KeyCommand, Value: 99}}); !errors.Is(err, types.ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestSyncStreamsLatestSession(t *testing.T) {
	h := newHarness(t, tuesday(23, 0), nil)
	h.e.Toggle()
	h.minutes(90)
	h.e.Toggle()

	h.e.Received(command.Encode(command.StartSync{}))
	h.sched.Flush()
	if !h.e.Status().Syncing {
		t.Fatal("expected sync pending")
	}
	if err := h.e.HandleMessage(command.Encode(command.StartSync{})); !errors.Is(err, types.ErrTransferInFlight) {
		t.Errorf("second start sync should be ignored, got %v", err)
	}
	// Other commands still apply during a transfer.
	if err := h.e.HandleMessage(command.Encode(command.SetTime{Window: types.DefaultWakeWindow()})); err != nil {
		t.Errorf("set time during sync: %v", err)
	}

	h.sched.Advance(10 * time.Second)
	// 91 values in windows of 40, after the header.
	if len(h.ch.sent) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(h.ch.sent))
	}
	if v, _ := h.ch.sent[0].Find(2); v != 91 {
		t.Errorf("header count: expected 91, got %d", v)
	}
	st := h.e.Status()
	if st.Syncing {
		t.Error("sync should be complete")
	}
	if st.LastSync == nil || st.LastSync.Values != 91 {
		t.Errorf("unexpected last sync %+v", st.LastSync)
	}
}

func TestFailedSendIsResent(t *testing.T) {
	h := newHarness(t, tuesday(23, 0), nil)
	h.e.Toggle()
	h.minutes(10)
	h.e.Toggle()

	failing := &failOnceChannel{fakeChannel: h.ch}
	h.e = New(Deps{
		Scheduler: h.sched,
		Motion:    h.motion,
		Channel:   failing,
		Sessions:  h.sessions,
		Settings:  h.settings,
		Actuator:  h.act,
	}, Options{})
	h.ch.e = h.e

	if err := h.e.RequestSync(); err != nil {
		t.Fatal(err)
	}
	h.sched.Advance(10 * time.Second)

	if len(failing.sent) != 3 {
		t.Fatalf("expected header, failed window and resend, got %d", len(failing.sent))
	}
	if h.e.Status().LastSync.Resends != 1 {
		t.Errorf("expected one resend, got %+v", h.e.Status().LastSync)
	}
}

// failOnceChannel fails the first value window once.
type failOnceChannel struct {
	*fakeChannel
	failed bool
}

func (f *failOnceChannel) Send(msg companion.Message) error {
	f.sent = append(f.sent, msg)
	if len(f.sent) == 2 && !f.failed {
		f.failed = true
		f.e.Failed(errors.New("phone unreachable"))
		return nil
	}
	f.e.Sent()
	return nil
}

func TestVibrateOnPhaseChange(t *testing.T) {
	s := types.DefaultSettings()
	s.VibrateOnChange = true
	h := newHarness(t, tuesday(22, 0), &s)

	h.e.Toggle()
	h.act.Reset()
	h.minutes(10)
	if h.act.Count(actuator.EventShortPulse) == 0 {
		t.Error("expected a short pulse on phase change")
	}
}

func TestStepWindowPersists(t *testing.T) {
	h := newHarness(t, tuesday(20, 0), nil)
	if err := h.e.StepWindow(types.EdgeStart, false, -1); err != nil {
		t.Fatal(err)
	}
	if err := h.e.StepWindow(types.EdgeEnd, true, 31); err != nil {
		t.Fatal(err)
	}

	stored, _ := h.settings.Load(context.Background())
	want := types.WakeWindow{StartHour: 6, StartMinute: 0, EndHour: 7, EndMinute: 1}
	if stored.Window != want {
		t.Errorf("expected %v, got %v", want, stored.Window)
	}
}

func TestClientRunsOnScheduler(t *testing.T) {
	h := newHarness(t, tuesday(23, 0), nil)
	c := NewClient(h.e, h.sched)
	ctx := context.Background()

	if err := c.Toggle(ctx); err != nil {
		t.Fatal(err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Active {
		t.Error("expected active after client toggle")
	}
	if stopped, _ := c.Acknowledge(ctx); stopped {
		t.Error("no alarm should be firing")
	}
	if err := c.SetWindow(ctx, types.WakeWindow{StartHour: 25}); !errors.Is(err, types.ErrMalformedCommand) {
		t.Errorf("expected ErrMalformedCommand for invalid window, got %v", err)
	}
	if err := c.Dispatch(ctx, command.ToggleSleep{}); err != nil {
		t.Fatal(err)
	}
	st, _ = c.Status(ctx)
	if st.Active {
		t.Error("expected inactive after dispatched toggle")
	}
}

func TestSummary(t *testing.T) {
	s := types.NewSession(tuesday(23, 0), 1000)
	for i := 0; i < 95; i++ {
		s.Record(types.PhaseDeep, 10)
	}
	for i := 0; i < 5; i++ {
		s.Record(types.PhaseAwake, 900)
	}
	s.Seal(tuesday(23, 0).Add(100 * time.Minute))

	got := Summary(s)
	want := "Sleep Tue 23:00 - 00:40 (1h40m)\n" +
		"Deep:  1h35m\n" +
		"REM:   0m\n" +
		"Light: 0m\n" +
		"Awake: 5m"
	if got != want {
		t.Errorf("unexpected summary:\n%s\nwant:\n%s", got, want)
	}
}

func TestStepWindowRefusesInvertedWindow(t *testing.T) {
	h := newHarness(t, tuesday(20, 0), nil)

	err := h.e.StepWindow(types.EdgeStart, false, 1)
	if !errors.Is(err, types.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand, got %v", err)
	}
	if err := h.e.StepWindow(types.EdgeEnd, false, -1); !errors.Is(err, types.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand, got %v", err)
	}
	if got := h.e.Settings().Window; got != types.DefaultWakeWindow() {
		t.Errorf("window changed to %s", got)
	}
}

func TestSetTimeCrossingMidnightRejected(t *testing.T) {
	h := newHarness(t, tuesday(6, 0), nil)
	overnight := types.WakeWindow{StartHour: 23, StartMinute: 0, EndHour: 6, EndMinute: 30}

	err := h.e.HandleMessage(command.Encode(command.SetTime{Window: overnight}))
	if !errors.Is(err, types.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand, got %v", err)
	}
	if err := h.e.Handle(command.SetTime{Window: overnight}); !errors.Is(err, types.ErrMalformedCommand) {
		t.Fatalf("expected ErrMalformedCommand from Handle, got %v", err)
	}
	stored, _ := h.settings.Load(context.Background())
	if stored.Window != types.DefaultWakeWindow() {
		t.Fatalf("stored window changed to %s", stored.Window)
	}

	// The untouched window still wakes the user by its close.
	h.e.Toggle()
	h.minutes(88)
	if h.e.Status().Alarm != "firing" {
		t.Errorf("expected the alarm firing at 07:28, got %s", h.e.Status().Alarm)
	}
}
