// Package engine owns the live sleep session and wires the sampler,
// classifier, alarm, store and sync transfer together. Every Engine method
// mutates shared state and must run on the scheduler's goroutine; Client
// offers the same operations to other goroutines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sleeptrack/internal/actuator"
	"github.com/user/sleeptrack/internal/alarm"
	"github.com/user/sleeptrack/internal/classifier"
	"github.com/user/sleeptrack/internal/command"
	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/motion"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/transfer"
	"github.com/user/sleeptrack/internal/types"
)

// Notifier hands a text message to a recipient without blocking.
type Notifier interface {
	Notify(to types.Recipient, text string) error
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Scheduler scheduler.Scheduler
	Motion    motion.Source
	Channel   companion.Channel
	Sessions  *state.SessionStore
	Settings  *state.SettingsStore
	Actuator  actuator.Actuator
	// Notifier is optional; session summaries go to Options.Recipients.
	Notifier Notifier
}

// Options tunes an Engine. Zero fields take package defaults.
type Options struct {
	Thresholds     classifier.Thresholds
	SampleInterval time.Duration
	NoiseFloor     int
	Transfer       transfer.Options
	Alarm          alarm.Options
	Recipients     []types.Recipient
}

type Engine struct {
	sched    scheduler.Scheduler
	sessions *state.SessionStore
	store    *state.SettingsStore
	act      actuator.Actuator
	notifier Notifier
	opts     Options

	tracker  *motion.Tracker
	sampler  *motion.Sampler
	alarm    *alarm.Alarm
	transfer *transfer.Transfer

	settings types.Settings
	session  *types.Session
	phase    types.Phase
	lastSlot int
	lastSync *transfer.Result
}

// New wires an Engine. Call Start before feeding it events.
func New(d Deps, opts Options) *Engine {
	if opts.Thresholds == (classifier.Thresholds{}) {
		opts.Thresholds = classifier.DefaultThresholds()
	}
	if d.Actuator == nil {
		d.Actuator = actuator.Log{}
	}
	e := &Engine{
		sched:    d.Scheduler,
		sessions: d.Sessions,
		store:    d.Settings,
		act:      d.Actuator,
		notifier: d.Notifier,
		opts:     opts,
		settings: types.DefaultSettings(),
		lastSlot: -1,
	}
	e.tracker = &motion.Tracker{NoiseFloor: opts.NoiseFloor}
	e.sampler = motion.NewSampler(d.Motion, d.Scheduler, e.tracker, opts.SampleInterval)

	alarmOpts := opts.Alarm
	alarmOpts.OnFire = e.alarmFired
	alarmOpts.OnFinish = e.alarmFinished
	e.alarm = alarm.New(d.Scheduler, d.Actuator, alarmOpts)

	transferOpts := opts.Transfer
	complete := transferOpts.OnComplete
	transferOpts.OnComplete = func(r transfer.Result) {
		e.lastSync = &r
		if complete != nil {
			complete(r)
		}
	}
	e.transfer = transfer.New(d.Channel, d.Sessions, d.Scheduler, transferOpts)
	return e
}

// Start restores persisted settings. Capture never survives a restart: a
// stored active status is reset to inactive.
func (e *Engine) Start(ctx context.Context) error {
	settings, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	e.settings = settings
	if settings.Status == types.StatusActive {
		slog.Warn("previous session was interrupted, capture not resumed")
		e.settings.Status = types.StatusInactive
		e.persist()
	}
	slog.Info("engine started", "mode", settings.Mode, "window", settings.Window.String())
	return nil
}

// Stop seals any live session and cancels every pending timer.
func (e *Engine) Stop() {
	e.transfer.Cancel()
	if e.alarm.State() == alarm.StateFiring {
		e.alarm.Acknowledge()
	}
	if e.active() {
		e.stopCapture(false)
	}
}

func (e *Engine) active() bool {
	return e.settings.Status == types.StatusActive
}

// MinuteTick classifies the minute that just ended and checks the alarm.
// It does nothing while capture is off.
func (e *Engine) MinuteTick() {
	if !e.active() || e.session == nil || e.session.Finished {
		return
	}
	peak := e.tracker.Take()
	prev := e.session.Level
	phase, value := classifier.Step(prev, peak, classifier.FromSettings(e.settings), e.opts.Thresholds)
	changed := phase != e.phase
	e.phase = phase
	stored := e.session.Record(phase, value)
	slog.Debug("minute classified",
		"session_id", e.session.ID, "peak", peak, "prev", prev,
		"value", value, "phase", phase, "stored", stored)

	if changed && e.settings.VibrateOnChange {
		e.act.ShortPulse()
	}
	if e.settings.Mode == types.ModeWorkday {
		e.alarm.Check(e.settings.Window, phase, e.sched.Now())
	}
}

// Toggle starts or stops capture. While the alarm is firing it acknowledges
// the alarm instead.
func (e *Engine) Toggle() {
	if e.alarm.State() == alarm.StateFiring {
		e.alarm.Acknowledge()
		return
	}
	if e.active() {
		e.stopCapture(true)
		return
	}
	e.startCapture()
}

func (e *Engine) startCapture() {
	now := e.sched.Now()
	if e.settings.AutoMode {
		e.settings.Mode = types.ModeAt(now)
	}
	e.settings.Status = types.StatusActive
	e.persist()

	e.act.ShortPulse()
	e.session = types.NewSession(now, classifier.SeedValue)
	e.phase = types.PhaseAwake
	e.sampler.Start()
	slog.Info("capture started", "session_id", e.session.ID, "mode", e.settings.Mode)
}

func (e *Engine) stopCapture(pulse bool) {
	e.settings.Status = types.StatusInactive
	e.persist()
	if pulse {
		e.act.DoublePulse()
	}
	e.sampler.Stop()
	e.finishSession()
}

// finishSession seals and stores the live session exactly once.
func (e *Engine) finishSession() {
	if e.session == nil || !e.session.Seal(e.sched.Now()) {
		return
	}
	s := e.session
	slot, err := e.sessions.Store(context.Background(), s)
	if err != nil {
		slog.Error("storing session failed", "session_id", s.ID, "error", err)
	} else {
		e.lastSlot = slot
	}
	slog.Info("capture stopped",
		"session_id", s.ID, "slot", slot, "minutes", s.Stats.Total(),
		"deep", s.Stats.Minutes(types.PhaseDeep), "rem", s.Stats.Minutes(types.PhaseREM),
		"light", s.Stats.Minutes(types.PhaseLight), "awake", s.Stats.Minutes(types.PhaseAwake))
	e.notify(Summary(s))
}

func (e *Engine) notify(text string) {
	if e.notifier == nil {
		return
	}
	for _, to := range e.opts.Recipients {
		if err := e.notifier.Notify(to, text); err != nil {
			slog.Warn("summary not queued", "recipient", to, "error", err)
		}
	}
}

func (e *Engine) alarmFired(reason alarm.Reason) {
	e.sampler.Stop()
	e.settings.Status = types.StatusInactive
	e.persist()
	slog.Info("wake alarm", "reason", reason, "phase", e.phase)
}

// alarmFinished seals the session whether the user acknowledged the alarm or
// the pulse loop gave up.
func (e *Engine) alarmFinished(acknowledged bool) {
	if !acknowledged {
		slog.Warn("alarm not acknowledged, closing session")
	}
	e.finishSession()
}

// Acknowledge stops a firing alarm. It reports false when none is firing.
func (e *Engine) Acknowledge() bool {
	return e.alarm.Acknowledge()
}

// RequestSync schedules an export of the latest stored session.
func (e *Engine) RequestSync() error {
	if err := e.transfer.Request(); err != nil {
		slog.Info("sync request ignored", "error", err)
		return err
	}
	slog.Info("sync requested")
	return nil
}

// SetWindow replaces and persists the wake window.
func (e *Engine) SetWindow(w types.WakeWindow) error {
	if !w.Valid() {
		return fmt.Errorf("%w: wake window %s", types.ErrMalformedCommand, w)
	}
	e.settings.Window = w
	e.persist()
	slog.Info("wake window updated", "window", w.String())
	return nil
}

// StepWindow nudges one edge of the wake window by delta hours or minutes.
// A step that would put the end before the start is refused and the window
// is left as it was.
func (e *Engine) StepWindow(edge types.Edge, minutes bool, delta int) error {
	w := e.settings.Window
	if minutes {
		w.StepMinute(edge, delta)
	} else {
		w.StepHour(edge, delta)
	}
	if !w.Valid() {
		return fmt.Errorf("%w: wake window %s ends before it starts", types.ErrMalformedCommand, w)
	}
	e.settings.Window = w
	e.persist()
	slog.Info("wake window updated", "window", w.String())
	return nil
}

// SetMode switches between workday and weekend. Automatic mode is turned
// off so the choice sticks.
func (e *Engine) SetMode(m types.Mode) {
	e.settings.Mode = m
	e.settings.AutoMode = false
	e.persist()
	slog.Info("mode updated", "mode", m)
}

// SetAutoMode turns weekday-derived mode selection on or off.
func (e *Engine) SetAutoMode(on bool) {
	e.settings.AutoMode = on
	e.persist()
}

func (e *Engine) applySettings(c command.SetSettings) {
	c.Apply(&e.settings)
	e.persist()
	slog.Info("settings updated",
		"rise", e.settings.RiseCoef, "fall", e.settings.FallCoef,
		"profile", e.settings.Profile, "vibrate_on_change", e.settings.VibrateOnChange)
}

func (e *Engine) persist() {
	if err := e.store.Save(context.Background(), e.settings); err != nil {
		slog.Error("persisting settings failed", "error", err)
	}
}

// Handle applies one inbound command.
func (e *Engine) Handle(cmd command.Command) error {
	switch c := cmd.(type) {
	case command.StartSync:
		return e.RequestSync()
	case command.SetTime:
		return e.SetWindow(c.Window)
	case command.ToggleSleep:
		e.Toggle()
	case command.SetSettings:
		e.applySettings(c)
	default:
		return fmt.Errorf("%w: %T", types.ErrUnknownCommand, cmd)
	}
	return nil
}

// HandleMessage decodes and applies an inbound message. Malformed messages
// leave every piece of state untouched.
func (e *Engine) HandleMessage(msg companion.Message) error {
	cmd, err := command.Decode(msg)
	if err != nil {
		slog.Warn("inbound message rejected", "message", msg.String(), "error", err)
		return err
	}
	slog.Debug("inbound command", "command", cmd.Name())
	err = e.Handle(cmd)
	if err != nil && !errors.Is(err, types.ErrTransferInFlight) {
		slog.Warn("inbound command failed", "command", cmd.Name(), "error", err)
	}
	return err
}

// Sent, Failed and Received implement companion.Handler. The channel calls
// them from its own goroutines, so each one posts onto the scheduler.

func (e *Engine) Sent() {
	e.sched.Post(e.transfer.Sent)
}

func (e *Engine) Failed(err error) {
	e.sched.Post(func() { e.transfer.Failed(err) })
}

func (e *Engine) Received(msg companion.Message) {
	e.sched.Post(func() { _ = e.HandleMessage(msg) })
}

// Settings returns a copy of the current settings.
func (e *Engine) Settings() types.Settings {
	return e.settings
}

// Status is a point-in-time view of the engine.
type Status struct {
	Active    bool             `json:"active"`
	Mode      string           `json:"mode"`
	Window    string           `json:"window"`
	Phase     string           `json:"phase,omitempty"`
	Alarm     string           `json:"alarm"`
	Syncing   bool             `json:"syncing"`
	Session   *SessionStatus   `json:"session,omitempty"`
	LastSlot  int              `json:"last_slot"`
	LastSync  *transfer.Result `json:"last_sync,omitempty"`
	Settings  types.Settings   `json:"settings"`
	Timestamp time.Time        `json:"timestamp"`
}

// SessionStatus describes the live or most recently finished session.
type SessionStatus struct {
	ID       types.SessionID `json:"id"`
	Start    time.Time       `json:"start"`
	Finished bool            `json:"finished"`
	Minutes  int             `json:"minutes"`
	Values   int             `json:"values"`
	Level    uint16          `json:"level"`
	Stats    types.Stats     `json:"stats"`
}

func (e *Engine) Status() Status {
	st := Status{
		Active:    e.active(),
		Mode:      e.settings.Mode.String(),
		Window:    e.settings.Window.String(),
		Alarm:     e.alarm.State().String(),
		Syncing:   e.transfer.Busy(),
		LastSlot:  e.lastSlot,
		LastSync:  e.lastSync,
		Settings:  e.settings,
		Timestamp: e.sched.Now(),
	}
	if e.session != nil {
		st.Phase = e.phase.String()
		st.Session = &SessionStatus{
			ID:       e.session.ID,
			Start:    e.session.Start,
			Finished: e.session.Finished,
			Minutes:  e.session.Stats.Total(),
			Values:   e.session.Count(),
			Level:    e.session.Level,
			Stats:    e.session.Stats,
		}
	}
	return st
}
