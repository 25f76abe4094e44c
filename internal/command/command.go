// Package command decodes inbound companion messages into a closed set of
// command types.
package command

import (
	"fmt"

	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/types"
)

// KeyCommand carries the command code in every inbound message.
const KeyCommand uint32 = 1

// Command codes.
const (
	CodeStartSync   int64 = 1
	CodeSetTime     int64 = 2
	CodeToggleSleep int64 = 3
	CodeSetSettings int64 = 4
)

// SetTime field keys.
const (
	KeyStartHour   uint32 = 2
	KeyStartMinute uint32 = 3
	KeyEndHour     uint32 = 4
	KeyEndMinute   uint32 = 5
)

// SetSettings field keys.
const (
	KeySnooze          uint32 = 2
	KeyFallCoef        uint32 = 3
	KeyRiseCoef        uint32 = 4
	KeyProfile         uint32 = 5
	KeyVibrateOnChange uint32 = 6
)

// Command is one of StartSync, SetTime, ToggleSleep or SetSettings.
type Command interface {
	Name() string
	command()
}

// StartSync asks for the latest stored session to be exported.
type StartSync struct{}

// SetTime replaces the wake window.
type SetTime struct {
	Window types.WakeWindow
}

// ToggleSleep flips capture on or off.
type ToggleSleep struct{}

// SetSettings replaces the tunable settings in one update.
type SetSettings struct {
	Snooze          uint8
	FallCoef        uint8
	RiseCoef        uint8
	Profile         uint8
	VibrateOnChange bool
}

func (StartSync) Name() string   { return "start_sync" }
func (SetTime) Name() string     { return "set_time" }
func (ToggleSleep) Name() string { return "toggle_sleep" }
func (SetSettings) Name() string { return "set_settings" }

func (StartSync) command()   {}
func (SetTime) command()     {}
func (ToggleSleep) command() {}
func (SetSettings) command() {}

// Apply copies the command's fields into s.
func (c SetSettings) Apply(s *types.Settings) {
	s.Snooze = c.Snooze
	s.FallCoef = c.FallCoef
	s.RiseCoef = c.RiseCoef
	s.Profile = c.Profile
	s.VibrateOnChange = c.VibrateOnChange
}

// Decode validates msg and returns the command it carries. A missing or
// out-of-range field yields ErrMalformedCommand; an unrecognized code
// yields ErrUnknownCommand.
func Decode(msg companion.Message) (Command, error) {
	code, ok := msg.Find(KeyCommand)
	if !ok {
		return nil, fmt.Errorf("%w: missing command code", types.ErrMalformedCommand)
	}
	switch code {
	case CodeStartSync:
		return StartSync{}, nil
	case CodeToggleSleep:
		return ToggleSleep{}, nil
	case CodeSetTime:
		return decodeSetTime(msg)
	case CodeSetSettings:
		return decodeSetSettings(msg)
	default:
		return nil, fmt.Errorf("%w: code %d", types.ErrUnknownCommand, code)
	}
}

func decodeSetTime(msg companion.Message) (Command, error) {
	var f fields
	w := types.WakeWindow{
		StartHour:   f.field(msg, KeyStartHour, 23),
		StartMinute: f.field(msg, KeyStartMinute, 59),
		EndHour:     f.field(msg, KeyEndHour, 23),
		EndMinute:   f.field(msg, KeyEndMinute, 59),
	}
	if f.err != nil {
		return nil, f.err
	}
	if !w.Valid() {
		return nil, fmt.Errorf("%w: wake window %s ends before it starts", types.ErrMalformedCommand, w)
	}
	return SetTime{Window: w}, nil
}

func decodeSetSettings(msg companion.Message) (Command, error) {
	var f fields
	c := SetSettings{
		Snooze:          f.field(msg, KeySnooze, 1),
		FallCoef:        f.field(msg, KeyFallCoef, int64(types.MaxCoef)),
		RiseCoef:        f.field(msg, KeyRiseCoef, int64(types.MaxCoef)),
		Profile:         f.field(msg, KeyProfile, 255),
		VibrateOnChange: f.field(msg, KeyVibrateOnChange, 1) == 1,
	}
	if f.err != nil {
		return nil, f.err
	}
	if !types.ValidCoef(c.FallCoef) || !types.ValidCoef(c.RiseCoef) {
		return nil, fmt.Errorf("%w: coefficient outside [%d,%d]", types.ErrMalformedCommand, types.MinCoef, types.MaxCoef)
	}
	return c, nil
}

// fields collects the first decoding error across several lookups.
type fields struct {
	err error
}

func (f *fields) field(msg companion.Message, key uint32, max int64) uint8 {
	if f.err != nil {
		return 0
	}
	v, ok := msg.Find(key)
	if !ok {
		f.err = fmt.Errorf("%w: missing field %d", types.ErrMalformedCommand, key)
		return 0
	}
	if v < 0 || v > max {
		f.err = fmt.Errorf("%w: field %d value %d outside [0,%d]", types.ErrMalformedCommand, key, v, max)
		return 0
	}
	return uint8(v)
}

// Encode builds the inbound message for c, as the companion would send it.
func Encode(c Command) companion.Message {
	switch c := c.(type) {
	case StartSync:
		return companion.Message{{Key: KeyCommand, Value: CodeStartSync}}
	case ToggleSleep:
		return companion.Message{{Key: KeyCommand, Value: CodeToggleSleep}}
	case SetTime:
		return companion.Message{
			{Key: KeyCommand, Value: CodeSetTime},
			{Key: KeyStartHour, Value: int64(c.Window.StartHour)},
			{Key: KeyStartMinute, Value: int64(c.Window.StartMinute)},
			{Key: KeyEndHour, Value: int64(c.Window.EndHour)},
			{Key: KeyEndMinute, Value: int64(c.Window.EndMinute)},
		}
	case SetSettings:
		vibrate := int64(0)
		if c.VibrateOnChange {
			vibrate = 1
		}
		return companion.Message{
			{Key: KeyCommand, Value: CodeSetSettings},
			{Key: KeySnooze, Value: int64(c.Snooze)},
			{Key: KeyFallCoef, Value: int64(c.FallCoef)},
			{Key: KeyRiseCoef, Value: int64(c.RiseCoef)},
			{Key: KeyProfile, Value: int64(c.Profile)},
			{Key: KeyVibrateOnChange, Value: vibrate},
		}
	}
	return nil
}
