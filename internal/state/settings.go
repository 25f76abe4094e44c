package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/sleeptrack/internal/types"
)

const (
	settingsKey     = "settings"
	settingsVersion = 1
	settingsSize    = 12

	flagVibrateOnChange = 1 << 0
	flagAutoMode        = 1 << 1
)

// SettingsStore persists device settings as one fixed-size record.
type SettingsStore struct {
	kv types.KV
}

func NewSettingsStore(kv types.KV) *SettingsStore {
	return &SettingsStore{kv: kv}
}

// Load returns the stored settings, or defaults when none are stored.
// Out-of-range fields are reset to their defaults.
func (s *SettingsStore) Load(ctx context.Context) (types.Settings, error) {
	data, err := s.kv.ReadBytes(ctx, settingsKey)
	if errors.Is(err, types.ErrNotFound) {
		return types.DefaultSettings(), nil
	}
	if err != nil {
		return types.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	settings, err := decodeSettings(data)
	if err != nil {
		slog.Warn("discarding stored settings", "error", err)
		return types.DefaultSettings(), nil
	}
	if settings.Normalize() {
		slog.Warn("stored settings out of range, defaults restored for invalid fields")
	}
	return settings, nil
}

// Save writes the whole record in a single key write.
func (s *SettingsStore) Save(ctx context.Context, settings types.Settings) error {
	if err := s.kv.WriteBytes(ctx, settingsKey, encodeSettings(settings)); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func encodeSettings(s types.Settings) []byte {
	var flags byte
	if s.VibrateOnChange {
		flags |= flagVibrateOnChange
	}
	if s.AutoMode {
		flags |= flagAutoMode
	}
	return []byte{
		settingsVersion,
		byte(s.Mode),
		byte(s.Status),
		s.Window.StartHour,
		s.Window.StartMinute,
		s.Window.EndHour,
		s.Window.EndMinute,
		s.RiseCoef,
		s.FallCoef,
		s.Snooze,
		s.Profile,
		flags,
	}
}

func decodeSettings(data []byte) (types.Settings, error) {
	if len(data) != settingsSize || data[0] != settingsVersion {
		return types.Settings{}, fmt.Errorf("unrecognized settings record (%d bytes)", len(data))
	}
	return types.Settings{
		Mode:   types.Mode(data[1]),
		Status: types.Status(data[2]),
		Window: types.WakeWindow{
			StartHour:   data[3],
			StartMinute: data[4],
			EndHour:     data[5],
			EndMinute:   data[6],
		},
		RiseCoef:        data[7],
		FallCoef:        data[8],
		Snooze:          data[9],
		Profile:         data[10],
		VibrateOnChange: data[11]&flagVibrateOnChange != 0,
		AutoMode:        data[11]&flagAutoMode != 0,
	}, nil
}
