package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	t.Setenv("SLEEPTRACK_COMPANION_URL", "")
	t.Setenv("SLEEPTRACK_HTTP_LISTEN", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("defaults not written: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Companion.OutboxSize != 656 {
		t.Errorf("expected outbox 656, got %d", cfg.Companion.OutboxSize)
	}
	if cfg.SampleInterval() != 300*time.Millisecond {
		t.Errorf("expected 300ms sample interval, got %s", cfg.SampleInterval())
	}
	if cfg.SyncDebounce() != 3*time.Second {
		t.Errorf("expected 3s debounce, got %s", cfg.SyncDebounce())
	}
	if cfg.Engine.MaxSendValues != 40 {
		t.Errorf("expected 40 values per window, got %d", cfg.Engine.MaxSendValues)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Default()
	cfg.Companion.URL = "http://file.example/inbox"
	writeTestConfig(t, path, cfg)

	t.Setenv("SLEEPTRACK_COMPANION_URL", "http://env.example/inbox")
	t.Setenv("SLEEPTRACK_HTTP_LISTEN", ":9999")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Companion.URL != "http://env.example/inbox" {
		t.Errorf("expected env companion url, got %q", loaded.Companion.URL)
	}
	if loaded.HTTP.Listen != ":9999" {
		t.Errorf("expected env listen, got %q", loaded.HTTP.Listen)
	}
	if loaded.Telegram.Token != "env-token" {
		t.Errorf("expected env token, got %q", loaded.Telegram.Token)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	t.Setenv("SLEEPTRACK_HTTP_LISTEN", "")
	path := tempConfigPath(t)
	if err := os.WriteFile(path, []byte(`{"storage":{"backend":"file"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "file" {
		t.Errorf("expected file backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Slots != 4 {
		t.Errorf("expected default slots, got %d", cfg.Storage.Slots)
	}
	if cfg.HTTP.Listen != "127.0.0.1:8420" {
		t.Errorf("expected default listen, got %q", cfg.HTTP.Listen)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	path := tempConfigPath(t)

	original := Default()
	original.DataDir = "/tmp/test-data"
	original.LogLevel = "debug"
	original.Storage.Backend = "memory"
	original.Telegram.Token = "bot-token-456"
	original.Telegram.ChatID = 12345
	original.Engine.SendStepMS = 250

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.DataDir != original.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.DataDir, original.DataDir)
	}
	if loaded.Storage.Backend != "memory" {
		t.Errorf("Storage.Backend mismatch: %v", loaded.Storage.Backend)
	}
	if loaded.Telegram.ChatID != 12345 {
		t.Errorf("Telegram.ChatID mismatch: %v", loaded.Telegram.ChatID)
	}
	if loaded.SendStep() != 250*time.Millisecond {
		t.Errorf("SendStep mismatch: %v", loaded.SendStep())
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Verify no temp file left behind
	tmpPath := path + ".tmp"
	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.json")

	cfg := &Config{LogLevel: "warn"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save should create parent directory, got: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file should exist: %v", err)
	}
}

func TestToMap(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	cfg.Storage.Slots = 8

	m, err := ToMap(cfg)
	if err != nil {
		t.Fatalf("ToMap failed: %v", err)
	}
	if m["log_level"] != "debug" {
		t.Errorf("expected log_level=debug, got %v", m["log_level"])
	}
	storage, ok := m["storage"].(map[string]any)
	if !ok {
		t.Fatalf("expected storage to be map, got %T", m["storage"])
	}
	// JSON numbers are float64
	if storage["slots"] != float64(8) {
		t.Errorf("expected storage.slots=8, got %v", storage["slots"])
	}
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["telegram.token"] != "bot-token-abcd" {
		t.Errorf("expected unmasked telegram.token, got %v", flat["telegram.token"])
	}

	flat, err = ListValues(cfg, true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["telegram.token"] != "***abcd" {
		t.Errorf("expected masked telegram.token=***abcd, got %v", flat["telegram.token"])
	}
	if flat["log_level"] != "info" {
		t.Errorf("expected log_level=info, got %v", flat["log_level"])
	}
}

func TestGetValue(t *testing.T) {
	path := tempConfigPath(t)
	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.Storage.Slots = 7
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected log_level=debug, got %v", v)
	}

	v, err = GetValue(path, "storage.slots")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != float64(7) {
		t.Errorf("expected storage.slots=7, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_NewFileGetsDefaults(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "log_level")
	if err != nil {
		t.Fatalf("GetValue on new config failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default log_level=info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	cases := []struct {
		key, raw string
		want     any
	}{
		{"log_level", "debug", "debug"},
		{"storage.slots", "12", float64(12)},
		{"http.enabled", "false", false},
		{"companion.url", "http://phone.local/inbox", "http://phone.local/inbox"},
		{"custom.setting", "value", "value"},
	}
	for _, tc := range cases {
		if err := SetValue(path, tc.key, tc.raw); err != nil {
			t.Fatalf("SetValue(%s) failed: %v", tc.key, err)
		}
		v, err := GetValue(path, tc.key)
		if err != nil {
			t.Fatalf("GetValue(%s) failed: %v", tc.key, err)
		}
		if v != tc.want {
			t.Errorf("%s: expected %v (%T), got %v (%T)", tc.key, tc.want, tc.want, v, v)
		}
	}

	// Other values are preserved.
	v, err := GetValue(path, "storage.backend")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "sqlite" {
		t.Errorf("expected storage.backend=sqlite (preserved), got %v", v)
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	if err := SetValue(path, "log_level", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}

func TestLoad_RejectsUnusableValues(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"outbox below header", func(c *Config) { c.Companion.OutboxSize = 21 }},
		{"negative outbox", func(c *Config) { c.Companion.OutboxSize = -1 }},
		{"value size below settings record", func(c *Config) { c.Storage.MaxValueSize = 8 }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tempConfigPath(t)
			cfg := Default()
			tt.edit(cfg)
			writeTestConfig(t, path, cfg)

			if _, err := Load(path); err == nil {
				t.Fatal("expected Load to reject the config")
			}
		})
	}
}

func TestValidate_ZeroSizesMeanDefault(t *testing.T) {
	cfg := Default()
	cfg.Companion.OutboxSize = 0
	cfg.Storage.MaxValueSize = 0
	cfg.Storage.Backend = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero sizes should validate: %v", err)
	}

	cfg.Companion.OutboxSize = 34
	cfg.Storage.MaxValueSize = 12
	if err := cfg.Validate(); err != nil {
		t.Fatalf("smallest usable sizes should validate: %v", err)
	}
}
