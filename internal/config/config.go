package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/transfer"
)

type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	Storage  struct {
		Backend       string `json:"backend"`
		Slots         int    `json:"slots"`
		ChunksPerSlot int    `json:"chunks_per_slot"`
		MaxValueSize  int    `json:"max_value_size"`
	} `json:"storage"`
	HTTP struct {
		Enabled bool   `json:"enabled"`
		Listen  string `json:"listen"`
	} `json:"http"`
	Companion struct {
		URL        string `json:"url"`
		OutboxSize int    `json:"outbox_size"`
		TimeoutMS  int    `json:"timeout_ms"`
	} `json:"companion"`
	Telegram struct {
		Token  string `json:"token"`
		ChatID int64  `json:"chat_id"`
	} `json:"telegram"`
	Engine struct {
		SampleIntervalMS int `json:"sample_interval_ms"`
		SendStepMS       int `json:"send_step_ms"`
		SyncDebounceMS   int `json:"sync_debounce_ms"`
		MaxSendValues    int `json:"max_send_values"`
		NoiseFloor       int `json:"noise_floor"`
	} `json:"engine"`
	Delivery struct {
		MaxConcurrent int `json:"max_concurrent"`
		MaxAttempts   int `json:"max_attempts"`
	} `json:"delivery"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".sleeptrack"),
		LogLevel: "info",
	}
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Slots = 4
	cfg.Storage.ChunksPerSlot = 6
	cfg.Storage.MaxValueSize = 256
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8420"
	cfg.Companion.OutboxSize = 656
	cfg.Companion.TimeoutMS = 10000
	cfg.Engine.SampleIntervalMS = 300
	cfg.Engine.SendStepMS = 100
	cfg.Engine.SyncDebounceMS = 3000
	cfg.Engine.MaxSendValues = 40
	cfg.Delivery.MaxConcurrent = 2
	cfg.Delivery.MaxAttempts = 3
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if url := os.Getenv("SLEEPTRACK_COMPANION_URL"); url != "" {
		cfg.Companion.URL = url
	}
	if listen := os.Getenv("SLEEPTRACK_HTTP_LISTEN"); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if tgToken := os.Getenv("TELEGRAM_BOT_TOKEN"); tgToken != "" {
		cfg.Telegram.Token = tgToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values that would leave the service unable to store or
// export sessions. Zero sizes mean "use the default" and are accepted.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "memory", "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if n := c.Storage.MaxValueSize; n < 0 || (n > 0 && n < state.MinValueSize) {
		return fmt.Errorf("storage.max_value_size %d is below the minimum %d", n, state.MinValueSize)
	}
	if n := c.Companion.OutboxSize; n < 0 || (n > 0 && n < transfer.MinOutboxSize) {
		return fmt.Errorf("companion.outbox_size %d is below the minimum %d", n, transfer.MinOutboxSize)
	}
	return nil
}

func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Engine.SampleIntervalMS) * time.Millisecond
}

func (c *Config) SendStep() time.Duration {
	return time.Duration(c.Engine.SendStepMS) * time.Millisecond
}

func (c *Config) SyncDebounce() time.Duration {
	return time.Duration(c.Engine.SyncDebounceMS) * time.Millisecond
}

func (c *Config) CompanionTimeout() time.Duration {
	return time.Duration(c.Companion.TimeoutMS) * time.Millisecond
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to the nested map form of its JSON encoding.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
