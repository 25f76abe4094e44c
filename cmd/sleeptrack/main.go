package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sleeptrack/internal/config"
	"github.com/user/sleeptrack/internal/state"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "sleeptrack",
	Short:         "Sleep phase tracker with a smart wake-window alarm",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".sleeptrack", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openKV opens the storage backend named in the config.
func openKV(cfg *config.Config) (*state.KV, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return state.NewMemoryKV(cfg.Storage.MaxValueSize), nil
	case "file":
		return state.NewFileKV(filepath.Join(cfg.DataDir, "store.json"), cfg.Storage.MaxValueSize), nil
	case "sqlite", "":
		return state.OpenSQLiteKV(filepath.Join(cfg.DataDir, "sleeptrack.db"), cfg.Storage.MaxValueSize)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openSessions(cfg *config.Config, kv *state.KV) *state.SessionStore {
	return state.NewSessionStore(kv, state.SlotOptions{
		Slots:         cfg.Storage.Slots,
		ChunksPerSlot: cfg.Storage.ChunksPerSlot,
	})
}
