package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/sleeptrack/internal/actuator"
	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/delivery"
	"github.com/user/sleeptrack/internal/engine"
	"github.com/user/sleeptrack/internal/motion"
	"github.com/user/sleeptrack/internal/scheduler"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/telegram"
	"github.com/user/sleeptrack/internal/transfer"
	"github.com/user/sleeptrack/internal/types"
	"github.com/user/sleeptrack/internal/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sleeptrack daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "sleeptrack.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	kv, err := openKV(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer kv.Close()
	sessions := openSessions(cfg, kv)
	settings := state.NewSettingsStore(kv)

	loop := scheduler.NewLoop(256)
	sensor := motion.NewLatest()
	channel := companion.NewHTTPChannel(companion.HTTPOptions{
		URL:        cfg.Companion.URL,
		OutboxSize: cfg.Companion.OutboxSize,
		Timeout:    cfg.CompanionTimeout(),
	})

	// Delivery registry
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", func(to types.Recipient, message string) error {
		slog.Info("session summary", "to", string(to), "text", message)
		return nil
	})
	policy := delivery.DefaultRetryPolicy()
	if cfg.Delivery.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Delivery.MaxAttempts
	}
	dispatcher := delivery.NewDispatcher(deliveryReg, policy, int64(cfg.Delivery.MaxConcurrent))

	recipients := []types.Recipient{types.NewRecipient("log", "summary")}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		recipients = append(recipients, telegram.Recipient(cfg.Telegram.ChatID))
	}

	eng := engine.New(engine.Deps{
		Scheduler: loop,
		Motion:    sensor,
		Channel:   channel,
		Sessions:  sessions,
		Settings:  settings,
		Actuator:  actuator.Log{},
		Notifier:  dispatcher,
	}, engine.Options{
		SampleInterval: cfg.SampleInterval(),
		NoiseFloor:     cfg.Engine.NoiseFloor,
		Transfer: transfer.Options{
			Debounce:  cfg.SyncDebounce(),
			Step:      cfg.SendStep(),
			MaxValues: cfg.Engine.MaxSendValues,
			OnComplete: func(r transfer.Result) {
				slog.Info("sync delivered", "transfer_id", r.ID, "values", r.Values, "resends", r.Resends)
			},
		},
		Recipients: recipients,
	})
	channel.Bind(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The loop is not running yet, so the engine can be started directly.
	if err := eng.Start(ctx); err != nil {
		return err
	}
	if err := loop.EveryMinute(eng.MinuteTick); err != nil {
		return fmt.Errorf("register minute tick: %w", err)
	}
	client := engine.NewClient(eng, loop)

	// Outlives ctx so the summary of a session sealed at shutdown still goes out.
	dispatcher.Start(context.Background())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, client, sessions, cfg.Telegram.ChatID)
		if err != nil {
			cancel()
			g.Wait()
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register("telegram:", adapter.SendTo)
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
		slog.Info("telegram adapter started", "chat_id", cfg.Telegram.ChatID)
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Webhook HTTP server
	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:    cfg.HTTP.Listen,
			Handler: webhook.NewServer(client, sessions, sensor, channel),
		}
		g.Go(func() error {
			slog.Info("webhook server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("webhook server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	slog.Info("sleeptrack started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"storage", cfg.Storage.Backend,
		"companion_url", cfg.Companion.URL,
		"pid_file", pidPath,
	)

	shutdown := func() error {
		cancel()
		err := g.Wait()
		// The loop has exited; nothing else touches the engine now.
		eng.Stop()
		if !dispatcher.WaitIdle(5 * time.Second) {
			slog.Warn("pending notifications dropped at shutdown")
		}
		dispatcher.Stop()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigChan:
		if err := shutdown(); err != nil {
			slog.Error("shutdown", "error", err)
		}
		if sig == syscall.SIGHUP {
			return restartSelf(pidPath, kv)
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	case <-gctx.Done():
		// A component failed; surface its error.
		return shutdown()
	}
}

// restartSelf replaces the process with a fresh copy of itself.
func restartSelf(pidPath string, kv *state.KV) error {
	slog.Info("received SIGHUP, restarting")
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	// Clean up PID file and storage before re-exec
	os.Remove(pidPath)
	kv.Close()
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
