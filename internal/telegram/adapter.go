package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/sleeptrack/internal/engine"
	"github.com/user/sleeptrack/internal/types"
)

const maxTelegramMessage = 4096

// Controller is the subset of engine.Client the chat commands drive.
type Controller interface {
	Toggle(ctx context.Context) error
	Sync(ctx context.Context) error
	Acknowledge(ctx context.Context) (bool, error)
	SetWindow(ctx context.Context, w types.WakeWindow) error
	StepWindow(ctx context.Context, edge types.Edge, minutes bool, delta int) error
	SetMode(ctx context.Context, m types.Mode) error
	SetAutoMode(ctx context.Context, on bool) error
	Status(ctx context.Context) (engine.Status, error)
}

// Adapter lets a Telegram chat act as the companion: chat commands become
// engine operations and session summaries are delivered back to the chat.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	ctl      Controller
	sessions types.SessionReader
	// chatID, when non-zero, is the only chat whose commands are accepted.
	chatID int64
}

// New creates a Telegram adapter.
func New(token string, ctl Controller, sessions types.SessionReader, chatID int64) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Adapter{
		bot:      bot,
		ctl:      ctl,
		sessions: sessions,
		chatID:   chatID,
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if a.chatID != 0 && chatID != a.chatID {
		slog.Warn("ignoring message from unknown chat", "chat_id", chatID)
		return
	}
	if !msg.IsCommand() {
		a.sendResponse(chatID, helpText)
		return
	}
	a.sendResponse(chatID, a.reply(ctx, msg.Command(), msg.CommandArguments()))
}

const helpText = "Commands:\n" +
	"/toggle - start or stop tracking (acknowledges a ringing alarm)\n" +
	"/status - current state\n" +
	"/ack - stop the alarm\n" +
	"/sync - send the last night to the companion\n" +
	"/window HH:MM HH:MM - set the wake window\n" +
	"/shift start|end h|m N - nudge a window edge\n" +
	"/mode workday|weekend|auto\n" +
	"/last - summary of the last stored night"

// reply runs one chat command and returns the text to send back.
func (a *Adapter) reply(ctx context.Context, cmd, args string) string {
	switch cmd {
	case "start", "help":
		return helpText

	case "status":
		st, err := a.ctl.Status(ctx)
		if err != nil {
			return "Error fetching status."
		}
		return formatStatus(st)

	case "toggle":
		if err := a.ctl.Toggle(ctx); err != nil {
			return "Error toggling tracking."
		}
		st, err := a.ctl.Status(ctx)
		if err != nil {
			return "Toggled."
		}
		if st.Active {
			return "Tracking started. Good night."
		}
		return "Tracking stopped."

	case "ack":
		stopped, err := a.ctl.Acknowledge(ctx)
		if err != nil {
			return "Error stopping the alarm."
		}
		if !stopped {
			return "No alarm is ringing."
		}
		return "Alarm stopped. Good morning."

	case "sync":
		err := a.ctl.Sync(ctx)
		if errors.Is(err, types.ErrTransferInFlight) {
			return "A sync is already running."
		}
		if err != nil {
			return "Error starting sync."
		}
		return "Sync scheduled."

	case "window":
		fields := strings.Fields(args)
		if len(fields) == 0 {
			st, err := a.ctl.Status(ctx)
			if err != nil {
				return "Error fetching status."
			}
			return "Wake window: " + st.Window
		}
		if len(fields) != 2 {
			return "Usage: /window HH:MM HH:MM"
		}
		w, err := types.ParseWakeWindow(fields[0], fields[1])
		if err != nil {
			return "Invalid window: " + err.Error()
		}
		if err := a.ctl.SetWindow(ctx, w); err != nil {
			return "Error saving the window."
		}
		return "Wake window set to " + w.String()

	case "shift":
		return a.shift(ctx, strings.Fields(args))

	case "mode":
		return a.mode(ctx, strings.TrimSpace(args))

	case "last":
		s, ok, err := a.sessions.Latest(ctx)
		if err != nil {
			return "Error reading stored sessions."
		}
		if !ok {
			return "No stored session yet."
		}
		return engine.Summary(&s)

	default:
		return "Unknown command.\n\n" + helpText
	}
}

func (a *Adapter) shift(ctx context.Context, fields []string) string {
	const usage = "Usage: /shift start|end h|m N"
	if len(fields) != 3 {
		return usage
	}
	var edge types.Edge
	switch fields[0] {
	case "start":
		edge = types.EdgeStart
	case "end":
		edge = types.EdgeEnd
	default:
		return usage
	}
	var minutes bool
	switch fields[1] {
	case "h":
	case "m":
		minutes = true
	default:
		return usage
	}
	delta, err := strconv.Atoi(fields[2])
	if err != nil {
		return usage
	}
	err = a.ctl.StepWindow(ctx, edge, minutes, delta)
	if errors.Is(err, types.ErrMalformedCommand) {
		return "The window end must stay after its start."
	}
	if err != nil {
		return "Error saving the window."
	}
	st, err := a.ctl.Status(ctx)
	if err != nil {
		return "Window updated."
	}
	return "Wake window: " + st.Window
}

func (a *Adapter) mode(ctx context.Context, arg string) string {
	var err error
	switch arg {
	case "workday":
		err = a.ctl.SetMode(ctx, types.ModeWorkday)
	case "weekend":
		err = a.ctl.SetMode(ctx, types.ModeWeekend)
	case "auto":
		err = a.ctl.SetAutoMode(ctx, true)
	default:
		return "Usage: /mode workday|weekend|auto"
	}
	if err != nil {
		return "Error saving the mode."
	}
	return "Mode set to " + arg + "."
}

func formatStatus(st engine.Status) string {
	var sb strings.Builder
	state := "idle"
	if st.Active {
		state = "tracking"
	}
	fmt.Fprintf(&sb, "State: %s\nMode: %s\nWake window: %s\nAlarm: %s", state, st.Mode, st.Window, st.Alarm)
	if st.Session != nil && !st.Session.Finished {
		fmt.Fprintf(&sb, "\nPhase: %s\nMinutes: %d", st.Phase, st.Session.Minutes)
	}
	if st.Syncing {
		sb.WriteString("\nSync in progress")
	}
	return sb.String()
}

// SendTo delivers text to a "telegram:<chat id>" recipient. It is meant to
// be registered with a delivery.Registry.
func (a *Adapter) SendTo(to types.Recipient, text string) error {
	chatID, err := parseRecipient(to)
	if err != nil {
		return err
	}
	for _, part := range splitMessage(text) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send to chat %d: %w", chatID, err)
		}
	}
	return nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				slog.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// Recipient returns the delivery address of a chat.
func Recipient(chatID int64) types.Recipient {
	return types.NewRecipient("telegram", strconv.FormatInt(chatID, 10))
}

func parseRecipient(to types.Recipient) (int64, error) {
	rest, ok := strings.CutPrefix(string(to), "telegram:")
	if !ok {
		return 0, fmt.Errorf("invalid telegram recipient %q", to)
	}
	chatID, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram recipient %q", to)
	}
	return chatID, nil
}
