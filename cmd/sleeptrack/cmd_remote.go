package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sleeptrack/internal/command"
	"github.com/user/sleeptrack/internal/engine"
	"github.com/user/sleeptrack/internal/types"
)

func init() {
	rootCmd.AddCommand(toggleCmd, syncCmd, ackCmd, statusCmd, windowCmd, sendCmd)
	sendCmd.AddCommand(sendSyncCmd, sendToggleCmd, sendTimeCmd, sendSettingsCmd)

	f := sendSettingsCmd.Flags()
	f.Uint8("rise", types.DefaultRiseCoef, "rise coefficient in tenths")
	f.Uint8("fall", types.DefaultFallCoef, "fall coefficient in tenths")
	f.Uint8("snooze", 0, "snooze minutes")
	f.Uint8("profile", 0, "vibration profile")
	f.Bool("vibrate", false, "vibrate on every phase change")
}

// daemonURL returns the base URL of the running daemon's HTTP surface.
func daemonURL() string {
	listen := loadConfig().HTTP.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

// call sends one request to the daemon and decodes a JSON reply into out.
func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, daemonURL()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon (is `sleeptrack serve` running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func printStatus(st engine.Status) {
	state := "idle"
	if st.Active {
		state = "tracking"
	}
	fmt.Printf("State:   %s\n", state)
	fmt.Printf("Mode:    %s\n", st.Mode)
	fmt.Printf("Window:  %s\n", st.Window)
	fmt.Printf("Alarm:   %s\n", st.Alarm)
	if st.Session != nil && !st.Session.Finished {
		fmt.Printf("Phase:   %s\n", st.Phase)
		fmt.Printf("Minutes: %d (%d values)\n", st.Session.Minutes, st.Session.Values)
	}
	if st.Syncing {
		fmt.Println("Sync in progress")
	}
	if st.LastSync != nil {
		fmt.Printf("Last sync: %d values, %d windows, %d resends\n",
			st.LastSync.Values, st.LastSync.Windows, st.LastSync.Resends)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's tracking state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st engine.Status
		if err := call(http.MethodGet, "/api/status", nil, &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Start or stop tracking (acknowledges a ringing alarm)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st engine.Status
		if err := call(http.MethodPost, "/api/toggle", nil, &st); err != nil {
			return err
		}
		printStatus(st)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send the latest stored session to the companion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodPost, "/api/sync", nil, nil); err != nil {
			return err
		}
		fmt.Println("Sync scheduled.")
		return nil
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Stop a ringing alarm",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Stopped bool `json:"stopped"`
		}
		if err := call(http.MethodPost, "/api/alarm/ack", nil, &resp); err != nil {
			return err
		}
		if resp.Stopped {
			fmt.Println("Alarm stopped.")
		} else {
			fmt.Println("No alarm is ringing.")
		}
		return nil
	},
}

var windowCmd = &cobra.Command{
	Use:   "window <HH:MM> <HH:MM>",
	Short: "Set the wake window",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := types.ParseWakeWindow(args[0], args[1]); err != nil {
			return err
		}
		var resp struct {
			Window string `json:"window"`
		}
		body := map[string]string{"start": args[0], "end": args[1]}
		if err := call(http.MethodPut, "/api/window", body, &resp); err != nil {
			return err
		}
		fmt.Println("Wake window set to", resp.Window)
		return nil
	},
}

// send posts raw companion commands to the daemon's inbox, the same way the
// companion does.
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a raw companion command to the daemon",
}

func sendCommand(c command.Command) error {
	msg := command.Encode(c)
	if err := call(http.MethodPost, "/inbox", msg, nil); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Sent %s %s\n", c.Name(), msg)
	return nil
}

var sendSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Send START_SYNC",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(command.StartSync{})
	},
}

var sendToggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Send TOGGLE_SLEEP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(command.ToggleSleep{})
	},
}

var sendTimeCmd = &cobra.Command{
	Use:   "time <HH:MM> <HH:MM>",
	Short: "Send SET_TIME with a new wake window",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := types.ParseWakeWindow(args[0], args[1])
		if err != nil {
			return err
		}
		return sendCommand(command.SetTime{Window: w})
	},
}

var sendSettingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Send SET_SETTINGS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		rise, _ := f.GetUint8("rise")
		fall, _ := f.GetUint8("fall")
		snooze, _ := f.GetUint8("snooze")
		profile, _ := f.GetUint8("profile")
		vibrate, _ := f.GetBool("vibrate")
		if !types.ValidCoef(rise) || !types.ValidCoef(fall) {
			return fmt.Errorf("coefficients must be within %d..%d", types.MinCoef, types.MaxCoef)
		}
		return sendCommand(command.SetSettings{
			Snooze:          snooze,
			FallCoef:        fall,
			RiseCoef:        rise,
			Profile:         profile,
			VibrateOnChange: vibrate,
		})
	},
}
