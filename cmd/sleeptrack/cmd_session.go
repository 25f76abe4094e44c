package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/user/sleeptrack/internal/engine"
	"github.com/user/sleeptrack/internal/state"
	"github.com/user/sleeptrack/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionExportCmd)
	sessionExportCmd.Flags().String("format", "json", "output format (json, yaml)")
}

// withSessions opens the configured store for the duration of fn.
func withSessions(fn func(ctx context.Context, sessions *state.SessionStore) error) error {
	cfg := loadConfig()
	kv, err := openKV(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer kv.Close()
	return fn(context.Background(), openSessions(cfg, kv))
}

// readSlot reads the slot named by args, or the latest session when args is empty.
func readSlot(ctx context.Context, sessions *state.SessionStore, args []string) (types.Session, error) {
	var (
		session types.Session
		ok      bool
		err     error
	)
	if len(args) == 0 {
		session, ok, err = sessions.Latest(ctx)
	} else {
		slot, convErr := strconv.Atoi(args[0])
		if convErr != nil {
			return types.Session{}, fmt.Errorf("invalid slot %q", args[0])
		}
		session, ok, err = sessions.Read(ctx, slot)
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("read session: %w", err)
	}
	if !ok {
		return types.Session{}, fmt.Errorf("no stored session")
	}
	return session, nil
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored sleep sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(func(ctx context.Context, sessions *state.SessionStore) error {
			list, err := sessions.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLOT\tSTART\tEND\tVALUES\tDEEP\tREM\tLIGHT\tAWAKE")
			for _, s := range list {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					s.Slot,
					s.Start.Format("2006-01-02 15:04"),
					s.End.Format("15:04"),
					s.Count,
					s.Stats.Minutes(types.PhaseDeep),
					s.Stats.Minutes(types.PhaseREM),
					s.Stats.Minutes(types.PhaseLight),
					s.Stats.Minutes(types.PhaseAwake),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [slot]",
	Short: "Print the phase summary of a stored session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(func(ctx context.Context, sessions *state.SessionStore) error {
			session, err := readSlot(ctx, sessions, args)
			if err != nil {
				return err
			}
			fmt.Println(engine.Summary(&session))
			fmt.Printf("Values: %d\n", session.Count())
			return nil
		})
	},
}

// sessionExport is the document written by session export.
type sessionExport struct {
	Start   time.Time `json:"start" yaml:"start"`
	End     time.Time `json:"end" yaml:"end"`
	Minutes int       `json:"minutes" yaml:"minutes"`
	Deep    uint16    `json:"deep" yaml:"deep"`
	REM     uint16    `json:"rem" yaml:"rem"`
	Light   uint16    `json:"light" yaml:"light"`
	Awake   uint16    `json:"awake" yaml:"awake"`
	Values  []uint16  `json:"values" yaml:"values,flow"`
}

func newSessionExport(s types.Session) sessionExport {
	return sessionExport{
		Start:   s.Start,
		End:     s.End,
		Minutes: int(s.Duration() / time.Minute),
		Deep:    s.Stats.Minutes(types.PhaseDeep),
		REM:     s.Stats.Minutes(types.PhaseREM),
		Light:   s.Stats.Minutes(types.PhaseLight),
		Awake:   s.Stats.Minutes(types.PhaseAwake),
		Values:  s.Values,
	}
}

func writeExport(w io.Writer, format string, doc sessionExport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

var sessionExportCmd = &cobra.Command{
	Use:   "export [slot]",
	Short: "Export a stored session as JSON or YAML",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return withSessions(func(ctx context.Context, sessions *state.SessionStore) error {
			session, err := readSlot(ctx, sessions, args)
			if err != nil {
				return err
			}
			return writeExport(os.Stdout, format, newSessionExport(session))
		})
	},
}
