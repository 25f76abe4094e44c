package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/sleeptrack/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("Sleeptrack Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		// 1. Storage backend
		backend := prompt(scanner, "Storage backend (sqlite, file, memory)", cfg.Storage.Backend)
		switch backend {
		case "sqlite", "file", "memory":
			cfg.Storage.Backend = backend
		default:
			fmt.Printf("Unknown backend %q, keeping %s\n", backend, cfg.Storage.Backend)
		}

		// 2. Companion inbox URL
		cfg.Companion.URL = prompt(scanner, "Companion inbox URL (optional)", cfg.Companion.URL)

		// 3. HTTP listen address
		cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)

		// 4. Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		// 5. Telegram chat ID
		if cfg.Telegram.Token != "" {
			def := ""
			if cfg.Telegram.ChatID != 0 {
				def = strconv.FormatInt(cfg.Telegram.ChatID, 10)
			}
			if id, err := strconv.ParseInt(prompt(scanner, "Telegram chat ID for summaries", def), 10, 64); err == nil {
				cfg.Telegram.ChatID = id
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
