package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/jmbish04/cfgate/internal/config"
	"github.com/jmbish04/cfgate/internal/scheduler"
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

		color.New(color.Bold).Println("cfgate setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		cfg.HTTP.Listen = prompt(scanner, "Listen address", cfg.HTTP.Listen)

		cfg.Upstream.BaseURL = prompt(scanner, "Upstream API base URL", cfg.Upstream.BaseURL)
		cfg.Upstream.APIToken = prompt(scanner, "Upstream API token", cfg.Upstream.APIToken)

		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key (empty for the static coach)", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		thr := prompt(scanner, "Initial confidence threshold", strconv.FormatFloat(cfg.Gateway.DefaultThreshold, 'f', -1, 64))
		if v, err := strconv.ParseFloat(thr, 64); err == nil && v >= 0 && v <= 1 {
			cfg.Gateway.DefaultThreshold = v
		}

		cfg.Queue.Backend = prompt(scanner, "Work queue backend (memory or redis)", cfg.Queue.Backend)
		if cfg.Queue.Backend == "redis" {
			cfg.Queue.RedisAddr = prompt(scanner, "Redis address", cfg.Queue.RedisAddr)
			cfg.Queue.RedisPassword = prompt(scanner, "Redis password (optional)", cfg.Queue.RedisPassword)
		}

		schedule := prompt(scanner, "Auto-tune schedule", cfg.AutoTune.Schedule)
		if err := scheduler.Validate(schedule); err != nil {
			fmt.Printf("%s %v, keeping %s\n", color.New(color.FgYellow).Sprint("warning:"), err, cfg.AutoTune.Schedule)
		} else {
			cfg.AutoTune.Schedule = schedule
		}

		if err := cfg.Validate(); err != nil {
			return err
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
