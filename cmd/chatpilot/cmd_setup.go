package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/config"
	"github.com/user/chatpilot/internal/credentials"
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

		fmt.Println("ChatPilot Setup Wizard")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		key := prompt(scanner, "Activation key", "")
		if err := credentials.ValidateActivationKey(key, cfg.Activation.Keys); err != nil {
			return err
		}

		cfg.Account.Email = prompt(scanner, "Account email (for browser fallback)", cfg.Account.Email)
		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)

		if n, err := strconv.Atoi(prompt(scanner, "Replies per minute", strconv.Itoa(cfg.Engine.RateLimit))); err == nil && n > 0 {
			cfg.Engine.RateLimit = n
		}
		if n, err := strconv.Atoi(prompt(scanner, "Poll interval (seconds)", strconv.Itoa(cfg.Engine.PollIntervalSeconds))); err == nil && n > 0 {
			cfg.Engine.PollIntervalSeconds = n
		}

		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			id := prompt(scanner, "Telegram operator chat id", strconv.FormatInt(cfg.Telegram.OperatorChatID, 10))
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				cfg.Telegram.OperatorChatID = n
			}
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		fmt.Println("Next: chatpilot login --token <token> (or --curl / --email --password), then chatpilot run")
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
