package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/chatpilot/internal/config"
	"github.com/user/chatpilot/internal/logstream"
)

var (
	cfgPath    string
	passphrase string
)

var rootCmd = &cobra.Command{
	Use:           "chatpilot",
	Short:         "Auto-reply bot for creator DMs",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".chatpilot", "config.json"), "config file path")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "",
		"passphrase for the encrypted credentials (default $CHATPILOT_PASSPHRASE)")
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

func getPassphrase() string {
	if passphrase != "" {
		return passphrase
	}
	return os.Getenv("CHATPILOT_PASSPHRASE")
}

func logLevel(cfg *config.Config) slog.Level {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg)})))
}

// setupLogStream is setupLogging for the daemon: records also reach the
// hub's sinks regardless of the console level.
func setupLogStream(cfg *config.Config, hub *logstream.Hub) {
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg)})
	slog.SetDefault(slog.New(logstream.NewHandler(inner, hub)))
}
