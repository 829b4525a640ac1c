package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "omnicore",
	Short: "Omnichannel conversation and delivery core",
	Long: `omnicore receives patient messages from WhatsApp, Instagram, Telegram and the
web widget, answers them through the assistant and delivers the reply with
channel fallback and a durable retry queue.

Run "omnicore serve" to start the HTTP server.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.toml (defaults to $CONFIG_PATH or ./config.toml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, drainCmd, scoreCmd, knowledgeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
