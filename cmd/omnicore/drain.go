package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/memohai/omnicore/internal/channel/adapters/web"
	"github.com/memohai/omnicore/internal/logger"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run one pass over the retry queue and exit",
	Long: `drain sends every due item in the retry queue once, using the channels
configured for the server, and prints the pass statistics as JSON.

Web widget replies cannot reach a socket from this process; they stay queued
until a running server drains them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.L
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer conn.Close()

		pubs, closePubs, err := openPublishers(ctx, log, cfg.AMQP)
		if err != nil {
			return err
		}
		defer func() { _ = closePubs() }()

		registry, err := buildRegistry(log, cfg, web.NewMemoryHub(), nil)
		if err != nil {
			return err
		}
		core := buildDeliveryCore(log, cfg, conn, registry, pubs.Alerts)
		stats, err := core.Processor.DrainOnce(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}
