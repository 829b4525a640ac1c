package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/omnicore/internal/db"
	"github.com/memohai/omnicore/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		conn, err := db.Open(context.Background(), cfg.Database)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer conn.Close()

		driver := cfg.Database.Driver
		if driver == "" {
			driver = db.DriverSQLite
		}
		switch args[0] {
		case "up":
			err = db.Migrate(conn, driver)
		case "down":
			err = db.MigrateDown(conn, driver)
		}
		if err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		logger.L.Info("migrations applied", "direction", args[0], "driver", driver)
		return nil
	},
}
