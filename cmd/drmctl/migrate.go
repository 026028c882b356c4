package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"drm-host-service/config"
	"drm-host-service/internal/clearkey"
	"drm-host-service/internal/infra"
)

// migrateCmd はclearkeyストアのスキーマを作成する。
// プラグインが所有するテーブルのみを対象とする。
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the clearkey license store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()
		cfg := config.Load()

		dsn := cfg.DatabaseURL
		if dsn == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}

		db, err := infra.NewDB(dsn, cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		if err := clearkey.Migrate(db); err != nil {
			return fmt.Errorf("migrating clearkey store: %w", err)
		}

		fmt.Println("clearkey store schema is up to date")
		return nil
	},
}
