package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Gopher0727/GameNight/config"
	"github.com/Gopher0727/GameNight/internal/storage"
	logger "github.com/Gopher0727/GameNight/middleware/log"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("配置初始化失败: %w", err)
			}
			log, err := logger.NewLogger(&cfg.Logging)
			if err != nil {
				return err
			}
			defer log.Close()

			// InitDatabase 内部已执行迁移
			db, err := storage.InitDatabase(&cfg.Database, log.Logger)
			if err != nil {
				return err
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			log.Info("schema migrated", zap.String("driver", cfg.Database.Driver))
			return nil
		},
	}
}
