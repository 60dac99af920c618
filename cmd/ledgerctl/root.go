package main

import (
	"fmt"
	"os"

	"lostfound/internal/config"
	"lostfound/internal/infrastructure/cache"
	"lostfound/internal/infrastructure/database"
	"lostfound/internal/infrastructure/logger"
	"lostfound/internal/service"

	"github.com/spf13/cobra"
)

// ─── ledgerctl ──────────────────────────────────────────────────────────────
// 运维工具：直接连接数据库和 Redis，走和服务端相同的账本逻辑和锁。

var (
	configPath string

	ledger *service.LedgerService
	escrow *service.EscrowService
)

var rootCmd = &cobra.Command{
	Use:           "ledgerctl",
	Short:         "Token ledger administration",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
}

func init() {
	defaultPath := os.Getenv("LOSTFOUND_CONFIG")
	if defaultPath == "" {
		defaultPath = "config/config.yaml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultPath, "Path to config file")
}

func setup() error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if _, _, err := logger.InitLogger(&cfg.Log); err != nil {
		return err
	}

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return fmt.Errorf("connect mysql: %w", err)
	}
	rdb, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	ledger = service.NewLedgerService(db, rdb, cfg)
	escrow = service.NewEscrowService(ledger, service.NewReportService(db, rdb, cfg), rdb, cfg)
	return nil
}
