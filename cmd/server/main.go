package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lostfound/internal/config"
	"lostfound/internal/handler"
	"lostfound/internal/infrastructure/cache"
	"lostfound/internal/infrastructure/database"
	"lostfound/internal/infrastructure/logger"
	"lostfound/internal/infrastructure/mq"
	"lostfound/internal/job"
	"lostfound/internal/service"
	"lostfound/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	configPath := os.Getenv("LOSTFOUND_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化日志
	_, syncLogger, err := logger.InitLogger(&cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer syncLogger()

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		zap.L().Fatal("初始化 MySQL 失败", zap.Error(err))
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		zap.L().Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer redisClient.Close()

	// 初始化 Kafka
	producer, err := mq.InitKafka(&cfg.Kafka)
	if err != nil {
		zap.L().Fatal("初始化 Kafka 失败", zap.Error(err))
	}
	defer mq.CloseKafka(producer)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	ledger := service.NewLedgerService(db, redisClient, cfg)
	reports := service.NewReportService(db, redisClient, cfg)
	reconcileJob := job.NewEscrowReconcileJob(service.NewEscrowService(ledger, reports, redisClient, cfg), cfg)
	go reconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, redisClient, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		zap.L().Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("服务关闭异常", zap.Error(err))
	}

	zap.L().Info("服务已关闭")
}
