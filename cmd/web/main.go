package main

import (
	"context"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/trojan-defender/internal/api/router"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/database"
	"github.com/trojan-defender/internal/ws"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	// 加载日志系统
	if err := logger.InitLogger(&cfg.Logger, "web", "log/web.log"); err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	// 初始化数据库
	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Logger.Fatal("数据库初始化失败", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// WebSocket hub + Redis订阅: worker发布的事件经由这里转发给前端连接
	hub := ws.NewHub()
	go hub.Run()
	go func() {
		if err := bus.Subscribe(context.Background(), rdb, hub.BroadcastRaw); err != nil {
			logger.Logger.Error("Redis订阅退出", zap.Error(err))
		}
	}()

	r := router.SetupRouter(cfg, db, rdb, asynqClient, hub)
	addr := fmt.Sprintf(":%s", cfg.Server.Port)
	logger.Logger.Info("Server is running on ", zap.String("addr", addr))

	if err := r.Run(addr); err != nil {
		logger.Logger.Error("Server is shutting down", zap.Error(err))
	}
}
