package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/trojan-defender/internal/api/handler"
	"github.com/trojan-defender/internal/api/middleware"
	"github.com/trojan-defender/internal/auth"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/intel"
	"github.com/trojan-defender/internal/ws"
	"github.com/trojan-defender/pkg/config"
	"gorm.io/gorm"
)

func SetupRouter(cfg *config.Config, db *gorm.DB, rdb *redis.Client, asynqClient *asynq.Client, hub *ws.Hub) *gin.Engine {
	router := gin.New()
	router.Use(middleware.LoggerMiddleware())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
	router.Use(cors.New(corsConfig))

	manager := auth.NewManager(&cfg.JWT)
	publisher := bus.NewPublisher(rdb)
	updater := intel.NewUpdater(db, intel.NewClient(&cfg.Intel), publisher, intel.NewGeoLocator())

	authHandler := handler.NewAuthHandler(db, manager)
	scanHandler := handler.NewScanHandler(db, asynqClient, publisher, &cfg.Upload)
	yaraHandler := handler.NewYaraHandler(db)
	intelHandler := handler.NewIntelHandler(db, rdb, updater, asynqClient)
	notificationHandler := handler.NewNotificationHandler(db)
	healthHandler := handler.NewHealthHandler(db, rdb)
	wsHandler := handler.NewWSHandler(db, hub, manager)

	authRequired := middleware.AuthMiddleware(manager)

	// 健康检查不鉴权不限流
	health := router.Group("/health")
	{
		health.GET("", healthHandler.Health)
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
		health.GET("/detailed", healthHandler.Detailed)
		health.GET("/cache", healthHandler.Cache)
	}

	api := router.Group("/api")
	{
		authGroup := api.Group("/auth")
		authGroup.Use(middleware.RateLimitMiddleware(rdb, "auth", 20, time.Minute))
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
			authGroup.POST("/token", authHandler.Login)
			authGroup.POST("/token/refresh", authHandler.Refresh)

			profile := authGroup.Group("")
			profile.Use(authRequired)
			{
				profile.GET("/profile", authHandler.Profile)
				profile.PATCH("/profile", authHandler.UpdateProfile)
				profile.POST("/password-change", authHandler.ChangePassword)
			}
		}

		scanner := api.Group("/scanner")
		scanner.Use(authRequired)
		{
			scanner.POST("/upload",
				middleware.RateLimitMiddleware(rdb, "upload", 30, time.Minute),
				scanHandler.UploadFile)
			scanner.GET("/results", scanHandler.ListResults)
			scanner.GET("/results/:id", scanHandler.GetResult)
			scanner.DELETE("/results/:id", scanHandler.DeleteResult)
			scanner.GET("/statistics", scanHandler.Statistics)

			yaraRules := scanner.Group("/yara-rules")
			{
				yaraRules.GET("", yaraHandler.ListRules)
				yaraRules.GET("/:id", yaraHandler.GetRule)
				yaraRules.POST("", middleware.StaffOnly(), yaraHandler.CreateRule)
				yaraRules.PUT("/:id", middleware.StaffOnly(), yaraHandler.UpdateRule)
				yaraRules.DELETE("/:id", middleware.StaffOnly(), yaraHandler.DeleteRule)
			}
		}

		threatmap := api.Group("/threatmap")
		threatmap.Use(authRequired)
		{
			threatmap.GET("/events", intelHandler.ListEvents)
			threatmap.GET("/map-data", intelHandler.MapData)
			threatmap.GET("/statistics", intelHandler.Statistics)
		}

		threatIntel := api.Group("/threat-intelligence")
		threatIntel.Use(authRequired)
		{
			threatIntel.GET("/threats", intelHandler.ListThreats)
			threatIntel.GET("/events", intelHandler.ListEvents)
			threatIntel.GET("/statistics", intelHandler.Statistics)
			threatIntel.GET("/map-data", intelHandler.MapData)
			threatIntel.POST("/update", middleware.StaffOnly(), intelHandler.TriggerUpdate)
			threatIntel.POST("/check-ips", middleware.StaffOnly(), intelHandler.CheckIPs)
		}

		notifications := api.Group("/notifications")
		notifications.Use(authRequired)
		{
			notifications.GET("", notificationHandler.List)
			notifications.GET("/unread-count", notificationHandler.UnreadCount)
			notifications.POST("/:id/read", notificationHandler.MarkRead)
			notifications.POST("/mark-all-read", notificationHandler.MarkAllRead)
		}
	}

	// WebSocket通过?token=鉴权, 不走Authorization头
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("", wsHandler.Connect)
		wsGroup.GET("/scan-status", wsHandler.Connect)
		wsGroup.GET("/threat-map", wsHandler.ThreatMap)
		wsGroup.GET("/threat-intelligence", wsHandler.ThreatMap)
	}

	return router
}
