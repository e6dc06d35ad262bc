package main

import (
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/trojan-defender/internal/bus"
	"github.com/trojan-defender/internal/database"
	"github.com/trojan-defender/internal/intel"
	"github.com/trojan-defender/internal/notify"
	"github.com/trojan-defender/internal/scanner"
	"github.com/trojan-defender/internal/worker"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	if err := logger.InitLogger(&cfg.Logger, "worker", "log/worker.log"); err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	logger.Logger.Info("日志系统初始化成功")

	db, err := database.InitDB(&cfg.Database)
	if err != nil {
		logger.Logger.Fatal("数据库初始化失败", zap.Error(err))
	}
	logger.Logger.Info("Worker数据库连接成功")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	publisher := bus.NewPublisher(rdb)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// 扫描引擎按固定顺序执行: ClamAV -> YARA -> VirusTotal
	engines := []scanner.Engine{
		scanner.NewClamAVEngine(cfg.Scanner.ClamAVAddr, time.Duration(cfg.Scanner.ClamAVTimeout)*time.Second),
		scanner.NewYaraEngine(db, time.Duration(cfg.Scanner.YaraTimeout)*time.Second, cfg.Scanner.YaraMaxSize),
		scanner.NewVirusTotalEngine(cfg.Scanner.VirusTotalKey, cfg.Scanner.VirusTotalURL,
			time.Duration(cfg.Scanner.VirusTotalWait)*time.Second),
	}

	notifier := notify.NewNotifier(db, &cfg.Mail)
	scanProcessor := worker.NewScanProcessor(db, publisher, notifier, engines)

	updater := intel.NewUpdater(db, intel.NewClient(&cfg.Intel), publisher, intel.NewGeoLocator())
	maintenance := worker.NewMaintenanceProcessor(db, updater, cfg)

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// 指定并发处理任务的数量
			Concurrency: 10,
			// 定义不同优先级的队列
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			RetryDelayFunc: worker.RetryDelay,
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(worker.TypeScanFile, scanProcessor.HandleScanTask)
	mux.HandleFunc(worker.TypeIntelUpdate, maintenance.HandleIntelUpdate)
	mux.HandleFunc(worker.TypeDailyStats, maintenance.HandleDailyStats)
	mux.HandleFunc(worker.TypeCleanup, maintenance.HandleCleanup)

	// 周期任务通过cron入队, 与即时任务共用asynq的重试与队列机制
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Intel.UpdateCron, func() {
		if _, err := asynqClient.Enqueue(worker.NewIntelUpdateTask()); err != nil {
			logger.Logger.Error("派发黑名单同步任务失败", zap.Error(err))
		}
	}); err != nil {
		logger.Logger.Fatal("无效的情报同步cron表达式", zap.String("cron", cfg.Intel.UpdateCron), zap.Error(err))
	}
	scheduler.AddFunc("5 0 * * *", func() {
		if _, err := asynqClient.Enqueue(worker.NewDailyStatsTask()); err != nil {
			logger.Logger.Error("派发日统计任务失败", zap.Error(err))
		}
	})
	scheduler.AddFunc("30 3 * * *", func() {
		if _, err := asynqClient.Enqueue(worker.NewCleanupTask()); err != nil {
			logger.Logger.Error("派发清理任务失败", zap.Error(err))
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	logger.Logger.Info("Worker已启动，正在等待任务...")
	if err := srv.Run(mux); err != nil {
		logger.Logger.Fatal("无法启动Worker服务器", zap.Error(err))
	}
}
