package database

import (
	"fmt"

	"github.com/trojan-defender/internal/model"
	"github.com/trojan-defender/pkg/config"
	"github.com/trojan-defender/pkg/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var db *gorm.DB

func InitDB(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var err error
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Host,
		cfg.User,
		cfg.Password,
		cfg.DBName,
		cfg.Port,
		cfg.SSLMode,
	)
	db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Logger.Info("连接数据库成功")

	if err := Migrate(db); err != nil {
		return nil, err
	}
	logger.Logger.Info("数据库迁移成功")
	return db, nil
}

// Migrate 迁移全部业务表, 测试中也会对内存库调用
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&model.User{},
		&model.ScanResult{},
		&model.ScanThreat{},
		&model.YaraRule{},
		&model.ScanStatistics{},
		&model.ThreatIntelligence{},
		&model.ThreatEvent{},
		&model.ThreatStatistics{},
		&model.Notification{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate models: %w", err)
	}
	return nil
}

func GetDB() *gorm.DB {
	if db == nil {
		panic("数据库未初始化")
	}
	return db
}
