package config

import (
	"fmt"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Logger   LoggerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Upload   UploadConfig
	Scanner  ScannerConfig
	Intel    IntelConfig
	Mail     MailConfig
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggerConfig struct {
	Mode       string
	Level      string
	MaxSize    int `mapstructure:"max_size"`
	MaxBackups int `mapstructure:"max_backups"`
	MaxAge     int `mapstructure:"max_age"`
	Compress   bool
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret          string
	AccessTTLMin    int `mapstructure:"access_ttl_min"`
	RefreshTTLHours int `mapstructure:"refresh_ttl_hours"`
}

type UploadConfig struct {
	Dir           string
	MaxSize       int64 `mapstructure:"max_size"`
	RetentionDays int   `mapstructure:"retention_days"`
}

// ScannerConfig 扫描引擎相关配置
type ScannerConfig struct {
	ClamAVAddr     string `mapstructure:"clamav_addr"`
	ClamAVTimeout  int    `mapstructure:"clamav_timeout"`
	YaraTimeout    int    `mapstructure:"yara_timeout"`
	YaraMaxSize    int64  `mapstructure:"yara_max_size"`
	VirusTotalKey  string `mapstructure:"virustotal_key"`
	VirusTotalURL  string `mapstructure:"virustotal_url"`
	VirusTotalWait int    `mapstructure:"virustotal_wait"`
}

// IntelConfig 威胁情报源配置
type IntelConfig struct {
	AbuseIPDBKey      string `mapstructure:"abuseipdb_key"`
	AbuseIPDBURL      string `mapstructure:"abuseipdb_url"`
	ConfidenceMinimum int    `mapstructure:"confidence_minimum"`
	BlacklistLimit    int    `mapstructure:"blacklist_limit"`
	RetentionDays     int    `mapstructure:"retention_days"`
	UpdateCron        string `mapstructure:"update_cron"`
}

type MailConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// 全局配置变量
var Cfg *Config

// LoadConfig 从 pkg/config/config.yaml 加载配置
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")       // 配置文件名 (不带后缀)
	viper.SetConfigType("yaml")         // 配置文件类型
	viper.AddConfigPath("./pkg/config") // 配置文件路径
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	Cfg = &cfg
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("jwt.access_ttl_min", 30)
	viper.SetDefault("jwt.refresh_ttl_hours", 168)
	viper.SetDefault("upload.dir", "uploads")
	viper.SetDefault("upload.max_size", 100*1024*1024)
	viper.SetDefault("upload.retention_days", 30)
	viper.SetDefault("scanner.clamav_addr", "scanner:3310")
	viper.SetDefault("scanner.clamav_timeout", 30)
	viper.SetDefault("scanner.yara_timeout", 60)
	viper.SetDefault("scanner.yara_max_size", 100*1024*1024)
	viper.SetDefault("scanner.virustotal_url", "https://www.virustotal.com/api/v3")
	viper.SetDefault("scanner.virustotal_wait", 300)
	viper.SetDefault("intel.abuseipdb_url", "https://api.abuseipdb.com/api/v2")
	viper.SetDefault("intel.confidence_minimum", 25)
	viper.SetDefault("intel.blacklist_limit", 10000)
	viper.SetDefault("intel.retention_days", 90)
	viper.SetDefault("intel.update_cron", "@hourly")
}
