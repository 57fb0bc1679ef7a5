package config

import (
	"github.com/opencollective/ledger/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Task       TaskConfig       `mapstructure:"task"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type TaskConfig struct {
	SettlementEnabled bool `mapstructure:"settlement_enabled"` // 是否启用每月结算任务
}

// SettlementConfig 结算批处理参数
type SettlementConfig struct {
	MinimumAmountUSD int64    `mapstructure:"minimum_amount_usd"` // 结算下限（美分）
	DryRun           bool     `mapstructure:"dry_run"`            // 只计算不落库
	HostId           int64    `mapstructure:"host_id"`            // 只处理单个host
	Slugs            []string `mapstructure:"slugs"`              // host slug 白名单
	SkipSlugs        []string `mapstructure:"skip_slugs"`         // host slug 黑名单
	Kind             string   `mapstructure:"kind"`               // 只处理单个债务类型
	BaseDate         string   `mapstructure:"base_date"`          // 重跑时覆盖"当前时间"，格式 2006-01-02
	AttachmentDir    string   `mapstructure:"attachment_dir"`     // CSV附件存储目录
}

// PlatformConfig 平台账户配置
type PlatformConfig struct {
	CollectiveId int64            `mapstructure:"collective_id"` // 平台collective的ID
	PlanPrices   map[string]int64 `mapstructure:"plan_prices"`   // 定价方案 -> 每个托管collective的月度固定费（美分）
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别: debug, info, warn, error, fatal
	Output string `mapstructure:"output"` // 输出目标: stdout, stderr, file
	File   string `mapstructure:"file"`   // 日志文件路径（当output为file时使用）
}

// GetLevel 实现 logger.LogConfig 接口
func (l LogConfig) GetLevel() string {
	return l.Level
}

// GetOutput 实现 logger.LogConfig 接口
func (l LogConfig) GetOutput() string {
	return l.Output
}

// GetFile 实现 logger.LogConfig 接口
func (l LogConfig) GetFile() string {
	return l.File
}

func Load() *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/ledger")

	// 设置默认值
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "ledger")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("task.settlement_enabled", true)
	viper.SetDefault("settlement.minimum_amount_usd", 1000)
	viper.SetDefault("settlement.dry_run", false)
	viper.SetDefault("settlement.attachment_dir", "data/settlements")
	viper.SetDefault("platform.collective_id", 1)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.file", "logs/app.log")

	// 自动读取环境变量
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("Warning: Could not read config file: %v", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		logger.Fatal("Unable to decode config into struct: %v", err)
	}

	return &config
}
