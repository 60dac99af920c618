package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	ReportEvents string `mapstructure:"report_events"`
	LedgerEvents string `mapstructure:"ledger_events"`
}

// BusinessConfig 业务参数
type BusinessConfig struct {
	MinBounty         int64         `mapstructure:"min_bounty"`          // 悬赏下限
	InitialGrant      int64         `mapstructure:"initial_grant"`       // 注册赠送代币
	MaxRetryCount     int           `mapstructure:"max_retry_count"`     // outbox 最大重试次数
	LockExpiration    time.Duration `mapstructure:"lock_expiration"`     // 分布式锁过期时间
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"` // 获取锁重试间隔
	LockMaxRetries    int           `mapstructure:"lock_max_retries"`    // 获取锁最大重试次数
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`     // 超过该时长仍未闭环的托管记录交给对账任务
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

// Default 返回带业务默认值的配置，测试和命令行工具直接使用
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Kafka: KafkaConfig{
			Topic: KafkaTopicConfig{
				ReportEvents: "lostfound.report",
				LedgerEvents: "lostfound.ledger",
			},
		},
		Business: BusinessConfig{
			MinBounty:         5,
			InitialGrant:      100,
			MaxRetryCount:     5,
			LockExpiration:    30 * time.Second,
			LockRetryInterval: 100 * time.Millisecond,
			LockMaxRetries:    30,
			ReconcileAfter:    5 * time.Minute,
			ReconcileInterval: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
//
// 优先级：环境变量(LOSTFOUND_ 前缀) > .env > 配置文件 > 默认值
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("LOSTFOUND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Default())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if config.Business.MinBounty <= 0 {
		return nil, fmt.Errorf("business.min_bounty 必须大于0, 当前: %d", config.Business.MinBounty)
	}

	GlobalConfig = config
	return config, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("kafka.topic.report_events", d.Kafka.Topic.ReportEvents)
	v.SetDefault("kafka.topic.ledger_events", d.Kafka.Topic.LedgerEvents)
	v.SetDefault("business.min_bounty", d.Business.MinBounty)
	v.SetDefault("business.initial_grant", d.Business.InitialGrant)
	v.SetDefault("business.max_retry_count", d.Business.MaxRetryCount)
	v.SetDefault("business.lock_expiration", d.Business.LockExpiration)
	v.SetDefault("business.lock_retry_interval", d.Business.LockRetryInterval)
	v.SetDefault("business.lock_max_retries", d.Business.LockMaxRetries)
	v.SetDefault("business.reconcile_after", d.Business.ReconcileAfter)
	v.SetDefault("business.reconcile_interval", d.Business.ReconcileInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
