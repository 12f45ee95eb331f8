// Package config 提供 TOML 配置加载、环境变量覆盖与校验
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 撮合核心服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 查询服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 撮合配置
	Matching MatchingConfig `mapstructure:"matching"`
	// 持久化配置
	Persistence PersistenceConfig `mapstructure:"persistence"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// 元数据配置
	Metadata MetadataConfig `mapstructure:"metadata"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// 接口限流，依赖 Redis
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig 按路由组与客户 ID 的令牌桶限流配置
type RateLimitConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// 指令提交
	Commands RateRule `mapstructure:"commands"`
	// 深度、余额与成交查询
	Queries RateRule `mapstructure:"queries"`
}

// RateRule 单个路由组的速率
type RateRule struct {
	QPS   int `mapstructure:"qps"`
	Burst int `mapstructure:"burst"`
}

// Addr 返回监听地址
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// MatchingConfig 撮合线程与预处理线程池配置
type MatchingConfig struct {
	// 预处理 worker 数
	Preprocessors int `mapstructure:"preprocessors"`
	// 预处理输入队列长度
	InboundQueueSize int `mapstructure:"inbound_queue_size"`
	// 撮合有序队列长度
	MatcherQueueSize int `mapstructure:"matcher_queue_size"`
	// 事件出站队列长度
	EventQueueSize int `mapstructure:"event_queue_size"`
	// 受信任客户端（不计冻结）
	TrustedClients []string `mapstructure:"trusted_clients"`
	// 单条指令内止损单级联的最大步数
	MaxCascadeSteps int `mapstructure:"max_cascade_steps"`
	// GTD 过期扫描间隔（毫秒）
	ExpiryCheckInterval int `mapstructure:"expiry_check_interval"`
	// 雪花算法节点号
	NodeID int64 `mapstructure:"node_id"`
}

// ExpiryInterval 以 time.Duration 返回过期扫描间隔
func (c MatchingConfig) ExpiryInterval() time.Duration {
	return time.Duration(c.ExpiryCheckInterval) * time.Millisecond
}

// PersistenceConfig 持久化配置
type PersistenceConfig struct {
	// 驱动：mysql, pebble, memory
	Driver string `mapstructure:"driver"`
	// MySQL 数据源
	DSN string `mapstructure:"dsn"`
	// Pebble 数据目录
	Dir                string `mapstructure:"dir"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime    int    `mapstructure:"conn_max_lifetime"`
	LogEnabled         bool   `mapstructure:"log_enabled"`
	SlowQueryThreshold int    `mapstructure:"slow_query_threshold"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	CommandTopic   string   `mapstructure:"command_topic"`
	EventTopic     string   `mapstructure:"event_topic"`
	SessionTimeout int      `mapstructure:"session_timeout"`
	MaxRetries     int      `mapstructure:"max_retries"`
	RetryBackoff   int      `mapstructure:"retry_backoff"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxPoolSize  int    `mapstructure:"max_pool_size"`
	ConnTimeout  int    `mapstructure:"conn_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// 消息去重窗口（秒）
	DedupWindow int `mapstructure:"dedup_window"`
}

// MetadataConfig 资产元数据配置
type MetadataConfig struct {
	// 来源：config 使用下方静态列表，mysql 从数据库加载
	Source string `mapstructure:"source"`
	// 刷新间隔（秒）
	RefreshInterval int               `mapstructure:"refresh_interval"`
	Assets          []AssetConfig     `mapstructure:"assets"`
	AssetPairs      []AssetPairConfig `mapstructure:"asset_pairs"`
}

// AssetConfig 静态资产定义
type AssetConfig struct {
	ID       string `mapstructure:"id"`
	Name     string `mapstructure:"name"`
	Accuracy int32  `mapstructure:"accuracy"`
	Disabled bool   `mapstructure:"disabled"`
}

// AssetPairConfig 静态交易对定义，数值字段为十进制字符串，空串表示不限制
type AssetPairConfig struct {
	ID                                 string `mapstructure:"id"`
	BaseAssetID                        string `mapstructure:"base_asset_id"`
	QuoteAssetID                       string `mapstructure:"quote_asset_id"`
	Accuracy                           int32  `mapstructure:"accuracy"`
	MinVolume                          string `mapstructure:"min_volume"`
	MaxVolume                          string `mapstructure:"max_volume"`
	MaxValue                           string `mapstructure:"max_value"`
	MidPriceDeviationThreshold         string `mapstructure:"mid_price_deviation_threshold"`
	MarketOrderPriceDeviationThreshold string `mapstructure:"market_order_price_deviation_threshold"`
}

// RefreshEvery 以 time.Duration 返回刷新间隔
func (c MetadataConfig) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

// Load 从 TOML 文件加载配置，文件缺失时使用默认值，支持 APP_ 前缀环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Matching.Preprocessors <= 0 {
		return fmt.Errorf("matching.preprocessors must be positive, got %d", c.Matching.Preprocessors)
	}
	if c.Matching.MatcherQueueSize <= 0 || c.Matching.InboundQueueSize <= 0 {
		return fmt.Errorf("matching queue sizes must be positive")
	}
	if c.Matching.MaxCascadeSteps <= 0 {
		return fmt.Errorf("matching.max_cascade_steps must be positive")
	}
	switch c.Persistence.Driver {
	case "mysql":
		if c.Persistence.DSN == "" {
			return fmt.Errorf("persistence.dsn is required for mysql driver")
		}
	case "pebble":
		if c.Persistence.Dir == "" {
			return fmt.Errorf("persistence.dir is required for pebble driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported persistence driver: %s", c.Persistence.Driver)
	}
	if c.HTTP.RateLimit.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("http.rate_limit requires redis to be enabled")
		}
		for name, r := range map[string]RateRule{"commands": c.HTTP.RateLimit.Commands, "queries": c.HTTP.RateLimit.Queries} {
			if r.QPS <= 0 || r.Burst <= 0 {
				return fmt.Errorf("http.rate_limit.%s qps and burst must be positive", name)
			}
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	switch c.Metadata.Source {
	case "config":
	case "mysql":
		if c.Persistence.DSN == "" {
			return fmt.Errorf("metadata source mysql requires persistence.dsn")
		}
	default:
		return fmt.Errorf("unsupported metadata source: %s", c.Metadata.Source)
	}
	return nil
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "matchingcore")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.rate_limit.enabled", false)
	v.SetDefault("http.rate_limit.commands.qps", 100)
	v.SetDefault("http.rate_limit.commands.burst", 200)
	v.SetDefault("http.rate_limit.queries.qps", 200)
	v.SetDefault("http.rate_limit.queries.burst", 400)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/matchingcore.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("matching.preprocessors", 4)
	v.SetDefault("matching.inbound_queue_size", 4096)
	v.SetDefault("matching.matcher_queue_size", 65536)
	v.SetDefault("matching.event_queue_size", 65536)
	v.SetDefault("matching.max_cascade_steps", 1000)
	v.SetDefault("matching.expiry_check_interval", 1000)
	v.SetDefault("matching.node_id", 1)

	v.SetDefault("persistence.driver", "memory")
	v.SetDefault("persistence.dir", "data/pebble")
	v.SetDefault("persistence.max_open_conns", 25)
	v.SetDefault("persistence.max_idle_conns", 5)
	v.SetDefault("persistence.conn_max_lifetime", 300)
	v.SetDefault("persistence.slow_query_threshold", 200)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.group_id", "matchingcore")
	v.SetDefault("kafka.command_topic", "matching.commands")
	v.SetDefault("kafka.event_topic", "matching.events")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)
	v.SetDefault("redis.dedup_window", 86400)

	v.SetDefault("metadata.source", "config")
	v.SetDefault("metadata.refresh_interval", 30)
}
