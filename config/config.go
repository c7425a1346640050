package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	GameNight  GameNightConfig  `mapstructure:"gamenight"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Outbox     OutboxConfig     `mapstructure:"outbox"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig 中 Nodes 列出集群内所有实例，用于按 guild 一致性哈希给出 websocket 粘性节点
type ServerConfig struct {
	Port   int      `mapstructure:"port"`
	Mode   string   `mapstructure:"mode"`
	NodeID string   `mapstructure:"node_id"`
	Nodes  []string `mapstructure:"nodes"`

	// 通知 id 生成器的节点号，集群内唯一（0..1023）
	WorkerID        int64         `mapstructure:"worker_id"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig 选择 postgres（生产）或 sqlite（开发/单机）
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SQLitePath   string `mapstructure:"sqlite_path"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type KafkaConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	Brokers           []string `mapstructure:"brokers"`
	NotificationTopic string   `mapstructure:"notification_topic"`
	CommandTopic      string   `mapstructure:"command_topic"`
	GroupID           string   `mapstructure:"group_id"`
	MaxRetries        int      `mapstructure:"max_retries"`
	RetryBackoffMs    int      `mapstructure:"retry_backoff_ms"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// RateLimitConfig 按用户限制 respond 写入频率
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
	Shards    int `mapstructure:"shards"`
}

type GameNightConfig struct {
	DefaultPollLead              time.Duration `mapstructure:"default_poll_lead"`
	ClosingSoonLead              time.Duration `mapstructure:"closing_soon_lead"`
	GamePollDuration             time.Duration `mapstructure:"game_poll_duration"`
	SuggestionTopN               int           `mapstructure:"suggestion_top_n"`
	DefaultReminderOffsetMinutes int           `mapstructure:"default_reminder_offset_minutes"`
	DefaultTimezone              string        `mapstructure:"default_timezone"`
}

// RetryConfig 外部协作方（存储、通知）调用的超时与有界重试
type RetryConfig struct {
	MaxTries            uint          `mapstructure:"max_tries"`
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	CollaboratorTimeout time.Duration `mapstructure:"collaborator_timeout"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", "node-1")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "gamenight.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("kafka.notification_topic", "gamenight.notifications")
	v.SetDefault("kafka.command_topic", "gamenight.commands")
	v.SetDefault("kafka.group_id", "gamenight-core")
	v.SetDefault("kafka.max_retries", 5)
	v.SetDefault("kafka.retry_backoff_ms", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.limit", 30)
	v.SetDefault("ratelimit.window", time.Minute)

	v.SetDefault("worker_pool.size", 8)
	v.SetDefault("worker_pool.queue_size", 1024)
	v.SetDefault("worker_pool.shards", 16)

	v.SetDefault("gamenight.default_poll_lead", time.Hour)
	v.SetDefault("gamenight.closing_soon_lead", time.Hour)
	v.SetDefault("gamenight.game_poll_duration", 48*time.Hour)
	v.SetDefault("gamenight.suggestion_top_n", 5)
	v.SetDefault("gamenight.default_reminder_offset_minutes", 60)
	v.SetDefault("gamenight.default_timezone", "UTC")

	v.SetDefault("retry.max_tries", 5)
	v.SetDefault("retry.initial_interval", 200*time.Millisecond)
	v.SetDefault("retry.max_interval", 5*time.Second)
	v.SetDefault("retry.collaborator_timeout", 5*time.Second)

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// LoadConfig 读取 TOML 配置文件，未设置的项使用默认值，环境变量 GAMENIGHT_* 可覆盖
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GAMENIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.GameNight.SuggestionTopN < 2 {
		return fmt.Errorf("gamenight.suggestion_top_n must be at least 2, got %d", c.GameNight.SuggestionTopN)
	}
	if c.GameNight.DefaultReminderOffsetMinutes <= 0 {
		return fmt.Errorf("gamenight.default_reminder_offset_minutes must be positive")
	}
	if c.Retry.MaxTries == 0 {
		return fmt.Errorf("retry.max_tries must be positive")
	}
	if c.WorkerPool.Shards <= 0 || c.WorkerPool.Size <= 0 {
		return fmt.Errorf("worker_pool.size and worker_pool.shards must be positive")
	}
	if c.Server.WorkerID < 0 || c.Server.WorkerID > 1023 {
		return fmt.Errorf("server.worker_id must be within 0..1023, got %d", c.Server.WorkerID)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.enabled requires kafka.brokers")
	}
	return nil
}
