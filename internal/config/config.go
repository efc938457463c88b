package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Retry     RetryConfig     `yaml:"retry"`
	Engine    EngineConfig    `yaml:"engine"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MigrationURL string `yaml:"migration_url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string     `yaml:"brokers"`
	GroupID string       `yaml:"group_id"`
	Topics  TopicsConfig `yaml:"topics"`
	// PartitionQueue bounds fetched-but-unhandled messages per partition.
	PartitionQueue int `yaml:"partition_queue"`
	// RestartBackoff is how long the supervisor waits before rejoining the group after a handler error.
	RestartBackoff time.Duration `yaml:"restart_backoff"`
}

type TopicsConfig struct {
	PurchaseConfirmed string `yaml:"purchase_confirmed"`
	PurchaseCreated   string `yaml:"purchase_created"`
	AccessGranted     string `yaml:"access_granted"`
	DeadLetter        string `yaml:"dead_letter"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Multiplier        float64       `yaml:"multiplier"`
	FailFastOnInvalid bool          `yaml:"fail_fast_on_invalid"`
}

type EngineConfig struct {
	IndexCacheTTL        time.Duration `yaml:"index_cache_ttl"`
	IndexWarningInterval time.Duration `yaml:"index_warning_interval"`
}

type RealtimeConfig struct {
	Channel string `yaml:"channel"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	// .env is optional; real deployments inject the environment directly
	_ = godotenv.Load()

	if p := os.Getenv("CONFIG_PATH"); p != "" {
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes yaml bytes and applies overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	// override DSN password from env if present (key/value DSNs only)
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" && !strings.Contains(c.Postgres.DSN, "://") {
		c.Postgres.DSN = c.Postgres.DSN + " password=" + pw
	}
	if u := os.Getenv("POSTGRES_MIGRATION_URL"); u != "" {
		c.Postgres.MigrationURL = u
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = strings.Split(brokers, ",")
	}
	if group := os.Getenv("KAFKA_GROUP_ID"); group != "" {
		c.Kafka.GroupID = group
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "purchase-confirmed-consumer"
	}
	if c.Kafka.PartitionQueue <= 0 {
		c.Kafka.PartitionQueue = 64
	}
	if c.Kafka.RestartBackoff <= 0 {
		c.Kafka.RestartBackoff = 5 * time.Second
	}
	t := &c.Kafka.Topics
	if t.PurchaseConfirmed == "" {
		t.PurchaseConfirmed = "purchase-confirmed"
	}
	if t.PurchaseCreated == "" {
		t.PurchaseCreated = "purchase-created"
	}
	if t.AccessGranted == "" {
		t.AccessGranted = "course-access-granted"
	}
	if t.DeadLetter == "" {
		t.DeadLetter = "dead-letter-queue"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.Engine.IndexCacheTTL <= 0 {
		c.Engine.IndexCacheTTL = 5 * time.Minute
	}
	if c.Engine.IndexWarningInterval <= 0 {
		c.Engine.IndexWarningInterval = 5 * time.Minute
	}
	if c.Realtime.Channel == "" {
		c.Realtime.Channel = "purchase-events"
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 20
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 40
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
