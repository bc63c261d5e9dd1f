package config

import (
	"bytes"
	_ "embed"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	HTTP       HTTPConfig      `mapstructure:"http"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Delivery   DeliveryConfig  `mapstructure:"delivery"`
	Scheduler  SchedulerConfig `mapstructure:"scheduler"`
	Outbox     OutboxConfig    `mapstructure:"outbox"`
	Ledger     LedgerConfig    `mapstructure:"ledger"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string `mapstructure:"brokers"`
	Topic          string   `mapstructure:"topic"`
	GroupID        string   `mapstructure:"group_id"`
	MinBytes       int      `mapstructure:"min_bytes"`
	MaxBytes       int      `mapstructure:"max_bytes"`
	CommitInterval int      `mapstructure:"commit_interval_ms"`
}

// DeliveryConfig tunes the outbound delivery engine.
type DeliveryConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	WorkerCount      int           `mapstructure:"worker_count"`
	MaxInFlight      int           `mapstructure:"max_in_flight"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"` // consecutive transient fails, 0 disables
	BreakerOpenFor   time.Duration `mapstructure:"breaker_open_for"`
}

// SchedulerConfig tunes the periodic due-delivery scan.
type SchedulerConfig struct {
	Tick         time.Duration `mapstructure:"tick"`
	BatchSize    int           `mapstructure:"batch_size"`
	ReclaimEvery int           `mapstructure:"reclaim_every"`
	ReclaimAfter time.Duration `mapstructure:"reclaim_after"`
}

// OutboxConfig tunes the outbox-to-Kafka relay.
type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// LedgerConfig tunes the ClickHouse attempt-ledger batch writer.
type LedgerConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	BatchWait time.Duration `mapstructure:"batch_wait"`
}

// RateLimitConfig is the ingress per-client-IP request limiter, unrelated to
// the per-subscription delivery limiter.
type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (WHGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (WHGW_*)
	v.SetEnvPrefix("WHGW")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
