package config

import (
	"fmt"
	"strings"
	"time"

	"settlement-engine/pkg/breaker"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Compliance ComplianceConfig `mapstructure:"compliance"`
	Rails      RailsConfig      `mapstructure:"rails"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Expiry time.Duration `mapstructure:"expiry"`
	Issuer string        `mapstructure:"issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// QueueConfig tunes the River outbox workers.
type QueueConfig struct {
	Workers     int `mapstructure:"workers"`
	MaxAttempts int `mapstructure:"max_attempts"`
}

// ComplianceConfig points at the risk-scoring provider.
type ComplianceConfig struct {
	BaseURL string         `mapstructure:"base_url"`
	APIKey  string         `mapstructure:"api_key"`
	Timeout time.Duration  `mapstructure:"timeout"`
	Breaker breaker.Config `mapstructure:"breaker"`
}

// RailsConfig points at the bank and chain gateways.
type RailsConfig struct {
	BankURL  string         `mapstructure:"bank_url"`
	ChainURL string         `mapstructure:"chain_url"`
	APIKey   string         `mapstructure:"api_key"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Breaker  breaker.Config `mapstructure:"breaker"`
}

// RabbitMQConfig configures the notification publisher. An empty URL logs
// notifications instead of publishing them.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LimitsConfig holds the default movement limits as decimal strings. "0" disables a limit.
type LimitsConfig struct {
	DefaultDaily   string `mapstructure:"default_daily"`
	DefaultMonthly string `mapstructure:"default_monthly"`
}

// Parse converts the limits to decimals.
func (l LimitsConfig) Parse() (daily, monthly decimal.Decimal, err error) {
	daily, err = decimal.NewFromString(l.DefaultDaily)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("limits.default_daily: %w", err)
	}
	monthly, err = decimal.NewFromString(l.DefaultMonthly)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("limits.default_monthly: %w", err)
	}
	if daily.IsNegative() || monthly.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("limits must not be negative")
	}
	return daily, monthly, nil
}

// EngineConfig tunes transaction retries and the stale-settlement sweeper.
type EngineConfig struct {
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// WebhookConfig configures provider event intake.
type WebhookConfig struct {
	BankSecret  string        `mapstructure:"bank_secret"`
	ChainSecret string        `mapstructure:"chain_secret"`
	MaxDrift    time.Duration `mapstructure:"max_drift"`
	ClaimTTL    time.Duration `mapstructure:"claim_ttl"`
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
	RateLimit   int64         `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: SETTLE_.
// Nested keys use underscore: SETTLE_DATABASE_HOST, SETTLE_JWT_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "settlement_engine")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.lock_timeout", "2s")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.expiry", "24h")
	v.SetDefault("jwt.issuer", "settlement-engine")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("queue.workers", 10)
	v.SetDefault("queue.max_attempts", 10)
	v.SetDefault("compliance.base_url", "")
	v.SetDefault("compliance.timeout", "3s")
	setBreakerDefaults(v, "compliance.breaker")
	v.SetDefault("rails.bank_url", "")
	v.SetDefault("rails.chain_url", "")
	v.SetDefault("rails.timeout", "10s")
	setBreakerDefaults(v, "rails.breaker")
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "settlement.events")
	v.SetDefault("limits.default_daily", "0")
	v.SetDefault("limits.default_monthly", "0")
	v.SetDefault("engine.retry_attempts", 3)
	v.SetDefault("engine.retry_base_delay", "20ms")
	v.SetDefault("engine.retry_max_delay", "500ms")
	v.SetDefault("engine.stale_after", "24h")
	v.SetDefault("engine.sweep_interval", "5m")
	v.SetDefault("webhook.max_drift", "5m")
	v.SetDefault("webhook.claim_ttl", "1m")
	v.SetDefault("webhook.dedup_ttl", "72h")
	v.SetDefault("webhook.rate_limit", 600)
	v.SetDefault("webhook.rate_window", "1m")

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: SETTLE_DATABASE_HOST -> database.host
	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setBreakerDefaults(v *viper.Viper, prefix string) {
	d := breaker.DefaultConfig()
	v.SetDefault(prefix+".max_requests", d.MaxRequests)
	v.SetDefault(prefix+".interval", d.Interval.String())
	v.SetDefault(prefix+".open_timeout", d.OpenTimeout.String())
	v.SetDefault(prefix+".consecutive_failures", d.ConsecutiveFailures)
	v.SetDefault(prefix+".min_requests", d.MinRequests)
	v.SetDefault(prefix+".failure_ratio", d.FailureRatio)
}
