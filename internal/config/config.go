// Package config loads and validates chatrelay configuration from the
// environment (CHATRELAY_ prefix) and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATRELAY"

type Config struct {
	// HTTPAddr is the admin API listen address.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// StoreDSN selects the session store: memory://, file://path.json or postgres://...
	StoreDSN string `mapstructure:"STORE_DSN"`
	// RedisURL enables the cache lock tier; empty runs without it.
	RedisURL string `mapstructure:"REDIS_URL"`
	// LockDSN is the Postgres DSN for the advisory lock tier. Defaults to
	// STORE_DSN when that is a Postgres DSN.
	LockDSN string `mapstructure:"LOCK_DSN"`

	LockTTL           time.Duration `mapstructure:"LOCK_TTL"`
	LockRenewInterval time.Duration `mapstructure:"LOCK_RENEW_INTERVAL"`
	LockRetryDelay    time.Duration `mapstructure:"LOCK_RETRY_DELAY"`
	// ReconnectDelays is a comma-separated list, one delay per attempt.
	ReconnectDelays  string        `mapstructure:"RECONNECT_DELAYS"`
	ConnectTimeout   time.Duration `mapstructure:"CONNECT_TIMEOUT"`
	StartConcurrency int           `mapstructure:"START_CONCURRENCY"`
	// ReconcileSchedule is a cron spec or descriptor such as "@every 1m".
	ReconcileSchedule string `mapstructure:"RECONCILE_SCHEDULE"`

	SuppressionWindow time.Duration `mapstructure:"SUPPRESSION_WINDOW"`
	EchoGrace         time.Duration `mapstructure:"ECHO_GRACE"`

	GatewayURL string `mapstructure:"GATEWAY_URL"`

	ReplyBaseURL    string        `mapstructure:"REPLY_BASE_URL"`
	ReplyPath       string        `mapstructure:"REPLY_PATH"`
	ReplyToken      string        `mapstructure:"REPLY_TOKEN"`
	ReplyTimeout    time.Duration `mapstructure:"REPLY_TIMEOUT"`
	ReplyRatePerSec float64       `mapstructure:"REPLY_RATE_PER_SEC"`
	ReplyBurst      int           `mapstructure:"REPLY_BURST"`

	ForwardWebhookURL   string `mapstructure:"FORWARD_WEBHOOK_URL"`
	ForwardWebhookToken string `mapstructure:"FORWARD_WEBHOOK_TOKEN"`
	// KafkaBrokers is a comma-separated broker list; empty disables Kafka forwarding.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	// AdminRateLimitMax caps admin requests per token subject and window; zero disables it.
	AdminRateLimitMax    int           `mapstructure:"ADMIN_RATE_LIMIT_MAX"`
	AdminRateLimitWindow time.Duration `mapstructure:"ADMIN_RATE_LIMIT_WINDOW"`
	InstanceID     string `mapstructure:"INSTANCE_ID"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogFile   string `mapstructure:"LOG_FILE"`

	Env string `mapstructure:"APP_ENV"`
}

// Load reads envFile when it exists, then CHATRELAY_* environment
// variables, and validates the result. Keys in envFile carry no prefix.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", envFile, err)
			}
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("STORE_DSN", "memory://")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("LOCK_DSN", "")
	v.SetDefault("LOCK_TTL", 30*time.Second)
	v.SetDefault("LOCK_RENEW_INTERVAL", time.Duration(0))
	v.SetDefault("LOCK_RETRY_DELAY", 5*time.Second)
	v.SetDefault("RECONNECT_DELAYS", "2s,3s,5s")
	v.SetDefault("CONNECT_TIMEOUT", 30*time.Second)
	v.SetDefault("START_CONCURRENCY", 8)
	v.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	v.SetDefault("SUPPRESSION_WINDOW", 10*time.Minute)
	v.SetDefault("ECHO_GRACE", 5*time.Second)
	v.SetDefault("GATEWAY_URL", "")
	v.SetDefault("REPLY_BASE_URL", "")
	v.SetDefault("REPLY_PATH", "/v1/replies")
	v.SetDefault("REPLY_TOKEN", "")
	v.SetDefault("REPLY_TIMEOUT", 30*time.Second)
	v.SetDefault("REPLY_RATE_PER_SEC", 1.0)
	v.SetDefault("REPLY_BURST", 3)
	v.SetDefault("FORWARD_WEBHOOK_URL", "")
	v.SetDefault("FORWARD_WEBHOOK_TOKEN", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", "chatrelay-inbound")
	v.SetDefault("ADMIN_JWT_SECRET", "")
	v.SetDefault("ADMIN_RATE_LIMIT_MAX", 0)
	v.SetDefault("ADMIN_RATE_LIMIT_WINDOW", time.Minute)
	v.SetDefault("INSTANCE_ID", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.LockTTL <= 0 {
		return errors.New("config: LOCK_TTL must be positive")
	}
	if c.LockRenewInterval < 0 || (c.LockRenewInterval > 0 && c.LockRenewInterval >= c.LockTTL) {
		return errors.New("config: LOCK_RENEW_INTERVAL must be below LOCK_TTL")
	}
	if _, err := c.ReconnectDelayList(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
		return fmt.Errorf("config: RECONCILE_SCHEDULE: %w", err)
	}
	if c.SuppressionWindow <= 0 {
		return errors.New("config: SUPPRESSION_WINDOW must be positive")
	}
	if c.ReplyRatePerSec < 0 || c.ReplyBurst < 0 {
		return errors.New("config: REPLY_RATE_PER_SEC and REPLY_BURST must not be negative")
	}
	if c.AdminRateLimitMax < 0 {
		return errors.New("config: ADMIN_RATE_LIMIT_MAX must not be negative")
	}
	if c.AdminRateLimitMax > 0 && c.AdminRateLimitWindow <= 0 {
		return errors.New("config: ADMIN_RATE_LIMIT_WINDOW must be positive when ADMIN_RATE_LIMIT_MAX is set")
	}
	if c.Production() && strings.TrimSpace(c.AdminJWTSecret) == "" {
		return errors.New("config: ADMIN_JWT_SECRET is required when APP_ENV=production")
	}
	return nil
}

func (c *Config) Production() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// RenewInterval returns the configured interval, or a third of the TTL.
func (c *Config) RenewInterval() time.Duration {
	if c.LockRenewInterval > 0 {
		return c.LockRenewInterval
	}
	return c.LockTTL / 3
}

// ReconnectDelayList parses ReconnectDelays. Delays must be positive and
// strictly increasing.
func (c *Config) ReconnectDelayList() ([]time.Duration, error) {
	parts := splitList(c.ReconnectDelays)
	if len(parts) == 0 {
		return nil, errors.New("config: RECONNECT_DELAYS must list at least one delay")
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("config: RECONNECT_DELAYS: %w", err)
		}
		if d <= 0 || (len(out) > 0 && d <= out[len(out)-1]) {
			return nil, fmt.Errorf("config: RECONNECT_DELAYS must be positive and increasing, got %q", c.ReconnectDelays)
		}
		out = append(out, d)
	}
	return out, nil
}

func (c *Config) KafkaBrokerList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// LockDatabaseDSN is the DSN for the advisory lock tier, if any.
func (c *Config) LockDatabaseDSN() string {
	if dsn := strings.TrimSpace(c.LockDSN); dsn != "" {
		return dsn
	}
	store := strings.TrimSpace(c.StoreDSN)
	if strings.HasPrefix(store, "postgres://") || strings.HasPrefix(store, "postgresql://") {
		return store
	}
	return ""
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
