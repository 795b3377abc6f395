package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hugh/tenantgate/pkg/util"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Billing   BillingConfig
	Catalog   CatalogConfig
	Ledger    LedgerConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Host string
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

type BillingConfig struct {
	WebhookSecret      string
	NotFoundMaxRetries int
	TaskTimeoutSeconds int
	MaxRetry           int
}

type CatalogConfig struct {
	CacheTTLSeconds int
}

type LedgerConfig struct {
	RetentionDays int
	PruneCron     string
}

type WorkerConfig struct {
	Concurrency int
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (j *JWTConfig) Expiry() time.Duration {
	return time.Duration(j.ExpiryHours) * time.Hour
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

func (b *BillingConfig) TaskTimeout() time.Duration {
	return time.Duration(b.TaskTimeoutSeconds) * time.Second
}

func (c *CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (l *LedgerConfig) Retention() time.Duration {
	return time.Duration(l.RetentionDays) * 24 * time.Hour
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_ENV", "development")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "tenantgate")
	v.SetDefault("DATABASE_PASSWORD", "tenantgate_secret")
	v.SetDefault("DATABASE_NAME", "tenantgate")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("JWT_SECRET", "change-me-in-production")
	v.SetDefault("JWT_EXPIRY_HOURS", 24)
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("BILLING_WEBHOOK_SECRET", "")
	v.SetDefault("BILLING_NOT_FOUND_MAX_RETRIES", 5)
	v.SetDefault("BILLING_TASK_TIMEOUT_SECONDS", 30)
	v.SetDefault("BILLING_MAX_RETRY", 25)
	v.SetDefault("CATALOG_CACHE_TTL_SECONDS", 300)
	v.SetDefault("LEDGER_RETENTION_DAYS", 90)
	v.SetDefault("LEDGER_PRUNE_CRON", "30 3 * * *")
	v.SetDefault("WORKER_CONCURRENCY", 10)

	// Load from .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
			Env:  v.GetString("SERVER_ENV"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DATABASE_HOST"),
			Port:     v.GetInt("DATABASE_PORT"),
			User:     v.GetString("DATABASE_USER"),
			Password: v.GetString("DATABASE_PASSWORD"),
			Name:     v.GetString("DATABASE_NAME"),
			SSLMode:  v.GetString("DATABASE_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("JWT_SECRET"),
			ExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		Billing: BillingConfig{
			WebhookSecret:      v.GetString("BILLING_WEBHOOK_SECRET"),
			NotFoundMaxRetries: v.GetInt("BILLING_NOT_FOUND_MAX_RETRIES"),
			TaskTimeoutSeconds: v.GetInt("BILLING_TASK_TIMEOUT_SECONDS"),
			MaxRetry:           v.GetInt("BILLING_MAX_RETRY"),
		},
		Catalog: CatalogConfig{
			CacheTTLSeconds: v.GetInt("CATALOG_CACHE_TTL_SECONDS"),
		},
		Ledger: LedgerConfig{
			RetentionDays: v.GetInt("LEDGER_RETENTION_DAYS"),
			PruneCron:     v.GetString("LEDGER_PRUNE_CRON"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("WORKER_CONCURRENCY"),
		},
	}

	if err := util.ValidateCronExpr(cfg.Ledger.PruneCron); err != nil {
		return nil, fmt.Errorf("LEDGER_PRUNE_CRON: %w", err)
	}

	return cfg, nil
}
