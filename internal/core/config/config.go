package config

import (
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/provider"
	redisclient "github.com/vietddude/aiguard/internal/infra/redis"
	"github.com/vietddude/aiguard/internal/infra/storage/postgres"
	"github.com/vietddude/aiguard/internal/infra/storage/sqlite"
	"github.com/vietddude/aiguard/internal/quality"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/retry"
	"github.com/vietddude/aiguard/internal/usage"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig                           `yaml:"server"`
	Logging  LoggingConfig                          `yaml:"logging"`
	Storage  StorageConfig                          `yaml:"storage"`
	Database postgres.Config                        `yaml:"database"`
	SQLite   sqlite.Config                          `yaml:"sqlite"`
	Redis    redisclient.Config                     `yaml:"redis"`
	Provider provider.HTTPConfig                    `yaml:"provider"`
	Breakers map[string]breaker.Config              `yaml:"breakers"`
	Retry    RetryConfig                            `yaml:"retry"`
	Usage    UsageConfig                            `yaml:"usage"`
	Quality  QualityConfig                          `yaml:"quality"`
	Timeouts map[domain.OperationType]time.Duration `yaml:"timeouts"`
	DLQ      DLQConfig                              `yaml:"dlq"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// StorageConfig selects where usage records live. "memory" keeps everything
// in process and is meant for local runs.
type StorageConfig struct {
	Usage string `yaml:"usage"` // memory, postgres, sqlite
}

// RetryConfig holds the retry policy per dependency class.
type RetryConfig struct {
	AI    retry.Config `yaml:"ai"`
	Store retry.Config `yaml:"store"`
}

// UsageConfig holds plan limits and pricing.
type UsageConfig struct {
	Limits          map[domain.Plan]int `yaml:"limits"` // -1 = unlimited
	BudgetThreshold float64             `yaml:"budget_threshold"`
	Pricing         usage.Pricing       `yaml:"pricing"`
}

// QualityConfig holds the output checks applied to generations.
type QualityConfig struct {
	Checks  quality.Options       `yaml:"checks"`
	Retries int                   `yaml:"retries"`
	Screen  quality.ScreenOptions `yaml:"screen"`
}

// DLQConfig holds dead letter queue settings.
type DLQConfig struct {
	Backend       string `yaml:"backend"` // memory, postgres, redis
	FallbackLog   string `yaml:"fallback_log"`
	RetentionDays int    `yaml:"retention_days"`
}
