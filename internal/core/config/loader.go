package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/aiguard/internal/infra/storage/sqlite"
	"github.com/vietddude/aiguard/internal/orchestrator"
	"github.com/vietddude/aiguard/internal/quality"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/retry"
	"github.com/vietddude/aiguard/internal/usage"
)

// Default returns the configuration used when a key is absent from the file.
func Default() *AppConfig {
	return &AppConfig{
		Server:   ServerConfig{Port: 8080},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Storage:  StorageConfig{Usage: BackendMemory},
		SQLite:   sqlite.Config{Path: "aiguard.db"},
		Breakers: breaker.DefaultSettings(),
		Retry:    RetryConfig{AI: retry.AIProvider, Store: retry.Store},
		Usage: UsageConfig{
			Limits:          usage.DefaultLimits(),
			BudgetThreshold: usage.DefaultBudgetThreshold,
			Pricing:         usage.DefaultPricing(),
		},
		Quality: QualityConfig{
			Checks:  quality.DefaultOptions,
			Retries: orchestrator.DefaultQualityRetries,
			Screen:  quality.DefaultScreenOptions,
		},
		Timeouts: orchestrator.DefaultTimeouts(),
		DLQ: DLQConfig{
			Backend:       BackendMemory,
			FallbackLog:   "dlq-fallback.jsonl",
			RetentionDays: 30,
		},
	}
}

// Load reads configuration from a YAML file. Keys present in the file
// override the defaults; maps (breakers, timeouts, limits, prices) are merged.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	switch c.Storage.Usage {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("storage.usage is postgres but database.url is empty")
		}
	default:
		return fmt.Errorf("unknown storage.usage backend %q", c.Storage.Usage)
	}
	switch c.DLQ.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("dlq.backend is postgres but database.url is empty")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("dlq.backend is redis but redis.url is empty")
		}
	default:
		return fmt.Errorf("unknown dlq.backend %q", c.DLQ.Backend)
	}
	if c.Quality.Retries < 0 {
		return fmt.Errorf("quality.retries must not be negative")
	}
	return nil
}
