// Package provider implements clients for generative AI backends.
//
// This package contains:
//   - Generator interface: the one call the orchestrator protects
//   - HTTPGenerator: OpenAI-compatible chat completions over HTTP
//   - Monitor: latency and throttle tracking for health reporting
package provider

import (
	"context"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// GenerateOptions tune one generation request.
type GenerateOptions struct {
	Model       string  `json:"model"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Generator produces text for a prompt. Errors are *domain.Error values
// tagged with the category the classifier should see.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*domain.Generation, error)
}

// HealthStatus represents the health state of a provider.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
	MonitorStats  *MonitorStats `json:"monitor_stats,omitempty"`
}
