// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/infra/provider"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of pinging one dependency.
type ComponentHealth struct {
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Primary bool         `json:"primary"`
	Error   string       `json:"error,omitempty"`
	Latency string       `json:"latency"`
}

// Report contains the full system health report.
type Report struct {
	Status     SystemStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Breakers   []domain.CircuitState  `json:"circuit_breakers"`
	Components []ComponentHealth      `json:"components"`
	DLQ        *dlq.Stats             `json:"dlq,omitempty"`
	Provider   *provider.HealthStatus `json:"provider,omitempty"`
}
