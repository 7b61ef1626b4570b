package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/infra/provider"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
)

// Component is one pinged dependency. A failing primary component makes the
// system critical; any other failure only degrades it.
type Component struct {
	Name    string
	Primary bool
	Pinger  storage.Pinger
}

// ProviderHealth is implemented by generators that track their own health.
type ProviderHealth interface {
	Health() provider.HealthStatus
}

// Monitor aggregates health status from the breakers and the stores.
type Monitor struct {
	breakers   *breaker.Registry
	components []Component
	queue      *dlq.Queue
	provider   ProviderHealth

	cacheTTL    time.Duration
	pingTimeout time.Duration
	clock       func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithQueue includes DLQ stats in detailed reports.
func WithQueue(q *dlq.Queue) Option {
	return func(m *Monitor) { m.queue = q }
}

// WithProvider includes provider health in detailed reports.
func WithProvider(p ProviderHealth) Option {
	return func(m *Monitor) { m.provider = p }
}

// WithCacheTTL sets how long a report is reused. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(m *Monitor) { m.cacheTTL = d }
}

func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// NewMonitor creates a new health monitor.
func NewMonitor(breakers *breaker.Registry, components []Component, opts ...Option) *Monitor {
	m := &Monitor{
		breakers:    breakers,
		components:  components,
		cacheTTL:    5 * time.Second,
		pingTimeout: 2 * time.Second,
		clock:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth builds a report. Pings are rate limited by the cache TTL so a
// busy load balancer does not hammer the stores; breaker state is always live.
func (m *Monitor) CheckHealth(ctx context.Context) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if m.lastReport != nil && now.Sub(m.lastCheck) < m.cacheTTL {
		r := *m.lastReport
		r.Breakers = m.breakers.States()
		r.Status = evaluate(r.Components, m.breakers.AnyOpen())
		return &r
	}

	report := &Report{
		Timestamp: now.UTC(),
		Breakers:  m.breakers.States(),
	}
	for _, c := range m.components {
		report.Components = append(report.Components, m.ping(ctx, c))
	}

	if m.queue != nil {
		if st, err := m.queue.GetStats(ctx); err == nil {
			report.DLQ = &st
		}
	}
	if m.provider != nil {
		h := m.provider.Health()
		report.Provider = &h
	}
	report.Status = evaluate(report.Components, m.breakers.AnyOpen())

	m.lastCheck = now
	m.lastReport = report
	return report
}

func (m *Monitor) ping(ctx context.Context, c Component) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.pingTimeout)
	defer cancel()

	start := time.Now()
	err := c.Pinger.Health(ctx)
	h := ComponentHealth{
		Name:    c.Name,
		Status:  StatusHealthy,
		Primary: c.Primary,
		Latency: time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		h.Error = err.Error()
		h.Status = StatusDegraded
		if c.Primary {
			h.Status = StatusCritical
		}
	}
	return h
}

// evaluate aggregates status (worst case wins).
func evaluate(components []ComponentHealth, anyOpen bool) SystemStatus {
	status := StatusHealthy
	if anyOpen {
		status = StatusDegraded
	}
	for _, c := range components {
		if c.Status == StatusCritical {
			return StatusCritical
		}
		if c.Status == StatusDegraded {
			status = StatusDegraded
		}
	}
	return status
}
