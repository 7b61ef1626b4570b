package breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// Registry holds one breaker per dependency name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	settings map[string]Config
	fallback Config
	opts     []Option
}

// NewRegistry creates a registry. settings overrides thresholds per name;
// names without an entry use fallback.
func NewRegistry(fallback Config, settings map[string]Config, opts ...Option) *Registry {
	if settings == nil {
		settings = make(map[string]Config)
	}
	return &Registry{
		breakers: make(map[string]*Breaker),
		settings: settings,
		fallback: fallback,
		opts:     opts,
	}
}

// DefaultSettings are the per-dependency thresholds used by the service.
func DefaultSettings() map[string]Config {
	return map[string]Config{
		"openai":   {FailureThreshold: 5, SuccessThreshold: 2, Cooldown: DefaultConfig.Cooldown},
		"database": {FailureThreshold: 3, SuccessThreshold: 2, Cooldown: DefaultConfig.Cooldown / 2},
		"redis":    {FailureThreshold: 3, SuccessThreshold: 2, Cooldown: DefaultConfig.Cooldown / 2},
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg, ok := r.settings[name]
	if !ok {
		cfg = r.fallback
	}
	b := New(name, cfg, r.opts...)
	r.breakers[name] = b
	slog.Debug("Circuit breaker registered", "breaker", name, "threshold", b.cfg.FailureThreshold, "cooldown", b.cfg.Cooldown)
	return b
}

// States returns a snapshot of every breaker sorted by name.
func (r *Registry) States() []domain.CircuitState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]domain.CircuitState, 0, len(list))
	for _, b := range list {
		out = append(out, b.State())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AnyOpen reports whether at least one circuit is OPEN.
func (r *Registry) AnyOpen() bool {
	for _, st := range r.States() {
		if st.State == domain.BreakerOpen {
			return true
		}
	}
	return false
}

// Reset closes the named breaker. It returns false if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}
