package breaker

import (
	"sort"
	"sync"

	"postbot/internal/eventbus"
	"postbot/pkg/logx"
)

// Health is the aggregate severity across all registered breakers.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// Summary aggregates breaker states: critical when any breaker is open,
// degraded when any is half-open, healthy otherwise.
type Summary struct {
	Health   Health     `json:"health"`
	Open     []string   `json:"open,omitempty"`
	HalfOpen []string   `json:"half_open,omitempty"`
	Breakers []Snapshot `json:"breakers"`
}

// Registry owns the set of named breakers. Breakers are created lazily on
// first use and live for the process lifetime.
type Registry struct {
	defaults  Config
	overrides map[string]Config
	log       logx.Logger
	bus       eventbus.Bus

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry with shared defaults and optional per-name
// overrides. bus may be nil.
func NewRegistry(defaults Config, overrides map[string]Config, log logx.Logger, bus eventbus.Bus) *Registry {
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: overrides,
		log:       log,
		bus:       bus,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[name]; ok {
		cfg = o.withDefaults()
	}
	b := New(name, cfg, r.log, r.bus)
	r.breakers[name] = b
	return b
}

// Snapshots reports all breakers, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthSummary classifies the registry as a whole.
func (r *Registry) HealthSummary() Summary {
	snaps := r.Snapshots()
	sum := Summary{Health: HealthHealthy, Breakers: snaps}
	for _, s := range snaps {
		switch s.State {
		case StateOpen:
			sum.Open = append(sum.Open, s.Name)
		case StateHalfOpen:
			sum.HalfOpen = append(sum.HalfOpen, s.Name)
		}
	}
	switch {
	case len(sum.Open) > 0:
		sum.Health = HealthCritical
	case len(sum.HalfOpen) > 0:
		sum.Health = HealthDegraded
	}
	return sum
}
