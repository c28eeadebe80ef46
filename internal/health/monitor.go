// Package health periodically folds dependency probes, breaker states,
// memory pressure and queue backlog into one worst-of status, with
// escalation when the system stays critical.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"postbot/internal/breaker"
	"postbot/internal/eventbus"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

// Status is the aggregate system health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusCritical  Status = "critical"
)

func (s Status) rank() int {
	switch s {
	case StatusCritical:
		return 3
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Probe checks one dependency. A nil return means healthy.
type Probe func(ctx context.Context) error

// Notifier receives escalation reports.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Config tunes the monitor. Zero fields fall back to defaults.
type Config struct {
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
	// Memory usage percentages above these thresholds degrade or
	// criticalize the status.
	MemoryWarnPercent     float64 `json:"memory_warn_percent" yaml:"memory_warn_percent"`
	MemoryCriticalPercent float64 `json:"memory_critical_percent" yaml:"memory_critical_percent"`
	// Queue backlog thresholds.
	BacklogWarn     int `json:"backlog_warn" yaml:"backlog_warn"`
	BacklogCritical int `json:"backlog_critical" yaml:"backlog_critical"`
	// EscalateAfter is how many consecutive critical evaluations trigger
	// an escalation notification.
	EscalateAfter int           `json:"escalate_after" yaml:"escalate_after"`
	ProbeTimeout  time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.MemoryWarnPercent <= 0 {
		c.MemoryWarnPercent = 85
	}
	if c.MemoryCriticalPercent <= 0 {
		c.MemoryCriticalPercent = 95
	}
	if c.BacklogWarn <= 0 {
		c.BacklogWarn = 100
	}
	if c.BacklogCritical <= 0 {
		c.BacklogCritical = 500
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	return c
}

// Report is one evaluation of system health.
type Report struct {
	Status        Status          `json:"status"`
	Reasons       []string        `json:"reasons,omitempty"`
	Breakers      breaker.Summary `json:"breakers"`
	MemoryPercent float64         `json:"memory_percent"`
	Queued        int             `json:"queued"`
	Processing    int             `json:"processing"`
	CheckedAt     time.Time       `json:"checked_at"`
}

// StatusChange is published on the bus as "health.status" and
// "health.escalation".
type StatusChange struct {
	From    Status
	To      Status
	Reasons []string
	At      time.Time
}

// Monitor owns periodic health evaluation.
type Monitor struct {
	cfg      Config
	breakers *breaker.Registry
	store    store.Store
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	memPercent func() (float64, error)

	mu            sync.Mutex
	probes        map[string]Probe
	last          Report
	criticalRuns  int
	criticalSince time.Time
	escalated     bool
}

// New builds a monitor. notifier and bus may be nil.
func New(cfg Config, breakers *breaker.Registry, st store.Store, notifier Notifier, log logx.Logger, bus eventbus.Bus) *Monitor {
	return &Monitor{
		cfg:      cfg.withDefaults(),
		breakers: breakers,
		store:    st,
		notifier: notifier,
		log:      log.With(logx.String("component", "health")),
		bus:      bus,
		now:      time.Now,
		memPercent: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
		probes: make(map[string]Probe),
		last:   Report{Status: StatusHealthy},
	}
}

// RegisterProbe adds a named dependency probe. Each evaluation calls the
// probe through the breaker of the same name. Probes registered after Run
// starts are picked up on the next tick.
func (m *Monitor) RegisterProbe(name string, p Probe) {
	m.mu.Lock()
	m.probes[name] = p
	m.mu.Unlock()
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run evaluates health on the probe interval until ctx is cancelled.
// Meant to run under the supervisor.
func (m *Monitor) Run(ctx context.Context) error {
	m.evaluate(ctx)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// Check runs one evaluation on demand.
func (m *Monitor) Check(ctx context.Context) Report {
	return m.evaluate(ctx)
}

func (m *Monitor) evaluate(ctx context.Context) Report {
	now := m.now()
	rep := Report{Status: StatusHealthy, CheckedAt: now}

	m.mu.Lock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.Unlock()

	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	// Probes run through the breaker named after the dependency, so a dead
	// dependency trips its breaker even when nothing else is calling it.
	sort.Strings(names)
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		var err error
		if m.breakers != nil {
			err = m.breakers.Get(name).Execute(pctx, probes[name], nil)
		} else {
			err = probes[name](pctx)
		}
		cancel()
		if err != nil {
			rep.Status = worse(rep.Status, StatusUnhealthy)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("probe %s: %v", name, err))
		}
	}

	if m.breakers != nil {
		rep.Breakers = m.breakers.HealthSummary()
		switch rep.Breakers.Health {
		case breaker.HealthCritical:
			rep.Status = worse(rep.Status, StatusCritical)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("breakers open: %v", rep.Breakers.Open))
		case breaker.HealthDegraded:
			rep.Status = worse(rep.Status, StatusDegraded)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("breakers half-open: %v", rep.Breakers.HalfOpen))
		}
	}

	if pct, err := m.memPercent(); err != nil {
		m.log.Warn("memory probe failed", logx.Err(err))
	} else {
		rep.MemoryPercent = pct
		switch {
		case pct >= m.cfg.MemoryCriticalPercent:
			rep.Status = worse(rep.Status, StatusCritical)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("memory at %.1f%%", pct))
		case pct >= m.cfg.MemoryWarnPercent:
			rep.Status = worse(rep.Status, StatusDegraded)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("memory at %.1f%%", pct))
		}
	}

	if m.store != nil {
		queued, processing, err := m.store.QueueDepth(ctx)
		if err != nil {
			rep.Status = worse(rep.Status, StatusDegraded)
			rep.Reasons = append(rep.Reasons, fmt.Sprintf("queue depth: %v", err))
		} else {
			rep.Queued, rep.Processing = queued, processing
			switch {
			case queued >= m.cfg.BacklogCritical:
				rep.Status = worse(rep.Status, StatusCritical)
				rep.Reasons = append(rep.Reasons, fmt.Sprintf("backlog %d", queued))
			case queued >= m.cfg.BacklogWarn:
				rep.Status = worse(rep.Status, StatusDegraded)
				rep.Reasons = append(rep.Reasons, fmt.Sprintf("backlog %d", queued))
			}
		}
	}

	m.finish(ctx, rep)
	return rep
}

func (m *Monitor) finish(ctx context.Context, rep Report) {
	m.mu.Lock()
	prev := m.last.Status
	m.last = rep

	if rep.Status == StatusCritical {
		m.criticalRuns++
		if m.criticalSince.IsZero() {
			m.criticalSince = rep.CheckedAt
		}
	} else {
		m.criticalRuns = 0
		m.criticalSince = time.Time{}
		m.escalated = false
	}
	escalate := !m.escalated && m.criticalRuns >= m.cfg.EscalateAfter
	if escalate {
		m.escalated = true
	}
	m.mu.Unlock()

	change := StatusChange{From: prev, To: rep.Status, Reasons: rep.Reasons, At: rep.CheckedAt}
	if rep.Status != prev {
		ev := m.log.Info
		switch rep.Status {
		case StatusCritical:
			ev = m.log.Error
		case StatusUnhealthy, StatusDegraded:
			ev = m.log.Warn
		}
		ev("health status changed",
			logx.String("from", string(prev)),
			logx.String("to", string(rep.Status)),
			logx.Any("reasons", rep.Reasons))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: "health.status", Time: rep.CheckedAt, Data: change})
		}
	}

	if escalate {
		m.log.Error("health critical, escalating", logx.Any("reasons", rep.Reasons))
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: "health.escalation", Time: rep.CheckedAt, Data: change})
		}
		if m.notifier != nil {
			body := fmt.Sprintf("critical since %s: %v",
				m.criticalSinceLocked().Format(time.RFC3339), rep.Reasons)
			if err := m.notifier.Notify(ctx, "system health critical", body); err != nil {
				m.log.Error("escalation notification", logx.Err(err))
			}
		}
	}
}

func (m *Monitor) criticalSinceLocked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.criticalSince
}
