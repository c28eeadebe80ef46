package sched

import (
	"encoding/json"
	"errors"
	"time"

	"postbot/internal/job"
)

// ErrScheduleInvalid wraps all request validation failures.
var ErrScheduleInvalid = errors.New("sched: invalid schedule")

// OnceRequest asks for a single future execution.
type OnceRequest struct {
	Kind      job.Kind
	Payload   json.RawMessage
	TriggerAt time.Time
	Timezone  string
	Priority  int
}

// RecurringRequest asks for a cron-driven schedule.
type RecurringRequest struct {
	Pattern  string
	Timezone string
	Kind     job.Kind
	Payload  json.RawMessage
	Priority int
	Quiet    *job.QuietHours
}

// FireEvent is published on the bus as "sched.fired".
type FireEvent struct {
	WorkItemID  string
	RecurringID string
	Kind        job.Kind
	At          time.Time
	Recovered   bool
}

// Config tunes the engine. Zero fields fall back to defaults.
type Config struct {
	// ReconcileInterval is how often the engine scans the store for
	// triggers the in-memory timers missed.
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
	// MaxTimerHorizon bounds how far ahead a one-shot gets an in-memory
	// timer; farther items are picked up by later reconcile passes.
	MaxTimerHorizon time.Duration `json:"max_timer_horizon" yaml:"max_timer_horizon"`
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.MaxTimerHorizon <= 0 {
		c.MaxTimerHorizon = 48 * time.Hour
	}
	return c
}
