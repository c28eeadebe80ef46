// Package breaker wraps sony/gobreaker with named circuit breakers for the
// bot's external dependencies (messaging API, feed fetchers, storage).
//
// Each breaker enforces a hard per-call timeout, trips after a run of
// consecutive failures, cools down, then admits a limited number of probe
// calls before closing again. State transitions are logged and published on
// the event bus so operators can follow dependency health live.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"postbot/internal/eventbus"
	"postbot/pkg/logx"
)

var (
	// ErrBreakerOpen is returned when a call is rejected without being
	// attempted, either because the breaker is open or because the
	// half-open probe budget is exhausted.
	ErrBreakerOpen = errors.New("breaker: open")
	// ErrCallTimeout is returned when the wrapped call exceeds the
	// per-call deadline. It counts as a failure.
	ErrCallTimeout = errors.New("breaker: call timed out")
)

// State is the observable breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds per-breaker tuning. Zero fields fall back to defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker. Successes reset the run.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// CoolDown is how long the breaker stays open before admitting probes.
	CoolDown time.Duration `json:"cool_down" yaml:"cool_down"`
	// RecoveryConfirmations is how many consecutive probe successes are
	// required to close again. A single probe failure re-opens.
	RecoveryConfirmations int `json:"recovery_confirmations" yaml:"recovery_confirmations"`
	// CallTimeout is the hard deadline applied to every call through the
	// breaker.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.CoolDown <= 0 {
		c.CoolDown = 30 * time.Second
	}
	if c.RecoveryConfirmations <= 0 {
		c.RecoveryConfirmations = 2
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	return c
}

// StateChange is published on the bus as "breaker.state".
type StateChange struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitzero"`
	NextProbeAt          time.Time `json:"next_probe_at,omitzero"`
}

// Breaker guards calls to one named dependency.
type Breaker struct {
	name string
	cfg  Config
	cb   *gobreaker.CircuitBreaker
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu          sync.Mutex
	openedAt    time.Time
	nextProbeAt time.Time
}

// New builds a breaker for the named dependency. bus may be nil.
func New(name string, cfg Config, log logx.Logger, bus eventbus.Bus) *Breaker {
	cfg = cfg.withDefaults()
	b := &Breaker{
		name: name,
		cfg:  cfg,
		log:  log.With(logx.String("breaker", name)),
		bus:  bus,
		now:  time.Now,
	}
	// MaxRequests widens the half-open budget to the full confirmation
	// count, so up to RecoveryConfirmations trial calls may run
	// concurrently. Sequential callers still see one probe at a time.
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.RecoveryConfirmations),
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: b.onStateChange,
	})
	return b
}

// Execute runs op through the breaker. When the breaker rejects the call or
// op fails, the fallback (if any) runs with the original cause and its result
// is returned to the caller. The failure is still counted against the breaker
// even when the fallback succeeds.
//
// Op receives a context bounded by the per-call timeout. A call that outlives
// the deadline is abandoned and recorded as a failure; its goroutine keeps
// running until the op honors its context.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error, fallback func(ctx context.Context, cause error) error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.runBounded(ctx, op)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = ErrBreakerOpen
	}
	if fallback != nil {
		return fallback(ctx, err)
	}
	return err
}

func (b *Breaker) runBounded(ctx context.Context, op func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(callCtx) }()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCallTimeout
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State { return mapState(b.cb.State()) }

// Snapshot reports the breaker's state and counters.
func (b *Breaker) Snapshot() Snapshot {
	counts := b.cb.Counts()
	b.mu.Lock()
	openedAt, nextProbeAt := b.openedAt, b.nextProbeAt
	b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                mapState(b.cb.State()),
		ConsecutiveFailures:  counts.ConsecutiveFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		OpenedAt:             openedAt,
		NextProbeAt:          nextProbeAt,
	}
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	now := b.now()
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		b.openedAt = now
		b.nextProbeAt = now.Add(b.cfg.CoolDown)
	case gobreaker.StateClosed:
		b.openedAt = time.Time{}
		b.nextProbeAt = time.Time{}
	}
	b.mu.Unlock()

	change := StateChange{Name: name, From: mapState(from), To: mapState(to), At: now}
	ev := b.log.Info
	if to == gobreaker.StateOpen {
		ev = b.log.Warn
	}
	ev("breaker state changed",
		logx.String("from", string(change.From)),
		logx.String("to", string(change.To)))
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: "breaker.state", Time: now, Data: change})
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
