// Package queue drains durable work items with bounded concurrency, a
// rolling-window rate limit, exponential retry and dead-lettering.
//
// The processor polls the store for due queue items, claims each with a
// conditional update so concurrent pollers never double-pick, and runs the
// bound executor through the dependency's circuit breaker. Failures are
// retried with capped exponential backoff; items that exhaust their attempts
// or fail permanently are dead-lettered and reported exactly once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"postbot/internal/breaker"
	"postbot/internal/eventbus"
	"postbot/internal/executor"
	"postbot/internal/job"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

// Notifier receives dead-letter reports. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Config tunes the processor. Zero fields fall back to defaults.
type Config struct {
	// BatchSize bounds how many items run concurrently.
	BatchSize int `json:"batch_size" yaml:"batch_size"`
	// TickInterval is the poll cadence.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`
	// RateLimit caps completed runs per RateWindow. Zero disables the gate.
	RateLimit  int           `json:"rate_limit" yaml:"rate_limit"`
	RateWindow time.Duration `json:"rate_window" yaml:"rate_window"`
	// MaxAttempts is the total tries per item before dead-lettering.
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBase     time.Duration `json:"retry_base" yaml:"retry_base"`
	RetryMaxDelay time.Duration `json:"retry_max_delay" yaml:"retry_max_delay"`
	RetryJitter   float64       `json:"retry_jitter" yaml:"retry_jitter"`
	// StuckAfter is how long an item may sit in processing before the
	// recovery sweep requeues it.
	StuckAfter time.Duration `json:"stuck_after" yaml:"stuck_after"`
	// SweepInterval is the cadence of the recovery and retention sweep.
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	// RetentionAge is how long terminal items are kept before purging.
	RetentionAge time.Duration `json:"retention_age" yaml:"retention_age"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 24 * time.Hour
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 7 * 24 * time.Hour
	}
	return c
}

// ItemEvent is the payload of "queue.item.*" bus events.
type ItemEvent struct {
	QueueID    string
	WorkItemID string
	Kind       job.Kind
	Attempts   int
	Detail     string
	Err        string
}

// Processor drains the durable queue.
type Processor struct {
	cfg      Config
	store    store.Store
	execs    *executor.Registry
	breakers *breaker.Registry
	notifier Notifier
	log      logx.Logger
	bus      eventbus.Bus

	rate *rateWindow
	now  func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New builds a processor. notifier and bus may be nil.
func New(cfg Config, st store.Store, execs *executor.Registry, breakers *breaker.Registry, notifier Notifier, log logx.Logger, bus eventbus.Bus) *Processor {
	cfg = cfg.withDefaults()
	return &Processor{
		cfg:      cfg,
		store:    st,
		execs:    execs,
		breakers: breakers,
		notifier: notifier,
		log:      log.With(logx.String("component", "queue")),
		bus:      bus,
		rate:     newRateWindow(cfg.RateLimit, cfg.RateWindow, nil),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run polls until ctx is cancelled, then waits for in-flight items.
// It is meant to run under the supervisor.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// InFlight reports how many items are currently executing.
func (p *Processor) InFlight() int { return int(p.inFlight.Load()) }

func (p *Processor) tick(ctx context.Context) {
	admissible := p.cfg.BatchSize - int(p.inFlight.Load())
	if admissible <= 0 {
		return
	}
	now := p.now()
	items, err := p.store.DueQueueItems(ctx, now, admissible)
	if err != nil {
		p.log.Error("poll due items", logx.Err(err))
		return
	}
	for _, qi := range items {
		if !p.rate.Allow() {
			p.log.Debug("rate window full, deferring remaining items")
			return
		}
		attempts, claimed, err := p.store.ClaimQueueItem(ctx, qi.QueueID, now)
		if err != nil {
			p.log.Error("claim item", logx.String("queue_id", qi.QueueID), logx.Err(err))
			continue
		}
		if !claimed {
			continue
		}
		p.inFlight.Add(1)
		p.wg.Add(1)
		go func(qi *job.QueueItem, attempts int) {
			defer p.wg.Done()
			defer p.inFlight.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("item panicked",
						logx.String("queue_id", qi.QueueID),
						logx.Any("panic", r))
					p.failOrRetry(ctx, qi, nil, attempts, fmt.Errorf("panic: %v", r))
				}
			}()
			p.runItem(ctx, qi, attempts)
		}(qi, attempts)
	}
}

func (p *Processor) runItem(ctx context.Context, qi *job.QueueItem, attempts int) {
	log := p.log.With(
		logx.String("queue_id", qi.QueueID),
		logx.String("work_item", qi.WorkItemID),
		logx.Int("attempt", attempts))

	wi, err := p.store.GetWorkItem(ctx, qi.WorkItemID)
	if err != nil {
		log.Error("load work item", logx.Err(err))
		p.failOrRetry(ctx, qi, nil, attempts, err)
		return
	}

	// The work item status is re-checked on every attempt: a queued item is
	// claimed with a conditional transition, a processing item is a retry of
	// an earlier claim, and anything else (cancelled or already terminal,
	// including items cancelled while the sweep had them requeued) is
	// dropped without running.
	switch wi.Status {
	case job.StatusQueued:
		ok, terr := p.store.TransitionWorkItem(ctx, wi.ID, job.StatusQueued, job.StatusProcessing)
		if terr != nil {
			log.Error("transition work item", logx.Err(terr))
			p.failOrRetry(ctx, qi, wi, attempts, terr)
			return
		}
		if !ok {
			log.Info("work item no longer queued, dropping")
			p.store.FinishQueueItem(ctx, qi.QueueID, job.QueueStatusCompleted)
			return
		}
	case job.StatusProcessing:
		// retry of an earlier claim
	default:
		log.Info("work item not runnable, dropping", logx.String("status", string(wi.Status)))
		p.store.FinishQueueItem(ctx, qi.QueueID, job.QueueStatusCompleted)
		return
	}

	binding, ok := p.execs.Resolve(wi.Kind)
	if !ok {
		p.deadLetter(ctx, qi, wi, attempts, executor.NoRetry(fmt.Errorf("no executor for kind %q", wi.Kind)))
		return
	}

	var res executor.Result
	run := func(ctx context.Context) error {
		var execErr error
		res, execErr = binding.Exec.Execute(ctx, wi.Payload)
		return execErr
	}
	if binding.Dependency != "" && p.breakers != nil {
		err = p.breakers.Get(binding.Dependency).Execute(ctx, run, nil)
	} else {
		err = run(ctx)
	}

	if err == nil {
		log.Info("item completed", logx.String("detail", res.Detail))
		p.rate.Record()
		p.store.FinishQueueItem(ctx, qi.QueueID, job.QueueStatusCompleted)
		if ferr := p.store.FinishWorkItem(ctx, wi.ID, job.StatusCompleted, attempts); ferr != nil {
			log.Error("finish work item", logx.Err(ferr))
		}
		p.publish("queue.item.completed", ItemEvent{
			QueueID: qi.QueueID, WorkItemID: wi.ID, Kind: wi.Kind,
			Attempts: attempts, Detail: res.Detail,
		})
		return
	}

	p.failOrRetry(ctx, qi, wi, attempts, err)
}

func (p *Processor) failOrRetry(ctx context.Context, qi *job.QueueItem, wi *job.WorkItem, attempts int, cause error) {
	if executor.IsNoRetry(cause) || attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, qi, wi, attempts, cause)
		return
	}

	p.rngMu.Lock()
	delay := retryDelay(p.cfg, attempts, cause, p.rng)
	p.rngMu.Unlock()

	retryAt := p.now().Add(delay)
	if err := p.store.RequeueForRetry(ctx, qi.QueueID, retryAt); err != nil {
		p.log.Error("requeue for retry", logx.String("queue_id", qi.QueueID), logx.Err(err))
		return
	}
	p.log.Warn("item failed, will retry",
		logx.String("queue_id", qi.QueueID),
		logx.Int("attempt", attempts),
		logx.Duration("delay", delay),
		logx.Err(cause))
	ev := ItemEvent{QueueID: qi.QueueID, WorkItemID: qi.WorkItemID, Attempts: attempts, Err: cause.Error()}
	if wi != nil {
		ev.Kind = wi.Kind
	}
	p.publish("queue.item.retry", ev)
}

// deadLetter finalizes an exhausted item. The conditional FinishQueueItem
// update makes the notification exactly-once even if two paths race here.
func (p *Processor) deadLetter(ctx context.Context, qi *job.QueueItem, wi *job.WorkItem, attempts int, cause error) {
	won, err := p.store.FinishQueueItem(ctx, qi.QueueID, job.QueueStatusFailed)
	if err != nil {
		p.log.Error("dead-letter item", logx.String("queue_id", qi.QueueID), logx.Err(err))
		return
	}
	if !won {
		return
	}
	kind := job.Kind("")
	if wi != nil {
		kind = wi.Kind
	}
	// The work item id comes from the queue entry so the item is closed out
	// even when it could not be loaded (panic or store failure paths).
	if ferr := p.store.FinishWorkItem(ctx, qi.WorkItemID, job.StatusFailed, attempts); ferr != nil && !errors.Is(ferr, store.ErrNotFound) {
		p.log.Error("finish failed work item", logx.Err(ferr))
	}
	p.log.Error("item dead-lettered",
		logx.String("queue_id", qi.QueueID),
		logx.String("work_item", qi.WorkItemID),
		logx.Int("attempts", attempts),
		logx.Err(cause))
	p.publish("queue.item.dead_letter", ItemEvent{
		QueueID: qi.QueueID, WorkItemID: qi.WorkItemID, Kind: kind,
		Attempts: attempts, Err: cause.Error(),
	})
	if p.notifier != nil {
		subject := fmt.Sprintf("work item %s dead-lettered", qi.WorkItemID)
		body := fmt.Sprintf("kind=%s attempts=%d error: %v", kind, attempts, cause)
		if nerr := p.notifier.Notify(ctx, subject, body); nerr != nil {
			p.log.Error("dead-letter notification", logx.Err(nerr))
		}
	}
}

func (p *Processor) publish(typ string, ev ItemEvent) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: ev})
	}
}

// Enqueue creates the queue entry for a work item already marked queued.
func Enqueue(ctx context.Context, st store.Store, wi *job.WorkItem, now time.Time) error {
	if wi == nil {
		return errors.New("queue: nil work item")
	}
	return st.EnqueueItem(ctx, &job.QueueItem{
		QueueID:    uuid.NewString(),
		WorkItemID: wi.ID,
		Priority:   wi.Priority,
		QueuedAt:   now,
		Status:     job.QueueStatusQueued,
	})
}
