// Package sched turns persisted schedules into queued work items.
//
// One-shot items get in-memory timers; recurring jobs run on a single cron
// runner with per-job CRON_TZ specs. Every fire path claims its slot with a
// conditional store update first, so a timer, a cron entry and the reconcile
// loop can race freely without double-queuing. Durable state in the store is
// the source of truth; timers and cron entries are just accelerators.
package sched

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"postbot/internal/eventbus"
	"postbot/internal/job"
	"postbot/internal/queue"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

// Engine owns trigger scheduling.
type Engine struct {
	cfg   Config
	store store.Store
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	cron *cron.Cron

	mu      sync.Mutex
	timers  map[string]*time.Timer
	entries map[string]cron.EntryID
	started bool
}

// New builds an engine. bus may be nil.
func New(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		store:   st,
		log:     log.With(logx.String("component", "sched")),
		bus:     bus,
		now:     time.Now,
		cron:    cron.New(cron.WithLocation(time.UTC)),
		timers:  make(map[string]*time.Timer),
		entries: make(map[string]cron.EntryID),
	}
}

// Start reloads durable schedules and begins firing. An immediate reconcile
// pass recovers anything that came due while the process was down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("sched: already started")
	}
	e.started = true
	e.mu.Unlock()

	pending, err := e.store.ListWorkItems(ctx, job.WorkItemFilter{Statuses: []job.Status{job.StatusPending}})
	if err != nil {
		return fmt.Errorf("sched: load pending items: %w", err)
	}
	now := e.now()
	for _, wi := range pending {
		if wi.TriggerAt.After(now) {
			e.armTimer(wi.ID, wi.TriggerAt)
		}
	}

	recurring, err := e.store.ListRecurringJobs(ctx, true)
	if err != nil {
		return fmt.Errorf("sched: load recurring jobs: %w", err)
	}
	for _, rj := range recurring {
		if err := e.addCronEntry(rj.ID, rj.Pattern, rj.Timezone); err != nil {
			e.log.Error("register recurring job", logx.String("job", rj.ID), logx.Err(err))
		}
	}

	e.cron.Start()
	e.log.Info("engine started",
		logx.Int("pending", len(pending)),
		logx.Int("recurring", len(recurring)))

	e.reconcile(ctx)
	return nil
}

// Stop halts timers and the cron runner. Persisted schedules are untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	<-e.cron.Stop().Done()
}

// ScheduleOnce validates and persists a one-shot execution.
func (e *Engine) ScheduleOnce(ctx context.Context, req OnceRequest) (*job.WorkItem, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrScheduleInvalid, req.Kind)
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrScheduleInvalid, tz, err)
	}
	now := e.now()
	if !req.TriggerAt.After(now) {
		return nil, fmt.Errorf("%w: trigger time %s is not in the future", ErrScheduleInvalid, req.TriggerAt.Format(time.RFC3339))
	}
	prio, err := normalizePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	payload := req.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	wi := &job.WorkItem{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Payload:   payload,
		TriggerAt: req.TriggerAt.UTC(),
		Timezone:  tz,
		Status:    job.StatusPending,
		Priority:  prio,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if err := e.store.CreateWorkItem(ctx, wi); err != nil {
		return nil, err
	}
	e.armTimer(wi.ID, wi.TriggerAt)
	e.log.Info("scheduled one-shot",
		logx.String("work_item", wi.ID),
		logx.String("kind", string(wi.Kind)),
		logx.Time("at", wi.TriggerAt))
	return wi, nil
}

// ScheduleRecurring validates and persists a cron schedule, computing the
// first run from the pattern in the job's timezone.
func (e *Engine) ScheduleRecurring(ctx context.Context, req RecurringRequest) (*job.RecurringJob, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrScheduleInvalid, req.Kind)
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrScheduleInvalid, tz, err)
	}
	sched, err := parsePattern(req.Pattern, tz)
	if err != nil {
		return nil, err
	}
	prio, err := normalizePriority(req.Priority)
	if err != nil {
		return nil, err
	}
	if req.Quiet != nil {
		if err := req.Quiet.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
		}
	}
	payload := req.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	now := e.now()
	rj := &job.RecurringJob{
		ID:              uuid.NewString(),
		Pattern:         strings.TrimSpace(req.Pattern),
		Timezone:        tz,
		Kind:            req.Kind,
		PayloadTemplate: payload,
		Priority:        prio,
		Enabled:         true,
		NextRun:         sched.Next(now).UTC(),
		Quiet:           req.Quiet,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
	if err := e.store.CreateRecurringJob(ctx, rj); err != nil {
		return nil, err
	}
	if err := e.addCronEntry(rj.ID, rj.Pattern, rj.Timezone); err != nil {
		return nil, err
	}
	e.log.Info("scheduled recurring job",
		logx.String("job", rj.ID),
		logx.String("pattern", rj.Pattern),
		logx.String("tz", tz),
		logx.Time("next_run", rj.NextRun))
	return rj, nil
}

// Cancel cancels a one-shot item that has not started processing.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	ok, err := e.store.CancelWorkItem(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("sched: work item %s cannot be cancelled", id)
	}
	e.mu.Lock()
	if t, found := e.timers[id]; found {
		t.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
	e.log.Info("cancelled one-shot", logx.String("work_item", id))
	return nil
}

// SetRecurringEnabled toggles a recurring job. Disabling removes its cron
// entry; enabling re-registers it.
func (e *Engine) SetRecurringEnabled(ctx context.Context, id string, enabled bool) error {
	if err := e.store.SetRecurringEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if enabled {
		rj, err := e.store.GetRecurringJob(ctx, id)
		if err != nil {
			return err
		}
		return e.addCronEntry(rj.ID, rj.Pattern, rj.Timezone)
	}
	e.mu.Lock()
	if eid, found := e.entries[id]; found {
		e.cron.Remove(eid)
		delete(e.entries, id)
	}
	e.mu.Unlock()
	return nil
}

// ListPending returns one-shot items waiting to fire.
func (e *Engine) ListPending(ctx context.Context) ([]*job.WorkItem, error) {
	return e.store.ListWorkItems(ctx, job.WorkItemFilter{Statuses: []job.Status{job.StatusPending}})
}

func (e *Engine) armTimer(id string, at time.Time) {
	wait := at.Sub(e.now())
	if wait < 0 || wait > e.cfg.MaxTimerHorizon {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, found := e.timers[id]; found {
		old.Stop()
	}
	e.timers[id] = time.AfterFunc(wait, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		e.fireOnce(context.Background(), id, false)
	})
}

func (e *Engine) addCronEntry(id, pattern, tz string) error {
	spec, err := cronSpec(pattern, tz)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if old, found := e.entries[id]; found {
		e.cron.Remove(old)
	}
	eid, err := e.cron.AddFunc(spec, func() {
		e.fireRecurring(context.Background(), id, false)
	})
	if err != nil {
		return fmt.Errorf("%w: pattern %q: %v", ErrScheduleInvalid, pattern, err)
	}
	e.entries[id] = eid
	return nil
}

// fireOnce moves a pending item into the queue. The conditional transition
// is the at-most-once guarantee: whichever of the timer or the reconcile
// loop gets here first wins, the other sees a lost update and stops.
func (e *Engine) fireOnce(ctx context.Context, id string, recovered bool) {
	won, err := e.store.TransitionWorkItem(ctx, id, job.StatusPending, job.StatusQueued)
	if err != nil {
		e.log.Error("fire one-shot", logx.String("work_item", id), logx.Err(err))
		return
	}
	if !won {
		return
	}
	wi, err := e.store.GetWorkItem(ctx, id)
	if err != nil {
		e.log.Error("load fired item", logx.String("work_item", id), logx.Err(err))
		return
	}
	if err := queue.Enqueue(ctx, e.store, wi, e.now()); err != nil {
		// Roll back so the next reconcile pass retries the whole fire.
		e.log.Error("enqueue fired item", logx.String("work_item", id), logx.Err(err))
		if _, rerr := e.store.TransitionWorkItem(ctx, id, job.StatusQueued, job.StatusPending); rerr != nil {
			e.log.Error("revert fired item", logx.String("work_item", id), logx.Err(rerr))
		}
		return
	}
	e.log.Info("one-shot fired", logx.String("work_item", id), logx.Bool("recovered", recovered))
	e.publishFire(FireEvent{WorkItemID: id, Kind: wi.Kind, At: e.now(), Recovered: recovered})
}

// fireRecurring claims the job's current run slot and spawns one work item.
// After an outage the computed next run skips every missed occurrence except
// the one being recovered, so next_run stays monotonic.
func (e *Engine) fireRecurring(ctx context.Context, id string, recovered bool) {
	rj, err := e.store.GetRecurringJob(ctx, id)
	if err != nil {
		e.log.Error("load recurring job", logx.String("job", id), logx.Err(err))
		return
	}
	if !rj.Enabled {
		return
	}
	sched, err := parsePattern(rj.Pattern, rj.Timezone)
	if err != nil {
		e.log.Error("recurring pattern no longer parses", logx.String("job", id), logx.Err(err))
		return
	}
	now := e.now()
	next := sched.Next(now).UTC()

	won, err := e.store.AdvanceRecurringRun(ctx, id, next, now.UTC(), rj.RunCount)
	if err != nil {
		e.log.Error("advance recurring run", logx.String("job", id), logx.Err(err))
		return
	}
	if !won {
		return
	}

	if rj.Quiet != nil {
		loc, lerr := time.LoadLocation(rj.Timezone)
		if lerr == nil && rj.Quiet.Covers(now.In(loc)) {
			e.log.Info("run suppressed by quiet hours",
				logx.String("job", id),
				logx.Time("next_run", next))
			return
		}
	}

	wi := &job.WorkItem{
		ID:          uuid.NewString(),
		Kind:        rj.Kind,
		Payload:     rj.PayloadTemplate,
		TriggerAt:   now.UTC(),
		Timezone:    rj.Timezone,
		Status:      job.StatusQueued,
		ParentJobID: rj.ID,
		Priority:    rj.Priority,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}
	if err := e.store.CreateWorkItem(ctx, wi); err != nil {
		e.log.Error("spawn recurring item", logx.String("job", id), logx.Err(err))
		return
	}
	if err := queue.Enqueue(ctx, e.store, wi, now); err != nil {
		e.log.Error("enqueue recurring item", logx.String("job", id), logx.Err(err))
		return
	}
	e.log.Info("recurring job fired",
		logx.String("job", id),
		logx.String("work_item", wi.ID),
		logx.Time("next_run", next),
		logx.Bool("recovered", recovered))
	e.publishFire(FireEvent{WorkItemID: wi.ID, RecurringID: id, Kind: rj.Kind, At: now, Recovered: recovered})
}

func (e *Engine) publishFire(ev FireEvent) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: "sched.fired", Time: ev.At, Data: ev})
	}
}

func normalizePriority(p int) (int, error) {
	if p == 0 {
		return 5, nil
	}
	if p < 1 || p > 10 {
		return 0, fmt.Errorf("%w: priority %d out of range 1..10", ErrScheduleInvalid, p)
	}
	return p, nil
}

// parsePattern validates a standard 5-field cron pattern and returns its
// schedule evaluated in tz.
func parsePattern(pattern, tz string) (cron.Schedule, error) {
	spec, err := cronSpec(pattern, tz)
	if err != nil {
		return nil, err
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrScheduleInvalid, pattern, err)
	}
	return sched, nil
}

func cronSpec(pattern, tz string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return "", fmt.Errorf("%w: empty pattern", ErrScheduleInvalid)
	}
	if strings.HasPrefix(pattern, "TZ=") || strings.HasPrefix(pattern, "CRON_TZ=") {
		return "", fmt.Errorf("%w: timezone belongs in the timezone field, not the pattern", ErrScheduleInvalid)
	}
	if tz == "" || tz == "UTC" {
		return pattern, nil
	}
	return "CRON_TZ=" + tz + " " + pattern, nil
}
