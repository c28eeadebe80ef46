package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"postbot/internal/breaker"
	"postbot/internal/eventbus"
	"postbot/internal/executor"
	"postbot/internal/job"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *fakeNotifier) Notify(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	n.calls = append(n.calls, subject)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type scriptedExec struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (e *scriptedExec) Execute(context.Context, json.RawMessage) (executor.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= len(e.errs) {
		return executor.Result{}, e.errs[e.calls-1]
	}
	return executor.Result{Detail: "ok"}, nil
}

func (e *scriptedExec) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	p     *Processor
	store *store.Mem
	clock *fakeClock
	exec  *scriptedExec
	note  *fakeNotifier
	bus   eventbus.Bus
}

func newFixture(t *testing.T, cfg Config, execErrs ...error) *fixture {
	t.Helper()
	mem := store.NewMem()
	clock := newFakeClock()
	exec := &scriptedExec{errs: execErrs}
	note := &fakeNotifier{}
	bus := eventbus.New()

	reg := executor.NewRegistry()
	if err := reg.Register(job.KindCustom, executor.Binding{Exec: exec}); err != nil {
		t.Fatalf("register executor: %v", err)
	}

	p := New(cfg, mem, reg, nil, note, logx.Nop(), bus)
	p.now = clock.Now
	p.rate = newRateWindow(cfg.RateLimit, p.cfg.RateWindow, clock.Now)
	p.rng = rand.New(rand.NewSource(1))
	return &fixture{p: p, store: mem, clock: clock, exec: exec, note: note, bus: bus}
}

func (f *fixture) addItem(t *testing.T, id string) *job.WorkItem {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	wi := &job.WorkItem{
		ID: id, Kind: job.KindCustom, Payload: json.RawMessage(`{}`),
		TriggerAt: now, Timezone: "UTC", Status: job.StatusQueued,
		Priority: 5, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateWorkItem(ctx, wi); err != nil {
		t.Fatalf("create work item: %v", err)
	}
	if err := Enqueue(ctx, f.store, wi, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return wi
}

func (f *fixture) tickAndWait(ctx context.Context) {
	f.p.tick(ctx)
	f.p.wg.Wait()
}

func (f *fixture) workStatus(t *testing.T, id string) job.Status {
	t.Helper()
	wi, err := f.store.GetWorkItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	return wi.Status
}

func TestProcessorCompletesItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.tickAndWait(ctx)

	if got := f.workStatus(t, wi.ID); got != job.StatusCompleted {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusCompleted)
	}
	if f.exec.callCount() != 1 {
		t.Fatalf("executor calls: got %d, want 1", f.exec.callCount())
	}
	select {
	case e := <-ch:
		if e.Type != "queue.item.completed" {
			t.Fatalf("event type: %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	transient := errors.New("flaky downstream")
	f := newFixture(t, Config{MaxAttempts: 5, RetryBase: time.Second, RetryMaxDelay: time.Minute}, transient, transient)
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	for i := 0; i < 3; i++ {
		f.tickAndWait(ctx)
		f.clock.Advance(2 * time.Minute)
	}

	if got := f.workStatus(t, wi.ID); got != job.StatusCompleted {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusCompleted)
	}
	if f.exec.callCount() != 3 {
		t.Fatalf("executor calls: got %d, want 3", f.exec.callCount())
	}
	if f.note.count() != 0 {
		t.Fatalf("no notification expected, got %d", f.note.count())
	}
}

func TestProcessorRetryWaitsForBackoff(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 5, RetryBase: time.Minute, RetryMaxDelay: time.Hour}, errors.New("down"))
	ctx := context.Background()
	f.addItem(t, "w1")

	f.tickAndWait(ctx)
	if f.exec.callCount() != 1 {
		t.Fatalf("calls after first tick: %d", f.exec.callCount())
	}

	// Before the backoff elapses the item must not be due.
	f.clock.Advance(time.Second)
	f.tickAndWait(ctx)
	if f.exec.callCount() != 1 {
		t.Fatalf("retried before backoff elapsed, calls=%d", f.exec.callCount())
	}

	f.clock.Advance(2 * time.Hour)
	f.tickAndWait(ctx)
	if f.exec.callCount() != 2 {
		t.Fatalf("calls after backoff: %d", f.exec.callCount())
	}
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	down := errors.New("permanently down")
	f := newFixture(t, Config{MaxAttempts: 2, RetryBase: time.Second, RetryMaxDelay: time.Minute}, down, down, down)
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	ch, unsub := f.bus.Subscribe(16)
	defer unsub()

	for i := 0; i < 4; i++ {
		f.tickAndWait(ctx)
		f.clock.Advance(2 * time.Minute)
	}

	if got := f.workStatus(t, wi.ID); got != job.StatusFailed {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusFailed)
	}
	if f.exec.callCount() != 2 {
		t.Fatalf("executor calls: got %d, want 2 (max attempts)", f.exec.callCount())
	}
	if f.note.count() != 1 {
		t.Fatalf("dead-letter notifications: got %d, want exactly 1", f.note.count())
	}

	var deadLetters int
	for {
		select {
		case e := <-ch:
			if e.Type == "queue.item.dead_letter" {
				deadLetters++
			}
			continue
		default:
		}
		break
	}
	if deadLetters != 1 {
		t.Fatalf("dead-letter events: got %d, want 1", deadLetters)
	}
}

func TestProcessorPermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 5}, executor.NoRetry(errors.New("bad payload")))
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	f.tickAndWait(ctx)

	if got := f.workStatus(t, wi.ID); got != job.StatusFailed {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusFailed)
	}
	if f.exec.callCount() != 1 {
		t.Fatalf("permanent failure must not retry, calls=%d", f.exec.callCount())
	}
	if f.note.count() != 1 {
		t.Fatalf("notifications: got %d, want 1", f.note.count())
	}
}

func TestProcessorDropsCancelledWorkItem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	if ok, err := f.store.CancelWorkItem(ctx, wi.ID); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	f.tickAndWait(ctx)

	if f.exec.callCount() != 0 {
		t.Fatal("cancelled item must not execute")
	}
	if got := f.workStatus(t, wi.ID); got != job.StatusCancelled {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusCancelled)
	}
}

func TestProcessorDropsCancelledItemAfterRecovery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 5, StuckAfter: 10 * time.Minute})
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	// A crash between the queue claim and the work item transition leaves
	// the queue entry processing while the work item is still queued, so
	// it is still cancellable once the sweep requeues the entry.
	due, err := f.store.DueQueueItems(ctx, f.clock.Now(), 1)
	if err != nil || len(due) != 1 {
		t.Fatalf("due items: %v err=%v", due, err)
	}
	if _, ok, cerr := f.store.ClaimQueueItem(ctx, due[0].QueueID, f.clock.Now()); cerr != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, cerr)
	}

	f.clock.Advance(time.Hour)
	f.p.sweep(ctx)
	if ok, cerr := f.store.CancelWorkItem(ctx, wi.ID); cerr != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, cerr)
	}

	f.tickAndWait(ctx)
	if f.exec.callCount() != 0 {
		t.Fatal("cancelled work item must not execute")
	}
	if got := f.workStatus(t, wi.ID); got != job.StatusCancelled {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusCancelled)
	}
}

func TestProcessorUnknownKindDeadLetters(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{MaxAttempts: 5})
	ctx := context.Background()
	now := f.clock.Now()
	wi := &job.WorkItem{
		ID: "w1", Kind: job.KindBreaking, TriggerAt: now, Timezone: "UTC",
		Status: job.StatusQueued, Priority: 5, CreatedAt: now, UpdatedAt: now,
	}
	if err := f.store.CreateWorkItem(ctx, wi); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Enqueue(ctx, f.store, wi, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.tickAndWait(ctx)

	if got := f.workStatus(t, wi.ID); got != job.StatusFailed {
		t.Fatalf("work item status: got %s, want %s", got, job.StatusFailed)
	}
	if f.note.count() != 1 {
		t.Fatalf("notifications: got %d, want 1", f.note.count())
	}
}

func TestProcessorRoutesThroughBreaker(t *testing.T) {
	t.Parallel()
	mem := store.NewMem()
	clock := newFakeClock()
	down := errors.New("telegram down")
	exec := &scriptedExec{errs: []error{down, down, down, down}}
	bus := eventbus.New()

	reg := executor.NewRegistry()
	if err := reg.Register(job.KindCustom, executor.Binding{Exec: exec, Dependency: "telegram"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2, CoolDown: time.Hour, CallTimeout: time.Second,
	}, nil, logx.Nop(), nil)

	p := New(Config{MaxAttempts: 10, RetryBase: time.Second, RetryMaxDelay: time.Minute}, mem, reg, breakers, nil, logx.Nop(), bus)
	p.now = clock.Now
	p.rate = newRateWindow(0, time.Minute, clock.Now)
	p.rng = rand.New(rand.NewSource(1))

	ctx := context.Background()
	now := clock.Now()
	wi := &job.WorkItem{
		ID: "w1", Kind: job.KindCustom, TriggerAt: now, Timezone: "UTC",
		Status: job.StatusQueued, Priority: 5, CreatedAt: now, UpdatedAt: now,
	}
	if err := mem.CreateWorkItem(ctx, wi); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Enqueue(ctx, mem, wi, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Two failed attempts trip the breaker; the third is rejected without
	// invoking the executor.
	for i := 0; i < 3; i++ {
		p.tick(ctx)
		p.wg.Wait()
		clock.Advance(2 * time.Minute)
	}

	if got := breakers.Get("telegram").State(); got != breaker.StateOpen {
		t.Fatalf("breaker state: got %s, want %s", got, breaker.StateOpen)
	}
	if exec.callCount() != 2 {
		t.Fatalf("executor calls: got %d, want 2 (third rejected by open breaker)", exec.callCount())
	}
}

func TestProcessorBatchSizeBoundsClaims(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{BatchSize: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.addItem(t, fmt.Sprintf("w%d", i))
	}

	f.tickAndWait(ctx)
	if f.exec.callCount() != 2 {
		t.Fatalf("first tick should claim at most batch size, calls=%d", f.exec.callCount())
	}
}

func TestRecoverySweepRequeuesStuck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{StuckAfter: 10 * time.Minute})
	ctx := context.Background()
	now := f.clock.Now()

	if err := f.store.EnqueueItem(ctx, &job.QueueItem{
		QueueID: "q-stuck", WorkItemID: "w1", Priority: 5,
		QueuedAt: now.Add(-time.Hour), Status: job.QueueStatusQueued,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, err := f.store.ClaimQueueItem(ctx, "q-stuck", now.Add(-time.Hour)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	ch, unsub := f.bus.Subscribe(8)
	defer unsub()

	f.p.sweep(ctx)

	got, err := f.store.DueQueueItems(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(got) != 1 || got[0].QueueID != "q-stuck" {
		t.Fatalf("stuck item not requeued: %v", got)
	}
	select {
	case e := <-ch:
		if e.Type != "queue.item.recovered" {
			t.Fatalf("event type: %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no recovery event")
	}
}

func TestRateWindowSlides(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	rw := newRateWindow(2, time.Minute, clock.Now)

	if !rw.Allow() {
		t.Fatal("empty window must admit")
	}
	rw.Record()
	if !rw.Allow() {
		t.Fatal("one recorded run must still admit")
	}
	rw.Record()
	if rw.Allow() {
		t.Fatal("full window must reject")
	}
	clock.Advance(61 * time.Second)
	if !rw.Allow() {
		t.Fatal("start after the window slid must be admitted")
	}
}

func TestProcessorFailedAttemptsDoNotConsumeRateBudget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{
		RateLimit: 1, RateWindow: time.Hour,
		MaxAttempts: 5, RetryBase: time.Second, RetryMaxDelay: time.Second,
	}, errors.New("flaky"))
	ctx := context.Background()
	wi := f.addItem(t, "w1")

	f.tickAndWait(ctx)
	f.clock.Advance(2 * time.Second)
	f.tickAndWait(ctx)

	if got := f.workStatus(t, wi.ID); got != job.StatusCompleted {
		t.Fatalf("retry was rate-gated by its own failed attempt, status=%s", got)
	}
	if f.exec.callCount() != 2 {
		t.Fatalf("executor calls: got %d, want 2", f.exec.callCount())
	}

	// The completed run fills the window, deferring the next admission.
	f.addItem(t, "w2")
	f.tickAndWait(ctx)
	if f.exec.callCount() != 2 {
		t.Fatalf("admission past a full window, calls=%d", f.exec.callCount())
	}
}

type panickyExec struct{}

func (panickyExec) Execute(context.Context, json.RawMessage) (executor.Result, error) {
	panic("boom")
}

func TestProcessorPanicDeadLettersWorkItem(t *testing.T) {
	t.Parallel()
	mem := store.NewMem()
	clock := newFakeClock()
	note := &fakeNotifier{}

	reg := executor.NewRegistry()
	if err := reg.Register(job.KindCustom, executor.Binding{Exec: panickyExec{}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := New(Config{MaxAttempts: 1}, mem, reg, nil, note, logx.Nop(), nil)
	p.now = clock.Now
	p.rate = newRateWindow(0, time.Minute, clock.Now)
	p.rng = rand.New(rand.NewSource(1))

	ctx := context.Background()
	now := clock.Now()
	wi := &job.WorkItem{
		ID: "w1", Kind: job.KindCustom, Payload: json.RawMessage(`{}`),
		TriggerAt: now, Timezone: "UTC", Status: job.StatusQueued,
		Priority: 5, CreatedAt: now, UpdatedAt: now,
	}
	if err := mem.CreateWorkItem(ctx, wi); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := Enqueue(ctx, mem, wi, now); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	p.tick(ctx)
	p.wg.Wait()

	got, err := mem.GetWorkItem(ctx, wi.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusFailed {
		t.Fatalf("work item status after panic: got %s, want %s", got.Status, job.StatusFailed)
	}
	if note.count() != 1 {
		t.Fatalf("notifications: got %d, want 1", note.count())
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}.withDefaults()
	cfg.RetryJitter = 0

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := retryDelay(cfg, attempt, errors.New("x"), nil)
		if d < prev {
			t.Fatalf("attempt %d: delay %s shrank from %s", attempt, d, prev)
		}
		if d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %s exceeds cap", attempt, d)
		}
		prev = d
	}
	if prev != cfg.RetryMaxDelay {
		t.Fatalf("delay should reach the cap, got %s", prev)
	}
}

func TestRetryDelayHonorsHint(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: time.Minute}.withDefaults()
	cfg.RetryJitter = 0

	err := executor.RetryAfter(errors.New("429"), 42*time.Second)
	if d := retryDelay(cfg, 1, err, nil); d != 42*time.Second {
		t.Fatalf("hinted delay: got %s, want 42s", d)
	}
	err = executor.RetryAfter(errors.New("429"), time.Hour)
	if d := retryDelay(cfg, 1, err, nil); d != time.Minute {
		t.Fatalf("hinted delay must be capped: got %s", d)
	}
}
