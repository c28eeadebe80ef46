package store

import (
	"context"
	"testing"
	"time"

	"postbot/internal/job"
)

func newWorkItem(id string, at time.Time) *job.WorkItem {
	now := time.Now().UTC()
	return &job.WorkItem{
		ID:        id,
		Kind:      job.KindCustom,
		TriggerAt: at,
		Timezone:  "UTC",
		Status:    job.StatusPending,
		Priority:  5,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestTransitionWorkItemConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	if err := s.CreateWorkItem(ctx, newWorkItem("w1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.TransitionWorkItem(ctx, "w1", job.StatusPending, job.StatusQueued)
	if err != nil || !ok {
		t.Fatalf("first transition: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionWorkItem(ctx, "w1", job.StatusPending, job.StatusQueued)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if ok {
		t.Fatal("second transition should lose, item is no longer pending")
	}
}

func TestCancelWorkItemStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()

	cases := []struct {
		status job.Status
		want   bool
	}{
		{job.StatusPending, true},
		{job.StatusQueued, true},
		{job.StatusProcessing, false},
		{job.StatusCompleted, false},
		{job.StatusCancelled, false},
	}
	for i, tc := range cases {
		it := newWorkItem(string(rune('a'+i)), time.Now())
		it.Status = tc.status
		if err := s.CreateWorkItem(ctx, it); err != nil {
			t.Fatalf("create: %v", err)
		}
		got, err := s.CancelWorkItem(ctx, it.ID)
		if err != nil {
			t.Fatalf("cancel %s: %v", tc.status, err)
		}
		if got != tc.want {
			t.Errorf("cancel from %s: got %v, want %v", tc.status, got, tc.want)
		}
	}
}

func TestDueQueueItemsOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	add := func(id string, prio int, at time.Time) {
		err := s.EnqueueItem(ctx, &job.QueueItem{
			QueueID:    id,
			WorkItemID: "w-" + id,
			Priority:   prio,
			QueuedAt:   at,
			Status:     job.QueueStatusQueued,
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	add("late-low", 9, base)
	add("early-low", 9, base.Add(-time.Minute))
	add("high", 1, base.Add(time.Minute))

	got, err := s.DueQueueItems(ctx, base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	want := []string{"high", "early-low", "late-low"}
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].QueueID != id {
			t.Errorf("position %d: got %s, want %s", i, got[i].QueueID, id)
		}
	}
}

func TestDueQueueItemsHonorsRetryAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	later := now.Add(time.Minute)

	if err := s.EnqueueItem(ctx, &job.QueueItem{
		QueueID: "q1", WorkItemID: "w1", Priority: 5,
		QueuedAt: now.Add(-time.Hour), Status: job.QueueStatusQueued,
		ScheduledForRetryAt: &later,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := s.DueQueueItems(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("item with future retry time must not be due, got %d", len(got))
	}
	got, err = s.DueQueueItems(ctx, later.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("item past its retry time must be due, got %d", len(got))
	}
}

func TestClaimQueueItemOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	if err := s.EnqueueItem(ctx, &job.QueueItem{
		QueueID: "q1", WorkItemID: "w1", Priority: 5,
		QueuedAt: now, Status: job.QueueStatusQueued,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	attempts, ok, err := s.ClaimQueueItem(ctx, "q1", now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if attempts != 1 {
		t.Fatalf("attempts after first claim: got %d, want 1", attempts)
	}
	_, ok, err = s.ClaimQueueItem(ctx, "q1", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("second claim must lose")
	}
}

func TestRecoverStuckItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()

	enqueueAndClaim := func(id string, claimAt time.Time) {
		if err := s.EnqueueItem(ctx, &job.QueueItem{
			QueueID: id, WorkItemID: "w-" + id, Priority: 5,
			QueuedAt: claimAt, Status: job.QueueStatusQueued,
		}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
		if _, ok, err := s.ClaimQueueItem(ctx, id, claimAt); err != nil || !ok {
			t.Fatalf("claim %s: ok=%v err=%v", id, ok, err)
		}
	}
	enqueueAndClaim("stale", now.Add(-2*time.Hour))
	enqueueAndClaim("fresh", now.Add(-time.Minute))

	ids, err := s.RecoverStuckItems(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("recovered %v, want [stale]", ids)
	}

	// Recovery is idempotent: a second sweep finds nothing.
	ids, err = s.RecoverStuckItems(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("second recover: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("second sweep recovered %v, want none", ids)
	}

	got, err := s.DueQueueItems(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(got) != 1 || got[0].QueueID != "stale" {
		t.Fatalf("recovered item should be claimable again, got %v", got)
	}
}

func TestAdvanceRecurringRunClaimsSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	rj := &job.RecurringJob{
		ID: "r1", Pattern: "0 9 * * *", Timezone: "UTC",
		Kind: job.KindDigest, Priority: 5, Enabled: true,
		NextRun: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateRecurringJob(ctx, rj); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := now.Add(24 * time.Hour)
	ok, err := s.AdvanceRecurringRun(ctx, "r1", next, now, 0)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}
	ok, err = s.AdvanceRecurringRun(ctx, "r1", next, now, 0)
	if err != nil {
		t.Fatalf("second advance: %v", err)
	}
	if ok {
		t.Fatal("second advance with stale run count must lose")
	}

	got, err := s.GetRecurringJob(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("run count: got %d, want 1", got.RunCount)
	}
	if !got.NextRun.Equal(next) {
		t.Errorf("next run: got %v, want %v", got.NextRun, next)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}); err == nil {
		t.Fatal("expected error for sqlite without a path")
	}
	s, err := Open(Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory driver: %v", err)
	}
	s.Close()
}
