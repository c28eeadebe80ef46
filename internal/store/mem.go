package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"postbot/internal/job"
)

// Mem is an in-process Store. State is lost on restart, so it is only
// suitable for tests and dry runs.
type Mem struct {
	mu        sync.Mutex
	work      map[string]*job.WorkItem
	recurring map[string]*job.RecurringJob
	queue     map[string]*job.QueueItem
}

func NewMem() *Mem {
	return &Mem{
		work:      make(map[string]*job.WorkItem),
		recurring: make(map[string]*job.RecurringJob),
		queue:     make(map[string]*job.QueueItem),
	}
}

func (m *Mem) Ping(context.Context) error { return nil }
func (m *Mem) Close() error               { return nil }

func cloneWork(it *job.WorkItem) *job.WorkItem {
	cp := *it
	return &cp
}

func cloneRecurring(rj *job.RecurringJob) *job.RecurringJob {
	cp := *rj
	if rj.Quiet != nil {
		q := *rj.Quiet
		cp.Quiet = &q
	}
	return &cp
}

func cloneQueue(qi *job.QueueItem) *job.QueueItem {
	cp := *qi
	if qi.ProcessingStartedAt != nil {
		t := *qi.ProcessingStartedAt
		cp.ProcessingStartedAt = &t
	}
	if qi.ScheduledForRetryAt != nil {
		t := *qi.ScheduledForRetryAt
		cp.ScheduledForRetryAt = &t
	}
	return &cp
}

func (m *Mem) CreateWorkItem(_ context.Context, it *job.WorkItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.work[it.ID] = cloneWork(it)
	return nil
}

func (m *Mem) GetWorkItem(_ context.Context, id string) (*job.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.work[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWork(it), nil
}

func (m *Mem) ListWorkItems(_ context.Context, f job.WorkItemFilter) ([]*job.WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.WorkItem
	for _, it := range m.work {
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, it.Status) {
			continue
		}
		if f.Kind != "" && it.Kind != f.Kind {
			continue
		}
		if !f.DueBefore.IsZero() && it.TriggerAt.After(f.DueBefore) {
			continue
		}
		out = append(out, cloneWork(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Mem) TransitionWorkItem(_ context.Context, id string, from, to job.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.work[id]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Mem) CancelWorkItem(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.work[id]
	if !ok {
		return false, nil
	}
	if it.Status != job.StatusPending && it.Status != job.StatusQueued {
		return false, nil
	}
	it.Status = job.StatusCancelled
	it.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Mem) FinishWorkItem(_ context.Context, id string, status job.Status, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.work[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	it.Attempts = attempts
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Mem) PurgeTerminalWorkItems(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, it := range m.work {
		if it.Status.Terminal() && it.UpdatedAt.Before(olderThan) {
			delete(m.work, id)
			n++
		}
	}
	return n, nil
}

func (m *Mem) CreateRecurringJob(_ context.Context, rj *job.RecurringJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recurring[rj.ID] = cloneRecurring(rj)
	return nil
}

func (m *Mem) GetRecurringJob(_ context.Context, id string) (*job.RecurringJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rj, ok := m.recurring[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecurring(rj), nil
}

func (m *Mem) ListRecurringJobs(_ context.Context, enabledOnly bool) ([]*job.RecurringJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.RecurringJob
	for _, rj := range m.recurring {
		if enabledOnly && !rj.Enabled {
			continue
		}
		out = append(out, cloneRecurring(rj))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) AdvanceRecurringRun(_ context.Context, id string, next, fired time.Time, expectRunCount int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rj, ok := m.recurring[id]
	if !ok || rj.RunCount != expectRunCount {
		return false, nil
	}
	rj.NextRun = next
	rj.LastRun = fired
	rj.RunCount++
	rj.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Mem) SetRecurringEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rj, ok := m.recurring[id]
	if !ok {
		return ErrNotFound
	}
	rj.Enabled = enabled
	rj.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Mem) EnqueueItem(_ context.Context, qi *job.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue[qi.QueueID] = cloneQueue(qi)
	return nil
}

func (m *Mem) DueQueueItems(_ context.Context, now time.Time, limit int) ([]*job.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*job.QueueItem
	for _, qi := range m.queue {
		if qi.Status != job.QueueStatusQueued {
			continue
		}
		if qi.ScheduledForRetryAt != nil && qi.ScheduledForRetryAt.After(now) {
			continue
		}
		out = append(out, cloneQueue(qi))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) ClaimQueueItem(_ context.Context, queueID string, now time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qi, ok := m.queue[queueID]
	if !ok || qi.Status != job.QueueStatusQueued {
		return 0, false, nil
	}
	qi.Status = job.QueueStatusProcessing
	t := now
	qi.ProcessingStartedAt = &t
	qi.Attempts++
	qi.ScheduledForRetryAt = nil
	return qi.Attempts, true, nil
}

func (m *Mem) RequeueForRetry(_ context.Context, queueID string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qi, ok := m.queue[queueID]
	if !ok || qi.Status != job.QueueStatusProcessing {
		return ErrNotFound
	}
	qi.Status = job.QueueStatusQueued
	qi.ProcessingStartedAt = nil
	t := retryAt
	qi.ScheduledForRetryAt = &t
	return nil
}

func (m *Mem) FinishQueueItem(_ context.Context, queueID string, status job.QueueStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qi, ok := m.queue[queueID]
	if !ok || qi.Status != job.QueueStatusProcessing {
		return false, nil
	}
	qi.Status = status
	qi.ScheduledForRetryAt = nil
	return true, nil
}

func (m *Mem) RecoverStuckItems(_ context.Context, startedBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, qi := range m.queue {
		if qi.Status != job.QueueStatusProcessing || qi.ProcessingStartedAt == nil {
			continue
		}
		if !qi.ProcessingStartedAt.Before(startedBefore) {
			continue
		}
		qi.Status = job.QueueStatusQueued
		qi.ProcessingStartedAt = nil
		qi.ScheduledForRetryAt = nil
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mem) PurgeQueueItems(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, qi := range m.queue {
		terminal := qi.Status == job.QueueStatusCompleted || qi.Status == job.QueueStatusFailed
		if terminal && qi.QueuedAt.Before(olderThan) {
			delete(m.queue, id)
			n++
		}
	}
	return n, nil
}

func (m *Mem) QueueDepth(context.Context) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued, processing int
	for _, qi := range m.queue {
		switch qi.Status {
		case job.QueueStatusQueued:
			queued++
		case job.QueueStatusProcessing:
			processing++
		}
	}
	return queued, processing, nil
}

func containsStatus(ss []job.Status, s job.Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
