package store

import (
	"context"
	"errors"
	"time"

	"postbot/internal/job"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrDisabled = errors.New("store: disabled")
)

// Config configures the durable store.
//
// Driver values:
//   - "sqlite": SQLite database file (production default)
//   - "memory": in-process store, lost on restart (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the scheduling core runs on. All mutation
// of shared state goes through conditional single-row updates keyed on the
// current status, so two processor instances can never double-pick an item.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Work items.
	CreateWorkItem(ctx context.Context, it *job.WorkItem) error
	GetWorkItem(ctx context.Context, id string) (*job.WorkItem, error)
	ListWorkItems(ctx context.Context, f job.WorkItemFilter) ([]*job.WorkItem, error)
	// TransitionWorkItem flips status only when the current status matches
	// from. Returns false when the item was in a different state.
	TransitionWorkItem(ctx context.Context, id string, from, to job.Status) (bool, error)
	// CancelWorkItem cancels an item still in pending or queued.
	CancelWorkItem(ctx context.Context, id string) (bool, error)
	// FinishWorkItem records the terminal status and final attempt count.
	FinishWorkItem(ctx context.Context, id string, status job.Status, attempts int) error
	PurgeTerminalWorkItems(ctx context.Context, olderThan time.Time) (int64, error)

	// Recurring jobs.
	CreateRecurringJob(ctx context.Context, rj *job.RecurringJob) error
	GetRecurringJob(ctx context.Context, id string) (*job.RecurringJob, error)
	ListRecurringJobs(ctx context.Context, enabledOnly bool) ([]*job.RecurringJob, error)
	// AdvanceRecurringRun claims one fire slot: it persists the new next/last
	// run and bumps run_count, conditional on the expected run count. A false
	// return means another trigger path already claimed the slot.
	AdvanceRecurringRun(ctx context.Context, id string, next, fired time.Time, expectRunCount int) (bool, error)
	SetRecurringEnabled(ctx context.Context, id string, enabled bool) error

	// Queue items.
	EnqueueItem(ctx context.Context, qi *job.QueueItem) error
	// DueQueueItems returns queued items whose retry time (if any) has
	// passed, ordered by (priority ASC, queued_at ASC).
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]*job.QueueItem, error)
	// ClaimQueueItem moves queued -> processing, records the start time and
	// bumps attempts. Returns the new attempt count and whether the claim won.
	ClaimQueueItem(ctx context.Context, queueID string, now time.Time) (attempts int, claimed bool, err error)
	// RequeueForRetry moves processing -> queued with a retry-not-before time.
	RequeueForRetry(ctx context.Context, queueID string, retryAt time.Time) error
	// FinishQueueItem records a terminal queue status, conditional on the
	// item still being in processing.
	FinishQueueItem(ctx context.Context, queueID string, status job.QueueStatus) (bool, error)
	// RecoverStuckItems returns processing items started before the cutoff
	// to queued with the retry time cleared, and reports their ids.
	RecoverStuckItems(ctx context.Context, startedBefore time.Time) ([]string, error)
	PurgeQueueItems(ctx context.Context, olderThan time.Time) (int64, error)
	// QueueDepth reports how many items are waiting and how many are marked
	// processing.
	QueueDepth(ctx context.Context) (queued int, processing int, err error)
}
