package job

import (
	"encoding/json"
	"time"
)

// Kind identifies the type of work a scheduled item carries.
//
// The set is closed: executors are resolved per kind through a registry,
// and scheduling requests with an unknown kind are rejected up front.
type Kind string

const (
	KindDigest   Kind = "digest"
	KindBreaking Kind = "breaking"
	KindCategory Kind = "category"
	KindCustom   Kind = "custom"
)

// Valid reports whether k is one of the known work kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDigest, KindBreaking, KindCategory, KindCustom:
		return true
	}
	return false
}

// Status is the lifecycle state of a scheduled work item.
//
// Transitions are monotonic along pending -> queued -> processing ->
// {completed|failed}; cancelled is reachable only from pending/queued.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// WorkItem is a single future execution.
//
// Payload is opaque to the core; the executor collaborator registered for
// Kind interprets it.
type WorkItem struct {
	ID          string
	Kind        Kind
	Payload     json.RawMessage
	TriggerAt   time.Time
	Timezone    string
	Status      Status
	Attempts    int
	ParentJobID string
	Priority    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// WorkItemFilter selects work items in list queries.
// Zero-value fields are ignored.
type WorkItemFilter struct {
	Statuses  []Status
	Kind      Kind
	DueBefore time.Time
	Limit     int
}

// RecurringJob is a durable schedule definition. Each fire spawns a new
// one-shot WorkItem carrying the job id as ParentJobID.
type RecurringJob struct {
	ID              string
	Pattern         string // cron expression, parsed with the scheduler's parser
	Timezone        string
	Kind            Kind
	PayloadTemplate json.RawMessage
	Priority        int
	Enabled         bool
	NextRun         time.Time
	LastRun         time.Time
	RunCount        int
	Quiet           *QuietHours
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QueueStatus is the lifecycle state of a durable queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is the durable unit the processor picks up. It is created 1:1
// with a WorkItem when the item moves to queued, but modeled separately so
// recovery logic can reason about "in flight since T" without touching the
// scheduling metadata.
type QueueItem struct {
	QueueID             string
	WorkItemID          string
	Priority            int
	QueuedAt            time.Time
	ProcessingStartedAt *time.Time
	Attempts            int
	ScheduledForRetryAt *time.Time
	Status              QueueStatus
}
