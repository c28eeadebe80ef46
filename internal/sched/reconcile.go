package sched

import (
	"context"
	"time"

	"postbot/internal/job"
	"postbot/pkg/logx"
)

// RunReconcile periodically fires triggers the in-memory machinery missed:
// one-shots whose timers never ran (restart, timer horizon) and recurring
// jobs whose next run slipped into the past during an outage. Meant to run
// under the supervisor.
func (e *Engine) RunReconcile(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	now := e.now()

	overdue, err := e.store.ListWorkItems(ctx, job.WorkItemFilter{
		Statuses:  []job.Status{job.StatusPending},
		DueBefore: now,
	})
	if err != nil {
		e.log.Error("reconcile: list overdue items", logx.Err(err))
	}
	for _, wi := range overdue {
		e.fireOnce(ctx, wi.ID, true)
	}

	// A recurring job behind its next run gets exactly one recovery fire;
	// fireRecurring computes the following run from now, skipping the rest
	// of the missed occurrences.
	recurring, err := e.store.ListRecurringJobs(ctx, true)
	if err != nil {
		e.log.Error("reconcile: list recurring jobs", logx.Err(err))
		return
	}
	for _, rj := range recurring {
		if !rj.NextRun.IsZero() && !rj.NextRun.After(now) {
			e.fireRecurring(ctx, rj.ID, true)
		}
	}
}
