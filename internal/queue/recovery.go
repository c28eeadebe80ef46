package queue

import (
	"context"
	"time"

	"postbot/internal/eventbus"
	"postbot/pkg/logx"
)

// RunRecovery sweeps once at startup, then on the configured interval:
// items stuck in processing beyond StuckAfter go back to the queue, and
// terminal items past RetentionAge are purged. Meant to run under the
// supervisor alongside Run.
func (p *Processor) RunRecovery(ctx context.Context) error {
	p.sweep(ctx)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Processor) sweep(ctx context.Context) {
	now := p.now()

	ids, err := p.store.RecoverStuckItems(ctx, now.Add(-p.cfg.StuckAfter))
	if err != nil {
		p.log.Error("recover stuck items", logx.Err(err))
	}
	for _, id := range ids {
		p.log.Warn("recovered stuck item", logx.String("queue_id", id))
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{
				Type: "queue.item.recovered",
				Time: now,
				Data: ItemEvent{QueueID: id},
			})
		}
	}

	cutoff := now.Add(-p.cfg.RetentionAge)
	if n, err := p.store.PurgeQueueItems(ctx, cutoff); err != nil {
		p.log.Error("purge queue items", logx.Err(err))
	} else if n > 0 {
		p.log.Info("purged queue items", logx.Int64("count", n))
	}
	if n, err := p.store.PurgeTerminalWorkItems(ctx, cutoff); err != nil {
		p.log.Error("purge work items", logx.Err(err))
	} else if n > 0 {
		p.log.Info("purged work items", logx.Int64("count", n))
	}
}
