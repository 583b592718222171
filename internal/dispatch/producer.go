package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// producer is the one logical worker that feeds a task's command queue from
// its data pool, respecting the per-device prefetch budget.
type producer struct {
	d       *Dispatcher
	td      *taskDispatch
	batch   int
	preload int
	logger  *zap.Logger
}

func newProducer(d *Dispatcher, td *taskDispatch, batch, preload int) *producer {
	return &producer{
		d:       d,
		td:      td,
		batch:   batch,
		preload: preload,
		logger: d.logger.With(
			zap.String("worker", "producer"),
			zap.String("task_id", td.task.ID),
		),
	}
}

// run loops until the task leaves RUNNING or a bounded plan is fully built.
// Every iteration is isolated: a pool error backs off and retries rather
// than killing the loop.
func (p *producer) run(ctx context.Context) {
	p.logger.Info("Producer started")
	defer p.logger.Info("Producer stopped")

	task := p.td.task
	for {
		if !p.sleepWhilePaused(ctx) {
			return
		}

		// Bounded task: once every planned command is built there is nothing
		// left to produce; the completion watcher ends the dispatch.
		if task.IsBounded() && p.td.total.Load() >= task.PlannedQuantity {
			if !sleepCtx(ctx, p.d.opts.EmptyPoolBackoff) {
				return
			}
			continue
		}

		budget := p.prefetchBudget()
		if budget <= 0 {
			if !sleepCtx(ctx, p.d.opts.EmptyPoolBackoff) {
				return
			}
			continue
		}

		limit := p.batch
		if budget < limit {
			limit = budget
		}
		if task.IsBounded() {
			remaining := int(task.PlannedQuantity - p.td.total.Load())
			if remaining < limit {
				limit = remaining
			}
		}
		if limit <= 0 {
			if !sleepCtx(ctx, p.d.opts.EmptyPoolBackoff) {
				return
			}
			continue
		}

		items, err := p.d.pools.SelectPendingItems(ctx, task.PoolID, limit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Failed to pull pending items", zap.Error(err))
			if !sleepCtx(ctx, p.d.opts.EmptyPoolBackoff) {
				return
			}
			continue
		}
		if len(items) == 0 {
			if !sleepCtx(ctx, p.d.opts.EmptyPoolBackoff) {
				return
			}
			continue
		}

		for i, item := range items {
			cmd := models.NewPrintCommand(task.ID, item, 0, p.d.opts.MaxRetryCount)
			if err := p.d.queue.Add(ctx, cmd); err != nil {
				// Cancelled mid-batch: every claimed item not yet queued goes
				// back to the backlog so none are stranded in PRINTING.
				p.releaseClaimed(items[i:])
				return
			}
			p.td.total.Add(1)
		}
		p.logger.Debug("Enqueued command batch", zap.Int("count", len(items)))
	}
}

// releaseClaimed returns claimed but unqueued items to the backlog.
func (p *producer) releaseClaimed(items []*models.DataItem) {
	if len(items) == 0 {
		return
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	if err := p.d.pools.MarkStatus(context.Background(), ids, models.DataItemPending); err != nil {
		p.logger.Warn("Failed to release claimed items",
			zap.Int("count", len(ids)),
			zap.Error(err))
	}
}

// prefetchBudget is preload × devices minus what is already queued or in
// flight. A non-positive budget means the pipeline is full.
func (p *producer) prefetchBudget() int {
	inFlight := int64(0)
	for _, st := range p.d.registry.Statuses(p.td.deviceIDs...) {
		inFlight += st.Snapshot().InFlightCount
	}
	queued := int64(p.d.queue.Size(p.td.task.ID))
	return p.preload*len(p.td.deviceIDs) - int(queued+inFlight)
}

// sleepWhilePaused blocks while the dispatch is paused. Returns false when
// the context is cancelled.
func (p *producer) sleepWhilePaused(ctx context.Context) bool {
	for p.td.paused.Load() {
		if !sleepCtx(ctx, 200*time.Millisecond) {
			return false
		}
	}
	return ctx.Err() == nil
}

// sleepCtx sleeps for d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
