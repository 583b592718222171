// Package reconciler implements the fixed-interval job that drains the
// in-memory counter buffers and sent records into the durable store. One
// tick batches everything into two transactions, which is what keeps the
// single-writer store alive under high event rates.
package reconciler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/counters"
	"github.com/inkfleet/inkfleet-backend/internal/dispatch"
	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/queue"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
	"github.com/inkfleet/inkfleet-backend/internal/retryer"
	"github.com/inkfleet/inkfleet-backend/internal/store"
)

// Reconciler drains buffers on a fixed interval. Ticks never interleave:
// the mutex serialises the ticker loop with explicit FlushTask calls.
type Reconciler struct {
	interval   time.Duration
	dispatcher *dispatch.Dispatcher
	queue      *queue.CommandQueue
	registry   *registry.DeviceRegistry
	buffers    *counters.Buffers
	store      store.Store
	retryCfg   retryer.RetryConfig
	logger     *zap.Logger

	mu sync.Mutex
}

// New creates the Reconciler. interval defaults to 2s when zero.
func New(interval time.Duration, d *dispatch.Dispatcher, q *queue.CommandQueue,
	reg *registry.DeviceRegistry, bufs *counters.Buffers, st store.Store, logger *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reconciler{
		interval:   interval,
		dispatcher: d,
		queue:      q,
		registry:   reg,
		buffers:    bufs,
		store:      st,
		retryCfg:   retryer.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Run ticks until ctx is cancelled, with one final pass on the way out.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final drain so shutdown does not strand buffered events.
			flushCtx, cancel := context.WithTimeout(context.Background(), r.interval)
			r.Reconcile(flushCtx)
			cancel()
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// FlushTask runs one full reconciliation pass. The Dispatcher calls it
// right before tearing a task's buffers down.
func (r *Reconciler) FlushTask(ctx context.Context, taskID string) error {
	r.Reconcile(ctx)
	return nil
}

// Reconcile performs one tick: sent-record batches per active task, then
// one atomic exchange per counter buffer and a batched progress update.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.dispatcher.ActiveTasks()
	taskByDevice := make(map[string]dispatch.ActiveTask)
	for _, t := range active {
		for _, deviceID := range t.DeviceIDs {
			taskByDevice[deviceID] = t
		}
	}

	r.applySentRecords(ctx, active)
	r.applyPrintedItems(ctx)
	r.applyCounters(ctx, taskByDevice)
}

// applySentRecords drains each task's sent-record bucket and lands item
// ownership plus inspection rows in one transaction per task.
func (r *Reconciler) applySentRecords(ctx context.Context, active []dispatch.ActiveTask) {
	for _, t := range active {
		recs := r.queue.DrainSentRecords(t.ID)
		if len(recs) == 0 {
			continue
		}

		assignments := make([]store.ItemAssignment, 0, len(recs))
		inspections := make([]models.InspectionRecord, 0, len(recs))
		for _, rec := range recs {
			assignments = append(assignments, store.ItemAssignment{
				ItemID:   rec.ItemID,
				DeviceID: rec.DeviceID,
			})
			inspections = append(inspections, models.InspectionRecord{
				TaskID:    rec.TaskID,
				ItemID:    rec.ItemID,
				DeviceID:  rec.DeviceID,
				PoolID:    rec.PoolID,
				Content:   rec.Content,
				CreatedAt: rec.SentAt,
			})
		}

		err := retryer.WithRetry(ctx, r.logger, r.retryCfg, "apply sent batch", func() error {
			return r.store.ApplySentBatch(ctx, assignments, inspections)
		})
		if err != nil {
			// Records are already drained; put them back for the next tick
			// rather than losing them.
			r.logger.Error("Sent batch failed, re-buffering records",
				zap.String("task_id", t.ID),
				zap.Int("records", len(recs)),
				zap.Error(err))
			for _, rec := range recs {
				r.queue.AddSentRecord(rec)
			}
			continue
		}
		r.logger.Debug("Applied sent batch",
			zap.String("task_id", t.ID),
			zap.Int("records", len(recs)))
	}
}

// applyPrintedItems batches the PRINTED status flips for acked items.
func (r *Reconciler) applyPrintedItems(ctx context.Context) {
	printed := r.buffers.Printed.Drain()
	if len(printed) == 0 {
		return
	}
	err := retryer.WithRetry(ctx, r.logger, r.retryCfg, "mark items printed", func() error {
		return r.store.MarkItemsStatus(ctx, printed, models.DataItemPrinted)
	})
	if err != nil {
		r.logger.Error("Failed to mark printed items, re-buffering",
			zap.Int("items", len(printed)),
			zap.Error(err))
		for _, id := range printed {
			r.buffers.Printed.Add(id)
		}
	}
}

// applyCounters drains the completed and sent buffers (one exchange each),
// turns them into per-link deltas plus aggregated task deltas and applies
// them in one transaction.
func (r *Reconciler) applyCounters(ctx context.Context, taskByDevice map[string]dispatch.ActiveTask) {
	completed := r.buffers.Completed.Drain()
	sent := r.buffers.Sent.Drain()
	if len(completed) == 0 && len(sent) == 0 {
		return
	}

	now := time.Now().UTC()
	deviceIDs := make(map[string]struct{}, len(completed)+len(sent))
	for id := range completed {
		deviceIDs[id] = struct{}{}
	}
	for id := range sent {
		deviceIDs[id] = struct{}{}
	}

	var links []store.LinkDelta
	taskDeltas := make(map[string]*store.TaskDelta)
	for deviceID := range deviceIDs {
		t, ok := taskByDevice[deviceID]
		if !ok {
			// The owning task stopped between the event and this tick; its
			// final flush already ran, so these counts have no home.
			r.logger.Warn("Dropping counters for device with no active task",
				zap.String("device_id", deviceID),
				zap.Int64("completed", completed[deviceID]),
				zap.Int64("sent", sent[deviceID]))
			continue
		}

		inFlight := int64(0)
		if st := r.registry.Status(deviceID); st != nil {
			inFlight = st.Snapshot().InFlightCount
		}
		elapsed := now.Sub(t.StartedAt).Seconds()
		if elapsed < 1 {
			elapsed = 1
		}

		links = append(links, store.LinkDelta{
			TaskID:         t.ID,
			DeviceID:       deviceID,
			CompletedDelta: completed[deviceID],
			ReceivedDelta:  sent[deviceID],
			InFlight:       inFlight,
			Throughput:     float64(completed[deviceID]) / elapsed,
		})

		td, ok := taskDeltas[t.ID]
		if !ok {
			td = &store.TaskDelta{TaskID: t.ID}
			taskDeltas[t.ID] = td
		}
		td.CompletedDelta += completed[deviceID]
		td.ReceivedDelta += sent[deviceID]
	}
	if len(links) == 0 {
		return
	}

	tasks := make([]store.TaskDelta, 0, len(taskDeltas))
	for _, td := range taskDeltas {
		tasks = append(tasks, *td)
	}

	err := retryer.WithRetry(ctx, r.logger, r.retryCfg, "apply progress", func() error {
		return r.store.ApplyProgress(ctx, links, tasks)
	})
	if err != nil {
		// Refill the buffers so the deltas land on a later tick.
		r.logger.Error("Progress batch failed, re-buffering counters", zap.Error(err))
		for deviceID, n := range completed {
			r.buffers.Completed.Add(deviceID, n)
		}
		for deviceID, n := range sent {
			r.buffers.Sent.Add(deviceID, n)
		}
		return
	}
	r.logger.Debug("Applied progress batch",
		zap.Int("link_deltas", len(links)),
		zap.Int("task_deltas", len(tasks)))
}
