// Package queue implements the per-task command queue feeding the Sender and
// the sent-record buffer drained by the Reconciler.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// CommandQueue holds one bounded FIFO of pending commands per task, plus a
// per-task bucket of sent records. Enqueueing past capacity blocks the
// caller, which is how producer backpressure works.
type CommandQueue struct {
	mu       sync.RWMutex
	capacity int
	tasks    map[string]*taskQueue
	records  map[string][]models.SentRecord
	logger   *zap.Logger
}

type taskQueue struct {
	ch chan *models.PrintCommand

	mu      sync.Mutex
	pending map[string]*models.PrintCommand // command id -> command, for inspection
	removed map[string]bool                 // administratively cancelled, skipped on Get
}

// NewCommandQueue creates the queue with the configured per-task capacity.
func NewCommandQueue(capacity int, logger *zap.Logger) *CommandQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &CommandQueue{
		capacity: capacity,
		tasks:    make(map[string]*taskQueue),
		records:  make(map[string][]models.SentRecord),
		logger:   logger,
	}
}

// RegisterTask creates the per-task buffers. Safe to call twice.
func (q *CommandQueue) RegisterTask(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[taskID]; !ok {
		q.tasks[taskID] = &taskQueue{
			ch:      make(chan *models.PrintCommand, q.capacity),
			pending: make(map[string]*models.PrintCommand),
			removed: make(map[string]bool),
		}
	}
}

// UnregisterTask drops the per-task buffers. Commands still queued are
// discarded; sent records must be drained by the caller first if they matter.
func (q *CommandQueue) UnregisterTask(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tq, ok := q.tasks[taskID]; ok && len(tq.ch) > 0 {
		q.logger.Warn("Discarding queued commands on task unregister",
			zap.String("task_id", taskID),
			zap.Int("discarded", len(tq.ch)),
		)
	}
	delete(q.tasks, taskID)
	delete(q.records, taskID)
}

func (q *CommandQueue) taskQueue(taskID string) (*taskQueue, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	tq, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrQueueClosed)
	}
	return tq, nil
}

// Add enqueues one command, blocking while the task queue is at capacity.
// Returns when enqueued or when ctx is cancelled.
func (q *CommandQueue) Add(ctx context.Context, cmd *models.PrintCommand) error {
	tq, err := q.taskQueue(cmd.TaskID)
	if err != nil {
		return err
	}
	// Register in pending before publishing so a concurrent Get never sees a
	// command the snapshot map does not know about.
	tq.mu.Lock()
	tq.pending[cmd.ID] = cmd
	tq.mu.Unlock()
	select {
	case tq.ch <- cmd:
		return nil
	case <-ctx.Done():
		tq.mu.Lock()
		delete(tq.pending, cmd.ID)
		tq.mu.Unlock()
		return ctx.Err()
	}
}

// Get blocks until a command is available for the task or ctx is cancelled.
// Commands removed administratively are skipped.
func (q *CommandQueue) Get(ctx context.Context, taskID string) (*models.PrintCommand, error) {
	tq, err := q.taskQueue(taskID)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case cmd := <-tq.ch:
			tq.mu.Lock()
			skip := tq.removed[cmd.ID]
			delete(tq.removed, cmd.ID)
			delete(tq.pending, cmd.ID)
			tq.mu.Unlock()
			if skip {
				continue
			}
			return cmd, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Size returns the number of commands currently queued for a task.
func (q *CommandQueue) Size(taskID string) int {
	tq, err := q.taskQueue(taskID)
	if err != nil {
		return 0
	}
	return len(tq.ch)
}

// Snapshot returns a copy of the queued commands for administrative
// inspection, in no particular order. Queue order is not disturbed.
func (q *CommandQueue) Snapshot(taskID string) []*models.PrintCommand {
	tq, err := q.taskQueue(taskID)
	if err != nil {
		return nil
	}
	tq.mu.Lock()
	defer tq.mu.Unlock()
	out := make([]*models.PrintCommand, 0, len(tq.pending))
	for _, cmd := range tq.pending {
		out = append(out, cmd)
	}
	return out
}

// Remove cancels a queued command without disturbing queue order: the slot
// stays in the channel and is skipped when dequeued. Returns false if the
// command is not queued.
func (q *CommandQueue) Remove(taskID, commandID string) bool {
	tq, err := q.taskQueue(taskID)
	if err != nil {
		return false
	}
	tq.mu.Lock()
	defer tq.mu.Unlock()
	if _, ok := tq.pending[commandID]; !ok {
		return false
	}
	tq.removed[commandID] = true
	delete(tq.pending, commandID)
	return true
}

// AddSentRecord appends one sent record to the task's bucket. O(1), called
// from the Sender hot path.
func (q *CommandQueue) AddSentRecord(rec models.SentRecord) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}
	q.mu.Lock()
	q.records[rec.TaskID] = append(q.records[rec.TaskID], rec)
	q.mu.Unlock()
}

// DrainSentRecords atomically removes and returns all buffered records for
// a task. This is the single extraction point used by the Reconciler; a
// record is never returned twice.
func (q *CommandQueue) DrainSentRecords(taskID string) []models.SentRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	recs := q.records[taskID]
	if len(recs) == 0 {
		return nil
	}
	delete(q.records, taskID)
	return recs
}
