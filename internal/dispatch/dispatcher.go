// Package dispatch implements the task dispatch engine: the Dispatcher
// orchestrator, the per-task Producer and Sender loops and the Device Data
// Handler. The Dispatcher is the single admission point for starting and
// stopping a task and owns the device assignment policy.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/counters"
	"github.com/inkfleet/inkfleet-backend/internal/datapool"
	"github.com/inkfleet/inkfleet-backend/internal/events"
	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/pool"
	"github.com/inkfleet/inkfleet-backend/internal/protocol"
	"github.com/inkfleet/inkfleet-backend/internal/queue"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
	"github.com/inkfleet/inkfleet-backend/internal/store"
	"github.com/inkfleet/inkfleet-backend/internal/transport"
)

// Options carries the dispatch tuning knobs from configuration.
type Options struct {
	BatchSize           int           // producer pull size
	PreloadCount        int           // default per-device prefetch target
	MaxRetryCount       int           // transmission attempts per command
	MaxItemPrints       int           // requeue cap for failed data items
	EmptyPoolBackoff    time.Duration // producer sleep when the backlog is empty
	AssignBackoff       time.Duration // sender sleep when no device is eligible
	SendTimeout         time.Duration // write deadline per transmission
	DialTimeout         time.Duration // short-lived fallback connection timeout
	ShutdownTimeout     time.Duration // bounded drain on task stop
	OfflineRequeueGrace time.Duration // wait before requeueing a silent device's in-flight commands
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if o.PreloadCount <= 0 {
		o.PreloadCount = 20
	}
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = 3
	}
	if o.MaxItemPrints <= 0 {
		o.MaxItemPrints = 3
	}
	if o.EmptyPoolBackoff <= 0 {
		o.EmptyPoolBackoff = 500 * time.Millisecond
	}
	if o.AssignBackoff <= 0 {
		o.AssignBackoff = 200 * time.Millisecond
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 3 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.OfflineRequeueGrace <= 0 {
		o.OfflineRequeueGrace = 10 * time.Second
	}
	return o
}

// Flusher lets the Dispatcher force one reconciliation pass before a task's
// buffers are torn down. The Reconciler implements it; injection happens in
// main after both sides exist.
type Flusher interface {
	FlushTask(ctx context.Context, taskID string) error
}

// ActiveTask is the Reconciler's view of one running dispatch.
type ActiveTask struct {
	ID        string
	PoolID    string
	StartedAt time.Time
	DeviceIDs []string
}

// taskDispatch is the runtime state of one admitted task.
type taskDispatch struct {
	task      *models.Task
	deviceIDs []string
	startedAt time.Time

	cancel context.CancelFunc
	done   chan struct{} // closed when producer and sender have both exited
	paused atomic.Bool

	mu      sync.Mutex
	state   models.DispatchState
	endedAt *time.Time
	// in-flight commands by item id, for the offline requeue policy
	inflight map[string]*models.PrintCommand

	total     atomic.Int64 // commands built by the producer
	sent      atomic.Int64 // transmission attempts
	received  atomic.Int64 // successful transmissions
	completed atomic.Int64 // device acks
	failed    atomic.Int64 // commands terminally failed
}

func (td *taskDispatch) setState(state models.DispatchState) {
	td.mu.Lock()
	defer td.mu.Unlock()
	if td.state.IsTerminal() {
		return
	}
	td.state = state
	if state.IsTerminal() {
		now := time.Now().UTC()
		td.endedAt = &now
	}
}

func (td *taskDispatch) currentState() models.DispatchState {
	td.mu.Lock()
	defer td.mu.Unlock()
	return td.state
}

// Dispatcher owns task lifecycle, preflight checks, the channel registry
// delegation, device assignment and statistics.
type Dispatcher struct {
	opts      Options
	store     store.Store
	pools     datapool.Service
	queue     *queue.CommandQueue
	registry  *registry.DeviceRegistry
	buffers   *counters.Buffers
	publisher *events.Publisher
	logger    *zap.Logger

	producerPool *pool.Pool
	senderPool   *pool.Pool

	mu       sync.RWMutex
	tasks    map[string]*taskDispatch
	starting map[string]struct{} // task ids being admitted, reserved until StartTask returns
	flusher  Flusher
}

// NewDispatcher wires the orchestrator. The producer and sender pools host
// the long-running per-task loops; they must be sized for the expected
// number of concurrent tasks.
func NewDispatcher(opts Options, st store.Store, pools datapool.Service, q *queue.CommandQueue,
	reg *registry.DeviceRegistry, bufs *counters.Buffers, pub *events.Publisher,
	producerPool, senderPool *pool.Pool, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		opts:         opts.withDefaults(),
		store:        st,
		pools:        pools,
		queue:        q,
		registry:     reg,
		buffers:      bufs,
		publisher:    pub,
		producerPool: producerPool,
		senderPool:   senderPool,
		logger:       logger,
		tasks:        make(map[string]*taskDispatch),
		starting:     make(map[string]struct{}),
	}
}

// SetFlusher installs the reconciler hook. Must be called before tasks are
// stopped; a nil flusher just skips the final flush.
func (d *Dispatcher) SetFlusher(f Flusher) {
	d.mu.Lock()
	d.flusher = f
	d.mu.Unlock()
}

// StartRequest is the admission request for one task dispatch.
type StartRequest struct {
	TaskID       string   `json:"task_id"`
	DeviceIDs    []string `json:"device_ids"`
	PoolID       string   `json:"pool_id,omitempty"`       // defaults to the task's pool
	BatchSize    int      `json:"batch_size,omitempty"`    // defaults to config
	PreloadCount int      `json:"preload_count,omitempty"` // defaults to the task's, then config
}

// PreflightError identifies the device or pool that failed admission.
type PreflightError struct {
	TaskID   string
	DeviceID string
	PoolID   string
	Reason   string
}

func (e *PreflightError) Error() string {
	switch {
	case e.DeviceID != "":
		return fmt.Sprintf("preflight failed for task %s: device %s: %s", e.TaskID, e.DeviceID, e.Reason)
	case e.PoolID != "":
		return fmt.Sprintf("preflight failed for task %s: pool %s: %s", e.TaskID, e.PoolID, e.Reason)
	default:
		return fmt.Sprintf("preflight failed for task %s: %s", e.TaskID, e.Reason)
	}
}

// StartTask validates the request, runs the preflight checks and, only if
// every check passes, admits the task: status rows, device bindings and the
// producer/sender loops. Nothing is started on a preflight failure.
func (d *Dispatcher) StartTask(ctx context.Context, req StartRequest) (*models.TaskDispatchStatus, error) {
	if req.TaskID == "" || len(req.DeviceIDs) == 0 {
		return nil, fmt.Errorf("task id and device set are required: %w", models.ErrInvalidRequest)
	}

	// Reserve the task id for this admission: a concurrent StartTask for the
	// same task must fail here, not race the slow preflight below and insert
	// a second dispatch over the first.
	d.mu.Lock()
	_, running := d.tasks[req.TaskID]
	_, admitting := d.starting[req.TaskID]
	if running || admitting {
		d.mu.Unlock()
		return nil, models.ErrTaskAlreadyRunning
	}
	d.starting[req.TaskID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.starting, req.TaskID)
		d.mu.Unlock()
	}()

	task, err := d.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, fmt.Errorf("task %s already completed: %w", req.TaskID, models.ErrInvalidRequest)
	}

	poolID := req.PoolID
	if poolID == "" {
		poolID = task.PoolID
	}
	preload := req.PreloadCount
	if preload <= 0 {
		preload = task.PreloadCount
	}
	if preload <= 0 {
		preload = d.opts.PreloadCount
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = d.opts.BatchSize
	}

	// Preflight: the pool must exist and every target device must be
	// reachable and idle or already bound to this task. Fail fast, no
	// partial start.
	exists, err := d.pools.Exists(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("checking pool %s: %w", poolID, err)
	}
	if !exists {
		return nil, &PreflightError{TaskID: req.TaskID, PoolID: poolID, Reason: "pool has no items"}
	}
	for _, deviceID := range req.DeviceIDs {
		st := d.registry.Status(deviceID)
		if st == nil {
			return nil, &PreflightError{TaskID: req.TaskID, DeviceID: deviceID, Reason: "device has never connected"}
		}
		snap := st.Snapshot()
		if snap.ConnectionStatus != models.ConnectionConnected {
			return nil, &PreflightError{TaskID: req.TaskID, DeviceID: deviceID, Reason: "device not connected"}
		}
		if snap.Status != models.DeviceStatusIdle && snap.Status != models.DeviceStatusPrinting {
			return nil, &PreflightError{TaskID: req.TaskID, DeviceID: deviceID,
				Reason: fmt.Sprintf("device status %s not assignable", snap.Status)}
		}
		if snap.CurrentTaskID != "" && snap.CurrentTaskID != req.TaskID {
			return nil, &PreflightError{TaskID: req.TaskID, DeviceID: deviceID,
				Reason: fmt.Sprintf("device busy with task %s", snap.CurrentTaskID)}
		}
	}

	now := time.Now().UTC()
	links := make([]*models.TaskDeviceLink, 0, len(req.DeviceIDs))
	for _, deviceID := range req.DeviceIDs {
		links = append(links, &models.TaskDeviceLink{
			TaskID:    req.TaskID,
			DeviceID:  deviceID,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := d.store.CreateLinks(ctx, links); err != nil {
		return nil, fmt.Errorf("creating task device links: %w", err)
	}
	if err := d.store.UpdateTaskStatus(ctx, req.TaskID, models.TaskStatusRunning); err != nil {
		return nil, fmt.Errorf("marking task running: %w", err)
	}

	task.Status = models.TaskStatusRunning
	task.PoolID = poolID
	task.PreloadCount = preload

	runCtx, cancel := context.WithCancel(context.Background())
	td := &taskDispatch{
		task:      task,
		deviceIDs: append([]string(nil), req.DeviceIDs...),
		startedAt: now,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     models.DispatchStateInitializing,
		inflight:  make(map[string]*models.PrintCommand),
	}

	d.queue.RegisterTask(req.TaskID)
	for _, deviceID := range req.DeviceIDs {
		if st := d.registry.Status(deviceID); st != nil {
			st.WithLock(func(s *models.DeviceTaskStatus) {
				s.CurrentTaskID = req.TaskID
			})
		}
	}

	d.mu.Lock()
	d.tasks[req.TaskID] = td
	d.mu.Unlock()

	td.setState(models.DispatchStateRunning)

	producer := newProducer(d, td, batch, preload)
	sender := newSender(d, td)
	var wg sync.WaitGroup
	wg.Add(2)
	d.producerPool.Submit(func() {
		defer wg.Done()
		producer.run(runCtx)
	})
	d.senderPool.Submit(func() {
		defer wg.Done()
		sender.run(runCtx)
	})
	go func() {
		wg.Wait()
		close(td.done)
	}()
	go d.watchCompletion(runCtx, td)

	d.publisher.PublishTask(events.SubjectTaskStarted, events.TaskEvent{
		TaskID:    req.TaskID,
		PoolID:    poolID,
		DeviceIDs: req.DeviceIDs,
	})
	d.logger.Info("Task dispatch started",
		zap.String("task_id", req.TaskID),
		zap.String("pool_id", poolID),
		zap.Int("devices", len(req.DeviceIDs)),
		zap.Int("preload_count", preload),
		zap.Int("batch_size", batch),
	)

	status := d.buildStatus(td)
	return &status, nil
}

// StopTask signals the task's loops to stop, drains best-effort within the
// shutdown timeout, flushes reconciliation buffers and tears the runtime
// state down. The durable task row is marked with the given status.
func (d *Dispatcher) StopTask(ctx context.Context, taskID string, final models.DispatchState, taskStatus models.TaskStatus, reason string) error {
	d.mu.Lock()
	td, ok := d.tasks[taskID]
	flusher := d.flusher
	d.mu.Unlock()
	if !ok {
		return models.ErrTaskNotRunning
	}

	td.setState(final)
	td.cancel()

	select {
	case <-td.done:
	case <-time.After(d.opts.ShutdownTimeout):
		d.logger.Warn("Task workers did not drain within shutdown timeout",
			zap.String("task_id", taskID),
			zap.Duration("timeout", d.opts.ShutdownTimeout),
		)
	}

	// Final reconciliation pass while the queue buffers still exist, so no
	// sent record or counter is stranded.
	if flusher != nil {
		if err := flusher.FlushTask(ctx, taskID); err != nil {
			d.logger.Error("Final reconciliation flush failed",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
	}

	for _, deviceID := range td.deviceIDs {
		if st := d.registry.Status(deviceID); st != nil {
			st.WithLock(func(s *models.DeviceTaskStatus) {
				if s.CurrentTaskID == taskID {
					s.CurrentTaskID = ""
					if s.Status == models.DeviceStatusPrinting {
						s.Status = models.DeviceStatusIdle
					}
				}
			})
		}
	}

	// Commands still queued were never transmitted; their claimed items go
	// back to the backlog so a restarted task can claim them again.
	if queued := d.queue.Snapshot(taskID); len(queued) > 0 {
		ids := make([]string, 0, len(queued))
		for _, cmd := range queued {
			ids = append(ids, cmd.ItemID)
		}
		if err := d.pools.MarkStatus(ctx, ids, models.DataItemPending); err != nil {
			d.logger.Error("Failed to release queued items on stop",
				zap.String("task_id", taskID),
				zap.Int("count", len(ids)),
				zap.Error(err))
		}
	}

	d.queue.UnregisterTask(taskID)
	d.mu.Lock()
	delete(d.tasks, taskID)
	d.mu.Unlock()

	if err := d.store.UpdateTaskStatus(ctx, taskID, taskStatus); err != nil {
		d.logger.Error("Failed to persist final task status",
			zap.String("task_id", taskID),
			zap.String("status", string(taskStatus)),
			zap.Error(err))
	}
	if err := d.store.SoftDeleteLinks(ctx, taskID); err != nil {
		d.logger.Error("Failed to retire task device links",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	subject := events.SubjectTaskStopped
	switch final {
	case models.DispatchStateCompleted:
		subject = events.SubjectTaskCompleted
	case models.DispatchStateFailed:
		subject = events.SubjectTaskFailed
	}
	d.publisher.PublishTask(subject, events.TaskEvent{TaskID: taskID, Reason: reason})

	d.logger.Info("Task dispatch stopped",
		zap.String("task_id", taskID),
		zap.String("final_state", string(final)),
		zap.String("reason", reason),
	)
	return nil
}

// FinishTask marks a dispatch completed and tears it down.
func (d *Dispatcher) FinishTask(ctx context.Context, taskID string) error {
	return d.StopTask(ctx, taskID, models.DispatchStateCompleted, models.TaskStatusCompleted, "planned quantity reached")
}

// PauseTask suspends production and sending without releasing any state.
func (d *Dispatcher) PauseTask(ctx context.Context, taskID string) error {
	td, err := d.dispatchFor(taskID)
	if err != nil {
		return err
	}
	td.paused.Store(true)
	td.setState(models.DispatchStatePaused)
	if err := d.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusPaused); err != nil {
		return fmt.Errorf("persisting paused status: %w", err)
	}
	d.publisher.PublishTask(events.SubjectTaskPaused, events.TaskEvent{TaskID: taskID})
	d.logger.Info("Task dispatch paused", zap.String("task_id", taskID))
	return nil
}

// ResumeTask lifts a pause.
func (d *Dispatcher) ResumeTask(ctx context.Context, taskID string) error {
	td, err := d.dispatchFor(taskID)
	if err != nil {
		return err
	}
	td.paused.Store(false)
	td.setState(models.DispatchStateRunning)
	if err := d.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusRunning); err != nil {
		return fmt.Errorf("persisting running status: %w", err)
	}
	d.publisher.PublishTask(events.SubjectTaskResumed, events.TaskEvent{TaskID: taskID})
	d.logger.Info("Task dispatch resumed", zap.String("task_id", taskID))
	return nil
}

func (d *Dispatcher) dispatchFor(taskID string) (*taskDispatch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	td, ok := d.tasks[taskID]
	if !ok {
		return nil, models.ErrTaskNotRunning
	}
	return td, nil
}

// AssignDeviceForCommand picks the eligible device with the lowest in-flight
// count for the command's task. Returns empty when no device qualifies; the
// command stays queued.
func (d *Dispatcher) AssignDeviceForCommand(cmd *models.PrintCommand) string {
	td, err := d.dispatchFor(cmd.TaskID)
	if err != nil {
		return ""
	}
	best := ""
	bestInFlight := int64(-1)
	for _, st := range d.registry.Statuses(td.deviceIDs...) {
		snap := st.Snapshot()
		if snap.ConnectionStatus != models.ConnectionConnected {
			continue
		}
		if snap.Status != models.DeviceStatusIdle && snap.Status != models.DeviceStatusPrinting {
			continue
		}
		if snap.CurrentTaskID != cmd.TaskID {
			continue
		}
		if bestInFlight < 0 || snap.InFlightCount < bestInFlight {
			best = snap.DeviceID
			bestInFlight = snap.InFlightCount
		}
	}
	return best
}

// SendCommandToDevice transmits one command, preferring the registered live
// channel and falling back to a short-lived connection when none exists. It
// does not retry; retries are the Sender's responsibility.
func (d *Dispatcher) SendCommandToDevice(deviceID string, cmd *models.PrintCommand) error {
	payload := protocol.CommandPayload(cmd.ItemID, cmd.Payload)

	if ch := d.registry.Channel(deviceID); ch != nil {
		if err := ch.Send(payload); err != nil {
			return fmt.Errorf("sending on live channel to device %s: %w", deviceID, err)
		}
		return nil
	}

	st := d.registry.Status(deviceID)
	if st == nil {
		return fmt.Errorf("device %s: %w", deviceID, models.ErrDeviceNotFound)
	}
	snap := st.Snapshot()
	if snap.Address == "" {
		return fmt.Errorf("device %s has no address: %w", deviceID, models.ErrNoChannel)
	}
	d.logger.Debug("No live channel, using short-lived connection",
		zap.String("device_id", deviceID),
		zap.String("address", snap.Address),
	)
	if err := transport.SendOnce(snap.Address, payload, d.opts.DialTimeout); err != nil {
		return fmt.Errorf("fallback send to device %s: %w", deviceID, err)
	}
	return nil
}

// RegisterDeviceChannel delegates to the registry.
func (d *Dispatcher) RegisterDeviceChannel(deviceID, name, address string, ch registry.DeviceChannel) {
	d.registry.RegisterChannel(deviceID, name, address, ch)
}

// UnregisterDeviceChannel delegates to the registry.
func (d *Dispatcher) UnregisterDeviceChannel(deviceID string) {
	d.registry.UnregisterChannel(deviceID)
}

// watchCompletion ends a bounded task once the device acks cover the plan.
func (d *Dispatcher) watchCompletion(ctx context.Context, td *taskDispatch) {
	if !td.task.IsBounded() {
		return
	}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if td.completed.Load() >= td.task.PlannedQuantity {
				// FinishTask cancels ctx; run it off this goroutine's context.
				if err := d.FinishTask(context.Background(), td.task.ID); err != nil &&
					err != models.ErrTaskNotRunning {
					d.logger.Error("Failed to finish completed task",
						zap.String("task_id", td.task.ID),
						zap.Error(err))
				}
				return
			}
		}
	}
}

// noteCompletion credits one device ack to its dispatch.
func (d *Dispatcher) noteCompletion(taskID, itemID string) {
	td, err := d.dispatchFor(taskID)
	if err != nil {
		return
	}
	td.completed.Add(1)
	td.mu.Lock()
	delete(td.inflight, itemID)
	td.mu.Unlock()
}

// requeueInFlight rebuilds the commands still pending on a device and puts
// them back on the queue. Called after the offline grace period; the device
// may still print duplicates later, which the at-least-once protocol allows.
func (d *Dispatcher) requeueInFlight(deviceID string) {
	st := d.registry.Status(deviceID)
	if st == nil {
		return
	}
	snap := st.Snapshot()
	if snap.ConnectionStatus == models.ConnectionConnected {
		return // recovered during the grace period
	}
	td, err := d.dispatchFor(snap.CurrentTaskID)
	if err != nil {
		return
	}

	td.mu.Lock()
	var stranded []*models.PrintCommand
	for itemID, cmd := range td.inflight {
		if cmd.DeviceID == deviceID {
			stranded = append(stranded, cmd)
			delete(td.inflight, itemID)
		}
	}
	td.mu.Unlock()
	if len(stranded) == 0 {
		return
	}

	st.WithLock(func(s *models.DeviceTaskStatus) {
		s.InFlightCount -= int64(len(stranded))
		if s.InFlightCount < 0 {
			s.InFlightCount = 0
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
	defer cancel()
	requeued := 0
	for _, cmd := range stranded {
		cmd.Status = models.CommandPending
		cmd.DeviceID = ""
		if err := d.queue.Add(ctx, cmd); err != nil {
			d.logger.Warn("Failed to requeue stranded command",
				zap.String("task_id", cmd.TaskID),
				zap.String("item_id", cmd.ItemID),
				zap.Error(err))
			continue
		}
		requeued++
	}
	d.logger.Info("Requeued in-flight commands from offline device",
		zap.String("device_id", deviceID),
		zap.String("task_id", snap.CurrentTaskID),
		zap.Int("requeued", requeued),
	)
}

// ActiveTasks returns the running dispatches for the Reconciler.
func (d *Dispatcher) ActiveTasks() []ActiveTask {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ActiveTask, 0, len(d.tasks))
	for _, td := range d.tasks {
		out = append(out, ActiveTask{
			ID:        td.task.ID,
			PoolID:    td.task.PoolID,
			StartedAt: td.startedAt,
			DeviceIDs: append([]string(nil), td.deviceIDs...),
		})
	}
	return out
}

// TaskDispatchStatus returns the aggregated snapshot for one task.
func (d *Dispatcher) TaskDispatchStatus(taskID string) (*models.TaskDispatchStatus, error) {
	td, err := d.dispatchFor(taskID)
	if err != nil {
		return nil, err
	}
	status := d.buildStatus(td)
	return &status, nil
}

// DeviceTaskStatuses returns per-device snapshots for one task.
func (d *Dispatcher) DeviceTaskStatuses(taskID string) ([]models.DeviceTaskSnapshot, error) {
	td, err := d.dispatchFor(taskID)
	if err != nil {
		return nil, err
	}
	statuses := d.registry.Statuses(td.deviceIDs...)
	out := make([]models.DeviceTaskSnapshot, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, st.Snapshot())
	}
	return out, nil
}

func (d *Dispatcher) buildStatus(td *taskDispatch) models.TaskDispatchStatus {
	td.mu.Lock()
	state := td.state
	endedAt := td.endedAt
	td.mu.Unlock()

	online := 0
	for _, st := range d.registry.Statuses(td.deviceIDs...) {
		if st.Snapshot().ConnectionStatus == models.ConnectionConnected {
			online++
		}
	}

	status := models.TaskDispatchStatus{
		TaskID:            td.task.ID,
		State:             state,
		StartedAt:         td.startedAt,
		EndedAt:           endedAt,
		TotalCommands:     td.total.Load(),
		SentCommands:      td.sent.Load(),
		ReceivedCommands:  td.received.Load(),
		CompletedCommands: td.completed.Load(),
		FailedCommands:    td.failed.Load(),
		DeviceCount:       len(td.deviceIDs),
		OnlineDeviceCount: online,
	}
	if td.task.IsBounded() && td.task.PlannedQuantity > 0 {
		status.Progress = float64(status.CompletedCommands) / float64(td.task.PlannedQuantity)
		if status.Progress > 1 {
			status.Progress = 1
		}
	}
	return status
}

// StopAll stops every running dispatch, used on process shutdown.
func (d *Dispatcher) StopAll(ctx context.Context) {
	d.mu.RLock()
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	for _, id := range ids {
		if err := d.StopTask(ctx, id, models.DispatchStateStopped, models.TaskStatusPaused, "service shutdown"); err != nil {
			d.logger.Error("Failed to stop task on shutdown", zap.String("task_id", id), zap.Error(err))
		}
	}
}
