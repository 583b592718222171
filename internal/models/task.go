package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the durable lifecycle state of a print task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
)

// Task is one print job bound to a data pool and a set of target devices.
// It is the durable projection of a dispatch run; the Dispatcher is the only
// writer for lifecycle transitions, the Reconciler the only writer for the
// counter columns.
type Task struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Status            TaskStatus `json:"status"`
	PoolID            string     `json:"pool_id"`
	PlannedQuantity   int64      `json:"planned_quantity"` // -1 means unbounded
	ReceivedQuantity  int64      `json:"received_quantity"`
	CompletedQuantity int64      `json:"completed_quantity"`
	PreloadCount      int        `json:"preload_count"` // per-device prefetch target
	QualityCheck      bool       `json:"quality_check"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"` // soft delete
}

// NewTask creates a pending Task with a generated ID and UTC timestamps.
func NewTask(name, poolID string, plannedQuantity int64, preloadCount int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:              uuid.New().String(),
		Name:            name,
		Status:          TaskStatusPending,
		PoolID:          poolID,
		PlannedQuantity: plannedQuantity,
		PreloadCount:    preloadCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// IsBounded reports whether the task has a finite planned quantity.
func (t *Task) IsBounded() bool {
	return t.PlannedQuantity >= 0
}

// TaskDeviceLink is the durable per-(task, device) progress row. One row is
// created per target device at task start; only the Reconciler updates it
// afterwards, and it is soft-deleted when the task ends.
type TaskDeviceLink struct {
	TaskID            string     `json:"task_id"`
	DeviceID          string     `json:"device_id"`
	AssignedQuantity  int64      `json:"assigned_quantity"`
	CompletedQuantity int64      `json:"completed_quantity"`
	ReceivedQuantity  int64      `json:"received_quantity"`
	CachePoolSize     int64      `json:"cache_pool_size"` // current in-flight count
	Throughput        float64    `json:"throughput"`      // completions per second, derived
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
}

// DispatchState is the in-memory lifecycle state of a running dispatch.
// It is distinct from the durable TaskStatus: a dispatch can be STOPPED
// while the task row stays PAUSED, for example.
type DispatchState string

const (
	DispatchStateInitializing DispatchState = "initializing"
	DispatchStateRunning      DispatchState = "running"
	DispatchStatePaused       DispatchState = "paused"
	DispatchStateCompleted    DispatchState = "completed"
	DispatchStateFailed       DispatchState = "failed"
	DispatchStateStopped      DispatchState = "stopped"
)

// IsTerminal reports whether the dispatch can make no further progress.
func (s DispatchState) IsTerminal() bool {
	return s == DispatchStateCompleted || s == DispatchStateFailed || s == DispatchStateStopped
}

// TaskDispatchStatus is the aggregated in-memory view of one dispatch run.
// It is the source of truth for external status queries and is rebuilt from
// Dispatcher state rather than persisted directly.
type TaskDispatchStatus struct {
	TaskID            string        `json:"task_id"`
	State             DispatchState `json:"state"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	TotalCommands     int64         `json:"total_commands"`
	SentCommands      int64         `json:"sent_commands"`
	ReceivedCommands  int64         `json:"received_commands"`
	CompletedCommands int64         `json:"completed_commands"`
	FailedCommands    int64         `json:"failed_commands"`
	DeviceCount       int           `json:"device_count"`
	OnlineDeviceCount int           `json:"online_device_count"`
	Progress          float64       `json:"progress"` // 0.0 to 1.0, meaningful only for bounded tasks
}
