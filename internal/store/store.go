// Package store defines the durable persistence contracts for tasks, device
// links, data items and inspection records, plus the batch forms the
// Reconciler depends on. The SQLite implementation is the production store;
// the in-memory one backs tests.
package store

import (
	"context"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// LinkDelta is one reconciliation update for a (task, device) link row.
type LinkDelta struct {
	TaskID         string
	DeviceID       string
	CompletedDelta int64
	ReceivedDelta  int64
	InFlight       int64   // absolute current cache pool size
	Throughput     float64 // absolute derived throughput
}

// TaskDelta is one aggregated reconciliation update for a task row.
type TaskDelta struct {
	TaskID         string
	ReceivedDelta  int64
	CompletedDelta int64
}

// ItemAssignment pins a data item to the device that printed it.
type ItemAssignment struct {
	ItemID   string
	DeviceID string
}

// PoolStatistics summarises one data pool's backlog.
type PoolStatistics struct {
	PoolID   string `json:"pool_id"`
	Total    int64  `json:"total"`
	Pending  int64  `json:"pending"`
	Printing int64  `json:"printing"`
	Printed  int64  `json:"printed"`
	Failed   int64  `json:"failed"`
}

// TaskStore persists task rows.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error
	SoftDeleteTask(ctx context.Context, taskID string) error
}

// LinkStore persists per-(task, device) progress rows.
type LinkStore interface {
	CreateLinks(ctx context.Context, links []*models.TaskDeviceLink) error
	GetLinks(ctx context.Context, taskID string) ([]*models.TaskDeviceLink, error)
	SoftDeleteLinks(ctx context.Context, taskID string) error
}

// ItemStore is the data-pool side of persistence. SelectAndClaimPending is
// the Producer's claim step: matched PENDING items flip to PRINTING inside
// one transaction so no other worker can double-claim them.
type ItemStore interface {
	InsertItems(ctx context.Context, items []*models.DataItem) error
	SelectAndClaimPending(ctx context.Context, poolID string, limit int) ([]*models.DataItem, error)
	MarkItemsStatus(ctx context.Context, itemIDs []string, status models.DataItemStatus) error
	// RequeueOrFail handles retry-exhausted items: print_count below the cap
	// goes back to PENDING, at or above the cap stays FAILED.
	RequeueOrFail(ctx context.Context, itemID string, maxPrints int) error
	PoolExists(ctx context.Context, poolID string) (bool, error)
	PoolStatistics(ctx context.Context, poolID string) (*PoolStatistics, error)
}

// ReconcileStore carries the two batched transactions of one reconciliation
// tick. Each method is all-or-nothing.
type ReconcileStore interface {
	// ApplySentBatch updates item ownership, bumps print counts and inserts
	// one inspection record per sent item, in a single transaction.
	ApplySentBatch(ctx context.Context, assignments []ItemAssignment, inspections []models.InspectionRecord) error
	// ApplyProgress applies link deltas and aggregated task deltas in a
	// single transaction.
	ApplyProgress(ctx context.Context, links []LinkDelta, tasks []TaskDelta) error
}

// DeviceStore persists the fleet.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, deviceID string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	SoftDeleteDevice(ctx context.Context, deviceID string) error
}

// Store is the full persistence surface the service wires together.
type Store interface {
	TaskStore
	LinkStore
	ItemStore
	ReconcileStore
	DeviceStore

	Initialize(ctx context.Context) error
	Close() error
}
