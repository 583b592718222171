package models

import "time"

// DataItemStatus represents the print lifecycle of one data item.
type DataItemStatus string

const (
	DataItemPending  DataItemStatus = "pending"
	DataItemPrinting DataItemStatus = "printing"
	DataItemPrinted  DataItemStatus = "printed"
	DataItemFailed   DataItemStatus = "failed"
)

// DataItem is one unit of payload content pulled from a data pool.
// PENDING items are claimed by the Producer (marked PRINTING) so no two
// workers double-claim; a device ack moves them to PRINTED, retry exhaustion
// to FAILED.
type DataItem struct {
	ID         string         `json:"id"`
	PoolID     string         `json:"pool_id"`
	Content    string         `json:"content"`
	Status     DataItemStatus `json:"status"`
	PrintCount int            `json:"print_count"`
	DeviceID   string         `json:"device_id,omitempty"` // owning device, set by the Reconciler
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SentRecord is the transient fact buffered after a successful transmission:
// the minimum needed to later update the item's owning device and seed an
// inspection record. Buffered in the Command Queue, drained by the Reconciler.
type SentRecord struct {
	TaskID   string
	ItemID   string
	DeviceID string
	PoolID   string
	Content  string
	SentAt   time.Time
}

// InspectionRecord is the durable quality-check seed written once per sent
// item during reconciliation.
type InspectionRecord struct {
	TaskID    string    `json:"task_id"`
	ItemID    string    `json:"item_id"`
	DeviceID  string    `json:"device_id"`
	PoolID    string    `json:"pool_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
