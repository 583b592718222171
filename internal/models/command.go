package models

import (
	"time"

	"github.com/google/uuid"
)

// CommandStatus is the in-memory lifecycle of a PrintCommand. The Sender and
// Reconciler switch exhaustively on it; there is no durable projection, a
// command is discarded once terminal.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// PrintCommand is the unit of work sent to a device for one data item.
// It lives only inside the Command Queue and the Sender.
type PrintCommand struct {
	ID            string        `json:"id"`
	TaskID        string        `json:"task_id"`
	DeviceID      string        `json:"device_id,omitempty"` // assigned lazily by the Dispatcher
	ItemID        string        `json:"item_id"`
	PoolID        string        `json:"pool_id"`
	Payload       string        `json:"payload"`
	Priority      int           `json:"priority"`
	Status        CommandStatus `json:"status"`
	RetryCount    int           `json:"retry_count"`
	MaxRetryCount int           `json:"max_retry_count"`
	CreatedAt     time.Time     `json:"created_at"`
	SentAt        *time.Time    `json:"sent_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// NewPrintCommand builds a pending command for one data item.
func NewPrintCommand(taskID string, item *DataItem, priority, maxRetry int) *PrintCommand {
	return &PrintCommand{
		ID:            uuid.New().String(),
		TaskID:        taskID,
		ItemID:        item.ID,
		PoolID:        item.PoolID,
		Payload:       item.Content,
		Priority:      priority,
		Status:        CommandPending,
		MaxRetryCount: maxRetry,
		CreatedAt:     time.Now().UTC(),
	}
}

// MarkSent records the transmission attempt timestamp and status.
func (c *PrintCommand) MarkSent(deviceID string) {
	now := time.Now().UTC()
	c.DeviceID = deviceID
	c.Status = CommandSent
	c.SentAt = &now
}

// MarkFailed moves the command to its terminal failed state.
func (c *PrintCommand) MarkFailed() {
	now := time.Now().UTC()
	c.Status = CommandFailed
	c.CompletedAt = &now
}

// CanRetry reports whether another transmission attempt is allowed.
func (c *PrintCommand) CanRetry() bool {
	return c.RetryCount < c.MaxRetryCount
}
