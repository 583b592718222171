package models

import (
	"sync"
	"time"
)

// ConnectionStatus represents the transport-level state of a device link.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// DeviceStatus represents the operational state of a device.
type DeviceStatus string

const (
	DeviceStatusIdle     DeviceStatus = "idle"
	DeviceStatusPrinting DeviceStatus = "printing"
	DeviceStatusError    DeviceStatus = "error"
	DeviceStatusOffline  DeviceStatus = "offline"
)

// Device is the durable record of a physical printer/coder/scanner.
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Address   string     `json:"address"` // host:port for the dial fallback
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// DeviceTaskStatus is the process-wide in-memory state of one device.
// It is mutated concurrently by the Sender, the Device Data Handler and the
// Reconciler, so every access goes through the per-device mutex.
type DeviceTaskStatus struct {
	mu sync.Mutex

	DeviceID         string
	DeviceName       string
	Address          string
	ConnectionStatus ConnectionStatus
	Status           DeviceStatus
	CurrentTaskID    string

	InFlightCount  int64
	AssignedCount  int64 // lifetime commands handed to this device
	SentCount      int64 // lifetime successful transmissions
	CompletedCount int64 // lifetime completion acks
	ReceivedCount  int64

	LastHeartbeat time.Time
	LastError     string
}

// NewDeviceTaskStatus creates the tracking entry for a device, starting
// connected and idle: it is created on first channel registration, so the
// transport link is up by definition.
func NewDeviceTaskStatus(deviceID, name, address string) *DeviceTaskStatus {
	return &DeviceTaskStatus{
		DeviceID:         deviceID,
		DeviceName:       name,
		Address:          address,
		ConnectionStatus: ConnectionConnected,
		Status:           DeviceStatusIdle,
		LastHeartbeat:    time.Now().UTC(),
	}
}

// WithLock runs fn while holding the device mutex.
func (d *DeviceTaskStatus) WithLock(fn func(*DeviceTaskStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(d)
}

// Snapshot returns a copy of the mutable fields for read-only callers.
func (d *DeviceTaskStatus) Snapshot() DeviceTaskSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceTaskSnapshot{
		DeviceID:         d.DeviceID,
		DeviceName:       d.DeviceName,
		Address:          d.Address,
		ConnectionStatus: d.ConnectionStatus,
		Status:           d.Status,
		CurrentTaskID:    d.CurrentTaskID,
		InFlightCount:    d.InFlightCount,
		AssignedCount:    d.AssignedCount,
		SentCount:        d.SentCount,
		CompletedCount:   d.CompletedCount,
		ReceivedCount:    d.ReceivedCount,
		LastHeartbeat:    d.LastHeartbeat,
		LastError:        d.LastError,
	}
}

// Assignable reports whether the device may receive a new command for the
// given task. Called with the lock held by AssignableSnapshot paths; the
// exported form takes the lock itself.
func (d *DeviceTaskStatus) Assignable(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.assignableLocked(taskID)
}

func (d *DeviceTaskStatus) assignableLocked(taskID string) bool {
	if d.ConnectionStatus != ConnectionConnected {
		return false
	}
	if d.Status != DeviceStatusIdle && d.Status != DeviceStatusPrinting {
		return false
	}
	return d.CurrentTaskID == taskID
}

// DeviceTaskSnapshot is the lock-free copy handed to external callers.
type DeviceTaskSnapshot struct {
	DeviceID         string           `json:"device_id"`
	DeviceName       string           `json:"device_name"`
	Address          string           `json:"address"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`
	Status           DeviceStatus     `json:"status"`
	CurrentTaskID    string           `json:"current_task_id,omitempty"`
	InFlightCount    int64            `json:"in_flight_count"`
	AssignedCount    int64            `json:"assigned_count"`
	SentCount        int64            `json:"sent_count"`
	CompletedCount   int64            `json:"completed_count"`
	ReceivedCount    int64            `json:"received_count"`
	LastHeartbeat    time.Time        `json:"last_heartbeat"`
	LastError        string           `json:"last_error,omitempty"`
}
