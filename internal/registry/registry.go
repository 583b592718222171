// Package registry holds the process-wide device registry: the live channel
// for each connected device and its DeviceTaskStatus tracking entry. It is
// an explicit object injected into every component that needs it; there is
// no ambient static state.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// DeviceChannel is the live transport handle for one connected device. The
// transport package provides the real implementation over a net.Conn; tests
// substitute fakes.
type DeviceChannel interface {
	// Send frames and writes one command payload. It does not retry.
	Send(payload []byte) error
	// Close tears the connection down.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// DeviceRegistry maps device ids to channels and status entries. Populated
// on device connect / task start, cleared on disconnect / task stop.
type DeviceRegistry struct {
	mu       sync.RWMutex
	channels map[string]DeviceChannel
	statuses map[string]*models.DeviceTaskStatus
	logger   *zap.Logger
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry(logger *zap.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		channels: make(map[string]DeviceChannel),
		statuses: make(map[string]*models.DeviceTaskStatus),
		logger:   logger,
	}
}

// RegisterChannel installs the live channel for a device, creating the
// status entry on first registration. An existing channel for the same
// device is closed and replaced; reconnects supersede stale links.
func (r *DeviceRegistry) RegisterChannel(deviceID, name, address string, ch DeviceChannel) {
	r.mu.Lock()
	old := r.channels[deviceID]
	r.channels[deviceID] = ch
	st, ok := r.statuses[deviceID]
	if !ok {
		st = models.NewDeviceTaskStatus(deviceID, name, address)
		r.statuses[deviceID] = st
	}
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("Replacing existing device channel", zap.String("device_id", deviceID))
		_ = old.Close()
	}

	st.WithLock(func(d *models.DeviceTaskStatus) {
		d.ConnectionStatus = models.ConnectionConnected
		if d.Status == models.DeviceStatusOffline {
			d.Status = models.DeviceStatusIdle
		}
		if name != "" {
			d.DeviceName = name
		}
		if address != "" {
			d.Address = address
		}
	})
	r.logger.Info("Device channel registered",
		zap.String("device_id", deviceID),
		zap.String("remote_addr", ch.RemoteAddr()),
	)
}

// UnregisterChannel removes the channel and immediately flips the device to
// DISCONNECTED / OFFLINE so the assignment policy stops picking it.
func (r *DeviceRegistry) UnregisterChannel(deviceID string) {
	r.mu.Lock()
	ch, ok := r.channels[deviceID]
	delete(r.channels, deviceID)
	st := r.statuses[deviceID]
	r.mu.Unlock()

	if ok && ch != nil {
		_ = ch.Close()
	}
	if st != nil {
		st.WithLock(func(d *models.DeviceTaskStatus) {
			d.ConnectionStatus = models.ConnectionDisconnected
			d.Status = models.DeviceStatusOffline
		})
	}
	r.logger.Info("Device channel unregistered", zap.String("device_id", deviceID))
}

// Channel returns the live channel for a device, or nil if none registered.
func (r *DeviceRegistry) Channel(deviceID string) DeviceChannel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[deviceID]
}

// Status returns the tracking entry for a device, or nil if unknown.
func (r *DeviceRegistry) Status(deviceID string) *models.DeviceTaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[deviceID]
}

// EnsureStatus returns the tracking entry for a device, creating a
// disconnected placeholder when the device has never registered a channel.
// Task start uses this so preflight can inspect devices it has not seen.
func (r *DeviceRegistry) EnsureStatus(deviceID, name, address string) *models.DeviceTaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.statuses[deviceID]
	if !ok {
		st = models.NewDeviceTaskStatus(deviceID, name, address)
		st.ConnectionStatus = models.ConnectionDisconnected
		st.Status = models.DeviceStatusOffline
		r.statuses[deviceID] = st
	}
	return st
}

// Statuses returns the tracking entries for the given device ids, skipping
// unknown ids. With no ids it returns every entry.
func (r *DeviceRegistry) Statuses(deviceIDs ...string) []*models.DeviceTaskStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(deviceIDs) == 0 {
		out := make([]*models.DeviceTaskStatus, 0, len(r.statuses))
		for _, st := range r.statuses {
			out = append(out, st)
		}
		return out
	}
	out := make([]*models.DeviceTaskStatus, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if st, ok := r.statuses[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

// RemoveStatus clears the tracking entry, used when a device is removed from
// the fleet entirely.
func (r *DeviceRegistry) RemoveStatus(deviceID string) {
	r.mu.Lock()
	delete(r.statuses, deviceID)
	r.mu.Unlock()
}
