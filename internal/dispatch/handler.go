package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/counters"
	"github.com/inkfleet/inkfleet-backend/internal/events"
	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/pool"
	"github.com/inkfleet/inkfleet-backend/internal/protocol"
	"github.com/inkfleet/inkfleet-backend/internal/registry"
)

// DeviceDataHandler consumes inbound device traffic: completion acks,
// heartbeats, buffer-count reports and device errors. The transport pushes
// parsed messages in; processing happens on the handler pool so a slow
// store or bus never backpressures the network read loop.
type DeviceDataHandler struct {
	dispatcher       *Dispatcher
	registry         *registry.DeviceRegistry
	buffers          *counters.Buffers
	publisher        *events.Publisher
	handlerPool      *pool.Pool
	heartbeatTimeout time.Duration
	checkInterval    time.Duration
	logger           *zap.Logger
}

// NewDeviceDataHandler wires the handler. checkInterval defaults to half the
// heartbeat timeout when zero.
func NewDeviceDataHandler(d *Dispatcher, reg *registry.DeviceRegistry, bufs *counters.Buffers,
	pub *events.Publisher, handlerPool *pool.Pool, heartbeatTimeout, checkInterval time.Duration,
	logger *zap.Logger) *DeviceDataHandler {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 6 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = heartbeatTimeout / 2
	}
	return &DeviceDataHandler{
		dispatcher:       d,
		registry:         reg,
		buffers:          bufs,
		publisher:        pub,
		handlerPool:      handlerPool,
		heartbeatTimeout: heartbeatTimeout,
		checkInterval:    checkInterval,
		logger:           logger,
	}
}

// HandleMessage implements transport.MessageSink. The actual work runs on
// the handler pool.
func (h *DeviceDataHandler) HandleMessage(msg *protocol.DeviceMessage) {
	h.handlerPool.Submit(func() {
		h.process(msg)
	})
}

func (h *DeviceDataHandler) process(msg *protocol.DeviceMessage) {
	st := h.registry.Status(msg.DeviceID)
	if st == nil {
		h.logger.Warn("Message from unknown device dropped",
			zap.String("device_id", msg.DeviceID),
			zap.String("kind", string(msg.Kind)))
		return
	}

	switch msg.Kind {
	case protocol.KindCompletion:
		h.handleCompletion(st, msg)
	case protocol.KindHeartbeat:
		h.handleHeartbeat(st)
	case protocol.KindBufferCount:
		h.handleBufferCount(st, msg)
	case protocol.KindError:
		h.handleError(st, msg)
	default:
		h.logger.Debug("Ignoring message kind",
			zap.String("device_id", msg.DeviceID),
			zap.String("kind", string(msg.Kind)))
	}
}

// handleCompletion credits one printed item: device counters, the global
// completed buffer the Reconciler drains, and the printed-item batch.
func (h *DeviceDataHandler) handleCompletion(st *models.DeviceTaskStatus, msg *protocol.DeviceMessage) {
	var taskID string
	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.InFlightCount--
		if dev.InFlightCount < 0 {
			dev.InFlightCount = 0
		}
		dev.CompletedCount++
		dev.LastHeartbeat = time.Now().UTC() // an ack proves liveness
		taskID = dev.CurrentTaskID
	})

	h.buffers.Completed.Add(msg.DeviceID, 1)
	h.buffers.Printed.Add(msg.ItemID)

	if taskID != "" {
		h.dispatcher.noteCompletion(taskID, msg.ItemID)
	}
	h.publisher.PublishCommandCompleted(events.CommandCompletedEvent{
		TaskID:   taskID,
		DeviceID: msg.DeviceID,
		ItemID:   msg.ItemID,
	})
	h.logger.Debug("Completion ack",
		zap.String("device_id", msg.DeviceID),
		zap.String("item_id", msg.ItemID))
}

// handleHeartbeat refreshes liveness and lets an errored or silent device
// back into the assignable set.
func (h *DeviceDataHandler) handleHeartbeat(st *models.DeviceTaskStatus) {
	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.LastHeartbeat = time.Now().UTC()
		if dev.Status == models.DeviceStatusOffline || dev.Status == models.DeviceStatusError {
			dev.Status = models.DeviceStatusIdle
			dev.LastError = ""
		}
		if dev.ConnectionStatus == models.ConnectionDisconnected && h.registry.Channel(dev.DeviceID) != nil {
			dev.ConnectionStatus = models.ConnectionConnected
		}
	})
}

// handleBufferCount overwrites the local in-flight estimate with the
// device's self-reported value, correcting for drift.
func (h *DeviceDataHandler) handleBufferCount(st *models.DeviceTaskStatus, msg *protocol.DeviceMessage) {
	st.WithLock(func(dev *models.DeviceTaskStatus) {
		if dev.InFlightCount != int64(msg.BufferCount) {
			h.logger.Debug("Correcting in-flight count from device report",
				zap.String("device_id", msg.DeviceID),
				zap.Int64("local", dev.InFlightCount),
				zap.Int("reported", msg.BufferCount))
		}
		dev.InFlightCount = int64(msg.BufferCount)
		dev.LastHeartbeat = time.Now().UTC()
	})
}

// handleError marks the device faulted so the assignment policy skips it
// until a heartbeat and status change bring it back.
func (h *DeviceDataHandler) handleError(st *models.DeviceTaskStatus, msg *protocol.DeviceMessage) {
	var taskID string
	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.Status = models.DeviceStatusError
		dev.LastError = msg.Text
		taskID = dev.CurrentTaskID
	})
	h.publisher.PublishDeviceError(events.DeviceErrorEvent{
		DeviceID: msg.DeviceID,
		TaskID:   taskID,
		Message:  msg.Text,
	})
	h.logger.Warn("Device reported error",
		zap.String("device_id", msg.DeviceID),
		zap.String("message", msg.Text))
}

// RunHeartbeatChecks runs CheckHeartbeats on the configured interval until
// ctx is cancelled.
func (h *DeviceDataHandler) RunHeartbeatChecks(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckHeartbeats(ctx)
		}
	}
}

// CheckHeartbeats flips every silent device to OFFLINE / DISCONNECTED and
// schedules the requeue of its in-flight commands after the grace period.
// The grace timers stop with ctx so none outlive the dispatch stack.
func (h *DeviceDataHandler) CheckHeartbeats(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-h.heartbeatTimeout)
	for _, st := range h.registry.Statuses() {
		wentOffline := false
		var deviceID string
		st.WithLock(func(dev *models.DeviceTaskStatus) {
			deviceID = dev.DeviceID
			if dev.ConnectionStatus == models.ConnectionConnected && dev.LastHeartbeat.Before(cutoff) {
				dev.ConnectionStatus = models.ConnectionDisconnected
				dev.Status = models.DeviceStatusOffline
				wentOffline = true
			}
		})
		if !wentOffline {
			continue
		}
		h.logger.Warn("Device heartbeat timed out",
			zap.String("device_id", deviceID),
			zap.Duration("timeout", h.heartbeatTimeout))

		// Commands already SENT to the silent device are requeued after a
		// grace period; a late ack for a requeued item just means one
		// duplicate print under the at-least-once protocol.
		go func(id string) {
			timer := time.NewTimer(h.dispatcher.opts.OfflineRequeueGrace)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
				h.dispatcher.requeueInFlight(id)
			}
		}(deviceID)
	}
}
