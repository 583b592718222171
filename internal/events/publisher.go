// Package events publishes dispatch lifecycle events to NATS for the
// notification and logging collaborators downstream.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects for the dispatch event bus.
const (
	SubjectTaskStarted      = "dispatch.task.started"
	SubjectTaskStopped      = "dispatch.task.stopped"
	SubjectTaskPaused       = "dispatch.task.paused"
	SubjectTaskResumed      = "dispatch.task.resumed"
	SubjectTaskCompleted    = "dispatch.task.completed"
	SubjectTaskFailed       = "dispatch.task.failed"
	SubjectDeviceError      = "dispatch.device.error"
	SubjectCommandCompleted = "dispatch.command.completed"
)

// Connect establishes the NATS connection with the standard reconnect
// behaviour.
func Connect(natsAddress string, logger *zap.Logger) (*nats.Conn, error) {
	logger.Info("Attempting to connect to NATS server", zap.String("address", natsAddress))

	nc, err := nats.Connect(
		natsAddress,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second*2),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsAddress, err)
	}

	logger.Info("Successfully connected to NATS", zap.String("url", nc.ConnectedUrl()))
	return nc, nil
}

// TaskEvent is published on task lifecycle transitions.
type TaskEvent struct {
	TaskID    string    `json:"task_id"`
	PoolID    string    `json:"pool_id,omitempty"`
	DeviceIDs []string  `json:"device_ids,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceErrorEvent is published when a device reports a fault or exhausts
// command retries.
type DeviceErrorEvent struct {
	DeviceID  string    `json:"device_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandCompletedEvent is published for each completion ack.
type CommandCompletedEvent struct {
	TaskID    string    `json:"task_id"`
	DeviceID  string    `json:"device_id"`
	ItemID    string    `json:"item_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher fans dispatch events out to NATS. A nil connection turns every
// publish into a no-op, which keeps tests and bus-less deployments simple.
type Publisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewPublisher creates a Publisher. nc may be nil.
func NewPublisher(nc *nats.Conn, logger *zap.Logger) *Publisher {
	return &Publisher{nc: nc, logger: logger}
}

// PublishTask publishes a task lifecycle event on the given subject.
func (p *Publisher) PublishTask(subject string, ev TaskEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(subject, ev)
}

// PublishDeviceError publishes a device fault.
func (p *Publisher) PublishDeviceError(ev DeviceErrorEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(SubjectDeviceError, ev)
}

// PublishCommandCompleted publishes one completion ack.
func (p *Publisher) PublishCommandCompleted(ev CommandCompletedEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	p.publish(SubjectCommandCompleted, ev)
}

// publish never propagates failures: the event bus is advisory and a NATS
// hiccup must not stall the dispatch pipeline.
func (p *Publisher) publish(subject string, payload interface{}) {
	if p.nc == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("Failed to marshal event payload",
			zap.String("subject", subject),
			zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
