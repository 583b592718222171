package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/events"
	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// sender is the one logical worker that drains a task's command queue into
// devices, with assignment backoff and bounded per-command retries.
type sender struct {
	d      *Dispatcher
	td     *taskDispatch
	logger *zap.Logger
}

func newSender(d *Dispatcher, td *taskDispatch) *sender {
	return &sender{
		d:  d,
		td: td,
		logger: d.logger.With(
			zap.String("worker", "sender"),
			zap.String("task_id", td.task.ID),
		),
	}
}

// run loops until the task stops. On stop it does not fabricate completions
// for commands already transmitted; they stay tracked until an ack or the
// offline requeue policy resolves them.
func (s *sender) run(ctx context.Context) {
	s.logger.Info("Sender started")
	defer s.logger.Info("Sender stopped")

	for {
		if !s.sleepWhilePaused(ctx) {
			return
		}

		cmd, err := s.d.queue.Get(ctx, s.td.task.ID)
		if err != nil {
			return
		}
		s.dispatchOne(ctx, cmd)
	}
}

// dispatchOne owns one command until it is transmitted, terminally failed
// or the task stops. While no device is eligible the command is held here
// and assignment retried with backoff; re-adding through the queue would
// deadlock against a producer blocked at capacity, with no consumer left.
func (s *sender) dispatchOne(ctx context.Context, cmd *models.PrintCommand) {
	for {
		if !s.sleepWhilePaused(ctx) {
			s.releaseHeld(cmd)
			return
		}

		deviceID := s.d.AssignDeviceForCommand(cmd)
		if deviceID == "" {
			if !sleepCtx(ctx, s.d.opts.AssignBackoff) {
				s.releaseHeld(cmd)
				return
			}
			continue
		}
		st := s.d.registry.Status(deviceID)
		if st == nil {
			// Device vanished between assignment and send; pick again.
			continue
		}

		st.WithLock(func(dev *models.DeviceTaskStatus) {
			dev.InFlightCount++
			dev.AssignedCount++
		})
		cmd.MarkSent(deviceID)
		s.td.sent.Add(1)

		if err := s.d.SendCommandToDevice(deviceID, cmd); err != nil {
			if s.noteSendFailure(cmd, st, err) {
				continue
			}
			return
		}

		// Transmission succeeded: record the sent fact for reconciliation and
		// track the command until its ack arrives.
		st.WithLock(func(dev *models.DeviceTaskStatus) {
			dev.SentCount++
			dev.ReceivedCount++
			dev.Status = models.DeviceStatusPrinting
		})
		s.td.received.Add(1)
		s.td.mu.Lock()
		s.td.inflight[cmd.ItemID] = cmd
		s.td.mu.Unlock()

		s.d.queue.AddSentRecord(models.SentRecord{
			TaskID:   cmd.TaskID,
			ItemID:   cmd.ItemID,
			DeviceID: deviceID,
			PoolID:   cmd.PoolID,
			Content:  cmd.Payload,
		})
		s.d.buffers.Sent.Add(deviceID, 1)
		return
	}
}

// releaseHeld returns a dequeued but untransmitted command's data item to
// the backlog so a later start can claim it again.
func (s *sender) releaseHeld(cmd *models.PrintCommand) {
	if err := s.d.pools.MarkStatus(context.Background(), []string{cmd.ItemID}, models.DataItemPending); err != nil {
		s.logger.Warn("Failed to release held command's item",
			zap.String("item_id", cmd.ItemID),
			zap.Error(err))
	}
}

// noteSendFailure does the bookkeeping for one failed transmission attempt.
// Returns true while the command may be retried on another device.
func (s *sender) noteSendFailure(cmd *models.PrintCommand, st *models.DeviceTaskStatus, sendErr error) bool {
	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.InFlightCount--
		if dev.InFlightCount < 0 {
			dev.InFlightCount = 0
		}
	})

	cmd.RetryCount++
	if cmd.CanRetry() {
		s.logger.Warn("Transmission failed, retrying command",
			zap.String("command_id", cmd.ID),
			zap.String("device_id", cmd.DeviceID),
			zap.Int("retry_count", cmd.RetryCount),
			zap.Error(sendErr))
		cmd.Status = models.CommandPending
		cmd.DeviceID = ""
		return true
	}

	cmd.MarkFailed()
	s.td.failed.Add(1)
	s.logger.Error("Command failed after exhausting retries",
		zap.String("command_id", cmd.ID),
		zap.String("item_id", cmd.ItemID),
		zap.String("device_id", cmd.DeviceID),
		zap.Int("retries", cmd.RetryCount),
		zap.Error(sendErr))

	st.WithLock(func(dev *models.DeviceTaskStatus) {
		dev.LastError = sendErr.Error()
	})
	s.d.publisher.PublishDeviceError(events.DeviceErrorEvent{
		DeviceID: cmd.DeviceID,
		TaskID:   cmd.TaskID,
		Message:  sendErr.Error(),
	})

	// The data item goes back to the backlog while its print count allows.
	if err := s.d.pools.RequeueOrFail(context.Background(), cmd.ItemID, s.d.opts.MaxItemPrints); err != nil {
		s.logger.Error("Failed to resolve item after command failure",
			zap.String("item_id", cmd.ItemID),
			zap.Error(err))
	}
	return false
}

func (s *sender) sleepWhilePaused(ctx context.Context) bool {
	for s.td.paused.Load() {
		if !sleepCtx(ctx, 200*time.Millisecond) {
			return false
		}
	}
	return ctx.Err() == nil
}
