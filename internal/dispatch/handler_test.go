package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/inkfleet/inkfleet-backend/internal/models"
	"github.com/inkfleet/inkfleet-backend/internal/protocol"
)

func TestHandlerCompletionCreditsDeviceAndBuffers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 1)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.ReceivedCommands == 1
	}, "command never transmitted")

	env.handler.HandleMessage(&protocol.DeviceMessage{
		Kind:     protocol.KindCompletion,
		DeviceID: "dev-1",
		ItemID:   "pool-1-item-000",
	})

	waitFor(t, 2*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.CompletedCommands == 1
	}, "completion never credited")

	snap := env.registry.Status("dev-1").Snapshot()
	if snap.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1", snap.CompletedCount)
	}
	if snap.InFlightCount != 0 {
		t.Errorf("InFlightCount = %d, want 0 after the ack", snap.InFlightCount)
	}
	if got := env.buffers.Completed.Drain()["dev-1"]; got != 1 {
		t.Errorf("completed buffer = %d, want 1", got)
	}
	if ids := env.buffers.Printed.Drain(); len(ids) != 1 || ids[0] != "pool-1-item-000" {
		t.Errorf("printed buffer = %v", ids)
	}

	// The ack must also clear the in-flight tracking entry.
	td, err := env.d.dispatchFor(task.ID)
	if err != nil {
		t.Fatalf("dispatchFor: %v", err)
	}
	td.mu.Lock()
	tracked := len(td.inflight)
	td.mu.Unlock()
	if tracked != 0 {
		t.Errorf("inflight tracking = %d entries, want 0", tracked)
	}
}

func TestHandlerDropsUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	// Must not panic or create state for an unseen device.
	env.handler.HandleMessage(&protocol.DeviceMessage{
		Kind:     protocol.KindCompletion,
		DeviceID: "ghost",
		ItemID:   "item-1",
	})
	time.Sleep(20 * time.Millisecond)
	if env.registry.Status("ghost") != nil {
		t.Error("unknown device message must not create a status entry")
	}
	if env.buffers.Completed.Len() != 0 {
		t.Error("unknown device message must not credit any buffer")
	}
}

func TestHandlerHeartbeatRecoversErroredDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusError
		d.LastError = "paper jam"
	})

	env.handler.HandleMessage(&protocol.DeviceMessage{Kind: protocol.KindHeartbeat, DeviceID: "dev-1"})

	waitFor(t, 2*time.Second, func() bool {
		return env.registry.Status("dev-1").Snapshot().Status == models.DeviceStatusIdle
	}, "heartbeat never recovered the device")
	if snap := env.registry.Status("dev-1").Snapshot(); snap.LastError != "" {
		t.Errorf("LastError should clear on recovery, got %q", snap.LastError)
	}
}

func TestHandlerBufferCountOverwritesEstimate(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.InFlightCount = 9
	})

	env.handler.HandleMessage(&protocol.DeviceMessage{
		Kind:        protocol.KindBufferCount,
		DeviceID:    "dev-1",
		BufferCount: 2,
	})

	waitFor(t, 2*time.Second, func() bool {
		return env.registry.Status("dev-1").Snapshot().InFlightCount == 2
	}, "buffer report never applied")
}

func TestHandlerErrorMarksDeviceFaulted(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	env.handler.HandleMessage(&protocol.DeviceMessage{
		Kind:     protocol.KindError,
		DeviceID: "dev-1",
		Text:     "out of ink",
	})

	waitFor(t, 2*time.Second, func() bool {
		return env.registry.Status("dev-1").Snapshot().Status == models.DeviceStatusError
	}, "error report never applied")
	if snap := env.registry.Status("dev-1").Snapshot(); snap.LastError != "out of ink" {
		t.Errorf("LastError = %q", snap.LastError)
	}
}

func TestCheckHeartbeatsFlipsSilentDevice(t *testing.T) {
	env := newTestEnv(t)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})
	env.registry.RegisterChannel("dev-2", "Printer", "", silentChannel{})

	// dev-1 has been silent past the 100ms timeout; dev-2 is fresh.
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.LastHeartbeat = time.Now().UTC().Add(-time.Second)
	})

	env.handler.CheckHeartbeats(context.Background())

	snap := env.registry.Status("dev-1").Snapshot()
	if snap.ConnectionStatus != models.ConnectionDisconnected || snap.Status != models.DeviceStatusOffline {
		t.Errorf("silent device should flip offline, got %+v", snap)
	}
	if got := env.registry.Status("dev-2").Snapshot(); got.ConnectionStatus != models.ConnectionConnected {
		t.Errorf("fresh device should stay connected, got %+v", got)
	}

	// An offline device is excluded from assignment regardless of its task.
	if env.registry.Status("dev-1").Assignable("") {
		t.Error("offline device must not be assignable")
	}
}

func TestCheckHeartbeatsGraceStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 2)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		td, err := env.d.dispatchFor(task.ID)
		if err != nil {
			return false
		}
		td.mu.Lock()
		n := len(td.inflight)
		td.mu.Unlock()
		return n == 2
	}, "commands never went in flight")

	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.LastHeartbeat = time.Now().UTC().Add(-time.Second)
	})

	// A cancelled run context must stop the grace timer before it fires.
	runCtx, cancel := context.WithCancel(context.Background())
	cancel()
	env.handler.CheckHeartbeats(runCtx)

	time.Sleep(3 * env.d.opts.OfflineRequeueGrace)
	td, err := env.d.dispatchFor(task.ID)
	if err != nil {
		t.Fatalf("dispatchFor: %v", err)
	}
	td.mu.Lock()
	remaining := len(td.inflight)
	td.mu.Unlock()
	if remaining != 2 {
		t.Errorf("cancelled grace timer must not requeue, tracked = %d, want 2", remaining)
	}
}
