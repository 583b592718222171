package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

func TestSenderSuccessBookkeeping(t *testing.T) {
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

	snap := env.registry.Status("dev-1").Snapshot()
	if snap.InFlightCount != 1 || snap.AssignedCount != 1 || snap.SentCount != 1 {
		t.Errorf("device counters after success: %+v", snap)
	}
	if snap.Status != models.DeviceStatusPrinting {
		t.Errorf("device status = %s, want printing", snap.Status)
	}

	recs := env.queue.DrainSentRecords(task.ID)
	if len(recs) != 1 {
		t.Fatalf("expected 1 sent record, got %d", len(recs))
	}
	if recs[0].DeviceID != "dev-1" || recs[0].TaskID != task.ID {
		t.Errorf("unexpected sent record %+v", recs[0])
	}
	if got := env.buffers.Sent.Drain()["dev-1"]; got != 1 {
		t.Errorf("sent buffer count = %d, want 1", got)
	}
}

func TestSenderRetriesThenFailsCommand(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 1)
	env.registry.RegisterChannel("dev-1", "Printer", "", brokenChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	// MaxRetryCount is 2 in the test env: two transmission attempts, then
	// the command fails terminally and the data item returns to the backlog.
	waitFor(t, 5*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.FailedCommands >= 1
	}, "command never failed")

	snap := env.registry.Status("dev-1").Snapshot()
	if snap.InFlightCount != 0 {
		t.Errorf("InFlightCount = %d, want 0 after failed sends", snap.InFlightCount)
	}
	if snap.LastError == "" {
		t.Error("LastError should be recorded after retry exhaustion")
	}

	// The item's print count is still below the cap, so it must be pending
	// again rather than failed.
	item := env.store.Item("pool-1-item-000")
	if item.Status != models.DataItemPending && item.Status != models.DataItemPrinting {
		t.Errorf("item status = %s, want requeued", item.Status)
	}
}

func TestSenderBacksOffWithNoEligibleDevice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 1)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	// Take the only device out of the eligible set.
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusError
	})

	// The command must stay queued or cycling, never transmitted.
	time.Sleep(100 * time.Millisecond)
	status, err := env.d.TaskDispatchStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskDispatchStatus: %v", err)
	}
	if status.ReceivedCommands != 0 {
		t.Errorf("no transmission should succeed without an eligible device, got %d", status.ReceivedCommands)
	}

	// Recovery brings the command through.
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusIdle
	})
	waitFor(t, 5*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.ReceivedCommands == 1
	}, "command never transmitted after device recovery")
}

func TestPipelineRecoversWithQueueAtCapacity(t *testing.T) {
	env := newTestEnvWithQueue(t, 1)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 3)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	// Take the device out of the eligible set: the sender now holds its
	// command while the producer keeps the one-slot queue full behind it.
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusError
	})
	time.Sleep(100 * time.Millisecond)

	// Recovery must drain everything even though the queue stayed at
	// capacity the whole time the device was out.
	env.registry.Status("dev-1").WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusIdle
	})
	waitFor(t, 5*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.ReceivedCommands == 3
	}, "pipeline never recovered with the queue at capacity")
}

func TestProducerReleasesClaimedBatchOnCancel(t *testing.T) {
	env := newTestEnvWithQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	task := env.seedTask(t, -1, "pool-1", 4)

	td := &taskDispatch{
		task:      task,
		deviceIDs: []string{"dev-1"},
		inflight:  make(map[string]*models.PrintCommand),
	}
	td.state = models.DispatchStateRunning
	env.queue.RegisterTask(task.ID)
	p := newProducer(env.d, td, 4, 4)

	done := make(chan struct{})
	go func() {
		p.run(ctx)
		close(done)
	}()

	// The whole batch is claimed at once; with a one-slot queue the producer
	// then blocks enqueueing the second command.
	waitFor(t, 2*time.Second, func() bool {
		stats, err := env.pools.Statistics(context.Background(), "pool-1")
		return err == nil && stats.Printing == 4 && env.queue.Size(task.ID) == 1
	}, "producer never claimed the batch")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not exit on cancel")
	}

	// Everything claimed but not yet queued returns to the backlog.
	stats, err := env.pools.Statistics(context.Background(), "pool-1")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Pending != 3 || stats.Printing != 1 {
		t.Errorf("after cancel: pending=%d printing=%d, want 3 pending and only the queued item claimed",
			stats.Pending, stats.Printing)
	}
}

func TestProducerRespectsBoundedPlan(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, 3, "pool-1", 10)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	if _, err := env.d.StartTask(ctx, StartRequest{TaskID: task.ID, DeviceIDs: []string{"dev-1"}}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		status, err := env.d.TaskDispatchStatus(task.ID)
		return err == nil && status.TotalCommands == 3
	}, "producer never built the planned commands")

	// Give the producer time to overshoot if it were going to.
	time.Sleep(100 * time.Millisecond)
	status, err := env.d.TaskDispatchStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskDispatchStatus: %v", err)
	}
	if status.TotalCommands != 3 {
		t.Errorf("TotalCommands = %d, want exactly the planned 3", status.TotalCommands)
	}

	stats, _ := env.pools.Statistics(ctx, "pool-1")
	if stats.Printing != 3 {
		t.Errorf("claimed items = %d, want 3", stats.Printing)
	}
	if stats.Pending != 7 {
		t.Errorf("pending items = %d, want the 7 unclaimed", stats.Pending)
	}
}

func TestProducerRespectsPrefetchBudget(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.seedTask(t, -1, "pool-1", 50)
	env.registry.RegisterChannel("dev-1", "Printer", "", silentChannel{})

	// Preload 4 with one device: at most 4 commands queued or in flight.
	if _, err := env.d.StartTask(ctx, StartRequest{
		TaskID: task.ID, DeviceIDs: []string{"dev-1"}, PreloadCount: 4, BatchSize: 10,
	}); err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		snap := env.registry.Status("dev-1").Snapshot()
		return snap.InFlightCount+int64(env.queue.Size(task.ID)) >= 4
	}, "pipeline never filled to the prefetch budget")

	time.Sleep(100 * time.Millisecond)
	status, _ := env.d.TaskDispatchStatus(task.ID)
	snap := env.registry.Status("dev-1").Snapshot()
	outstanding := snap.InFlightCount + int64(env.queue.Size(task.ID))
	if outstanding > 4 {
		t.Errorf("outstanding commands %d exceed the prefetch budget 4", outstanding)
	}
	if status.TotalCommands > 8 {
		t.Errorf("producer built %d commands against a budget of 4", status.TotalCommands)
	}
}
