package queue

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

func testItem(id string) *models.DataItem {
	return &models.DataItem{ID: id, PoolID: "pool-1", Content: "content-" + id}
}

func TestAddGetFIFO(t *testing.T) {
	q := NewCommandQueue(10, zap.NewNop())
	q.RegisterTask("task-1")

	ctx := context.Background()
	first := models.NewPrintCommand("task-1", testItem("item-1"), 0, 3)
	second := models.NewPrintCommand("task-1", testItem("item-2"), 0, 3)

	if err := q.Add(ctx, first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := q.Add(ctx, second); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := q.Size("task-1"); got != 2 {
		t.Errorf("Size = %d, want 2", got)
	}

	got, err := q.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != first.ID {
		t.Errorf("expected FIFO order, got %s first", got.ItemID)
	}
	got, err = q.Get(ctx, "task-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("expected FIFO order, got %s second", got.ItemID)
	}
}

func TestAddBlocksAtCapacity(t *testing.T) {
	q := NewCommandQueue(1, zap.NewNop())
	q.RegisterTask("task-1")

	ctx := context.Background()
	if err := q.Add(ctx, models.NewPrintCommand("task-1", testItem("item-1"), 0, 3)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// The queue is full; the next Add must block until cancelled.
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Add(blockedCtx, models.NewPrintCommand("task-1", testItem("item-2"), 0, 3))
	if err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}

	// The cancelled command must not linger in the pending snapshot.
	if snap := q.Snapshot("task-1"); len(snap) != 1 {
		t.Errorf("pending snapshot should hold 1 command, got %d", len(snap))
	}
}

func TestGetBlocksUntilAdd(t *testing.T) {
	q := NewCommandQueue(4, zap.NewNop())
	q.RegisterTask("task-1")

	cmd := models.NewPrintCommand("task-1", testItem("item-1"), 0, 3)
	done := make(chan *models.PrintCommand, 1)
	go func() {
		got, err := q.Get(context.Background(), "task-1")
		if err != nil {
			t.Errorf("Get: %v", err)
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Add(context.Background(), cmd); err != nil {
		t.Fatalf("Add: %v", err)
	}

	select {
	case got := <-done:
		if got.ID != cmd.ID {
			t.Errorf("got command %s, want %s", got.ID, cmd.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Get never returned after Add")
	}
}

func TestRemoveSkipsCommandWithoutDisturbingOrder(t *testing.T) {
	q := NewCommandQueue(10, zap.NewNop())
	q.RegisterTask("task-1")

	ctx := context.Background()
	first := models.NewPrintCommand("task-1", testItem("item-1"), 0, 3)
	second := models.NewPrintCommand("task-1", testItem("item-2"), 0, 3)
	third := models.NewPrintCommand("task-1", testItem("item-3"), 0, 3)
	for _, cmd := range []*models.PrintCommand{first, second, third} {
		if err := q.Add(ctx, cmd); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if !q.Remove("task-1", second.ID) {
		t.Fatal("Remove should report success for a queued command")
	}
	if q.Remove("task-1", second.ID) {
		t.Error("second Remove of the same command should report false")
	}

	got, _ := q.Get(ctx, "task-1")
	if got.ID != first.ID {
		t.Errorf("first dequeue should be %s, got %s", first.ItemID, got.ItemID)
	}
	got, _ = q.Get(ctx, "task-1")
	if got.ID != third.ID {
		t.Errorf("removed command should be skipped, got %s", got.ItemID)
	}
}

func TestAddToUnknownTaskFails(t *testing.T) {
	q := NewCommandQueue(10, zap.NewNop())
	err := q.Add(context.Background(), models.NewPrintCommand("ghost", testItem("item-1"), 0, 3))
	if err == nil {
		t.Fatal("expected error adding to an unregistered task")
	}
}

func TestSentRecordsDrainOnce(t *testing.T) {
	q := NewCommandQueue(10, zap.NewNop())
	q.RegisterTask("task-1")

	q.AddSentRecord(models.SentRecord{TaskID: "task-1", ItemID: "item-1", DeviceID: "dev-1"})
	q.AddSentRecord(models.SentRecord{TaskID: "task-1", ItemID: "item-2", DeviceID: "dev-1"})

	recs := q.DrainSentRecords("task-1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].SentAt.IsZero() {
		t.Error("SentAt should default to the enqueue time")
	}
	if again := q.DrainSentRecords("task-1"); len(again) != 0 {
		t.Errorf("second drain should be empty, got %d records", len(again))
	}
}

func TestUnregisterTaskDiscardsQueue(t *testing.T) {
	q := NewCommandQueue(10, zap.NewNop())
	q.RegisterTask("task-1")
	if err := q.Add(context.Background(), models.NewPrintCommand("task-1", testItem("item-1"), 0, 3)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	q.UnregisterTask("task-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Get(ctx, "task-1"); err == nil {
		t.Error("Get after unregister should fail")
	}
	if q.Size("task-1") != 0 {
		t.Error("Size after unregister should be 0")
	}
}
