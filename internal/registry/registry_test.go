package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

type fakeChannel struct {
	closed bool
	sent   [][]byte
	addr   string
}

func (c *fakeChannel) Send(payload []byte) error { c.sent = append(c.sent, payload); return nil }
func (c *fakeChannel) Close() error              { c.closed = true; return nil }
func (c *fakeChannel) RemoteAddr() string        { return c.addr }

func TestRegisterChannelCreatesStatus(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	ch := &fakeChannel{addr: "10.0.0.5:9100"}

	r.RegisterChannel("dev-1", "Printer A", "10.0.0.5:9100", ch)

	if got := r.Channel("dev-1"); got != ch {
		t.Fatal("Channel should return the registered channel")
	}
	st := r.Status("dev-1")
	if st == nil {
		t.Fatal("Status should exist after registration")
	}
	snap := st.Snapshot()
	if snap.ConnectionStatus != models.ConnectionConnected {
		t.Errorf("ConnectionStatus = %s, want connected", snap.ConnectionStatus)
	}
	if snap.Status != models.DeviceStatusIdle {
		t.Errorf("Status = %s, want idle", snap.Status)
	}
	if snap.DeviceName != "Printer A" {
		t.Errorf("DeviceName = %s", snap.DeviceName)
	}
}

func TestRegisterChannelReplacesAndClosesOld(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	old := &fakeChannel{addr: "10.0.0.5:9100"}
	replacement := &fakeChannel{addr: "10.0.0.5:9101"}

	r.RegisterChannel("dev-1", "Printer A", "", old)
	r.RegisterChannel("dev-1", "Printer A", "", replacement)

	if !old.closed {
		t.Error("old channel should be closed on replacement")
	}
	if got := r.Channel("dev-1"); got != replacement {
		t.Error("Channel should return the replacement")
	}
}

func TestUnregisterChannelFlipsStatus(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	ch := &fakeChannel{}
	r.RegisterChannel("dev-1", "Printer A", "", ch)

	r.UnregisterChannel("dev-1")

	if !ch.closed {
		t.Error("channel should be closed on unregister")
	}
	if r.Channel("dev-1") != nil {
		t.Error("Channel should be nil after unregister")
	}
	snap := r.Status("dev-1").Snapshot()
	if snap.ConnectionStatus != models.ConnectionDisconnected {
		t.Errorf("ConnectionStatus = %s, want disconnected", snap.ConnectionStatus)
	}
	if snap.Status != models.DeviceStatusOffline {
		t.Errorf("Status = %s, want offline", snap.Status)
	}
}

func TestEnsureStatusCreatesDisconnectedPlaceholder(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())

	st := r.EnsureStatus("dev-9", "Printer Z", "10.0.0.9:9100")
	snap := st.Snapshot()
	if snap.ConnectionStatus != models.ConnectionDisconnected {
		t.Errorf("placeholder should start disconnected, got %s", snap.ConnectionStatus)
	}
	if snap.Status != models.DeviceStatusOffline {
		t.Errorf("placeholder should start offline, got %s", snap.Status)
	}

	// A later registration reuses the same entry and flips it online.
	r.RegisterChannel("dev-9", "Printer Z", "", &fakeChannel{})
	if got := r.Status("dev-9"); got != st {
		t.Error("RegisterChannel should reuse the placeholder entry")
	}
	if st.Snapshot().ConnectionStatus != models.ConnectionConnected {
		t.Error("placeholder should flip connected after registration")
	}
}

func TestStatusesFiltersByID(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	r.EnsureStatus("dev-1", "", "")
	r.EnsureStatus("dev-2", "", "")
	r.EnsureStatus("dev-3", "", "")

	all := r.Statuses()
	if len(all) != 3 {
		t.Errorf("Statuses() = %d entries, want 3", len(all))
	}

	some := r.Statuses("dev-1", "dev-3", "ghost")
	if len(some) != 2 {
		t.Errorf("filtered Statuses = %d entries, want 2", len(some))
	}
}

func TestRemoveStatus(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	r.EnsureStatus("dev-1", "", "")
	r.RemoveStatus("dev-1")
	if r.Status("dev-1") != nil {
		t.Error("Status should be nil after RemoveStatus")
	}
}

func TestAssignable(t *testing.T) {
	r := NewDeviceRegistry(zap.NewNop())
	r.RegisterChannel("dev-1", "Printer A", "", &fakeChannel{})
	st := r.Status("dev-1")

	if st.Assignable("task-1") {
		t.Error("device without a bound task should not be assignable")
	}

	st.WithLock(func(d *models.DeviceTaskStatus) { d.CurrentTaskID = "task-1" })
	if !st.Assignable("task-1") {
		t.Error("idle connected device bound to the task should be assignable")
	}
	if st.Assignable("task-2") {
		t.Error("device bound to another task should not be assignable")
	}

	st.WithLock(func(d *models.DeviceTaskStatus) { d.Status = models.DeviceStatusError })
	if st.Assignable("task-1") {
		t.Error("errored device should not be assignable")
	}

	st.WithLock(func(d *models.DeviceTaskStatus) {
		d.Status = models.DeviceStatusPrinting
		d.ConnectionStatus = models.ConnectionDisconnected
	})
	if st.Assignable("task-1") {
		t.Error("disconnected device should not be assignable")
	}
}
