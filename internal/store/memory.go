package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inkfleet/inkfleet-backend/internal/models"
)

// MemoryStore is an in-memory Store used by tests and by development runs
// without a database file. It needs to be thread-safe for concurrent access
// from the pipeline workers.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]*models.Task
	links       map[string]map[string]*models.TaskDeviceLink // task -> device -> link
	items       map[string]*models.DataItem
	itemOrder   []string // insertion order, stands in for pool order
	inspections []models.InspectionRecord
	devices     map[string]*models.Device
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*models.Task),
		links:   make(map[string]map[string]*models.TaskDeviceLink),
		items:   make(map[string]*models.DataItem),
		devices: make(map[string]*models.Device),
	}
}

// Initialize is a no-op for the in-memory store.
func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// --- TaskStore ---

func (m *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return nil, models.ErrTaskNotFound
	}
	cp := *task
	return &cp, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.DeletedAt == nil {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok || task.DeletedAt != nil {
		return models.ErrTaskNotFound
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) SoftDeleteTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok && task.DeletedAt == nil {
		now := time.Now().UTC()
		task.DeletedAt = &now
	}
	return nil
}

// --- LinkStore ---

func (m *MemoryStore) CreateLinks(ctx context.Context, links []*models.TaskDeviceLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range links {
		byDevice, ok := m.links[l.TaskID]
		if !ok {
			byDevice = make(map[string]*models.TaskDeviceLink)
			m.links[l.TaskID] = byDevice
		}
		cp := *l
		byDevice[l.DeviceID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetLinks(ctx context.Context, taskID string) ([]*models.TaskDeviceLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.TaskDeviceLink
	for _, l := range m.links[taskID] {
		if l.DeletedAt == nil {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (m *MemoryStore) SoftDeleteLinks(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, l := range m.links[taskID] {
		if l.DeletedAt == nil {
			l.DeletedAt = &now
		}
	}
	return nil
}

// --- ItemStore ---

func (m *MemoryStore) InsertItems(ctx context.Context, items []*models.DataItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		cp := *it
		m.items[it.ID] = &cp
		m.itemOrder = append(m.itemOrder, it.ID)
	}
	return nil
}

func (m *MemoryStore) SelectAndClaimPending(ctx context.Context, poolID string, limit int) ([]*models.DataItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DataItem
	for _, id := range m.itemOrder {
		if len(out) >= limit {
			break
		}
		it := m.items[id]
		if it.PoolID != poolID || it.Status != models.DataItemPending {
			continue
		}
		it.Status = models.DataItemPrinting
		it.UpdatedAt = time.Now().UTC()
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkItemsStatus(ctx context.Context, itemIDs []string, status models.DataItemStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range itemIDs {
		if it, ok := m.items[id]; ok {
			it.Status = status
			it.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) RequeueOrFail(ctx context.Context, itemID string, maxPrints int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[itemID]
	if !ok {
		return nil
	}
	if it.PrintCount < maxPrints {
		it.Status = models.DataItemPending
	} else {
		it.Status = models.DataItemFailed
	}
	it.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) PoolExists(ctx context.Context, poolID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.PoolID == poolID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) PoolStatistics(ctx context.Context, poolID string) (*PoolStatistics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &PoolStatistics{PoolID: poolID}
	for _, it := range m.items {
		if it.PoolID != poolID {
			continue
		}
		stats.Total++
		switch it.Status {
		case models.DataItemPending:
			stats.Pending++
		case models.DataItemPrinting:
			stats.Printing++
		case models.DataItemPrinted:
			stats.Printed++
		case models.DataItemFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// --- ReconcileStore ---

func (m *MemoryStore) ApplySentBatch(ctx context.Context, assignments []ItemAssignment, inspections []models.InspectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, a := range assignments {
		if it, ok := m.items[a.ItemID]; ok {
			it.DeviceID = a.DeviceID
			it.PrintCount++
			it.UpdatedAt = now
		}
	}
	m.inspections = append(m.inspections, inspections...)
	return nil
}

func (m *MemoryStore) ApplyProgress(ctx context.Context, links []LinkDelta, tasks []TaskDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, d := range links {
		if l, ok := m.links[d.TaskID][d.DeviceID]; ok && l.DeletedAt == nil {
			l.CompletedQuantity += d.CompletedDelta
			l.ReceivedQuantity += d.ReceivedDelta
			l.AssignedQuantity += d.ReceivedDelta
			l.CachePoolSize = d.InFlight
			l.Throughput = d.Throughput
			l.UpdatedAt = now
		}
	}
	for _, d := range tasks {
		if t, ok := m.tasks[d.TaskID]; ok && t.DeletedAt == nil {
			t.ReceivedQuantity += d.ReceivedDelta
			t.CompletedQuantity += d.CompletedDelta
			t.UpdatedAt = now
		}
	}
	return nil
}

// Inspections returns a copy of the recorded inspection rows, for tests.
func (m *MemoryStore) Inspections() []models.InspectionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.InspectionRecord, len(m.inspections))
	copy(out, m.inspections)
	return out
}

// Item returns a copy of one data item, for tests.
func (m *MemoryStore) Item(itemID string) *models.DataItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[itemID]; ok {
		cp := *it
		return &cp
	}
	return nil
}

// --- DeviceStore ---

func (m *MemoryStore) UpsertDevice(ctx context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	cp := *device
	cp.DeletedAt = nil
	m.devices[device.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok || d.DeletedAt != nil {
		return nil, models.ErrDeviceNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListDevices(ctx context.Context) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Device
	for _, d := range m.devices {
		if d.DeletedAt == nil {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) SoftDeleteDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[deviceID]; ok && d.DeletedAt == nil {
		now := time.Now().UTC()
		d.DeletedAt = &now
	}
	return nil
}
