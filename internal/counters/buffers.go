// Package counters holds the two process-wide event buffers fed by the hot
// path (Sender transmissions, Device Data Handler completion acks) and
// drained once per reconciliation tick. Draining swaps the whole map in one
// critical section, so accounting into the durable store is exactly-once no
// matter how fast events arrive.
package counters

import "sync"

// Buffer accumulates per-device event counts between reconciliation ticks.
type Buffer struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewBuffer creates an empty counter buffer.
func NewBuffer() *Buffer {
	return &Buffer{counts: make(map[string]int64)}
}

// Add increments the count for a device.
func (b *Buffer) Add(deviceID string, n int64) {
	b.mu.Lock()
	b.counts[deviceID] += n
	b.mu.Unlock()
}

// Drain atomically removes and returns all accumulated counts. A second
// drain before new events arrive returns an empty map; no event can appear
// in two drains.
func (b *Buffer) Drain() map[string]int64 {
	b.mu.Lock()
	out := b.counts
	b.counts = make(map[string]int64)
	b.mu.Unlock()
	return out
}

// Len returns the number of devices with buffered counts.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.counts)
}

// Buffers bundles the shared event buffers so components share one injection
// point instead of ambient package state: per-device completed and sent
// counts, plus the printed-item id list.
type Buffers struct {
	Completed *Buffer
	Sent      *Buffer
	Printed   *ItemList
}

// NewBuffers creates the set used across the pipeline.
func NewBuffers() *Buffers {
	return &Buffers{Completed: NewBuffer(), Sent: NewBuffer(), Printed: NewItemList()}
}
