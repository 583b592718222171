package counters

import "sync"

// ItemList buffers data-item ids between reconciliation ticks, with the same
// drain-once contract as Buffer. Used to batch PRINTED status flips instead
// of writing the store once per ack.
type ItemList struct {
	mu  sync.Mutex
	ids []string
}

// NewItemList creates an empty list.
func NewItemList() *ItemList {
	return &ItemList{}
}

// Add appends one item id.
func (l *ItemList) Add(itemID string) {
	l.mu.Lock()
	l.ids = append(l.ids, itemID)
	l.mu.Unlock()
}

// Drain atomically removes and returns all buffered ids.
func (l *ItemList) Drain() []string {
	l.mu.Lock()
	out := l.ids
	l.ids = nil
	l.mu.Unlock()
	return out
}
