package counters

import (
	"sync"
	"testing"
)

func TestBufferDrainOnce(t *testing.T) {
	b := NewBuffer()
	b.Add("dev-1", 3)
	b.Add("dev-2", 1)
	b.Add("dev-1", 2)

	first := b.Drain()
	if first["dev-1"] != 5 || first["dev-2"] != 1 {
		t.Errorf("unexpected drain result: %v", first)
	}

	second := b.Drain()
	if len(second) != 0 {
		t.Errorf("second drain should be empty, got %v", second)
	}
	if b.Len() != 0 {
		t.Errorf("buffer should be empty after drain, Len=%d", b.Len())
	}
}

func TestBufferConcurrentAddsNeverDoubleCount(t *testing.T) {
	b := NewBuffer()
	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	drained := make(chan map[string]int64, workers*(perWorker/100))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				b.Add("dev-1", 1)
				if j%100 == 0 {
					drained <- b.Drain()
				}
			}
		}()
	}
	wg.Wait()
	close(drained)

	var total int64
	for m := range drained {
		total += m["dev-1"]
	}
	total += b.Drain()["dev-1"]

	if want := int64(workers * perWorker); total != want {
		t.Errorf("events lost or duplicated across drains: got %d want %d", total, want)
	}
}

func TestItemListDrain(t *testing.T) {
	l := NewItemList()
	l.Add("item-1")
	l.Add("item-2")

	ids := l.Drain()
	if len(ids) != 2 || ids[0] != "item-1" || ids[1] != "item-2" {
		t.Errorf("unexpected ids %v", ids)
	}
	if got := l.Drain(); len(got) != 0 {
		t.Errorf("second drain should be empty, got %v", got)
	}
}
