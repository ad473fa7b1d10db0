package frontier

import "container/heap"

type location int

const (
	nowhere location = iota
	inReady
	inDelayed
	inParked
	inRevisit
)

// entryHeap is a container/heap over frontier entries with a pluggable order.
type entryHeap struct {
	items []*entry
	less  func(a, b *entry) bool
}

func newReadyHeap() *entryHeap {
	return &entryHeap{less: readyBefore}
}

func newDelayedHeap() *entryHeap {
	return &entryHeap{less: dueBefore}
}

// readyBefore orders by priority (high first), then discovery time, then insertion.
func readyBefore(a, b *entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.DiscoveredAt.Equal(b.DiscoveredAt) {
		return a.DiscoveredAt.Before(b.DiscoveredAt)
	}
	return a.seq < b.seq
}

func dueBefore(a, b *entry) bool {
	if !a.NextEligibleAt.Equal(b.NextEligibleAt) {
		return a.NextEligibleAt.Before(b.NextEligibleAt)
	}
	return readyBefore(a, b)
}

func (h *entryHeap) Len() int { return len(h.items) }

func (h *entryHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}

func (h *entryHeap) peek() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *entryHeap) add(e *entry) {
	heap.Push(h, e)
}

func (h *entryHeap) remove(e *entry) {
	if e.index >= 0 && e.index < len(h.items) && h.items[e.index] == e {
		heap.Remove(h, e.index)
	}
}

func (h *entryHeap) popTop() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(*entry)
}
