package engine

import (
	"container/heap"
	"context"
	"sync"

	"github.com/marketbridge/marketbridge/internal/core"
)

// PriorityQueue orders descriptors by ascending priority; ties are served
// in insertion order.
type PriorityQueue struct {
	mu     sync.Mutex
	items  descriptorHeap
	seq    uint64
	notify chan struct{}
	closed bool
}

// NewPriorityQueue returns an empty queue.
func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{notify: make(chan struct{}, 1)}
}

// Push adds a descriptor. It fails only after Close.
func (q *PriorityQueue) Push(desc core.CallDescriptor) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return core.ErrDispatcherStopped
	}
	q.seq++
	heap.Push(&q.items, queuedCall{desc: desc, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a descriptor is available or ctx is done.
func (q *PriorityQueue) Pop(ctx context.Context) (core.CallDescriptor, bool) {
	for {
		if desc, ok := q.TryPop(); ok {
			return desc, true
		}
		select {
		case <-ctx.Done():
			return core.CallDescriptor{}, false
		case <-q.notify:
		}
	}
}

// TryPop returns the most urgent descriptor without blocking.
func (q *PriorityQueue) TryPop() (core.CallDescriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return core.CallDescriptor{}, false
	}
	item := heap.Pop(&q.items).(queuedCall)
	if q.items.Len() > 0 {
		// keep the wakeup armed for the remaining items
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return item.desc, true
}

// Len returns the number of queued descriptors.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further pushes and returns whatever was still queued.
func (q *PriorityQueue) Close() []core.CallDescriptor {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := make([]core.CallDescriptor, 0, q.items.Len())
	for q.items.Len() > 0 {
		drained = append(drained, heap.Pop(&q.items).(queuedCall).desc)
	}
	return drained
}

type queuedCall struct {
	desc core.CallDescriptor
	seq  uint64
}

type descriptorHeap []queuedCall

func (h descriptorHeap) Len() int { return len(h) }

func (h descriptorHeap) Less(i, j int) bool {
	if h[i].desc.Priority != h[j].desc.Priority {
		return h[i].desc.Priority < h[j].desc.Priority
	}
	return h[i].seq < h[j].seq
}

func (h descriptorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *descriptorHeap) Push(x any) { *h = append(*h, x.(queuedCall)) }

func (h *descriptorHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
