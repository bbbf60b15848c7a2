package engine

import (
	"container/heap"
	"sync"
	"sync/atomic"
)

// seq is shared by every Queue in the process so tie-breaks follow submission order.
var seq atomic.Uint64

func nextSeq() uint64 { return seq.Add(1) }

// before is the queue order: due time (millisecond resolution), then priority rank, then sequence.
func (it Item) before(o Item) bool {
	if a, b := it.Due.UnixMilli(), o.Due.UnixMilli(); a != b {
		return a < b
	}
	if a, b := it.Priority.Rank(), o.Priority.Rank(); a != b {
		return a < b
	}
	return it.Seq < o.Seq
}

type itemHeap []Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = Item{}
	*h = old[:n-1]
	return it
}

// Queue is a concurrent min-queue of pending items. It does not know about
// due times; workers decide whether the head may run.
type Queue struct {
	mu   sync.Mutex
	h    itemHeap
	wake chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push inserts a newly submitted item and wakes waiting workers.
func (q *Queue) Push(it Item) {
	q.mu.Lock()
	heap.Push(&q.h, it)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Requeue puts back an item a worker took too early. It does not wake anyone.
func (q *Queue) Requeue(it Item) {
	q.mu.Lock()
	heap.Push(&q.h, it)
	q.mu.Unlock()
}

func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Item{}, false
	}
	return q.h[0], true
}

func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Item{}, false
	}
	return heap.Pop(&q.h).(Item), true
}

// Take removes the minimum item, blocking while the queue is empty.
// It returns false once done is closed.
func (q *Queue) Take(done <-chan struct{}) (Item, bool) {
	for {
		q.mu.Lock()
		if len(q.h) > 0 {
			it := heap.Pop(&q.h).(Item)
			q.mu.Unlock()
			return it, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-done:
			return Item{}, false
		case <-wake:
		}
	}
}

// Changed returns a channel closed by the next Push.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wake
}

// Len counts items not yet dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
