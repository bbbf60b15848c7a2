package engine

import "sync"

// RecentCapacity is how many submissions the recency index remembers.
const RecentCapacity = 1000

// ring remembers the newest task ids, oldest overwritten first.
// It has its own lock, independent from the registry table.
type ring struct {
	mu   sync.Mutex
	ids  []TaskID
	next int
	size int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = RecentCapacity
	}
	return &ring{ids: make([]TaskID, capacity)}
}

func (r *ring) push(id TaskID) {
	r.mu.Lock()
	r.ids[r.next] = id
	r.next = (r.next + 1) % len(r.ids)
	if r.size < len(r.ids) {
		r.size++
	}
	r.mu.Unlock()
}

// newest returns up to n ids, most recent first.
func (r *ring) newest(n int) []TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]TaskID, 0, n)
	idx := r.next
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = len(r.ids) - 1
		}
		out = append(out, r.ids[idx])
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
