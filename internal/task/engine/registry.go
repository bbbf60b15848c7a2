package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Status is forward-only: QUEUED -> RUNNING -> SUCCEEDED|FAILED.
type Status int

const (
	StatusQueued Status = iota + 1
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "QUEUED":
		*s = StatusQueued
	case "RUNNING":
		*s = StatusRunning
	case "SUCCEEDED":
		*s = StatusSucceeded
	case "FAILED":
		*s = StatusFailed
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, string(b))
	}
	return nil
}

// Entry is the registry's view of one submission. Zero times mean "not yet".
type Entry struct {
	ID         TaskID
	Name       string
	Priority   Priority
	Status     Status
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// table is the registry's main lookup. Callers hold Registry.mu.
type table interface {
	put(e *Entry)
	get(id TaskID) (*Entry, bool)
	len() int
	each(fn func(e *Entry))
}

type mapTable map[TaskID]*Entry

func (t mapTable) put(e *Entry) { t[e.ID] = e }
func (t mapTable) len() int     { return len(t) }

func (t mapTable) get(id TaskID) (*Entry, bool) {
	e, ok := t[id]
	return e, ok
}

func (t mapTable) each(fn func(e *Entry)) {
	for _, e := range t {
		fn(e)
	}
}

// lruTable evicts the oldest submissions once full. Reads use Peek so
// lookups never change eviction order.
type lruTable struct {
	c *lru.Cache[TaskID, *Entry]
}

func (t lruTable) put(e *Entry)                 { t.c.Add(e.ID, e) }
func (t lruTable) get(id TaskID) (*Entry, bool) { return t.c.Peek(id) }
func (t lruTable) len() int                     { return t.c.Len() }
func (t lruTable) each(fn func(e *Entry)) {
	for _, id := range t.c.Keys() {
		if e, ok := t.c.Peek(id); ok {
			fn(e)
		}
	}
}

// Registry tracks every submission for monitoring.
//
// The main table and the recency ring are guarded by separate locks. Recent
// reads the ring first and resolves ids against the table afterwards, so a
// submission racing with Recent may be missing from that result. Counters are
// atomics and may be read without either lock.
type Registry struct {
	mu    sync.RWMutex
	table table

	recent *ring

	completed atomic.Uint64
	failed    atomic.Uint64

	now func() time.Time
}

// NewRegistry returns a registry. maxEntries > 0 bounds the main table.
func NewRegistry(maxEntries int) *Registry {
	r := &Registry{recent: newRing(RecentCapacity), now: time.Now}
	if maxEntries > 0 {
		if c, err := lru.New[TaskID, *Entry](maxEntries); err == nil {
			r.table = lruTable{c: c}
		}
	}
	if r.table == nil {
		r.table = mapTable{}
	}
	return r
}

// Queued records a new submission and makes it the most recent one.
func (r *Registry) Queued(id TaskID, name string, prio Priority) {
	e := &Entry{ID: id, Name: name, Priority: prio, Status: StatusQueued, EnqueuedAt: r.now()}
	r.mu.Lock()
	r.table.put(e)
	r.mu.Unlock()
	r.recent.push(id)
}

// Started moves a QUEUED entry to RUNNING. Unknown ids are ignored.
func (r *Registry) Started(id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.table.get(id)
	if !ok || e.Status != StatusQueued {
		return
	}
	e.Status = StatusRunning
	e.StartedAt = r.now()
}

// Succeeded records a successful outcome.
func (r *Registry) Succeeded(id TaskID) {
	if r.finish(id, StatusSucceeded, "") {
		r.completed.Add(1)
	}
}

// Failed records a failed outcome with err's message.
func (r *Registry) Failed(id TaskID, err error) {
	msg := "failed"
	if err != nil {
		msg = err.Error()
	}
	if r.finish(id, StatusFailed, msg) {
		r.failed.Add(1)
	}
}

// finish reports whether the outcome counts. An id the table no longer
// holds still counts; an entry that is already terminal does not.
func (r *Registry) finish(id TaskID, st Status, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.table.get(id)
	if !ok {
		return true
	}
	if e.Status.Terminal() {
		return false
	}
	e.Status = st
	e.FinishedAt = r.now()
	e.Error = msg
	return true
}

func (r *Registry) Get(id TaskID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.table.get(id)
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a point-in-time copy of the main table.
func (r *Registry) Snapshot() map[TaskID]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TaskID]Entry, r.table.len())
	r.table.each(func(e *Entry) { out[e.ID] = *e })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.len()
}

func (r *Registry) CompletedCount() uint64 { return r.completed.Load() }
func (r *Registry) FailedCount() uint64    { return r.failed.Load() }

// Recent returns up to min(limit, RecentCapacity) entries, newest submission first.
func (r *Registry) Recent(limit int) []Entry {
	if limit <= 0 {
		return nil
	}
	if limit > RecentCapacity {
		limit = RecentCapacity
	}
	ids := r.recent.newest(limit)
	if len(ids) == 0 {
		return nil
	}

	out := make([]Entry, 0, len(ids))
	r.mu.RLock()
	for _, id := range ids {
		if e, ok := r.table.get(id); ok {
			out = append(out, *e)
		}
	}
	r.mu.RUnlock()
	return out
}
