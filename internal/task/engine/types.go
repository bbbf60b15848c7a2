package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	rtsup "taskd/internal/runtime/supervisor"
)

// DefaultPollInterval caps how long a worker sleeps on a not-yet-due head item.
const DefaultPollInterval = 50 * time.Millisecond

// Config controls the task engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	Workers int

	// PollInterval bounds the over-delay of a due item. 0 applies DefaultPollInterval.
	PollInterval time.Duration

	// RegistryMaxEntries bounds the registry's main table with LRU eviction.
	// 0 keeps every entry for the lifetime of the engine.
	RegistryMaxEntries int
}

// TaskID is an opaque, globally unique task identity.
type TaskID string

func NewTaskID() TaskID { return TaskID(uuid.NewString()) }

func (id TaskID) String() string { return string(id) }

// Body is the unit of work. A non-nil error marks the task FAILED.
//
// ctx is canceled when the engine shuts down; the outcome is recorded either way.
type Body func(ctx context.Context) error

// Item is a pending work item as held by the Queue.
type Item struct {
	ID       TaskID
	Name     string
	Priority Priority
	Due      time.Time
	Seq      uint64
	Run      Body
}

// Lifecycle event types published on the bus. Data is a TaskEvent.
const (
	EventQueued    = "task.queued"
	EventStarted   = "task.started"
	EventSucceeded = "task.succeeded"
	EventFailed    = "task.failed"
)

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         TaskID        `json:"id"`
	Name       string        `json:"name"`
	Priority   Priority      `json:"priority"`
	Status     Status        `json:"status"`
	Due        time.Time     `json:"due"`
	Started    time.Time     `json:"started,omitempty"`
	Finished   time.Time     `json:"finished,omitempty"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Worker     int           `json:"worker"`
	Error      string        `json:"error,omitempty"`
}

// State is the engine lifecycle: Created -> Started -> ShuttingDown.
type State int32

const (
	StateCreated State = iota
	StateStarted
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Source is the read-only view handed to a Monitor.
type Source interface {
	QueueLen() int
	CompletedCount() uint64
	FailedCount() uint64
	Recent(limit int) []Entry
}

// Monitor is an optional collaborator attached on Start and stopped on Shutdown.
type Monitor interface {
	Start(ctx context.Context, src Source) error
	Stop(ctx context.Context)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State        string        `json:"state"`
	Workers      int           `json:"workers"`
	PollInterval time.Duration `json:"poll_interval"`

	QueueLen  int    `json:"queue_len"`
	InFlight  int    `json:"in_flight"`
	Tracked   int    `json:"tracked"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`

	Supervisor rtsup.Counters `json:"supervisor"`
}
