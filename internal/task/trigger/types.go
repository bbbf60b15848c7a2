package trigger

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// Submitter is the engine surface the trigger needs.
type Submitter interface {
	Submit(name string, prio engine.Priority, body engine.Body, delay time.Duration) (engine.TaskID, error)
}

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local

	// StartupSpread delays the first tick of interval schedules by a random
	// amount up to min(interval, StartupSpread). 0 disables it.
	StartupSpread time.Duration
}

type scheduleDef struct {
	name     string
	spec     string
	priority engine.Priority
	delay    time.Duration
	body     engine.Body
	entryID  cron.EntryID

	fired   atomic.Uint64
	lastMu  sync.Mutex
	lastID  engine.TaskID
	lastErr string
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// runDone is closed by Stop so the ctx watcher of the current run exits.
	runDone chan struct{}

	// Submit error throttling: key is schedule name.
	subMu       sync.Mutex
	lastSubWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Priority string        `json:"priority"`
	Delay    time.Duration `json:"delay"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Fired    uint64        `json:"fired"`
	LastID   engine.TaskID `json:"last_id,omitempty"`
	LastErr  string        `json:"last_err,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
