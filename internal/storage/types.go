package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxRows prunes the oldest sqlite rows beyond this count. 0 keeps everything.
	MaxRows int
}

// Outcome is one terminal task result.
// Keep it compact and schema-stable.
type Outcome struct {
	TaskID       string    `json:"task_id"`
	Name         string    `json:"name"`
	Priority     string    `json:"priority"`
	Status       string    `json:"status"`
	Due          time.Time `json:"due"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	QueueDelayMS int64     `json:"queue_delay_ms"`
	DurationMS   int64     `json:"duration_ms"`
	Worker       int       `json:"worker"`
	Error        string    `json:"error,omitempty"`
}
