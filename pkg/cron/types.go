package cron

import (
	"context"
	"time"
)

// Job is a prompt sent to a chat on a schedule.
type Job struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
	ChatID   int64  `json:"chat_id"`
}

// Status of the last run.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job. It is persisted between restarts.
type JobState struct {
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	ConsecutiveErrors int           `json:"consecutive_errors,omitempty"`
	Runs              int           `json:"runs,omitempty"`

	NextRunAt time.Time `json:"-"`
	Running   bool      `json:"-"`
}

// RunFunc executes one job. It is called on the scheduler's goroutine pool;
// ctx is cancelled when the scheduler stops.
type RunFunc func(ctx context.Context, job Job) error

// Event is emitted after each run.
type Event struct {
	JobID    string
	Status   string
	Err      error
	Duration time.Duration
}
