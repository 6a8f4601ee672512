package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/guregu/null/v5"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskQueued   TaskStatus = "queued"
	TaskRunning  TaskStatus = "running"
	TaskFinished TaskStatus = "finished"
	TaskFailed   TaskStatus = "failed"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskQueued, TaskRunning, TaskFinished, TaskFailed:
		return true
	}
	return false
}

// Done reports whether the task has stopped running.
func (s TaskStatus) Done() bool {
	return s == TaskFinished || s == TaskFailed
}

// BackgroundTaskRecord is one background job run after a response was
// sent. The capture side posts the record again on every state change;
// the later copy replaces the earlier one.
type BackgroundTaskRecord struct {
	ID string `json:"id"`

	// RequestID is the request that scheduled the task, when known
	RequestID string `json:"request_id,omitempty"`

	// FunctionKey identifies the task function (module:qualified name)
	FunctionKey  string `json:"function_key"`
	FunctionName string `json:"function_name"`

	Status TaskStatus `json:"status"`

	QueuedAt  time.Time `json:"queued_at"`
	StartedAt null.Time `json:"started_at"`
	EndedAt   null.Time `json:"ended_at"`

	// DurationMs is derived from StartedAt and EndedAt
	DurationMs null.Float `json:"duration_ms"`

	// Params holds the call arguments as posted (typically args and kwargs)
	Params json.RawMessage `json:"params,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorTrace   string `json:"error_trace,omitempty"`
}

// TaskDuration returns the run time between start and end in milliseconds
// rounded to two decimals, or null when either end is missing.
func TaskDuration(started, ended null.Time) null.Float {
	if !started.Valid || !ended.Valid {
		return null.Float{}
	}
	ms := float64(ended.Time.Sub(started.Time)) / float64(time.Millisecond)
	return null.FloatFrom(math.Round(ms*100) / 100)
}
