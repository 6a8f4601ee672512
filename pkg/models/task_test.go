package models

import (
	"testing"
	"time"

	"github.com/guregu/null/v5"
)

func TestTaskDuration(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		started null.Time
		ended   null.Time
		want    null.Float
	}{
		{name: "rounded to two decimals", started: null.TimeFrom(start), ended: null.TimeFrom(start.Add(1234567 * time.Microsecond)), want: null.FloatFrom(1234.57)},
		{name: "not started", ended: null.TimeFrom(start), want: null.Float{}},
		{name: "still running", started: null.TimeFrom(start), want: null.Float{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TaskDuration(tt.started, tt.ended); got != tt.want {
				t.Errorf("TaskDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskStatus(t *testing.T) {
	tests := []struct {
		status TaskStatus
		valid  bool
		done   bool
	}{
		{TaskQueued, true, false},
		{TaskRunning, true, false},
		{TaskFinished, true, true},
		{TaskFailed, true, true},
		{"completed", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.Valid() != tt.valid || tt.status.Done() != tt.done {
				t.Errorf("Valid/Done = %v/%v, want %v/%v", tt.status.Valid(), tt.status.Done(), tt.valid, tt.done)
			}
		})
	}
}

func TestSpanStatusIsError(t *testing.T) {
	for status, want := range map[SpanStatus]bool{
		SpanStatusOK:      false,
		SpanStatusSlow:    false,
		SpanStatusError:   true,
		SpanStatusFailure: true,
	} {
		if got := status.IsError(); got != want {
			t.Errorf("%s.IsError() = %v, want %v", status, got, want)
		}
	}
}
