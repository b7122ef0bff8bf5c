package domain

import (
	"encoding/json"
	"time"
)

// Queue item statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
	StatusCancelled  = "cancelled"
)

// Priorities used by the detector and ad hoc submissions. Higher runs first.
const (
	PriorityDefault   = 5
	PriorityScheduled = 10
)

// IsTerminal reports whether a queue item in this status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Integration is an opaque post-completion hook attached to a Schedule.
type Integration struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"parameters,omitempty"`
}

type Schedule struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Query        string        `json:"query"`
	TargetCount  int           `json:"target_count"`
	Verify       bool          `json:"verify"`
	Interval     time.Duration `json:"interval"`
	CronExpr     string        `json:"cron_expr,omitempty"`
	NextRun      time.Time     `json:"next_run"`
	LastRun      *time.Time    `json:"last_run,omitempty"`
	Enabled      bool          `json:"enabled"`
	Integrations []Integration `json:"integrations"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SchedulePatch carries the fields of an UpdateSchedule call. Nil means unchanged.
type SchedulePatch struct {
	Name         *string
	Query        *string
	TargetCount  *int
	Verify       *bool
	Interval     *time.Duration
	CronExpr     *string
	NextRun      *time.Time
	Enabled      *bool
	Integrations *[]Integration
}

// Empty reports whether the patch changes nothing.
func (p SchedulePatch) Empty() bool {
	return p.Name == nil && p.Query == nil && p.TargetCount == nil && p.Verify == nil &&
		p.Interval == nil && p.CronExpr == nil && p.NextRun == nil && p.Enabled == nil &&
		p.Integrations == nil
}

type QueueItem struct {
	ID            string     `json:"id"`
	Query         string     `json:"query"`
	TargetCount   int        `json:"target_count"`
	Verify        bool       `json:"verify"`
	Priority      int        `json:"priority"`
	Status        string     `json:"status"`
	ScheduleID    *string    `json:"schedule_id,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	Attempt       int        `json:"attempt"`
	ParentID      *string    `json:"parent_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ResultHandle  string     `json:"result_handle,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

type HistoryRecord struct {
	ID           string    `json:"id"`
	ScheduleID   *string   `json:"schedule_id,omitempty"`
	QueueID      string    `json:"queue_id"`
	Query        string    `json:"query"`
	FoundCount   int       `json:"found_count"`
	RawCount     int       `json:"raw_count"`
	ResultHandle string    `json:"result_handle,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Record is one business entity returned by a provider.
type Record struct {
	Name       string         `json:"name"`
	Address    string         `json:"address"`
	Phone      string         `json:"phone,omitempty"`
	Website    string         `json:"website,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}
