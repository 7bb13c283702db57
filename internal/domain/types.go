package domain

import (
	"encoding/json"
	"time"
)

type RecurrenceKind string

const (
	OneOff   RecurrenceKind = "one_off"
	DailyAt  RecurrenceKind = "daily_at"
	WeeklyAt RecurrenceKind = "weekly_at"
	CronExpr RecurrenceKind = "cron_expr"
)

func (k RecurrenceKind) Valid() bool {
	switch k {
	case OneOff, DailyAt, WeeklyAt, CronExpr:
		return true
	}
	return false
}

type ScheduleStatus string

const (
	StatusActive    ScheduleStatus = "active"
	StatusPaused    ScheduleStatus = "paused"
	StatusCompleted ScheduleStatus = "completed"
	StatusCanceled  ScheduleStatus = "canceled"
)

// Schedule is a recurring or one-shot intent to run a command.
// NextRunAt == nil means no further runs.
type Schedule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Command         string          `json:"command"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RecurrenceKind  RecurrenceKind  `json:"recurrence_kind"`
	RecurrenceValue string          `json:"recurrence_value,omitempty"`
	Timezone        string          `json:"timezone"`
	NextRunAt       *time.Time      `json:"next_run_at"`
	LastRunAt       *time.Time      `json:"last_run_at"`
	Status          ScheduleStatus  `json:"status"`
	RunCount        int             `json:"run_count"`
	MaxRuns         int             `json:"max_runs,omitempty"` // 0 = uncapped
	LockedAt        *time.Time      `json:"locked_at,omitempty"`
	LockOwner       string          `json:"lock_owner,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsDue reports whether s should fire at now.
func (s Schedule) IsDue(now time.Time) bool {
	return s.Status == StatusActive && s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// Claimable reports whether s carries no lock or only a lock older than staleAfter.
func (s Schedule) Claimable(now time.Time, staleAfter time.Duration) bool {
	return s.LockedAt == nil || s.LockedAt.Before(now.Add(-staleAfter))
}

type RunStatus string

const (
	RunQueued  RunStatus = "queued"
	RunRunning RunStatus = "running"
	RunOK      RunStatus = "ok"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

func (s RunStatus) Terminal() bool {
	return s == RunOK || s == RunFailed || s == RunSkipped
}

// Predecessors lists the states a run may move to s from.
func (s RunStatus) Predecessors() []RunStatus {
	switch s {
	case RunRunning, RunSkipped:
		return []RunStatus{RunQueued}
	case RunOK, RunFailed:
		return []RunStatus{RunRunning}
	}
	return nil
}

func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, from := range to.Predecessors() {
		if from == s {
			return true
		}
	}
	return false
}

// Run is one firing attempt of a schedule. (ScheduleID, PlannedRunAt) is unique.
type Run struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id"`
	PlannedRunAt time.Time  `json:"planned_run_at"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Invocation is what an execution backend receives for a run.
type Invocation struct {
	RunID        string          `json:"run_id"`
	ScheduleID   string          `json:"schedule_id"`
	Command      string          `json:"command"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PlannedRunAt time.Time       `json:"planned_run_at"`
}
