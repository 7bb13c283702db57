// Package store persists schedules and runs and provides the atomic
// claim/release and idempotent run-creation primitives the dispatcher
// relies on for multi-process safety.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tickflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrClaimLost         = errors.New("claim lost")
	ErrDuplicateRun      = errors.New("run already exists for planned slot")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// ScheduleStore is the dispatcher's view of schedules.
type ScheduleStore interface {
	// FindDue returns up to limit active schedules with next_run_at <= now whose
	// lock is absent or older than staleAfter, oldest-due first.
	FindDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]domain.Schedule, error)
	// TryClaim atomically re-checks that the schedule is due and claimable and
	// locks it for owner. It returns the fresh record, or ErrClaimLost.
	TryClaim(ctx context.Context, id, owner string, now time.Time, staleAfter time.Duration) (domain.Schedule, error)
	// Release clears the lock if owner still holds it.
	Release(ctx context.Context, id, owner string) error
	// Update persists the bookkeeping fields of s. It fails with ErrClaimLost
	// unless s.LockOwner still holds the lock, and only moves status from
	// active, so a concurrent pause or cancel is preserved.
	Update(ctx context.Context, s domain.Schedule) error
}

// RunStore records firing attempts.
type RunStore interface {
	// CreateIfAbsent inserts a queued run for (scheduleID, plannedRunAt) or
	// returns ErrDuplicateRun when one exists.
	CreateIfAbsent(ctx context.Context, scheduleID string, plannedRunAt time.Time) (domain.Run, error)
	// Transition moves a run along the run state machine. Terminal runs are immutable.
	Transition(ctx context.Context, runID string, to domain.RunStatus, errMsg string, at time.Time) error
}

type Repository interface {
	ScheduleStore
	RunStore

	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	// SetState is the administrative status change used by pause/resume/cancel.
	SetState(ctx context.Context, id string, status domain.ScheduleStatus, nextRunAt *time.Time) error
	DeleteSchedule(ctx context.Context, id string) error

	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error)
	// RecoverStaleRuns skips queued runs created before queuedBefore and fails
	// running runs started before runningBefore.
	RecoverStaleRuns(ctx context.Context, queuedBefore, runningBefore, now time.Time) (int, error)

	Close() error
}

const abandonedRunError = "abandoned"

func runID() string { return "run_" + newID() }

func scheduleID() string { return "sch_" + newID() }

func newID() string { return uuid.NewString() }
