// Package dispatcher advances due schedules. Tick is safe to run from many
// processes against one store: the claim lock keeps workers apart and the
// (schedule, planned instant) uniqueness of runs keeps a slot from firing twice.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
	"tickflow/internal/recurrence"
	"tickflow/internal/store"
)

const (
	DefaultStaleLockTimeout = 5 * time.Minute
	DefaultClaimTimeout     = 5 * time.Second
	DefaultLimit            = 50
)

// Backend hands a run to whatever executes commands. A nil error means the
// work was accepted (and, for synchronous backends, finished successfully).
type Backend interface {
	Dispatch(ctx context.Context, inv domain.Invocation) error
}

// Completer is implemented by backends that finish runs in the background and
// record the terminal run status themselves.
type Completer interface {
	CompletesRuns() bool
}

// Recorder receives per-tick observations. metrics.Collector implements it.
type Recorder interface {
	TickCompleted(elapsed time.Duration, processed, failed int)
	ClaimLost()
	DuplicateRun()
	RunFinished(status domain.RunStatus)
	BacklogAdvance()
}

type nopRecorder struct{}

func (nopRecorder) TickCompleted(time.Duration, int, int) {}
func (nopRecorder) ClaimLost()                            {}
func (nopRecorder) DuplicateRun()                         {}
func (nopRecorder) RunFinished(domain.RunStatus)          {}
func (nopRecorder) BacklogAdvance()                       {}

type Config struct {
	WorkerID         string
	StaleLockTimeout time.Duration
	ClaimTimeout     time.Duration
	Limit            int
}

type Store interface {
	store.ScheduleStore
	store.RunStore
}

type Dispatcher struct {
	store    Store
	backend  Backend
	recorder Recorder
	cfg      Config
	clock    func() time.Time
	log      zerolog.Logger
}

// Result summarises one tick. Errors lists the ids of schedules whose
// processing failed.
type Result struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors"`
}

func New(st Store, backend Backend, rec Recorder, cfg Config) *Dispatcher {
	if cfg.StaleLockTimeout <= 0 {
		cfg.StaleLockTimeout = DefaultStaleLockTimeout
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = DefaultClaimTimeout
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Dispatcher{
		store:    st,
		backend:  backend,
		recorder: rec,
		cfg:      cfg,
		clock:    time.Now,
		log:      log.With().Str("component", "dispatcher").Str("worker", cfg.WorkerID).Logger(),
	}
}

func (d *Dispatcher) WorkerID() string { return d.cfg.WorkerID }

// Tick processes up to limit schedules due at now, oldest-due first. Failures
// are isolated per schedule; only a failure to list due schedules is returned.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time, limit int) (Result, error) {
	if limit <= 0 {
		limit = d.cfg.Limit
	}
	start := d.clock()
	res := Result{Errors: []string{}}

	due, err := d.store.FindDue(ctx, now, d.cfg.StaleLockTimeout, limit)
	if err != nil {
		return res, fmt.Errorf("find due schedules: %w", err)
	}

	for _, cand := range due {
		// Locks are stamped with the moment of the claim, measured on the tick's timeline.
		claimAt := now.Add(d.clock().Sub(start))
		handled, err := d.processSchedule(ctx, cand.ID, now, claimAt)
		if err != nil {
			d.log.Error().Err(err).Str("schedule_id", cand.ID).Msg("failed to process schedule")
			res.Errors = append(res.Errors, cand.ID)
			continue
		}
		if handled {
			res.Processed++
		}
	}

	d.recorder.TickCompleted(d.clock().Sub(start), res.Processed, len(res.Errors))
	d.log.Debug().Int("due", len(due)).Int("processed", res.Processed).Int("errors", len(res.Errors)).Msg("tick finished")
	return res, nil
}

// processSchedule claims one schedule and, if the claim holds, fires it.
// handled is false when another worker owns the schedule.
func (d *Dispatcher) processSchedule(ctx context.Context, id string, now, claimAt time.Time) (handled bool, err error) {
	claimCtx, cancel := context.WithTimeout(ctx, d.cfg.ClaimTimeout)
	s, err := d.store.TryClaim(claimCtx, id, d.cfg.WorkerID, claimAt, d.cfg.StaleLockTimeout)
	cancel()
	switch {
	case errors.Is(err, store.ErrClaimLost):
		d.recorder.ClaimLost()
		d.log.Debug().Str("schedule_id", id).Msg("claim lost")
		return false, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		d.log.Warn().Str("schedule_id", id).Dur("timeout", d.cfg.ClaimTimeout).Msg("claim timed out; retrying next tick")
		return false, nil
	case err != nil:
		return false, fmt.Errorf("claim: %w", err)
	}

	defer d.release(ctx, s.ID)

	if err := d.fire(ctx, s, now); err != nil {
		return true, err
	}
	return true, nil
}

func (d *Dispatcher) release(ctx context.Context, id string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ClaimTimeout)
	defer cancel()
	if err := d.store.Release(relCtx, id, d.cfg.WorkerID); err != nil {
		// the lock expires after StaleLockTimeout
		d.log.Error().Err(err).Str("schedule_id", id).Msg("failed to release claim")
	}
}

// fire records the run for the claimed slot, hands it off and advances the schedule.
func (d *Dispatcher) fire(ctx context.Context, s domain.Schedule, now time.Time) error {
	planned := *s.NextRunAt

	run, err := d.store.CreateIfAbsent(ctx, s.ID, planned)
	switch {
	case errors.Is(err, store.ErrDuplicateRun):
		// An earlier claimant recorded this slot but never advanced the schedule.
		d.recorder.DuplicateRun()
		d.log.Debug().Str("schedule_id", s.ID).Time("planned_run_at", planned).Msg("run already recorded for slot")
	case err != nil:
		return fmt.Errorf("create run: %w", err)
	default:
		if err := d.handOff(ctx, s, run); err != nil {
			return err
		}
	}

	s.LastRunAt = &planned
	s.RunCount++
	calcErr := d.advance(&s, planned, now)

	if err := d.store.Update(ctx, s); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			d.recorder.ClaimLost()
			d.log.Warn().Str("schedule_id", s.ID).Msg("claim taken over before update; leaving advance to new owner")
			return nil
		}
		return fmt.Errorf("update schedule: %w", err)
	}
	if calcErr != nil {
		return fmt.Errorf("compute next run: %w", calcErr)
	}
	return nil
}

// advance sets the next slot, completing the schedule when it has no more runs.
// The reference instant is the slot just fired, not now, so slots never drift.
func (d *Dispatcher) advance(s *domain.Schedule, planned, now time.Time) error {
	if s.RecurrenceKind == domain.OneOff || (s.MaxRuns > 0 && s.RunCount >= s.MaxRuns) {
		s.Status = domain.StatusCompleted
		s.NextRunAt = nil
		s.LastError = ""
		return nil
	}

	next, ok, err := recurrence.Next(s.RecurrenceKind, s.RecurrenceValue, s.Timezone, planned)
	if err != nil {
		// Left active without a next slot until someone corrects the recurrence.
		s.NextRunAt = nil
		s.LastError = err.Error()
		return err
	}
	if !ok {
		s.Status = domain.StatusCompleted
		s.NextRunAt = nil
		return nil
	}
	s.NextRunAt = &next
	s.LastError = ""
	if !next.After(now) {
		d.recorder.BacklogAdvance()
		d.log.Warn().Str("schedule_id", s.ID).Time("next_run_at", next).Msg("schedule is behind; next slot already due")
	}
	return nil
}

// handOff moves the run to running and dispatches it. A dispatch failure is
// recorded on the run only; the schedule still advances.
func (d *Dispatcher) handOff(ctx context.Context, s domain.Schedule, run domain.Run) error {
	if err := d.store.Transition(ctx, run.ID, domain.RunRunning, "", d.clock()); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	inv := domain.Invocation{
		RunID:        run.ID,
		ScheduleID:   s.ID,
		Command:      s.Command,
		Payload:      s.Payload,
		PlannedRunAt: run.PlannedRunAt,
	}
	if err := d.backend.Dispatch(ctx, inv); err != nil {
		d.log.Warn().Err(err).Str("schedule_id", s.ID).Str("run_id", run.ID).Str("command", s.Command).Msg("dispatch failed")
		d.finish(ctx, run.ID, domain.RunFailed, err.Error())
		return nil
	}
	if c, ok := d.backend.(Completer); ok && c.CompletesRuns() {
		return nil
	}
	d.finish(ctx, run.ID, domain.RunOK, "")
	return nil
}

func (d *Dispatcher) finish(ctx context.Context, runID string, status domain.RunStatus, errMsg string) {
	d.recorder.RunFinished(status)
	if err := d.store.Transition(ctx, runID, status, errMsg, d.clock()); err != nil {
		d.log.Error().Err(err).Str("run_id", runID).Str("status", string(status)).Msg("failed to record run outcome")
	}
}
