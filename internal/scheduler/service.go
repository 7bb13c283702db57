// Package scheduler owns schedule administration and drives the dispatcher
// from a periodic trigger.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickflow/internal/dispatcher"
	"tickflow/internal/domain"
	"tickflow/internal/recurrence"
	"tickflow/internal/store"
)

var (
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrInvalidState    = errors.New("schedule is not in a state that allows this")
)

type Options struct {
	// Trigger is a robfig/cron spec, e.g. "@every 1m" or "*/1 * * * *".
	Trigger          string
	Limit            int
	StaleLockTimeout time.Duration
	RunTimeout       time.Duration
}

type Service struct {
	repo  store.Repository
	disp  *dispatcher.Dispatcher
	opts  Options
	clock func() time.Time
	log   zerolog.Logger
}

func NewService(repo store.Repository, disp *dispatcher.Dispatcher, opts Options) *Service {
	if opts.Trigger == "" {
		opts.Trigger = "@every 1m"
	}
	if opts.Limit <= 0 {
		opts.Limit = dispatcher.DefaultLimit
	}
	if opts.StaleLockTimeout <= 0 {
		opts.StaleLockTimeout = dispatcher.DefaultStaleLockTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = time.Hour
	}
	return &Service{
		repo:  repo,
		disp:  disp,
		opts:  opts,
		clock: time.Now,
		log:   log.With().Str("component", "scheduler").Logger(),
	}
}

// Start ticks on the trigger until ctx is done. A tick that overruns the
// trigger period delays the next one instead of overlapping it.
func (s *Service) Start(ctx context.Context) error {
	logger := cronLogger{s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(s.opts.Trigger, func() {
		if _, err := s.TickOnce(ctx, s.clock(), s.opts.Limit); err != nil {
			s.log.Error().Err(err).Msg("tick failed")
		}
	}); err != nil {
		return fmt.Errorf("trigger %q: %w", s.opts.Trigger, err)
	}

	s.log.Info().Str("trigger", s.opts.Trigger).Str("worker", s.disp.WorkerID()).Msg("schedule service started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Info().Msg("schedule service stopped")
	return nil
}

// TickOnce recovers abandoned runs and then dispatches due schedules.
func (s *Service) TickOnce(ctx context.Context, now time.Time, limit int) (dispatcher.Result, error) {
	if limit <= 0 {
		limit = s.opts.Limit
	}
	n, err := s.repo.RecoverStaleRuns(ctx, now.Add(-s.opts.StaleLockTimeout), now.Add(-s.opts.RunTimeout), now)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to recover stale runs")
	} else if n > 0 {
		s.log.Info().Int("recovered", n).Msg("recovered stale runs")
	}
	return s.disp.Tick(ctx, now, limit)
}

// NewSchedule is the caller-supplied part of a schedule.
type NewSchedule struct {
	Name            string                `json:"name"`
	Command         string                `json:"command"`
	Payload         json.RawMessage       `json:"payload,omitempty"`
	RecurrenceKind  domain.RecurrenceKind `json:"recurrence_kind"`
	RecurrenceValue string                `json:"recurrence_value,omitempty"`
	Timezone        string                `json:"timezone,omitempty"`
	// RunAt is the target instant of a one_off schedule. For recurring kinds
	// it optionally overrides the computed first slot.
	RunAt   *time.Time `json:"run_at,omitempty"`
	MaxRuns int        `json:"max_runs,omitempty"`
}

func (s *Service) CreateSchedule(ctx context.Context, req NewSchedule) (domain.Schedule, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Command = strings.TrimSpace(req.Command)
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	switch {
	case req.Command == "":
		return domain.Schedule{}, fmt.Errorf("%w: command is required", ErrInvalidSchedule)
	case !req.RecurrenceKind.Valid():
		return domain.Schedule{}, fmt.Errorf("%w: unknown recurrence_kind %q", ErrInvalidSchedule, req.RecurrenceKind)
	case req.RecurrenceKind == domain.OneOff && req.RunAt == nil:
		return domain.Schedule{}, fmt.Errorf("%w: one_off requires run_at", ErrInvalidSchedule)
	case req.MaxRuns < 0:
		return domain.Schedule{}, fmt.Errorf("%w: max_runs must not be negative", ErrInvalidSchedule)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return domain.Schedule{}, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidSchedule)
	}
	if err := recurrence.Validate(req.RecurrenceKind, req.RecurrenceValue, req.Timezone); err != nil {
		return domain.Schedule{}, err
	}

	next := req.RunAt
	if next == nil {
		t, _, err := recurrence.Next(req.RecurrenceKind, req.RecurrenceValue, req.Timezone, s.clock())
		if err != nil {
			return domain.Schedule{}, err
		}
		next = &t
	}
	utc := next.UTC()

	sch := domain.Schedule{
		Name:            req.Name,
		Command:         req.Command,
		Payload:         req.Payload,
		RecurrenceKind:  req.RecurrenceKind,
		RecurrenceValue: req.RecurrenceValue,
		Timezone:        req.Timezone,
		NextRunAt:       &utc,
		Status:          domain.StatusActive,
		MaxRuns:         req.MaxRuns,
	}
	id, err := s.repo.CreateSchedule(ctx, sch)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.log.Info().Str("schedule_id", id).Str("kind", string(sch.RecurrenceKind)).Time("next_run_at", utc).Msg("schedule created")
	return s.repo.GetSchedule(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Schedule, error) {
	return s.repo.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Schedule, error) {
	return s.repo.ListSchedules(ctx)
}

func (s *Service) Runs(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error) {
	if _, err := s.repo.GetSchedule(ctx, scheduleID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListRuns(ctx, scheduleID, limit)
}

func (s *Service) Run(ctx context.Context, id string) (domain.Run, error) {
	return s.repo.GetRun(ctx, id)
}

// Pause stops firing but keeps the pending slot.
func (s *Service) Pause(ctx context.Context, id string) (domain.Schedule, error) {
	sch, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sch.Status != domain.StatusActive {
		return domain.Schedule{}, fmt.Errorf("%w: pause %s schedule", ErrInvalidState, sch.Status)
	}
	return s.setState(ctx, id, domain.StatusPaused, sch.NextRunAt)
}

// Resume reactivates a paused schedule. Recurring schedules continue from the
// next slot after now; slots missed while paused are not replayed.
func (s *Service) Resume(ctx context.Context, id string) (domain.Schedule, error) {
	sch, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sch.Status != domain.StatusPaused {
		return domain.Schedule{}, fmt.Errorf("%w: resume %s schedule", ErrInvalidState, sch.Status)
	}
	next := sch.NextRunAt
	if sch.RecurrenceKind != domain.OneOff {
		t, _, err := recurrence.Next(sch.RecurrenceKind, sch.RecurrenceValue, sch.Timezone, s.clock())
		if err != nil {
			return domain.Schedule{}, err
		}
		next = &t
	}
	return s.setState(ctx, id, domain.StatusActive, next)
}

func (s *Service) Cancel(ctx context.Context, id string) (domain.Schedule, error) {
	sch, err := s.repo.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sch.Status != domain.StatusActive && sch.Status != domain.StatusPaused {
		return domain.Schedule{}, fmt.Errorf("%w: cancel %s schedule", ErrInvalidState, sch.Status)
	}
	return s.setState(ctx, id, domain.StatusCanceled, nil)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("schedule_id", id).Msg("schedule deleted")
	return nil
}

func (s *Service) setState(ctx context.Context, id string, status domain.ScheduleStatus, next *time.Time) (domain.Schedule, error) {
	if err := s.repo.SetState(ctx, id, status, next); err != nil {
		return domain.Schedule{}, err
	}
	s.log.Info().Str("schedule_id", id).Str("status", string(status)).Msg("schedule state changed")
	return s.repo.GetSchedule(ctx, id)
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ l zerolog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
