package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tickflow/internal/domain"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  command TEXT NOT NULL,
  payload JSONB,
  recurrence_kind TEXT NOT NULL CHECK (recurrence_kind IN ('one_off','daily_at','weekly_at','cron_expr')),
  recurrence_value TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT 'UTC',
  next_run_at TIMESTAMPTZ,
  last_run_at TIMESTAMPTZ,
  status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','paused','completed','canceled')),
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runs INTEGER NOT NULL DEFAULT 0,
  locked_at TIMESTAMPTZ,
  lock_owner TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (status, next_run_at);
CREATE TABLE IF NOT EXISTS schedule_runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
  planned_run_at TIMESTAMPTZ NOT NULL,
  status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued','running','ok','failed','skipped')),
  started_at TIMESTAMPTZ,
  finished_at TIMESTAMPTZ,
  error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (schedule_id, planned_run_at)
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON schedule_runs (status, created_at);
`

// OpenPostgres connects a pool, pings it and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return pool, nil
}

type postgresRepo struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresRepo(pool *pgxpool.Pool) Repository {
	return &postgresRepo{pool: pool, now: time.Now}
}

func (r *postgresRepo) Close() error {
	r.pool.Close()
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func pgScanSchedule(row pgx.Row) (domain.Schedule, error) {
	var (
		s            domain.Schedule
		kind, status string
		lockOwner    *string
		payload      []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Command, &payload, &kind, &s.RecurrenceValue, &s.Timezone,
		&s.NextRunAt, &s.LastRunAt, &status, &s.RunCount, &s.MaxRuns, &s.LockedAt, &lockOwner, &s.LastError,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if len(payload) > 0 {
		s.Payload = payload
	}
	if lockOwner != nil {
		s.LockOwner = *lockOwner
	}
	s.RecurrenceKind = domain.RecurrenceKind(kind)
	s.Status = domain.ScheduleStatus(status)
	s.NextRunAt = utcPtr(s.NextRunAt)
	s.LastRunAt = utcPtr(s.LastRunAt)
	s.LockedAt = utcPtr(s.LockedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func pgScanRun(row pgx.Row) (domain.Run, error) {
	var (
		run    domain.Run
		status string
	)
	if err := row.Scan(&run.ID, &run.ScheduleID, &run.PlannedRunAt, &status, &run.StartedAt, &run.FinishedAt,
		&run.Error, &run.CreatedAt); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	run.PlannedRunAt = run.PlannedRunAt.UTC()
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = utcPtr(run.StartedAt)
	run.FinishedAt = utcPtr(run.FinishedAt)
	return run, nil
}

func (r *postgresRepo) querySchedules(ctx context.Context, sql string, args ...any) ([]domain.Schedule, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := pgScanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *postgresRepo) FindDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `
SELECT `+scheduleCols+`
FROM schedules
WHERE status='active' AND next_run_at IS NOT NULL AND next_run_at <= $1
  AND (locked_at IS NULL OR locked_at < $2)
ORDER BY next_run_at ASC
LIMIT $3`, now, now.Add(-staleAfter), limit)
}

// TryClaim row-locks the schedule, re-checks it under the lock and stamps the claim.
func (r *postgresRepo) TryClaim(ctx context.Context, id, owner string, now time.Time, staleAfter time.Duration) (domain.Schedule, error) {
	var claimed domain.Schedule
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := pgScanSchedule(tx.QueryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}
		if !s.IsDue(now) || !s.Claimable(now, staleAfter) {
			return ErrClaimLost
		}
		if _, err := tx.Exec(ctx, `UPDATE schedules SET locked_at=$1, lock_owner=$2 WHERE id=$3`, now, owner, id); err != nil {
			return err
		}
		lockedAt := now.UTC()
		s.LockedAt = &lockedAt
		s.LockOwner = owner
		claimed = s
		return nil
	})
	if err != nil {
		return domain.Schedule{}, err
	}
	return claimed, nil
}

func (r *postgresRepo) Release(ctx context.Context, id, owner string) error {
	_, err := r.pool.Exec(ctx, `UPDATE schedules SET locked_at=NULL, lock_owner=NULL WHERE id=$1 AND lock_owner=$2`, id, owner)
	return err
}

func (r *postgresRepo) Update(ctx context.Context, s domain.Schedule) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE schedules
SET next_run_at=$1, last_run_at=$2, run_count=$3, last_error=$4,
    status = CASE WHEN status='active' THEN $5 ELSE status END,
    updated_at=$6
WHERE id=$7 AND lock_owner=$8`,
		s.NextRunAt, s.LastRunAt, s.RunCount, s.LastError, string(s.Status), r.now(), s.ID, s.LockOwner)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *postgresRepo) CreateIfAbsent(ctx context.Context, scheduleID string, plannedRunAt time.Time) (domain.Run, error) {
	run, err := pgScanRun(r.pool.QueryRow(ctx, `
INSERT INTO schedule_runs (id,schedule_id,planned_run_at,status,error,created_at)
VALUES ($1,$2,$3,'queued','',$4)
ON CONFLICT (schedule_id, planned_run_at) DO NOTHING
RETURNING `+runCols, runID(), scheduleID, plannedRunAt, r.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, ErrDuplicateRun
	}
	return run, err
}

func (r *postgresRepo) Transition(ctx context.Context, id string, to domain.RunStatus, errMsg string, at time.Time) error {
	froms := to.Predecessors()
	if len(froms) == 0 {
		return fmt.Errorf("%w: cannot enter %q", ErrInvalidTransition, to)
	}
	fromStrs := make([]string, 0, len(froms))
	for _, f := range froms {
		fromStrs = append(fromStrs, string(f))
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE schedule_runs
SET status=$1::text,
    started_at = CASE WHEN $1::text='running' THEN $2 ELSE started_at END,
    finished_at = CASE WHEN $3 THEN $2 ELSE finished_at END,
    error=$4
WHERE id=$5 AND status = ANY($6)`, string(to), at, to.Terminal(), errMsg, id, fromStrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		cur, err := r.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return nil
}

func (r *postgresRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = scheduleID()
	}
	if s.Status == "" {
		s.Status = domain.StatusActive
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	now := r.now()
	_, err := r.pool.Exec(ctx, `
INSERT INTO schedules (id,name,command,payload,recurrence_kind,recurrence_value,timezone,next_run_at,last_run_at,status,run_count,max_runs,locked_at,lock_owner,last_error,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)`,
		id, s.Name, s.Command, nullBytes(s.Payload), string(s.RecurrenceKind), s.RecurrenceValue, s.Timezone,
		s.NextRunAt, s.LastRunAt, string(s.Status), s.RunCount, s.MaxRuns, s.LockedAt, nullStr(s.LockOwner), s.LastError, now)
	return id, err
}

func (r *postgresRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := pgScanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *postgresRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return r.querySchedules(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at, id`)
}

func (r *postgresRepo) SetState(ctx context.Context, id string, status domain.ScheduleStatus, nextRunAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE schedules SET status=$1, next_run_at=$2, updated_at=$3 WHERE id=$4`,
		string(status), nextRunAt, r.now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepo) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := pgScanRun(r.pool.QueryRow(ctx, `SELECT `+runCols+` FROM schedule_runs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

func (r *postgresRepo) ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+runCols+` FROM schedule_runs WHERE schedule_id=$1 ORDER BY planned_run_at DESC LIMIT $2`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := pgScanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *postgresRepo) RecoverStaleRuns(ctx context.Context, queuedBefore, runningBefore, now time.Time) (int, error) {
	skipped, err := r.pool.Exec(ctx, `
UPDATE schedule_runs SET status='skipped', finished_at=$1
WHERE status='queued' AND created_at < $2`, now, queuedBefore)
	if err != nil {
		return 0, err
	}
	failed, err := r.pool.Exec(ctx, `
UPDATE schedule_runs SET status='failed', finished_at=$1, error=$2
WHERE status='running' AND started_at < $3`, now, abandonedRunError, runningBefore)
	if err != nil {
		return 0, err
	}
	return int(skipped.RowsAffected() + failed.RowsAffected()), nil
}
