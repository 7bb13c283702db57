package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tickflow/internal/domain"
)

// Timestamps are stored as fixed-width UTC text so that lexical order in
// SQL comparisons equals chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL DEFAULT '',
  command TEXT NOT NULL,
  payload BLOB,
  recurrence_kind TEXT NOT NULL CHECK(recurrence_kind IN ('one_off','daily_at','weekly_at','cron_expr')),
  recurrence_value TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT 'UTC',
  next_run_at TEXT,
  last_run_at TEXT,
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','canceled')) DEFAULT 'active',
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runs INTEGER NOT NULL DEFAULT 0,
  locked_at TEXT,
  lock_owner TEXT,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at);
CREATE TABLE IF NOT EXISTS schedule_runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  planned_run_at TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('queued','running','ok','failed','skipped')) DEFAULT 'queued',
  started_at TEXT,
  finished_at TEXT,
  error TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  UNIQUE(schedule_id, planned_run_at)
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON schedule_runs(status, created_at);
`

const scheduleCols = `id,name,command,payload,recurrence_kind,recurrence_value,timezone,next_run_at,last_run_at,status,run_count,max_runs,locked_at,lock_owner,last_error,created_at,updated_at`

const runCols = `id,schedule_id,planned_run_at,status,started_at,finished_at,error,created_at`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(sqliteSchema)
	return err
}

// OpenSQLite opens (creating if needed) the database at path with WAL and a
// busy timeout, and migrates the schema.
func OpenSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ensure schema: %w", err)
	}
	return db, nil
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

func (r *sqliteRepo) Close() error { return r.db.Close() }

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

func parseNullTS(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTS(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		s                             domain.Schedule
		kind, status                  string
		next, last, locked, lockOwner sql.NullString
		createdAt, updatedAt          string
		payload                       []byte
	)
	if err := row.Scan(&s.ID, &s.Name, &s.Command, &payload, &kind, &s.RecurrenceValue, &s.Timezone,
		&next, &last, &status, &s.RunCount, &s.MaxRuns, &locked, &lockOwner, &s.LastError, &createdAt, &updatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if len(payload) > 0 {
		s.Payload = payload
	}
	s.RecurrenceKind = domain.RecurrenceKind(kind)
	s.Status = domain.ScheduleStatus(status)
	s.LockOwner = lockOwner.String
	var err error
	if s.NextRunAt, err = parseNullTS(next); err != nil {
		return domain.Schedule{}, err
	}
	if s.LastRunAt, err = parseNullTS(last); err != nil {
		return domain.Schedule{}, err
	}
	if s.LockedAt, err = parseNullTS(locked); err != nil {
		return domain.Schedule{}, err
	}
	if s.CreatedAt, err = parseTS(createdAt); err != nil {
		return domain.Schedule{}, err
	}
	if s.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func scanRun(row rowScanner) (domain.Run, error) {
	var (
		run                domain.Run
		planned, createdAt string
		status             string
		started, finished  sql.NullString
	)
	if err := row.Scan(&run.ID, &run.ScheduleID, &planned, &status, &started, &finished, &run.Error, &createdAt); err != nil {
		return domain.Run{}, err
	}
	run.Status = domain.RunStatus(status)
	var err error
	if run.PlannedRunAt, err = parseTS(planned); err != nil {
		return domain.Run{}, err
	}
	if run.CreatedAt, err = parseTS(createdAt); err != nil {
		return domain.Run{}, err
	}
	if run.StartedAt, err = parseNullTS(started); err != nil {
		return domain.Run{}, err
	}
	if run.FinishedAt, err = parseNullTS(finished); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

func (r *sqliteRepo) FindDue(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+`
FROM schedules
WHERE status='active' AND next_run_at IS NOT NULL AND next_run_at <= ?
  AND (locked_at IS NULL OR locked_at < ?)
ORDER BY next_run_at ASC
LIMIT ?`, ts(now), ts(now.Add(-staleAfter)), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) TryClaim(ctx context.Context, id, owner string, now time.Time, staleAfter time.Duration) (s domain.Schedule, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Schedule{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// The conditional write is the compare-and-set: only one claimant can
	// match the unlocked-or-stale predicate.
	res, err := tx.ExecContext(ctx, `
UPDATE schedules SET locked_at=?, lock_owner=?
WHERE id=? AND status='active' AND next_run_at IS NOT NULL AND next_run_at <= ?
  AND (locked_at IS NULL OR locked_at < ?)`,
		ts(now), owner, id, ts(now), ts(now.Add(-staleAfter)))
	if err != nil {
		return domain.Schedule{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrClaimLost
		return domain.Schedule{}, err
	}

	s, err = scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id))
	if err != nil {
		return domain.Schedule{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Schedule{}, err
	}
	return s, nil
}

func (r *sqliteRepo) Release(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET locked_at=NULL, lock_owner=NULL WHERE id=? AND lock_owner=?`, id, owner)
	return err
}

func (r *sqliteRepo) Update(ctx context.Context, s domain.Schedule) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules
SET next_run_at=?, last_run_at=?, run_count=?, last_error=?,
    status = CASE WHEN status='active' THEN ? ELSE status END,
    updated_at=?
WHERE id=? AND lock_owner=?`,
		nullTS(s.NextRunAt), nullTS(s.LastRunAt), s.RunCount, s.LastError, string(s.Status), ts(r.now()), s.ID, s.LockOwner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *sqliteRepo) CreateIfAbsent(ctx context.Context, scheduleID string, plannedRunAt time.Time) (domain.Run, error) {
	run := domain.Run{
		ID:           runID(),
		ScheduleID:   scheduleID,
		PlannedRunAt: plannedRunAt.UTC(),
		Status:       domain.RunQueued,
		CreatedAt:    r.now().UTC(),
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO schedule_runs (id,schedule_id,planned_run_at,status,error,created_at)
VALUES (?,?,?,'queued','',?)
ON CONFLICT(schedule_id, planned_run_at) DO NOTHING`,
		run.ID, run.ScheduleID, ts(run.PlannedRunAt), ts(run.CreatedAt))
	if err != nil {
		return domain.Run{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Run{}, ErrDuplicateRun
	}
	return run, nil
}

func (r *sqliteRepo) Transition(ctx context.Context, id string, to domain.RunStatus, errMsg string, at time.Time) error {
	froms := to.Predecessors()
	if len(froms) == 0 {
		return fmt.Errorf("%w: cannot enter %q", ErrInvalidTransition, to)
	}
	args := []any{string(to), string(to), ts(at), to.Terminal(), ts(at), errMsg, id}
	for _, f := range froms {
		args = append(args, string(f))
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedule_runs
SET status=?,
    started_at = CASE WHEN ?='running' THEN ? ELSE started_at END,
    finished_at = CASE WHEN ? THEN ? ELSE finished_at END,
    error=?
WHERE id=? AND status IN (`+placeholders(len(froms))+`)`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		cur, err := r.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r *sqliteRepo) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
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
	now := ts(r.now())
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (id,name,command,payload,recurrence_kind,recurrence_value,timezone,next_run_at,last_run_at,status,run_count,max_runs,locked_at,lock_owner,last_error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		id, s.Name, s.Command, []byte(s.Payload), string(s.RecurrenceKind), s.RecurrenceValue, s.Timezone,
		nullTS(s.NextRunAt), nullTS(s.LastRunAt), string(s.Status), s.RunCount, s.MaxRuns,
		nullTS(s.LockedAt), nullStr(s.LockOwner), s.LastError, now, now)
	return id, err
}

func (r *sqliteRepo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	s, err := scanSchedule(r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteRepo) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (r *sqliteRepo) SetState(ctx context.Context, id string, status domain.ScheduleStatus, nextRunAt *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET status=?, next_run_at=?, updated_at=? WHERE id=?`,
		string(status), nullTS(nextRunAt), ts(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DeleteSchedule(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM schedule_runs WHERE schedule_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = ErrNotFound
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM schedule_runs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

func (r *sqliteRepo) ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+runCols+` FROM schedule_runs WHERE schedule_id=? ORDER BY planned_run_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *sqliteRepo) RecoverStaleRuns(ctx context.Context, queuedBefore, runningBefore, now time.Time) (int, error) {
	skipped, err := r.db.ExecContext(ctx, `
UPDATE schedule_runs SET status='skipped', finished_at=?
WHERE status='queued' AND created_at < ?`, ts(now), ts(queuedBefore))
	if err != nil {
		return 0, err
	}
	failed, err := r.db.ExecContext(ctx, `
UPDATE schedule_runs SET status='failed', finished_at=?, error=?
WHERE status='running' AND started_at < ?`, ts(now), abandonedRunError, ts(runningBefore))
	if err != nil {
		return 0, err
	}
	a, _ := skipped.RowsAffected()
	b, _ := failed.RowsAffected()
	return int(a + b), nil
}
