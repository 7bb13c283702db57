package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

// Runs against a disposable database named by TICKFLOW_POSTGRES_DSN.
func TestPostgresClaimAndIdempotentRuns(t *testing.T) {
	dsn := os.Getenv("TICKFLOW_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TICKFLOW_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	r := NewPostgresRepo(pool)
	t.Cleanup(func() { _ = r.Close() })

	now := time.Now().UTC().Truncate(time.Second)
	next := now.Add(-time.Minute)
	id, err := r.CreateSchedule(ctx, domain.Schedule{
		Command:         "shell",
		RecurrenceKind:  domain.CronExpr,
		RecurrenceValue: "* * * * *",
		NextRunAt:       &next,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.DeleteSchedule(context.Background(), id) })

	s, err := r.TryClaim(ctx, id, "w1", now, 5*time.Minute)
	require.NoError(t, err)
	_, err = r.TryClaim(ctx, id, "w2", now, 5*time.Minute)
	assert.ErrorIs(t, err, ErrClaimLost)

	run, err := r.CreateIfAbsent(ctx, id, *s.NextRunAt)
	require.NoError(t, err)
	_, err = r.CreateIfAbsent(ctx, id, *s.NextRunAt)
	assert.ErrorIs(t, err, ErrDuplicateRun)

	require.NoError(t, r.Transition(ctx, run.ID, domain.RunRunning, "", now))
	require.NoError(t, r.Transition(ctx, run.ID, domain.RunOK, "", now))
	assert.ErrorIs(t, r.Transition(ctx, run.ID, domain.RunFailed, "late", now), ErrInvalidTransition)

	s.RunCount = 1
	s.LastRunAt = s.NextRunAt
	advanced := next.Add(time.Minute)
	s.NextRunAt = &advanced
	require.NoError(t, r.Update(ctx, s))
	require.NoError(t, r.Release(ctx, id, "w1"))

	got, err := r.GetSchedule(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.Empty(t, got.LockOwner)
}
