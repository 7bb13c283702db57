package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
	"tickflow/internal/store"
)

func noBackoff(int) time.Duration { return 0 }

func TestRegistryDispatchesByCommand(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	var got domain.Invocation
	r.Register("echo", HandlerFunc(func(_ context.Context, inv domain.Invocation) error {
		got = inv
		return nil
	}))

	inv := domain.Invocation{RunID: "run_1", ScheduleID: "sch_1", Command: "echo"}
	require.NoError(t, r.Dispatch(context.Background(), inv))
	assert.Equal(t, inv, got)
	assert.Equal(t, []string{"echo"}, r.Commands())
}

func TestRegistryUnknownCommand(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	err := r.Dispatch(context.Background(), domain.Invocation{Command: "missing"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRegistryRetriesUntilSuccess(t *testing.T) {
	r := NewRegistry(time.Second, 2)
	r.backoff = noBackoff
	var calls int32
	r.Register("flaky", HandlerFunc(func(context.Context, domain.Invocation) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("try again")
		}
		return nil
	}))

	require.NoError(t, r.Dispatch(context.Background(), domain.Invocation{Command: "flaky"}))
	assert.EqualValues(t, 3, calls)
}

func TestRegistryReturnsLastError(t *testing.T) {
	r := NewRegistry(time.Second, 1)
	r.backoff = noBackoff
	r.Register("broken", HandlerFunc(func(context.Context, domain.Invocation) error {
		return errors.New("boom")
	}))

	assert.EqualError(t, r.Dispatch(context.Background(), domain.Invocation{Command: "broken"}), "boom")
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, 0)
	r.Register("slow", HandlerFunc(func(ctx context.Context, _ domain.Invocation) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := r.Dispatch(context.Background(), domain.Invocation{Command: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoffExp(t *testing.T) {
	assert.Equal(t, time.Second, backoffExp(0))
	assert.Equal(t, 4*time.Second, backoffExp(3))
	assert.Equal(t, 60*time.Second, backoffExp(10))
}

type statusCounter struct{ ok, failed int32 }

func (c *statusCounter) RunFinished(s domain.RunStatus) {
	if s == domain.RunOK {
		atomic.AddInt32(&c.ok, 1)
	} else {
		atomic.AddInt32(&c.failed, 1)
	}
}

func newRunningRun(t *testing.T, repo store.Repository, planned time.Time) domain.Run {
	t.Helper()
	ctx := context.Background()
	next := planned
	id, err := repo.CreateSchedule(ctx, domain.Schedule{Command: "echo", RecurrenceKind: domain.OneOff, NextRunAt: &next})
	require.NoError(t, err)
	run, err := repo.CreateIfAbsent(ctx, id, planned)
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, run.ID, domain.RunRunning, "", time.Now()))
	return run
}

func TestPoolRecordsOutcomes(t *testing.T) {
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pool.db"), 5*time.Second)
	require.NoError(t, err)
	repo := store.NewSQLiteRepo(db)
	t.Cleanup(func() { _ = repo.Close() })

	r := NewRegistry(time.Second, 0)
	r.Register("ok", HandlerFunc(func(context.Context, domain.Invocation) error { return nil }))
	r.Register("fail", HandlerFunc(func(context.Context, domain.Invocation) error { return errors.New("exit status 1") }))

	obs := &statusCounter{}
	p := NewPool(r, repo, obs, 2)
	assert.True(t, p.CompletesRuns())

	base := time.Date(2024, 3, 9, 15, 0, 0, 0, time.UTC)
	good := newRunningRun(t, repo, base)
	bad := newRunningRun(t, repo, base.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Dispatch(ctx, domain.Invocation{RunID: good.ID, Command: "ok"}))
	require.NoError(t, p.Dispatch(ctx, domain.Invocation{RunID: bad.ID, Command: "fail"}))
	// runs outlive the dispatching context
	cancel()
	p.Wait()

	run, err := repo.GetRun(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunOK, run.Status)

	run, err = repo.GetRun(context.Background(), bad.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, "exit status 1", run.Error)

	assert.EqualValues(t, 1, obs.ok)
	assert.EqualValues(t, 1, obs.failed)
}

func TestPoolRejectsUnknownCommand(t *testing.T) {
	p := NewPool(NewRegistry(time.Second, 0), nil, nil, 1)
	err := p.Dispatch(context.Background(), domain.Invocation{Command: "nope"})
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	r := NewRegistry(time.Second, 0)
	var running, peak int32
	release := make(chan struct{})
	r.Register("wait", HandlerFunc(func(context.Context, domain.Invocation) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil
	}))

	p := NewPool(r, nopRuns{}, nil, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, p.Dispatch(context.Background(), domain.Invocation{Command: "wait"}))
	}

	// a third dispatch cannot start until a slot frees
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Dispatch(ctx, domain.Invocation{Command: "wait"}), context.DeadlineExceeded)

	close(release)
	p.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

type nopRuns struct{}

func (nopRuns) CreateIfAbsent(context.Context, string, time.Time) (domain.Run, error) {
	return domain.Run{}, nil
}

func (nopRuns) Transition(context.Context, string, domain.RunStatus, string, time.Time) error {
	return nil
}
