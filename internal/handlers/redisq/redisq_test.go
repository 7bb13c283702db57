package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

type fakePusher struct {
	key    string
	values []interface{}
	err    error
}

func (f *fakePusher) RPush(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.key = key
	f.values = values
	return redis.NewIntResult(int64(len(values)), f.err)
}

var planned = time.Date(2024, 3, 10, 14, 0, 0, 0, time.UTC)

func decode(t *testing.T, f *fakePusher) Message {
	t.Helper()
	require.Len(t, f.values, 1)
	raw, ok := f.values[0].([]byte)
	require.True(t, ok)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestHandlePushesToDefaultQueue(t *testing.T) {
	f := &fakePusher{}
	q := New(f, "")
	inv := domain.Invocation{RunID: "run_1", ScheduleID: "sch_1", Payload: json.RawMessage(`{"report":"daily"}`), PlannedRunAt: planned}

	require.NoError(t, q.Handle(context.Background(), inv))
	assert.Equal(t, DefaultQueue, f.key)
	m := decode(t, f)
	assert.Equal(t, "run_1", m.RunID)
	assert.Equal(t, "sch_1", m.ScheduleID)
	assert.True(t, m.PlannedRunAt.Equal(planned))
	assert.JSONEq(t, `{"report":"daily"}`, string(m.Payload))
}

func TestHandleHonoursPayloadQueue(t *testing.T) {
	f := &fakePusher{}
	q := New(f, "jobs")
	inv := domain.Invocation{RunID: "run_2", Payload: json.RawMessage(`{"queue":"billing","data":{"account":7}}`), PlannedRunAt: planned}

	require.NoError(t, q.Handle(context.Background(), inv))
	assert.Equal(t, "billing", f.key)
	assert.JSONEq(t, `{"account":7}`, string(decode(t, f).Payload))
}

func TestHandleReportsRedisError(t *testing.T) {
	f := &fakePusher{err: errors.New("connection refused")}
	err := New(f, "jobs").Handle(context.Background(), domain.Invocation{RunID: "run_3"})
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("not-a-url")
	assert.Error(t, err)
}
