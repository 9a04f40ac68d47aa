package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type expirer struct {
	calls []uint
	at    []time.Time
	err   error
}

func (e *expirer) ExpireTransfer(_ context.Context, hangoutID uint, now time.Time) (bool, error) {
	e.calls = append(e.calls, hangoutID)
	e.at = append(e.at, now)
	return e.err == nil, e.err
}

func TestNewTransferExpireTask(t *testing.T) {
	at := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	task, err := NewTransferExpireTask(9, at)
	require.NoError(t, err)
	assert.Equal(t, TypeTransferExpire, task.Type())

	var p TransferExpirePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, uint(9), p.HangoutID)
	assert.True(t, p.ExpiresAt.Equal(at))
}

func TestTransferTaskID(t *testing.T) {
	at := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, transferTaskID(1, at), transferTaskID(1, at.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, transferTaskID(1, at), transferTaskID(2, at))
	assert.NotEqual(t, transferTaskID(1, at), transferTaskID(1, at.Add(time.Hour)))
}

func TestHandleTransferExpire(t *testing.T) {
	now := time.Date(2026, 3, 3, 12, 0, 1, 0, time.UTC)
	exp := &expirer{}
	h := HandleTransferExpire(exp, func() time.Time { return now })

	task, err := NewTransferExpireTask(4, now.Add(-time.Second))
	require.NoError(t, err)
	require.NoError(t, h.ProcessTask(context.Background(), task))
	assert.Equal(t, []uint{4}, exp.calls)
	assert.True(t, exp.at[0].Equal(now))
}

func TestHandleTransferExpire_BadPayloadSkipsRetry(t *testing.T) {
	exp := &expirer{}
	h := HandleTransferExpire(exp, time.Now)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeTransferExpire, []byte("{")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = h.ProcessTask(context.Background(), asynq.NewTask(TypeTransferExpire, []byte(`{"hangout_id":0}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, exp.calls)
}

func TestHandleTransferExpire_PropagatesErrorsForRetry(t *testing.T) {
	boom := errors.New("db down")
	exp := &expirer{err: boom}
	h := HandleTransferExpire(exp, time.Now)

	task, err := NewTransferExpireTask(4, time.Now())
	require.NoError(t, err)
	err = h.ProcessTask(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewScheduler_BadURL(t *testing.T) {
	_, err := NewScheduler("http://not-redis")
	assert.Error(t, err)
}
