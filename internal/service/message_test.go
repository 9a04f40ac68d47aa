package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/hangout"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, m, out := f.user(t, "a"), f.user(t, "m"), f.user(t, "out")
	hid := f.hangout(t, a, 3)
	f.join(t, hid, m)

	f.advance(time.Hour)
	v, err := f.messages.Send(ctx, hid, m, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", v.Content)
	assert.Equal(t, "m", v.Username)
	assert.Equal(t, hid, v.HangoutID)
	assert.True(t, f.member(t, hid, m).LastActiveAt.Equal(f.clock))

	msg := f.message(t, v.ID)
	assert.True(t, msg.CanBeDeletedByAuthor)

	f.pub.mu.Lock()
	last := f.pub.events[len(f.pub.events)-1]
	f.pub.mu.Unlock()
	assert.Equal(t, hangout.EventMessage, last.Type)
	require.NotNil(t, last.Message)
	assert.Equal(t, *v, *last.Message)

	_, err = f.messages.Send(ctx, hid, m, "   ")
	requireCode(t, err, apperr.CodeValidation)
	_, err = f.messages.Send(ctx, hid, out, "hi")
	requireCode(t, err, apperr.CodePermissionDenied)
}

func TestListByHangout_Paging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, out := f.user(t, "a"), f.user(t, "out")
	hid := f.hangout(t, a, 3)

	ids := make([]uint, 0, 5)
	for i := 0; i < 5; i++ {
		f.advance(time.Second)
		ids = append(ids, f.send(t, hid, a, fmt.Sprintf("m%d", i)))
	}

	page, err := f.messages.ListByHangout(ctx, hid, a, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)
	assert.Equal(t, ids[4], page[1].ID)

	page, err = f.messages.ListByHangout(ctx, hid, a, 2, ids[3])
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m1", page[0].Content)
	assert.Equal(t, "m2", page[1].Content)
	assert.Equal(t, "a", page[0].Username)

	page, err = f.messages.ListByHangout(ctx, hid, a, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page, 5)

	_, err = f.messages.ListByHangout(ctx, hid, out, 10, 0)
	requireCode(t, err, apperr.CodePermissionDenied)
}

func TestListByHangout_ReflectsIntegrityFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.user(t, "a")
	hid := f.hangout(t, a, 3)
	id := f.send(t, hid, a, "pinned")
	require.NoError(t, f.integrity.Lock(ctx, id, a, "hold"))

	page, err := f.messages.ListByHangout(ctx, hid, a, 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].IsLocked)
	assert.False(t, page[0].DeletionRestricted)
}
