package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"nexus/internal/hangout"
	"nexus/internal/session"
	"nexus/internal/session/mocks"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = uint(7)

type harness struct {
	ctrl    *gomock.Controller
	history *mocks.MockHistoryFetcher
	rt      *mocks.MockRealtime
}

func newHarness(t *testing.T) *harness {
	ctrl := gomock.NewController(t)
	return &harness{ctrl: ctrl, history: mocks.NewMockHistoryFetcher(ctrl), rt: mocks.NewMockRealtime(ctrl)}
}

// channel returns a mock channel whose Events() yields a receive-only view of events.
func (h *harness) channel(events chan hangout.Event) *mocks.MockChannel {
	ch := mocks.NewMockChannel(h.ctrl)
	var recv <-chan hangout.Event = events
	ch.EXPECT().Events().Return(recv).AnyTimes()
	return ch
}

func (h *harness) expectJoin(id uint, ch *mocks.MockChannel, msgs []hangout.MessageView) {
	gomock.InOrder(
		h.history.EXPECT().FetchHistory(gomock.Any(), id).Return(msgs, nil),
		h.rt.EXPECT().Subscribe(gomock.Any(), id).Return(ch, nil),
		h.rt.EXPECT().PresenceJoin(gomock.Any(), id).Return(nil),
	)
}

func TestJoin_SubscribesBeforePresence(t *testing.T) {
	h := newHarness(t)
	ch := h.channel(make(chan hangout.Event))
	msgs := []hangout.MessageView{{ID: 1, Content: "hi"}}
	h.expectJoin(room, ch, msgs)
	ch.EXPECT().Close().Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), room).Return(nil)

	s := session.New(h.history, h.rt)
	require.NoError(t, s.Join(context.Background(), room))
	assert.Equal(t, session.Active, s.State(room))
	assert.Equal(t, []uint{room}, s.ActiveRooms())

	cached, ok := s.History(room)
	require.True(t, ok)
	assert.Equal(t, msgs, cached)

	require.NoError(t, s.Close(context.Background()))
}

func TestJoin_FailuresLeaveRoomIdle(t *testing.T) {
	boom := errors.New("boom")

	t.Run("history", func(t *testing.T) {
		h := newHarness(t)
		h.history.EXPECT().FetchHistory(gomock.Any(), room).Return(nil, boom)

		s := session.New(h.history, h.rt)
		err := s.Join(context.Background(), room)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, session.Idle, s.State(room))
	})

	t.Run("subscribe", func(t *testing.T) {
		h := newHarness(t)
		gomock.InOrder(
			h.history.EXPECT().FetchHistory(gomock.Any(), room).Return(nil, nil),
			h.rt.EXPECT().Subscribe(gomock.Any(), room).Return(nil, boom),
		)

		s := session.New(h.history, h.rt)
		assert.ErrorIs(t, s.Join(context.Background(), room), boom)
		assert.Equal(t, session.Idle, s.State(room))
	})

	t.Run("presence", func(t *testing.T) {
		h := newHarness(t)
		ch := mocks.NewMockChannel(h.ctrl)
		gomock.InOrder(
			h.history.EXPECT().FetchHistory(gomock.Any(), room).Return(nil, nil),
			h.rt.EXPECT().Subscribe(gomock.Any(), room).Return(ch, nil),
			h.rt.EXPECT().PresenceJoin(gomock.Any(), room).Return(boom),
			ch.EXPECT().Close().Return(nil),
		)

		s := session.New(h.history, h.rt)
		assert.ErrorIs(t, s.Join(context.Background(), room), boom)
		assert.Equal(t, session.Idle, s.State(room))
	})
}

func TestLeave_UnsubscribesBeforePresenceLeave(t *testing.T) {
	h := newHarness(t)
	ch := h.channel(make(chan hangout.Event))
	h.expectJoin(room, ch, nil)
	gomock.InOrder(
		ch.EXPECT().Close().Return(nil),
		h.rt.EXPECT().PresenceLeave(gomock.Any(), room).Return(nil),
	)

	s := session.New(h.history, h.rt)
	require.NoError(t, s.Join(context.Background(), room))
	require.NoError(t, s.Leave(context.Background(), room))
	assert.Equal(t, session.Idle, s.State(room))
	_, ok := s.History(room)
	assert.False(t, ok)

	// leaving again is a no-op
	require.NoError(t, s.Leave(context.Background(), room))
}

func TestLeave_UntrackedRoomIsNoop(t *testing.T) {
	h := newHarness(t)
	s := session.New(h.history, h.rt)
	require.NoError(t, s.Leave(context.Background(), 99))
}

func TestRejoin_TearsDownStaleChannelFirst(t *testing.T) {
	h := newHarness(t)
	first := h.channel(make(chan hangout.Event))
	second := h.channel(make(chan hangout.Event))
	h.expectJoin(room, first, nil)

	s := session.New(h.history, h.rt)
	require.NoError(t, s.Join(context.Background(), room))

	gomock.InOrder(
		first.EXPECT().Close().Return(nil),
		h.history.EXPECT().FetchHistory(gomock.Any(), room).Return([]hangout.MessageView{{ID: 2}}, nil),
		h.rt.EXPECT().Subscribe(gomock.Any(), room).Return(second, nil),
		h.rt.EXPECT().PresenceJoin(gomock.Any(), room).Return(nil),
	)
	require.NoError(t, s.Join(context.Background(), room))
	assert.Equal(t, session.Active, s.State(room))

	cached, ok := s.History(room)
	require.True(t, ok)
	assert.Equal(t, uint(2), cached[0].ID, "history replaced on rejoin")

	second.EXPECT().Close().Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), room).Return(nil)
	require.NoError(t, s.Close(context.Background()))
}

func TestJoin_InProgressReturnsEarly(t *testing.T) {
	h := newHarness(t)
	ch := h.channel(make(chan hangout.Event))
	release := make(chan struct{})
	entered := make(chan struct{})

	h.history.EXPECT().FetchHistory(gomock.Any(), room).DoAndReturn(func(context.Context, uint) ([]hangout.MessageView, error) {
		close(entered)
		<-release
		return nil, nil
	}).Times(1)
	h.rt.EXPECT().Subscribe(gomock.Any(), room).Return(ch, nil).Times(1)
	h.rt.EXPECT().PresenceJoin(gomock.Any(), room).Return(nil).Times(1)

	s := session.New(h.history, h.rt)
	done := make(chan error, 1)
	go func() { done <- s.Join(context.Background(), room) }()

	<-entered
	assert.Equal(t, session.Joining, s.State(room))
	require.NoError(t, s.Join(context.Background(), room), "second join observes setup in progress")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, session.Active, s.State(room))

	ch.EXPECT().Close().Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), room).Return(nil)
	require.NoError(t, s.Close(context.Background()))
}

func TestClose_LeavesEveryRoom(t *testing.T) {
	h := newHarness(t)
	a := h.channel(make(chan hangout.Event))
	b := h.channel(make(chan hangout.Event))
	h.expectJoin(1, a, nil)
	h.expectJoin(2, b, nil)
	a.EXPECT().Close().Return(nil)
	b.EXPECT().Close().Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), uint(1)).Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), uint(2)).Return(nil)

	s := session.New(h.history, h.rt)
	require.NoError(t, s.Join(context.Background(), 1))
	require.NoError(t, s.Join(context.Background(), 2))
	require.NoError(t, s.Close(context.Background()))

	assert.Empty(t, s.ActiveRooms())
	_, ok := s.History(1)
	assert.False(t, ok)
	assert.ErrorIs(t, s.Join(context.Background(), 3), session.ErrClosed)
}

func TestEventsReachSink(t *testing.T) {
	h := newHarness(t)
	events := make(chan hangout.Event, 1)
	ch := h.channel(events)
	h.expectJoin(room, ch, nil)
	ch.EXPECT().Close().Return(nil)
	h.rt.EXPECT().PresenceLeave(gomock.Any(), room).Return(nil)

	got := make(chan hangout.Event, 1)
	s := session.New(h.history, h.rt, session.WithEventSink(func(ev hangout.Event) { got <- ev }))
	require.NoError(t, s.Join(context.Background(), room))

	events <- hangout.Event{Type: hangout.EventMessage, HangoutID: room, MessageID: 5}
	select {
	case ev := <-got:
		assert.Equal(t, uint(5), ev.MessageID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, s.Leave(context.Background(), room))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", session.Idle.String())
	assert.Equal(t, "joining", session.Joining.String())
	assert.Equal(t, "active", session.Active.String())
	assert.Equal(t, "leaving", session.Leaving.String())
}
