// Package session 管理单个客户端连接进出 hangout 的生命周期。
// 每个连接拥有自己的 Session，不存在进程级共享的房间表。
package session

//go:generate mockgen -destination=mocks/mock_session.go -package=mocks nexus/internal/session HistoryFetcher,Realtime,Channel

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"nexus/internal/hangout"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// State 是单个房间在本会话中的状态。
type State int

const (
	Idle State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	}
	return "unknown"
}

// ErrClosed 表示会话已经关闭，正在进行的 join 被放弃。
var ErrClosed = errors.New("session closed")

// HistoryFetcher 拉取房间历史消息。
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, hangoutID uint) ([]hangout.MessageView, error)
}

// Channel 是一个房间的实时订阅。
type Channel interface {
	Events() <-chan hangout.Event
	Close() error
}

// Realtime 负责订阅房间与广播在线状态。
type Realtime interface {
	Subscribe(ctx context.Context, hangoutID uint) (Channel, error)
	PresenceJoin(ctx context.Context, hangoutID uint) error
	PresenceLeave(ctx context.Context, hangoutID uint) error
}

type room struct {
	state State
	ch    Channel
	done  chan struct{}
}

// Session 记录本连接加入的房间、订阅句柄与历史消息缓存。
type Session struct {
	history HistoryFetcher
	rt      Realtime
	sink    func(hangout.Event)
	cache   *cache.Cache

	mu     sync.Mutex
	rooms  map[uint]*room
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Session)

// WithEventSink 设置实时事件的接收函数，默认丢弃。
func WithEventSink(fn func(hangout.Event)) Option {
	return func(s *Session) { s.sink = fn }
}

// WithHistoryTTL 设置历史消息缓存的过期时间。
func WithHistoryTTL(ttl time.Duration) Option {
	return func(s *Session) { s.cache = cache.New(ttl, 2*ttl) }
}

func New(history HistoryFetcher, rt Realtime, opts ...Option) *Session {
	s := &Session{
		history: history,
		rt:      rt,
		sink:    func(hangout.Event) {},
		cache:   cache.New(10*time.Minute, 15*time.Minute),
		rooms:   make(map[uint]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(hangoutID uint) string { return strconv.FormatUint(uint64(hangoutID), 10) }

// Join 进入房间：拉取历史、订阅实时通道，订阅成功后才广播 presence-join。
// 同一房间已有 join 在进行时直接返回 nil；已有的旧订阅总是先被关闭。
// 任一步骤失败都视为整体失败，房间回到 Idle，不做自动重试。
func (s *Session) Join(ctx context.Context, hangoutID uint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.rooms[hangoutID]
	if prev != nil && prev.state == Joining {
		s.mu.Unlock()
		return nil
	}
	// Leaving 状态的旧订阅由正在执行的 Leave 负责关闭
	stale := prev != nil && prev.state == Active
	r := &room{state: Joining}
	s.rooms[hangoutID] = r
	s.mu.Unlock()

	if stale {
		s.teardown(hangoutID, prev)
	}

	msgs, err := s.history.FetchHistory(ctx, hangoutID)
	if err != nil {
		s.drop(hangoutID, r)
		return errors.Wrap(err, "fetch history")
	}
	s.cache.SetDefault(cacheKey(hangoutID), msgs)

	ch, err := s.rt.Subscribe(ctx, hangoutID)
	if err != nil {
		s.drop(hangoutID, r)
		return errors.Wrap(err, "subscribe")
	}
	if err := s.rt.PresenceJoin(ctx, hangoutID); err != nil {
		_ = ch.Close()
		s.drop(hangoutID, r)
		return errors.Wrap(err, "presence join")
	}
	events := ch.Events()

	s.mu.Lock()
	if s.rooms[hangoutID] != r {
		// Close 在 join 过程中被调用
		s.mu.Unlock()
		_ = ch.Close()
		_ = s.rt.PresenceLeave(ctx, hangoutID)
		return ErrClosed
	}
	r.state = Active
	r.ch = ch
	r.done = make(chan struct{})
	s.wg.Add(1)
	go s.pump(events, r.done)
	s.mu.Unlock()
	return nil
}

func (s *Session) pump(events <-chan hangout.Event, done <-chan struct{}) {
	defer s.wg.Done()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.sink(ev)
		}
	}
}

// teardown 关闭旧的订阅，不广播 presence。
func (s *Session) teardown(hangoutID uint, r *room) {
	if r.done != nil {
		close(r.done)
	}
	if err := r.ch.Close(); err != nil {
		log.Debug().Err(err).Uint("hangout_id", hangoutID).Msg("close stale channel")
	}
}

func (s *Session) drop(hangoutID uint, r *room) {
	s.mu.Lock()
	if s.rooms[hangoutID] == r {
		delete(s.rooms, hangoutID)
	}
	s.mu.Unlock()
}

// Leave 离开房间：先关闭订阅，再广播 presence-leave，最后移除房间。
// 房间不处于 Active 时什么也不做。
func (s *Session) Leave(ctx context.Context, hangoutID uint) error {
	s.mu.Lock()
	r := s.rooms[hangoutID]
	if r == nil || r.state != Active {
		s.mu.Unlock()
		return nil
	}
	r.state = Leaving
	s.mu.Unlock()

	close(r.done)
	closeErr := r.ch.Close()
	leaveErr := s.rt.PresenceLeave(ctx, hangoutID)

	s.drop(hangoutID, r)
	s.cache.Delete(cacheKey(hangoutID))

	if closeErr != nil {
		return errors.Wrap(closeErr, "close channel")
	}
	if leaveErr != nil {
		return errors.Wrap(leaveErr, "presence leave")
	}
	return nil
}

// Close 离开所有房间并清空缓存，在登出或断开连接时调用。
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var active []uint
	for id, r := range s.rooms {
		if r.state == Active {
			active = append(active, id)
		} else if r.state == Joining {
			delete(s.rooms, id)
		}
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range active {
		if err := s.Leave(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	s.cache.Flush()
	return firstErr
}

// State 返回房间当前状态，未跟踪的房间为 Idle。
func (s *Session) State(hangoutID uint) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[hangoutID]; ok {
		return r.state
	}
	return Idle
}

// History 返回 join 时缓存的历史消息。
func (s *Session) History(hangoutID uint) ([]hangout.MessageView, bool) {
	v, ok := s.cache.Get(cacheKey(hangoutID))
	if !ok {
		return nil, false
	}
	return v.([]hangout.MessageView), true
}

// ActiveRooms 返回处于 Active 状态的房间，按 id 升序。
func (s *Session) ActiveRooms() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint, 0, len(s.rooms))
	for id, r := range s.rooms {
		if r.state == Active {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
