package ws

import (
	"context"
	"sync"
	"sync/atomic"

	"nexus/internal/hangout"
)

// Hub 是进程内的 Broker，按 hangout 懒创建子 Hub，并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*RoomHub
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*RoomHub)} }

var _ Broker = (*Hub)(nil)

// acquire 返回 hangout 的子 Hub 并预占一个订阅名额，不存在时创建。
// 预占与 release 在同一把锁下进行，已被回收的子 Hub 不会再被返回。
func (h *Hub) acquire(hangoutID uint) *RoomHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[hangoutID]
	if room == nil {
		room = NewRoomHub(hangoutID)
		room.hub = h
		h.rooms[hangoutID] = room
		go room.run()
	}
	atomic.AddInt32(&room.online, 1)
	return room
}

func (h *Hub) room(hangoutID uint) *RoomHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[hangoutID]
}

// release 在子 Hub 没有订阅也没有预占时把它移出 map 并停止其 goroutine。
func (h *Hub) release(rh *RoomHub) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[rh.hangoutID] != rh || atomic.LoadInt32(&rh.online) > 0 {
		return false
	}
	delete(h.rooms, rh.hangoutID)
	close(rh.done)
	return true
}

// Publish 投递事件；没有订阅者的 hangout 直接忽略。
func (h *Hub) Publish(ctx context.Context, hangoutID uint, ev hangout.Event) error {
	rh := h.room(hangoutID)
	if rh == nil {
		return nil
	}
	select {
	case rh.broadcast <- ev:
		return nil
	case <-rh.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) Subscribe(ctx context.Context, hangoutID uint) (*Subscription, error) {
	// 计数在注册前增加，Subscribe 返回时 Online 已经可见
	rh := h.acquire(hangoutID)
	sub := newSubscription(hangoutID)
	sub.closeFn = func() {
		select {
		case rh.unregister <- sub:
		case <-rh.done:
		}
	}
	select {
	case rh.register <- sub:
		return sub, nil
	case <-ctx.Done():
		atomic.AddInt32(&rh.online, -1)
		h.release(rh)
		sub.closeFn = nil
		_ = sub.Close()
		return nil, ctx.Err()
	}
}

func (h *Hub) Online(hangoutID uint) int {
	room := h.room(hangoutID)
	if room == nil {
		return 0
	}
	return room.Online()
}

// Rooms 返回当前存活的子 Hub 数量。
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

type RoomHub struct {
	hub        *Hub
	hangoutID  uint
	subs       map[*Subscription]bool
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan hangout.Event
	online     int32
	done       chan struct{}
}

func NewRoomHub(hangoutID uint) *RoomHub {
	return &RoomHub{
		hangoutID:  hangoutID,
		subs:       make(map[*Subscription]bool),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan hangout.Event, 256),
		done:       make(chan struct{}),
	}
}

// run 在最后一个订阅离开后退出，子 Hub 随之被回收。
func (rh *RoomHub) run() {
	for {
		select {
		case <-rh.done:
			return
		case s := <-rh.register:
			rh.subs[s] = true
		case s := <-rh.unregister:
			if _, ok := rh.subs[s]; ok {
				rh.remove(s)
			}
		case ev := <-rh.broadcast:
			if ev.Online == 0 && (ev.Type == hangout.EventJoin || ev.Type == hangout.EventLeave) {
				ev.Online = len(rh.subs)
			}
			for s := range rh.subs {
				select {
				case s.events <- ev:
				default:
					// 消费过慢的订阅直接断开
					rh.remove(s)
				}
			}
		}
		if len(rh.subs) == 0 && rh.hub != nil && rh.hub.release(rh) {
			return
		}
	}
}

// remove 先更新计数再关闭通道，观察到通道关闭时 Online 已经减少。
func (rh *RoomHub) remove(s *Subscription) {
	delete(rh.subs, s)
	atomic.AddInt32(&rh.online, -1)
	close(s.events)
}

// Online 返回 hangout 当前订阅数，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
