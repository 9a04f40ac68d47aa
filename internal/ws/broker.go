package ws

import (
	"context"
	"strconv"
	"sync"

	"nexus/internal/hangout"
	"nexus/internal/metrics"
)

// Broker 按 hangout 分发实时事件。进程内用 Hub，多实例部署用 RedisBroker。
type Broker interface {
	Publish(ctx context.Context, hangoutID uint, ev hangout.Event) error
	Subscribe(ctx context.Context, hangoutID uint) (*Subscription, error)
	Online(hangoutID uint) int
}

const subscriptionBuffer = 256

// Subscription 是某个 hangout 上的一路订阅，实现 session.Channel。
type Subscription struct {
	hangoutID uint
	events    chan hangout.Event
	once      sync.Once
	closeFn   func()
}

func newSubscription(hangoutID uint) *Subscription {
	metrics.RealtimeSubscriptions.Inc()
	return &Subscription{hangoutID: hangoutID, events: make(chan hangout.Event, subscriptionBuffer)}
}

func (s *Subscription) HangoutID() uint { return s.hangoutID }

func (s *Subscription) Events() <-chan hangout.Event { return s.events }

// Close 取消订阅，可重复调用。
func (s *Subscription) Close() error {
	s.once.Do(func() {
		metrics.RealtimeSubscriptions.Dec()
		if s.closeFn != nil {
			s.closeFn()
		}
	})
	return nil
}

func channelName(hangoutID uint) string {
	return "nexus:hangout:" + strconv.FormatUint(uint64(hangoutID), 10)
}
