package ws

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"nexus/internal/hangout"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker 通过 Redis Pub/Sub 在多个实例间分发事件，在线数存放在计数器中。
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker 解析 redis:// URL 并确认连接可用。
func NewRedisBroker(url string) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parse url")
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, errors.Wrap(err, "redis: ping")
	}
	return &RedisBroker{client: c}, nil
}

func NewRedisBrokerWithClient(c *redis.Client) *RedisBroker { return &RedisBroker{client: c} }

func onlineKey(hangoutID uint) string {
	return "nexus:online:" + strconv.FormatUint(uint64(hangoutID), 10)
}

func (b *RedisBroker) Publish(ctx context.Context, hangoutID uint, ev hangout.Event) error {
	if ev.Online == 0 && (ev.Type == hangout.EventJoin || ev.Type == hangout.EventLeave) {
		ev.Online = b.Online(hangoutID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return errors.Wrap(b.client.Publish(ctx, channelName(hangoutID), payload).Err(), "redis publish")
}

func (b *RedisBroker) Subscribe(ctx context.Context, hangoutID uint) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, channelName(hangoutID))
	// 等待订阅确认，之后发布的事件不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis subscribe")
	}
	if err := b.client.Incr(ctx, onlineKey(hangoutID)).Err(); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis incr online")
	}

	sub := newSubscription(hangoutID)
	sub.closeFn = func() {
		_ = ps.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := b.client.Decr(ctx, onlineKey(hangoutID)).Err(); err != nil {
			log.Warn().Err(err).Uint("hangout_id", hangoutID).Msg("redis decr online")
		}
	}

	msgs := ps.Channel()
	go func() {
		defer close(sub.events)
		for m := range msgs {
			var ev hangout.Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				log.Warn().Err(err).Str("channel", m.Channel).Msg("decode event")
				continue
			}
			select {
			case sub.events <- ev:
			default:
				log.Warn().Uint("hangout_id", hangoutID).Str("event", string(ev.Type)).Msg("subscriber too slow, event dropped")
			}
		}
	}()
	return sub, nil
}

// Online 读取跨实例的订阅计数，Redis 不可用时返回 0。
func (b *RedisBroker) Online(hangoutID uint) int {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	n, err := b.client.Get(ctx, onlineKey(hangoutID)).Int()
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (b *RedisBroker) Close() error { return b.client.Close() }
