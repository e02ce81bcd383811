package mw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firstset/marketwatch/mw/utils"
)

var (
	// ErrNotFound reports a key or field that is genuinely absent.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable reports a broker that could not answer. Callers must
	// treat it as a cache miss, never as absence.
	ErrUnavailable = errors.New("broker unavailable")
)

// Handler consumes one raw payload from a subscribed channel.
type Handler func(channel string, payload []byte)

// Broker wraps the redis client with the key, hash, set, list, and pub/sub
// operations the pipeline uses. Many handlers may share one channel; they
// all ride a single underlying subscription and run in its goroutine, so
// per-channel ordering is preserved.
type Broker struct {
	rdb   *redis.Client
	log   zerolog.Logger
	retry utils.Retrier

	subsMux sync.Mutex
	subs    map[string]*subscription
}

type subscription struct {
	pubsub   *redis.PubSub
	handlers []Handler
}

func NewBroker(url string, log zerolog.Logger) (*Broker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Broker{
		rdb:   redis.NewClient(opt),
		log:   log,
		retry: utils.NewRetrier(),
		subs:  make(map[string]*subscription),
	}, nil
}

// NewBrokerWithClient wires an existing client, used by tests.
func NewBrokerWithClient(rdb *redis.Client, log zerolog.Logger) *Broker {
	return &Broker{
		rdb:   rdb,
		log:   log,
		retry: utils.NewRetrier(),
		subs:  make(map[string]*subscription),
	}
}

func (b *Broker) Ping(ctx context.Context) error {
	return wrapBrokerErr(b.rdb.Ping(ctx).Err())
}

func (b *Broker) Close() error {
	b.subsMux.Lock()
	for _, s := range b.subs {
		_ = s.pubsub.Close()
	}
	b.subs = make(map[string]*subscription)
	b.subsMux.Unlock()
	return b.rdb.Close()
}

func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapBrokerErr(b.rdb.Set(ctx, key, value, ttl).Err())
}

func (b *Broker) Get(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.Get(ctx, key).Result()
	return v, wrapBrokerErr(err)
}

func (b *Broker) Delete(ctx context.Context, keys ...string) error {
	return wrapBrokerErr(b.rdb.Del(ctx, keys...).Err())
}

func (b *Broker) HSet(ctx context.Context, key, field, value string) error {
	return wrapBrokerErr(b.rdb.HSet(ctx, key, field, value).Err())
}

func (b *Broker) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := b.rdb.HGet(ctx, key, field).Result()
	return v, wrapBrokerErr(err)
}

func (b *Broker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := b.rdb.HGetAll(ctx, key).Result()
	return v, wrapBrokerErr(err)
}

func (b *Broker) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapBrokerErr(b.rdb.HDel(ctx, key, fields...).Err())
}

func (b *Broker) HLen(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.HLen(ctx, key).Result()
	return n, wrapBrokerErr(err)
}

func (b *Broker) SAdd(ctx context.Context, key, member string) error {
	return wrapBrokerErr(b.rdb.SAdd(ctx, key, member).Err())
}

func (b *Broker) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := b.rdb.SIsMember(ctx, key, member).Result()
	return ok, wrapBrokerErr(err)
}

func (b *Broker) SCard(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.SCard(ctx, key).Result()
	return n, wrapBrokerErr(err)
}

func (b *Broker) SPopN(ctx context.Context, key string, n int64) ([]string, error) {
	members, err := b.rdb.SPopN(ctx, key, n).Result()
	return members, wrapBrokerErr(err)
}

func (b *Broker) SRem(ctx context.Context, key, member string) error {
	return wrapBrokerErr(b.rdb.SRem(ctx, key, member).Err())
}

func (b *Broker) LPush(ctx context.Context, key, value string) error {
	return wrapBrokerErr(b.rdb.LPush(ctx, key, value).Err())
}

func (b *Broker) RPop(ctx context.Context, key string) (string, error) {
	v, err := b.rdb.RPop(ctx, key).Result()
	return v, wrapBrokerErr(err)
}

func (b *Broker) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := b.rdb.LRange(ctx, key, start, stop).Result()
	return v, wrapBrokerErr(err)
}

func (b *Broker) LLen(ctx context.Context, key string) (int64, error) {
	n, err := b.rdb.LLen(ctx, key).Result()
	return n, wrapBrokerErr(err)
}

func (b *Broker) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapBrokerErr(b.rdb.Expire(ctx, key, ttl).Err())
}

// Publish JSON-encodes payload and fans it out on channel. Transient broker
// errors are retried; the caller sees a failure only after exhaustion.
func (b *Broker) Publish(ctx context.Context, channel string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", channel, err)
	}
	return b.retry.Do(ctx, "publish "+channel, func(ctx context.Context) error {
		return b.rdb.Publish(ctx, channel, body).Err()
	})
}

// Subscribe registers a handler for a channel. The first handler on a
// channel opens the subscription; later handlers share it. The underlying
// client reconnects dropped subscriptions on its own.
func (b *Broker) Subscribe(ctx context.Context, channel string, h Handler) error {
	b.subsMux.Lock()
	defer b.subsMux.Unlock()

	if s, ok := b.subs[channel]; ok {
		s.handlers = append(s.handlers, h)
		return nil
	}

	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", channel, wrapBrokerErr(err))
	}
	s := &subscription{pubsub: pubsub, handlers: []Handler{h}}
	b.subs[channel] = s
	go b.consume(s)
	return nil
}

func (b *Broker) consume(s *subscription) {
	for msg := range s.pubsub.Channel() {
		if !json.Valid([]byte(msg.Payload)) {
			b.log.Warn().Str("channel", msg.Channel).Msg("dropping undecodable payload")
			continue
		}
		b.subsMux.Lock()
		handlers := make([]Handler, len(s.handlers))
		copy(handlers, s.handlers)
		b.subsMux.Unlock()
		for _, h := range handlers {
			h(msg.Channel, []byte(msg.Payload))
		}
	}
}

func wrapBrokerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
