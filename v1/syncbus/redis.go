package syncbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

const redisBusTimeout = 5 * time.Second

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
	prefix string

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus publishing on "<prefix>:<key>". An empty
// prefix defaults to "spawn:signal".
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	if prefix == "" {
		prefix = "spawn:signal"
	}
	return &RedisBus{client: client, prefix: prefix, subs: make(map[string]*redisSubscription)}
}

func (b *RedisBus) channel(key string) string { return b.prefix + ":" + key }

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, b.channel(key), "1").Err(); err != nil {
		return mapRedisErr(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a Publish issued afterwards is not missed.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(ctx, b.channel(key))
		cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
		_, err := ps.Receive(cctx)
		cancel()
		if err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, mapRedisErr(err)
		}
		sub = &redisSubscription{pubsub: ps}
		b.subs[key] = sub
		go b.forward(key, ps)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) forward(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.mu.Lock()
		var chans []chan struct{}
		if s := b.subs[key]; s != nil && s.pubsub == ps {
			chans = append(chans, s.chans...)
		}
		b.mu.Unlock()
		notify(chans, &b.delivered)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	var found bool
	sub.chans, found = removeChan(sub.chans, ch)
	if !found || len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
