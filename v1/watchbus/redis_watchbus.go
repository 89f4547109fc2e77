package watchbus

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

const defaultRedisPrefix = "spawn:watch:"

// RedisWatchBus fans changes out through Redis Pub/Sub so watchers attached
// to any instance see changes made by every instance.
type RedisWatchBus struct {
	client  *redis.Client
	prefix  string
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus. An empty prefix uses
// "spawn:watch:".
func NewRedisWatchBus(client *redis.Client, prefix string) *RedisWatchBus {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisWatchBus{
		client:  client,
		prefix:  prefix,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish implements WatchBus.Publish.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return mapErr(b.client.Publish(ctx, b.prefix+key, data).Err())
}

// Watch implements WatchBus.Watch. It returns once the subscription is
// confirmed by the server.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ps := b.client.Subscribe(ctx, b.prefix+key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, mapErr(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				default:
				}
			case <-ctx.Done():
				b.forget(key, ch)
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *RedisWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	if cancel := b.forget(key, ch); cancel != nil {
		cancel()
	}
	return nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) context.CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.cancels[key]
	cancel, ok := m[ch]
	if !ok {
		return nil
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, key)
	}
	return cancel
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
