package lock

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/syncbus"
)

const (
	defaultRedisPrefix = "spawn:lock:"
	defaultRedisTTL    = 2 * time.Minute
	defaultRedisPoll   = 250 * time.Millisecond
)

var delScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// Redis is a Locker shared by every process using the same Redis database.
// Waiters in the same process queue on a local Keyed table first, so at most
// one goroutine per process contends in Redis for a key. Releases are
// announced on the bus; waiters also poll in case a signal is lost.
//
// The Redis key expires after the configured TTL so that a crashed holder
// cannot block a key forever.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	local  *Keyed[string]
	prefix string
	ttl    time.Duration
	poll   time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithPrefix sets the Redis key prefix.
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithTTL sets the expiry of held keys.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithPollInterval sets how often a waiter retries without a bus signal.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.poll = d }
}

// NewRedis returns a Redis locker. A nil bus falls back to an in-memory bus,
// which only wakes waiters of the same process.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{
		client: client,
		bus:    bus,
		local:  NewKeyed[string](),
		prefix: defaultRedisPrefix,
		ttl:    defaultRedisTTL,
		poll:   defaultRedisPoll,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) tryLock(ctx context.Context, key string) (bool, error) {
	token, err := uuid.GenerateUUID()
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return false, mapErr(err)
	}
	if ok {
		r.mu.Lock()
		r.tokens[key] = token
		r.mu.Unlock()
	}
	return ok, nil
}

// Acquire implements Locker.Acquire.
func (r *Redis) Acquire(ctx context.Context, key string) error {
	if err := r.local.Acquire(ctx, key); err != nil {
		return err
	}
	if err := r.acquireRemote(ctx, key); err != nil {
		_ = r.local.Release(ctx, key)
		return err
	}
	return nil
}

func (r *Redis) acquireRemote(ctx context.Context, key string) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Subscribe before the first attempt so a release in between is seen.
	ch, err := r.bus.Subscribe(subCtx, "unlock:"+key)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.tryLock(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker.Release. Releasing a key this locker does not
// hold panics with an error wrapping errors.ErrInvariant.
func (r *Redis) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	token, ok := r.tokens[key]
	delete(r.tokens, key)
	r.mu.Unlock()
	if !ok {
		warperrors.Invariant("lock: release of unheld key %s", key)
	}
	_, err := delScript.Run(ctx, r.client, []string{r.prefix + key}, token).Result()
	if stdErrors.Is(err, redis.Nil) {
		err = nil
	}
	_ = r.local.Release(ctx, key)
	if err != nil {
		// The key still expires with its TTL.
		return mapErr(err)
	}
	_ = r.bus.Publish(ctx, "unlock:"+key)
	return nil
}

func mapErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
