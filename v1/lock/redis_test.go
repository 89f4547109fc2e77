package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-spawn/v1/syncbus"
)

func newRedisLockers(t *testing.T) (*Redis, *Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := syncbus.NewInMemoryBus()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	l1 := NewRedis(client, bus, WithPollInterval(10*time.Millisecond))
	l2 := NewRedis(client, bus, WithPollInterval(10*time.Millisecond))
	return l1, l2, mr
}

func TestRedisAcquireRelease(t *testing.T) {
	l, _, mr := newRedisLockers(t)
	ctx := context.Background()
	if err := l.Acquire(ctx, "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists(defaultRedisPrefix + "k") {
		t.Fatal("expected redis key while held")
	}
	if err := l.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists(defaultRedisPrefix + "k") {
		t.Fatal("expected redis key removed after release")
	}
	l.mu.Lock()
	if _, ok := l.tokens["k"]; ok {
		t.Fatal("token not cleaned up on release")
	}
	l.mu.Unlock()
	if n := tableSize(l.local); n != 0 {
		t.Fatalf("expected empty local table, got %d", n)
	}
}

func TestRedisCrossLockerHandoff(t *testing.T) {
	l1, l2, _ := newRedisLockers(t)
	ctx := context.Background()
	if err := l1.Acquire(ctx, "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	acquired := make(chan error, 1)
	go func() { acquired <- l2.Acquire(ctx, "k") }()
	select {
	case err := <-acquired:
		t.Fatalf("second locker acquired a held key: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	if err := l1.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second locker not woken")
	}
	_ = l2.Release(ctx, "k")
}

func TestRedisAcquireTimeout(t *testing.T) {
	l1, l2, _ := newRedisLockers(t)
	ctx := context.Background()
	if err := l1.Acquire(ctx, "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l2.Acquire(cctx, "k"); err == nil {
		t.Fatal("expected timeout error")
	}
	if n := tableSize(l2.local); n != 0 {
		t.Fatalf("expected local waiter dropped, got %d entries", n)
	}
	_ = l1.Release(ctx, "k")
}

func TestRedisReleaseUnheldPanics(t *testing.T) {
	l, _, _ := newRedisLockers(t)
	expectInvariantPanic(t, func() { _ = l.Release(context.Background(), "ghost") })
}
