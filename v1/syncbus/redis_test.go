package syncbus

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

func newRedisBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisBus(client, ""), client
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, _ := newRedisBus(t)
	ctx := context.Background()
	ch, err := bus.Subscribe(ctx, "unlock:k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectSignal(t, ch)
	if err := bus.Unsubscribe(ctx, "unlock:k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestRedisBusClosedClient(t *testing.T) {
	bus, client := newRedisBus(t)
	_ = client.Close()
	err := bus.Publish(context.Background(), "k")
	if !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
