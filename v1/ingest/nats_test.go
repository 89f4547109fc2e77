package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSConn(t *testing.T) *nats.Conn {
	t.Helper()
	var s *server.Server
	addr := os.Getenv("SPAWN_TEST_NATS_ADDR")
	if addr == "" {
		s = natsserver.RunRandClientPortServer()
		addr = s.ClientURL()
	}
	conn, err := nats.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return conn
}

func TestNATSDeliversEvents(t *testing.T) {
	conn := newNATSConn(t)
	sink, rec := newTestSink()
	in := NewNATS(conn, "", "spawnd", sink)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := in.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := in.Publish(Event{Member: "u1", After: "tpl"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := rec.wait(t, 1)
	if got[0].Member != "u1" || got[0].After != "tpl" {
		t.Fatalf("unexpected transition %+v", got[0])
	}
	cancel()
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	sink.Wait()
}

func TestNATSRunStopsOnCancel(t *testing.T) {
	conn := newNATSConn(t)
	sink, _ := newTestSink()
	in := NewNATS(conn, "spawn.test", "", sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
