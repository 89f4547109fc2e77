package syncbus

import (
	"context"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaBusDeliversByKey(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndSucceed()
	consumer := mocks.NewConsumer(t, cfg)
	pc := consumer.ExpectConsumePartition("signals", 0, sarama.OffsetNewest)

	bus := NewKafkaBus(producer, consumer, "signals")
	ctx := context.Background()
	a, err := bus.Subscribe(ctx, "unlock:a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, err := bus.Subscribe(ctx, "unlock:b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:a"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// The mock producer does not loop back; deliver the record by hand.
	pc.YieldMessage(&sarama.ConsumerMessage{Topic: "signals", Key: []byte("unlock:a")})

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
	select {
	case <-b:
		t.Fatal("unexpected signal on another key")
	case <-time.After(20 * time.Millisecond):
	}
	if m := bus.Metrics(); m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}

	if err := bus.Unsubscribe(ctx, "unlock:a", a); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-a; ok {
		t.Fatal("expected closed channel")
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestKafkaBusPublishCanceled(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	bus := NewKafkaBus(producer, consumer, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "k"); err == nil {
		t.Fatal("expected error")
	}
	if bus.topic != DefaultKafkaTopic {
		t.Fatalf("unexpected topic %q", bus.topic)
	}
	_ = bus.Close()
}
