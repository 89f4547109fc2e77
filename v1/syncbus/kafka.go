package syncbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic carries lock signals when no topic is configured.
const DefaultKafkaTopic = "spawn-signals"

// KafkaBus implements Bus on a single-partition topic. The signal key travels
// as the message key, so any key is valid regardless of topic naming rules.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	pc        sarama.PartitionConsumer
	subs      map[string][]chan struct{}
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus returns a KafkaBus over an existing producer and consumer.
// The partition consumer is opened by the first Subscribe.
func NewKafkaBus(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     make(map[string][]chan struct{}),
	}
}

// DialKafkaBus connects to brokers and returns a KafkaBus owning its client.
func DialKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return NewKafkaBus(producer, consumer, topic), nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: b.topic, Key: sarama.StringEncoder(key), Value: sarama.ByteEncoder(nil)}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(b.topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		b.mu.Lock()
		chans := append([]chan struct{}(nil), b.subs[string(msg.Key)]...)
		b.mu.Unlock()
		notify(chans, &b.delivered)
	}
}

// Unsubscribe implements Bus.Unsubscribe. The partition consumer stays open
// until Close.
func (b *KafkaBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, _ := removeChan(b.subs[key], ch)
	if len(chans) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = chans
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases the producer and the consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	if pc != nil {
		pc.AsyncClose()
	}
	return errors.Join(b.producer.Close(), b.consumer.Close())
}
