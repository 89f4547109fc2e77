package ingest

import (
	"context"
	"fmt"

	sarama "github.com/IBM/sarama"
	"golang.org/x/sync/errgroup"
)

// Kafka consumes every partition of a topic.
type Kafka struct {
	consumer sarama.Consumer
	topic    string
	offset   int64
	sink     *Sink
}

// KafkaOption configures a Kafka consumer.
type KafkaOption func(*Kafka)

// WithOffset sets the initial offset of every partition. The default is
// sarama.OffsetNewest.
func WithOffset(offset int64) KafkaOption {
	return func(k *Kafka) { k.offset = offset }
}

// NewKafka returns a Kafka ingester reading topic through consumer.
func NewKafka(consumer sarama.Consumer, topic string, sink *Sink, opts ...KafkaOption) *Kafka {
	k := &Kafka{consumer: consumer, topic: topic, offset: sarama.OffsetNewest, sink: sink}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// DialKafka connects to brokers and returns a Kafka ingester owning the
// consumer.
func DialKafka(brokers []string, cfg *sarama.Config, topic string, sink *Sink, opts ...KafkaOption) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Consumer.Return.Errors = true
	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return NewKafka(consumer, topic, sink, opts...), nil
}

// Run consumes until ctx is done, then waits for in-flight events.
func (k *Kafka) Run(ctx context.Context) error {
	defer k.sink.Wait()
	partitions, err := k.consumer.Partitions(k.topic)
	if err != nil {
		return fmt.Errorf("partitions of %s: %w", k.topic, err)
	}
	eg, ectx := errgroup.WithContext(ctx)
	for _, p := range partitions {
		pc, err := k.consumer.ConsumePartition(k.topic, p, k.offset)
		if err != nil {
			return fmt.Errorf("consume %s/%d: %w", k.topic, p, err)
		}
		eg.Go(func() error {
			defer pc.AsyncClose()
			for {
				select {
				case msg, ok := <-pc.Messages():
					if !ok {
						return nil
					}
					k.sink.Go(ctx, "kafka", msg.Value)
				case cerr, ok := <-pc.Errors():
					if ok {
						k.sink.logger.Warn("kafka consumer error", "topic", cerr.Topic, "partition", cerr.Partition, "error", cerr.Err)
					}
				case <-ectx.Done():
					return nil
				}
			}
		})
	}
	return eg.Wait()
}

// Close closes the underlying consumer.
func (k *Kafka) Close() error {
	return k.consumer.Close()
}
