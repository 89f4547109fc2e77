package ingest

import (
	"context"
	"fmt"

	nats "github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject platform events are published on.
const DefaultSubject = "spawn.events"

// NATS subscribes to a subject, optionally as part of a queue group so that
// several instances share the stream.
type NATS struct {
	conn    *nats.Conn
	subject string
	queue   string
	sink    *Sink
}

// NewNATS returns a NATS ingester. An empty subject uses DefaultSubject.
func NewNATS(conn *nats.Conn, subject, queue string, sink *Sink) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject, queue: queue, sink: sink}
}

// Subscribe starts delivering messages and returns the subscription.
func (n *NATS) Subscribe(ctx context.Context) (*nats.Subscription, error) {
	handler := func(m *nats.Msg) { n.sink.Go(ctx, "nats", m.Data) }
	var (
		sub *nats.Subscription
		err error
	)
	if n.queue != "" {
		sub, err = n.conn.QueueSubscribe(n.subject, n.queue, handler)
	} else {
		sub, err = n.conn.Subscribe(n.subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	return sub, nil
}

// Run subscribes and blocks until ctx is done, then unsubscribes and waits
// for in-flight events.
func (n *NATS) Run(ctx context.Context) error {
	sub, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	err = sub.Unsubscribe()
	n.sink.Wait()
	return err
}

// Publish sends e on the ingester's subject.
func (n *NATS) Publish(e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return n.conn.Publish(n.subject, data)
}
