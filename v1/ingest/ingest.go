// Package ingest feeds platform events from message brokers into a
// dispatch table. Every message is handled on its own goroutine so a stuck
// transition only delays the resources it locks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-spawn/v1/dispatch"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
	"github.com/mirkobrombin/go-spawn/v1/spawn"
)

// Event is the wire form of a platform event. Name defaults to the member
// moved event.
type Event struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Member string `json:"member"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Transition returns the spawn transition carried by e.
func (e Event) Transition() spawn.Transition {
	return spawn.Transition{Member: e.Member, Before: e.Before, After: e.After}
}

// Encode marshals e, assigning an identifier when it has none.
func Encode(e Event) ([]byte, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return json.Marshal(e)
}

var errNoMember = errors.New("event without member")

// Decode parses a wire event.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	if e.Member == "" {
		return Event{}, errNoMember
	}
	if e.Name == "" {
		e.Name = spawn.EventMemberMoved
	}
	return e, nil
}

// Sink decodes raw messages and dispatches them.
type Sink struct {
	table  *dispatch.Table
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSink returns a Sink dispatching into table.
func NewSink(table *dispatch.Table, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{table: table, logger: logger.With("component", "ingest")}
}

// Handle decodes data and dispatches it synchronously.
func (s *Sink) Handle(ctx context.Context, source string, data []byte) error {
	e, err := Decode(data)
	if err != nil {
		metrics.IngestErrors.WithLabelValues(source).Inc()
		return fmt.Errorf("decode %s event: %w", source, err)
	}
	metrics.IngestEvents.WithLabelValues(source).Inc()
	var payload any = e
	if e.Name == spawn.EventMemberMoved {
		payload = e.Transition()
	}
	if !s.table.Dispatch(ctx, e.Name, payload) {
		s.logger.Debug("event without handlers", "source", source, "event", e.Name, "id", e.ID)
	}
	return nil
}

// Go handles data on a new goroutine tracked by Wait.
func (s *Sink) Go(ctx context.Context, source string, data []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Handle(ctx, source, data); err != nil {
			s.logger.Warn("dropping event", "source", source, "error", err)
		}
	}()
}

// Wait blocks until every event started with Go was handled.
func (s *Sink) Wait() {
	s.wg.Wait()
}
