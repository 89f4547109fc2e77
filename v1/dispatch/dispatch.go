// Package dispatch maps platform event names to the handlers interested in
// them. The table is built once at startup; dispatching never reflects over
// handler sets.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
)

// Handler processes one event payload.
type Handler func(ctx context.Context, payload any) error

type entry struct {
	name string
	fn   Handler
}

// Table is an explicit event name to handler list registry.
type Table struct {
	mu       sync.RWMutex
	handlers map[string][]entry
	logger   *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger handler failures are reported to.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// New returns an empty table.
func New(opts ...Option) *Table {
	t := &Table{handlers: make(map[string][]entry), logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "dispatch")
	return t
}

// Register appends h to the handlers of event. label identifies the
// handler in logs.
func (t *Table) Register(event, label string, h Handler) {
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], entry{name: label, fn: h})
	t.mu.Unlock()
}

// Handlers returns how many handlers are registered for event.
func (t *Table) Handlers(event string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers[event])
}

// Dispatch runs every handler registered for event in registration order.
// A failing handler is logged and does not prevent the next one from
// running. Panics are not recovered. It reports whether any handler was registered.
func (t *Table) Dispatch(ctx context.Context, event string, payload any) bool {
	t.mu.RLock()
	hs := t.handlers[event]
	t.mu.RUnlock()
	for _, h := range hs {
		t.run(ctx, event, h, payload)
	}
	return len(hs) > 0
}

func (t *Table) run(ctx context.Context, event string, h entry, payload any) {
	if err := h.fn(ctx, payload); err != nil {
		t.logger.Warn("handler failed", "event", event, "handler", h.name, "error", err)
	}
}
