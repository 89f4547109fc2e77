package spawn

import (
	"log/slog"

	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

// Option configures the components of this package.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	bus    watchbus.WatchBus
}

func newSettings(component string, opts []Option) settings {
	s := settings{logger: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}
	s.logger = s.logger.With("component", component)
	return s
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithWatchBus publishes structural changes of groups on bus.
func WithWatchBus(bus watchbus.WatchBus) Option {
	return func(s *settings) { s.bus = bus }
}
