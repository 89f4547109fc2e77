package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mirkobrombin/go-spawn/v1/dispatch"
	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
	"github.com/mirkobrombin/go-spawn/v1/provider"
)

// EventMemberMoved is the dispatch event carrying a Transition.
const EventMemberMoved = "voice_state_update"

// Transition reports that a member moved from Before to After. An empty
// side means the member was not in any resource.
type Transition struct {
	Member string `json:"member"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// Router serializes transitions per resource key and hands each half to the
// Reconciler. The lock of Before is released before the lock of After is
// taken, so a single transition never holds two keys.
type Router struct {
	locks   lock.Locker
	rec     *Reconciler
	members provider.Members
	logger  *slog.Logger
}

// NewRouter returns a Router. members is used to relocate a member whose
// join was refused for capacity.
func NewRouter(locks lock.Locker, rec *Reconciler, members provider.Members, opts ...Option) *Router {
	s := newSettings("router", opts)
	return &Router{locks: locks, rec: rec, members: members, logger: s.logger}
}

// HandleTransition processes both halves of t. Failures are logged and
// returned joined; a failed leave does not prevent the join.
func (rt *Router) HandleTransition(ctx context.Context, t Transition) error {
	if t.Before == t.After {
		return nil
	}
	var errs []error
	if t.Before != "" {
		if err := rt.half(ctx, "leave", t.Before, func(ctx context.Context) error {
			return rt.rec.Leave(ctx, t.Member, t.Before)
		}); err != nil {
			rt.logger.Error("leave failed", "member", t.Member, "resource", t.Before, "error", err)
			errs = append(errs, err)
		}
	}
	if t.After != "" {
		err := rt.half(ctx, "join", t.After, func(ctx context.Context) error {
			return rt.rec.Join(ctx, t.Member, t.After)
		})
		switch {
		case errors.Is(err, warperrors.ErrCapacityExceeded):
			rt.logger.Warn("join rejected for capacity, relocating member", "member", t.Member, "resource", t.After)
			if merr := rt.members.Move(ctx, t.Member, ""); merr != nil {
				rt.logger.Error("relocate member failed", "member", t.Member, "error", merr)
				errs = append(errs, fmt.Errorf("relocate %s: %w", t.Member, merr))
			}
			errs = append(errs, err)
		case err != nil:
			rt.logger.Error("join failed", "member", t.Member, "resource", t.After, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (rt *Router) half(ctx context.Context, direction, key string, fn func(context.Context) error) (err error) {
	if err := rt.locks.Acquire(ctx, key); err != nil {
		metrics.TransitionFailures.WithLabelValues(direction).Inc()
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	start := time.Now()
	defer func() {
		if rerr := rt.locks.Release(context.WithoutCancel(ctx), key); rerr != nil {
			rt.logger.Error("release failed", "resource", key, "error", rerr)
		}
		metrics.TransitionDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
		metrics.Transitions.WithLabelValues(direction).Inc()
		if err != nil && !errors.Is(err, warperrors.ErrCapacityExceeded) {
			metrics.TransitionFailures.WithLabelValues(direction).Inc()
		}
	}()
	return fn(ctx)
}

// Register adds the router to tbl under EventMemberMoved.
func (rt *Router) Register(tbl *dispatch.Table) {
	tbl.Register(EventMemberMoved, "spawn.router", func(ctx context.Context, payload any) error {
		t, ok := payload.(Transition)
		if !ok {
			return fmt.Errorf("unexpected payload %T", payload)
		}
		return rt.HandleTransition(ctx, t)
	})
}
