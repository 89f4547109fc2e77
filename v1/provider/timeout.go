package provider

import (
	"context"
	"errors"
	"time"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

const defaultTimeout = 10 * time.Second

// Timeout bounds every call into the wrapped Provider. A call that outlives
// its deadline fails with errors.ErrTimeout; the caller treats that as a
// transient failure of the current transition.
type Timeout struct {
	inner   Provider
	timeout time.Duration
}

// WithTimeout wraps p so each call gets at most d. A non-positive d uses ten
// seconds.
func WithTimeout(p Provider, d time.Duration) *Timeout {
	if d <= 0 {
		d = defaultTimeout
	}
	return &Timeout{inner: p, timeout: d}
}

type result[T any] struct {
	v   T
	err error
}

// do runs fn with a deadline. A result arriving after the deadline is
// handed to late, when set, so that whatever it created can be undone.
func do[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error), late func(T)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	done := make(chan result[T], 1)
	go func() {
		v, err := fn(cctx)
		done <- result[T]{v: v, err: err}
	}()
	select {
	case r := <-done:
		return r.v, mapErr(r.err)
	case <-cctx.Done():
		if late != nil {
			go func() {
				if r := <-done; r.err == nil {
					late(r.v)
				}
			}()
		}
		return zero, mapErr(cctx.Err())
	}
}

func call(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	_, err := do(ctx, d, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) }, nil)
	return err
}

func mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}

// discardLate deletes a resource whose creation completed after the caller
// gave up on it. Nobody else ever learns its identifier.
func (t *Timeout) discardLate(ctx context.Context) func(string) {
	return func(id string) {
		if id == "" {
			return
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		_ = t.inner.Delete(dctx, id)
	}
}

// CloneTemplate implements Resources.CloneTemplate.
func (t *Timeout) CloneTemplate(ctx context.Context, templateID, name string) (string, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (string, error) {
		return t.inner.CloneTemplate(ctx, templateID, name)
	}, t.discardLate(ctx))
}

// CreateCompanion implements Resources.CreateCompanion.
func (t *Timeout) CreateCompanion(ctx context.Context, parentID, name string, vis Visibility) (string, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (string, error) {
		return t.inner.CreateCompanion(ctx, parentID, name, vis)
	}, t.discardLate(ctx))
}

// Rename implements Resources.Rename.
func (t *Timeout) Rename(ctx context.Context, id, name string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.Rename(ctx, id, name) })
}

// Delete implements Resources.Delete.
func (t *Timeout) Delete(ctx context.Context, id string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.Delete(ctx, id) })
}

type lookupResult struct {
	r  Resource
	ok bool
}

// Lookup implements Resources.Lookup.
func (t *Timeout) Lookup(ctx context.Context, id string) (Resource, bool, error) {
	res, err := do(ctx, t.timeout, func(ctx context.Context) (lookupResult, error) {
		r, ok, err := t.inner.Lookup(ctx, id)
		return lookupResult{r: r, ok: ok}, err
	}, nil)
	return res.r, res.ok, err
}

// Occupancy implements Resources.Occupancy.
func (t *Timeout) Occupancy(ctx context.Context, id string) (int, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (int, error) { return t.inner.Occupancy(ctx, id) }, nil)
}

// PlaceAfter implements Resources.PlaceAfter.
func (t *Timeout) PlaceAfter(ctx context.Context, id, anchorID string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.PlaceAfter(ctx, id, anchorID) })
}

// Position implements Resources.Position.
func (t *Timeout) Position(ctx context.Context, id string) (int, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (int, error) { return t.inner.Position(ctx, id) }, nil)
}

// CapacityExceeded implements Resources.CapacityExceeded.
func (t *Timeout) CapacityExceeded(ctx context.Context, categoryID string) (bool, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (bool, error) {
		return t.inner.CapacityExceeded(ctx, categoryID)
	}, nil)
}

// MembersOf implements Members.MembersOf.
func (t *Timeout) MembersOf(ctx context.Context, resourceID string) ([]string, error) {
	return do(ctx, t.timeout, func(ctx context.Context) ([]string, error) { return t.inner.MembersOf(ctx, resourceID) }, nil)
}

// Move implements Members.Move.
func (t *Timeout) Move(ctx context.Context, memberID, resourceID string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.Move(ctx, memberID, resourceID) })
}

// GrantAccess implements Members.GrantAccess.
func (t *Timeout) GrantAccess(ctx context.Context, resourceID, memberID string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.GrantAccess(ctx, resourceID, memberID) })
}

// RevokeAccess implements Members.RevokeAccess.
func (t *Timeout) RevokeAccess(ctx context.Context, resourceID, memberID string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.RevokeAccess(ctx, resourceID, memberID) })
}

// AddRoles implements Members.AddRoles.
func (t *Timeout) AddRoles(ctx context.Context, memberID string, roleIDs ...string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.AddRoles(ctx, memberID, roleIDs...) })
}

// RemoveRoles implements Members.RemoveRoles.
func (t *Timeout) RemoveRoles(ctx context.Context, memberID string, roleIDs ...string) error {
	return call(ctx, t.timeout, func(ctx context.Context) error { return t.inner.RemoveRoles(ctx, memberID, roleIDs...) })
}

// RoleExists implements Members.RoleExists.
func (t *Timeout) RoleExists(ctx context.Context, roleID string) (bool, error) {
	return do(ctx, t.timeout, func(ctx context.Context) (bool, error) { return t.inner.RoleExists(ctx, roleID) }, nil)
}

// RoleMembers implements Members.RoleMembers.
func (t *Timeout) RoleMembers(ctx context.Context, roleID string) ([]string, error) {
	return do(ctx, t.timeout, func(ctx context.Context) ([]string, error) { return t.inner.RoleMembers(ctx, roleID) }, nil)
}
