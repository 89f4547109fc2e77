package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-spawn/v1/spawn")

// resolveLimit bounds the concurrent provider lookups of a renumbering pass.
const resolveLimit = 8

// Reconciler decides and performs the structural consequences of members
// entering and leaving resources. Callers must hold the lock of the resource
// passed to Join or Leave.
type Reconciler struct {
	store    store.Store
	provider provider.Provider
	logger   *slog.Logger
	bus      watchbus.WatchBus
}

// NewReconciler returns a Reconciler over st and p.
func NewReconciler(st store.Store, p provider.Provider, opts ...Option) *Reconciler {
	s := newSettings("reconciler", opts)
	return &Reconciler{store: st, provider: p, logger: s.logger, bus: s.bus}
}

// RenumberStats summarizes one renumbering pass.
type RenumberStats struct {
	Live    int
	Renamed int
	Pruned  int
	Moved   int
}

// Join handles memberID having entered resourceID. Joining a spawned
// primary grants access to its companion. Joining a group template spawns a
// new pair and moves the member into it; ErrCapacityExceeded is returned
// when the platform refuses further resources, in which case nothing was
// created.
func (r *Reconciler) Join(ctx context.Context, memberID, resourceID string) (err error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Join", trace.WithAttributes(
		attribute.String("spawn.member", memberID),
		attribute.String("spawn.resource", resourceID),
	))
	defer endSpan(span, &err)

	r.applyRoles(ctx, memberID, resourceID, true)

	pair, ok, err := r.store.Pair(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("lookup pair %s: %w", resourceID, err)
	}
	if ok {
		if err := r.provider.GrantAccess(ctx, pair.CompanionID, memberID); err != nil {
			r.logger.Warn("grant companion access failed", "pair", pair.ID, "member", memberID, "error", err)
		}
		return nil
	}

	g, ok, err := r.store.GroupByTemplate(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("lookup group of %s: %w", resourceID, err)
	}
	if !ok {
		return nil
	}
	span.SetAttributes(attribute.String("spawn.group", g.ID))
	return r.spawn(ctx, g, memberID)
}

func (r *Reconciler) spawn(ctx context.Context, g store.Group, memberID string) error {
	tpl, ok, err := r.provider.Lookup(ctx, g.TemplateID)
	if err != nil {
		return fmt.Errorf("lookup template %s: %w", g.TemplateID, err)
	}
	if !ok {
		return fmt.Errorf("template %s: %w", g.TemplateID, warperrors.ErrNotFound)
	}
	full, err := r.provider.CapacityExceeded(ctx, tpl.CategoryID)
	if err != nil {
		return fmt.Errorf("check capacity: %w", err)
	}
	if full {
		metrics.CapacityRejections.Inc()
		return warperrors.ErrCapacityExceeded
	}

	pairs, err := r.store.Pairs(ctx, g.ID)
	if err != nil {
		return fmt.Errorf("list pairs of %s: %w", g.ID, err)
	}
	name := pairName(g.Name, len(pairs)+1)

	primaryID, err := r.provider.CloneTemplate(ctx, g.TemplateID, name)
	if err != nil {
		return fmt.Errorf("clone template %s: %w", g.TemplateID, err)
	}
	companionID, err := r.provider.CreateCompanion(ctx, tpl.CategoryID, name, provider.VisibilityHidden)
	if err != nil {
		r.discard(ctx, primaryID)
		return fmt.Errorf("create companion: %w", err)
	}
	pair := store.Pair{ID: primaryID, GroupID: g.ID, CompanionID: companionID}
	if err := r.store.PutPair(ctx, pair); err != nil {
		r.discard(ctx, primaryID, companionID)
		return fmt.Errorf("persist pair %s: %w", primaryID, err)
	}
	metrics.PairsCreated.Inc()
	r.publish(ctx, watchbus.Change{Kind: watchbus.ChangeCreated, GroupID: g.ID, PairID: primaryID, Name: name})
	r.logger.Info("pair created", "group", g.ID, "pair", primaryID, "companion", companionID, "name", name)

	if err := r.provider.Move(ctx, memberID, primaryID); err != nil {
		if terr := r.teardown(context.WithoutCancel(ctx), pair); terr != nil {
			r.logger.Error("tear down unused pair failed", "pair", primaryID, "error", terr)
		} else {
			metrics.PairsDeleted.Inc()
			r.publish(ctx, watchbus.Change{Kind: watchbus.ChangeDeleted, GroupID: g.ID, PairID: primaryID})
		}
		return fmt.Errorf("move %s into %s: %w", memberID, primaryID, err)
	}

	_, err = r.Renumber(ctx, g.ID)
	return err
}

// Leave handles memberID having left resourceID. A spawned primary left
// empty is deleted together with its companion and record, then the group
// is renumbered.
func (r *Reconciler) Leave(ctx context.Context, memberID, resourceID string) (err error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Leave", trace.WithAttributes(
		attribute.String("spawn.member", memberID),
		attribute.String("spawn.resource", resourceID),
	))
	defer endSpan(span, &err)

	r.applyRoles(ctx, memberID, resourceID, false)

	pair, ok, err := r.store.Pair(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("lookup pair %s: %w", resourceID, err)
	}
	if !ok {
		return nil
	}
	if err := r.provider.RevokeAccess(ctx, pair.CompanionID, memberID); err != nil && !errors.Is(err, warperrors.ErrNotFound) {
		r.logger.Warn("revoke companion access failed", "pair", pair.ID, "member", memberID, "error", err)
	}

	n, err := r.provider.Occupancy(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("occupancy of %s: %w", resourceID, err)
	}
	if n > 0 {
		return nil
	}

	g, ok, err := r.store.Group(ctx, pair.GroupID)
	if err != nil {
		return fmt.Errorf("lookup group %s: %w", pair.GroupID, err)
	}
	if !ok {
		warperrors.Invariant("pair %s references missing group %s", pair.ID, pair.GroupID)
	}
	span.SetAttributes(attribute.String("spawn.group", g.ID))

	if err := r.teardown(ctx, pair); err != nil {
		return err
	}
	metrics.PairsDeleted.Inc()
	r.publish(ctx, watchbus.Change{Kind: watchbus.ChangeDeleted, GroupID: g.ID, PairID: pair.ID})
	r.logger.Info("pair deleted", "group", g.ID, "pair", pair.ID)

	_, err = r.Renumber(ctx, g.ID)
	return err
}

type resolved struct {
	pair      store.Pair
	primary   provider.Resource
	companion provider.Resource
	position  int
	stale     bool
}

// Renumber restores contiguous naming across the live pairs of groupID and
// keeps the primaries directly after the template in that order. Records
// whose primary or companion no longer resolves are deleted. Only resources
// whose name differs from the target are renamed, and primaries are moved
// only when the block is out of place, so a second pass without structural
// changes in between touches nothing.
func (r *Reconciler) Renumber(ctx context.Context, groupID string) (stats RenumberStats, err error) {
	ctx, span := tracer.Start(ctx, "Reconciler.Renumber", trace.WithAttributes(attribute.String("spawn.group", groupID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("spawn.live", stats.Live),
			attribute.Int("spawn.renamed", stats.Renamed),
			attribute.Int("spawn.pruned", stats.Pruned),
			attribute.Int("spawn.moved", stats.Moved),
		)
		endSpan(span, &err)
	}()

	g, ok, err := r.store.Group(ctx, groupID)
	if err != nil {
		return stats, fmt.Errorf("lookup group %s: %w", groupID, err)
	}
	if !ok {
		return stats, nil
	}
	pairs, err := r.store.Pairs(ctx, groupID)
	if err != nil {
		return stats, fmt.Errorf("list pairs of %s: %w", groupID, err)
	}

	items := make([]resolved, len(pairs))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(resolveLimit)
	for i, p := range pairs {
		eg.Go(func() error {
			item, err := r.resolve(ectx, p)
			items[i] = item
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return stats, err
	}

	live := items[:0]
	for _, it := range items {
		if !it.stale {
			live = append(live, it)
			continue
		}
		if err := r.store.DeletePair(ctx, it.pair.ID); err != nil {
			return stats, fmt.Errorf("prune pair %s: %w", it.pair.ID, err)
		}
		stats.Pruned++
		metrics.PairsPruned.Inc()
		r.publish(ctx, watchbus.Change{Kind: watchbus.ChangePruned, GroupID: groupID, PairID: it.pair.ID})
		r.logger.Info("stale pair pruned", "group", groupID, "pair", it.pair.ID)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].position != live[j].position {
			return live[i].position < live[j].position
		}
		return live[i].pair.ID < live[j].pair.ID
	})
	stats.Live = len(live)

	for i, it := range live {
		want := pairName(g.Name, i+1)
		changed := false
		if it.primary.Name != want {
			if err := r.provider.Rename(ctx, it.primary.ID, want); err != nil {
				return stats, fmt.Errorf("rename %s: %w", it.primary.ID, err)
			}
			stats.Renamed++
			metrics.Renames.Inc()
			changed = true
		}
		if it.companion.Name != want {
			if err := r.provider.Rename(ctx, it.companion.ID, want); err != nil {
				return stats, fmt.Errorf("rename %s: %w", it.companion.ID, err)
			}
			stats.Renamed++
			metrics.Renames.Inc()
		}
		if changed {
			r.publish(ctx, watchbus.Change{Kind: watchbus.ChangeRenamed, GroupID: groupID, PairID: it.pair.ID, Name: want})
		}
	}
	stats.Moved = r.layout(ctx, g, live)
	return stats, nil
}

// layout places live primaries right after the template, in naming order.
// Placement is cosmetic: failures are logged and the next pass retries.
func (r *Reconciler) layout(ctx context.Context, g store.Group, live []resolved) int {
	if len(live) == 0 {
		return 0
	}
	base, err := r.provider.Position(ctx, g.TemplateID)
	if err != nil {
		if !errors.Is(err, warperrors.ErrNotFound) {
			r.logger.Warn("template position failed", "group", g.ID, "template", g.TemplateID, "error", err)
		}
		return 0
	}
	inPlace := true
	for i, it := range live {
		if it.position != base+i+1 {
			inPlace = false
			break
		}
	}
	if inPlace {
		return 0
	}
	moved := 0
	anchor := g.TemplateID
	for _, it := range live {
		if err := r.provider.PlaceAfter(ctx, it.primary.ID, anchor); err != nil {
			r.logger.Warn("place pair failed", "group", g.ID, "pair", it.pair.ID, "after", anchor, "error", err)
			return moved
		}
		moved++
		anchor = it.primary.ID
	}
	return moved
}

func (r *Reconciler) resolve(ctx context.Context, p store.Pair) (resolved, error) {
	item := resolved{pair: p}
	primary, ok, err := r.provider.Lookup(ctx, p.ID)
	if err != nil {
		return item, fmt.Errorf("lookup %s: %w", p.ID, err)
	}
	if !ok {
		item.stale = true
		return item, nil
	}
	companion, ok, err := r.provider.Lookup(ctx, p.CompanionID)
	if err != nil {
		return item, fmt.Errorf("lookup %s: %w", p.CompanionID, err)
	}
	if !ok {
		item.stale = true
		return item, nil
	}
	pos, err := r.provider.Position(ctx, p.ID)
	if errors.Is(err, warperrors.ErrNotFound) {
		item.stale = true
		return item, nil
	}
	if err != nil {
		return item, fmt.Errorf("position of %s: %w", p.ID, err)
	}
	item.primary, item.companion, item.position = primary, companion, pos
	return item, nil
}

// teardown deletes the primary, then the companion, then the record. A
// failure leaves at worst a record pointing at deleted resources, which the
// next renumbering pass prunes.
func (r *Reconciler) teardown(ctx context.Context, p store.Pair) error {
	if err := r.provider.Delete(ctx, p.ID); err != nil {
		return fmt.Errorf("delete primary %s: %w", p.ID, err)
	}
	if err := r.provider.Delete(ctx, p.CompanionID); err != nil {
		return fmt.Errorf("delete companion %s: %w", p.CompanionID, err)
	}
	if err := r.store.DeletePair(ctx, p.ID); err != nil {
		return fmt.Errorf("delete pair record %s: %w", p.ID, err)
	}
	return nil
}

// discard deletes resources created for a pair that could not be
// completed. It runs detached from ctx's cancellation so that a timed out
// transition still cleans up after itself.
func (r *Reconciler) discard(ctx context.Context, ids ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		if err := r.provider.Delete(ctx, id); err != nil {
			r.logger.Error("discard orphan resource failed", "resource", id, "error", err)
		}
	}
}

// applyRoles adds or removes the roles linked to resourceID. Failures are
// logged; they never abandon the transition.
func (r *Reconciler) applyRoles(ctx context.Context, memberID, resourceID string, add bool) {
	links, err := r.store.Links(ctx, resourceID)
	if err != nil {
		r.logger.Warn("list role links failed", "resource", resourceID, "error", err)
		return
	}
	if len(links) == 0 {
		return
	}
	roles := make([]string, 0, len(links))
	for _, l := range links {
		ok, err := r.provider.RoleExists(ctx, l.RoleID)
		if err != nil {
			r.logger.Warn("resolve role failed", "role", l.RoleID, "error", err)
			continue
		}
		if ok {
			roles = append(roles, l.RoleID)
		}
	}
	if len(roles) == 0 {
		return
	}
	if add {
		err = r.provider.AddRoles(ctx, memberID, roles...)
	} else {
		err = r.provider.RemoveRoles(ctx, memberID, roles...)
	}
	if err != nil {
		r.logger.Warn("apply linked roles failed", "member", memberID, "resource", resourceID, "add", add, "error", err)
	}
}

func (r *Reconciler) publish(ctx context.Context, c watchbus.Change) {
	if r.bus == nil {
		return
	}
	if err := watchbus.PublishChange(context.WithoutCancel(ctx), r.bus, c); err != nil {
		r.logger.Warn("publish change failed", "group", c.GroupID, "kind", c.Kind, "error", err)
	}
}

func pairName(base string, n int) string {
	return fmt.Sprintf("%s %d", base, n)
}

func endSpan(span trace.Span, err *error) {
	if err != nil && *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	}
	span.End()
}
