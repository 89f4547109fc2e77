package spawn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/metrics"
	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

const templatePrefix = "New "

var trailingNumber = regexp.MustCompile(`^(.*?) ?\d*$`)

// GroupInfo is a group together with its number of pair records.
type GroupInfo struct {
	store.Group
	Pairs int `json:"pairs"`
}

// Manager implements the management operations. Every operation that
// touches a group's structure takes the same resource locks as the Router.
type Manager struct {
	store    store.Store
	provider provider.Provider
	locks    lock.Locker
	rec      *Reconciler
	logger   *slog.Logger
	bus      watchbus.WatchBus
}

// NewManager returns a Manager sharing rec's store and provider.
func NewManager(locks lock.Locker, rec *Reconciler, opts ...Option) *Manager {
	s := newSettings("manager", opts)
	return &Manager{
		store:    rec.store,
		provider: rec.provider,
		locks:    locks,
		rec:      rec,
		logger:   s.logger,
		bus:      s.bus,
	}
}

func (m *Manager) locked(ctx context.Context, key string, fn func() error) error {
	if err := m.locks.Acquire(ctx, key); err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	defer func() {
		if err := m.locks.Release(context.WithoutCancel(ctx), key); err != nil {
			m.logger.Error("release failed", "resource", key, "error", err)
		}
	}()
	return fn()
}

// BaseName strips a trailing number from a resource name: "Room 3" becomes
// "Room".
func BaseName(name string) string {
	return strings.TrimSpace(trailingNumber.FindStringSubmatch(name)[1])
}

// CreateGroup turns templateID into a group template. An empty displayName
// is derived from the template's current name. The template is renamed to
// "New <displayName>".
func (m *Manager) CreateGroup(ctx context.Context, templateID, displayName string) (store.Group, error) {
	var g store.Group
	err := m.locked(ctx, templateID, func() error {
		tpl, ok, err := m.provider.Lookup(ctx, templateID)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", templateID, err)
		}
		if !ok {
			return fmt.Errorf("resource %s: %w", templateID, warperrors.ErrNotFound)
		}
		if _, ok, err := m.store.GroupByTemplate(ctx, templateID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("resource %s is a group template: %w", templateID, warperrors.ErrAlreadyExists)
		}
		if _, ok, err := m.store.Pair(ctx, templateID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("resource %s is a spawned pair: %w", templateID, warperrors.ErrAlreadyExists)
		}

		name := strings.TrimSpace(displayName)
		if name == "" {
			name = BaseName(tpl.Name)
		}
		if name == "" {
			name = tpl.Name
		}
		g = store.Group{ID: uuid.NewString(), TemplateID: templateID, Name: name}
		if err := m.store.PutGroup(ctx, g); err != nil {
			return fmt.Errorf("persist group: %w", err)
		}
		if err := m.provider.Rename(ctx, templateID, templatePrefix+name); err != nil {
			if derr := m.store.DeleteGroup(context.WithoutCancel(ctx), g.ID); derr != nil {
				m.logger.Error("roll back group failed", "group", g.ID, "error", derr)
			}
			return fmt.Errorf("rename template %s: %w", templateID, err)
		}
		return nil
	})
	if err != nil {
		return store.Group{}, err
	}
	m.logger.Info("group created", "group", g.ID, "template", templateID, "name", g.Name)
	return g, nil
}

// DeleteGroup tears down every pair of the group, removes the group and
// renames the template back to the display name.
func (m *Manager) DeleteGroup(ctx context.Context, groupID string) error {
	g, ok, err := m.store.Group(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, warperrors.ErrNotFound)
	}
	if err := m.cascade(ctx, g); err != nil {
		return err
	}
	m.logger.Info("group deleted", "group", g.ID, "template", g.TemplateID)
	return nil
}

// cascade holds the template's lock for the whole deletion and each pair's
// lock while that pair is torn down, so it serializes with transitions on
// any of them. The group record goes last.
func (m *Manager) cascade(ctx context.Context, g store.Group) error {
	err := m.locked(ctx, g.TemplateID, func() error {
		if _, ok, err := m.store.Group(ctx, g.ID); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("group %s: %w", g.ID, warperrors.ErrNotFound)
		}
		pairs, err := m.store.Pairs(ctx, g.ID)
		if err != nil {
			return fmt.Errorf("list pairs of %s: %w", g.ID, err)
		}
		for _, p := range pairs {
			torn := false
			err := m.locked(ctx, p.ID, func() error {
				// A leave holding this lock may already have torn it down.
				cur, ok, err := m.store.Pair(ctx, p.ID)
				if err != nil || !ok {
					return err
				}
				torn = true
				return m.rec.teardown(ctx, cur)
			})
			if err != nil {
				return err
			}
			if torn {
				metrics.PairsDeleted.Inc()
				m.rec.publish(ctx, watchbus.Change{Kind: watchbus.ChangeDeleted, GroupID: g.ID, PairID: p.ID})
			}
		}
		if err := m.store.DeleteGroup(ctx, g.ID); err != nil {
			return fmt.Errorf("delete group %s: %w", g.ID, err)
		}
		_, ok, err := m.provider.Lookup(ctx, g.TemplateID)
		if err != nil {
			return fmt.Errorf("lookup template %s: %w", g.TemplateID, err)
		}
		if ok {
			if err := m.provider.Rename(ctx, g.TemplateID, g.Name); err != nil {
				m.logger.Warn("restore template name failed", "template", g.TemplateID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.rec.publish(ctx, watchbus.Change{Kind: watchbus.ChangeGroupDeleted, GroupID: g.ID})
	return nil
}

// ListGroups returns every group whose template still resolves. Groups whose
// template vanished are deleted through the same cascade as DeleteGroup.
func (m *Manager) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	groups, err := m.store.Groups(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		_, ok, err := m.provider.Lookup(ctx, g.TemplateID)
		if err != nil {
			return nil, fmt.Errorf("lookup template %s: %w", g.TemplateID, err)
		}
		if !ok {
			if err := m.cascade(ctx, g); err != nil && !errors.Is(err, warperrors.ErrNotFound) {
				return nil, fmt.Errorf("prune group %s: %w", g.ID, err)
			}
			m.logger.Info("group pruned", "group", g.ID, "template", g.TemplateID)
			continue
		}
		pairs, err := m.store.Pairs(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, GroupInfo{Group: g, Pairs: len(pairs)})
	}
	return out, nil
}

// Renumber runs a renumbering pass for groupID under its template's lock.
func (m *Manager) Renumber(ctx context.Context, groupID string) (RenumberStats, error) {
	g, ok, err := m.store.Group(ctx, groupID)
	if err != nil {
		return RenumberStats{}, err
	}
	if !ok {
		return RenumberStats{}, fmt.Errorf("group %s: %w", groupID, warperrors.ErrNotFound)
	}
	var stats RenumberStats
	err = m.locked(ctx, g.TemplateID, func() error {
		var err error
		stats, err = m.rec.Renumber(ctx, groupID)
		return err
	})
	return stats, err
}

// AddLink links roleID to resourceID and grants the role to the members
// currently in the resource.
func (m *Manager) AddLink(ctx context.Context, roleID, resourceID string) error {
	return m.locked(ctx, resourceID, func() error {
		if err := m.checkLink(ctx, roleID, resourceID); err != nil {
			return err
		}
		links, err := m.store.Links(ctx, resourceID)
		if err != nil {
			return err
		}
		for _, l := range links {
			if l.RoleID == roleID {
				return fmt.Errorf("link %s -> %s: %w", roleID, resourceID, warperrors.ErrAlreadyExists)
			}
		}
		if err := m.store.PutLink(ctx, store.RoleLink{RoleID: roleID, ResourceID: resourceID}); err != nil {
			return err
		}
		m.forMembers(ctx, resourceID, func(member string) error {
			return m.provider.AddRoles(ctx, member, roleID)
		})
		return nil
	})
}

// RemoveLink removes the link and the role from the members currently in
// the resource.
func (m *Manager) RemoveLink(ctx context.Context, roleID, resourceID string) error {
	return m.locked(ctx, resourceID, func() error {
		links, err := m.store.Links(ctx, resourceID)
		if err != nil {
			return err
		}
		found := false
		for _, l := range links {
			found = found || l.RoleID == roleID
		}
		if !found {
			return fmt.Errorf("link %s -> %s: %w", roleID, resourceID, warperrors.ErrNotFound)
		}
		if err := m.store.DeleteLink(ctx, store.RoleLink{RoleID: roleID, ResourceID: resourceID}); err != nil {
			return err
		}
		m.forMembers(ctx, resourceID, func(member string) error {
			return m.provider.RemoveRoles(ctx, member, roleID)
		})
		return nil
	})
}

// ListLinks returns every link whose role and resource still exist. Other
// links are deleted.
func (m *Manager) ListLinks(ctx context.Context) ([]store.RoleLink, error) {
	links, err := m.store.AllLinks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]store.RoleLink, 0, len(links))
	for _, l := range links {
		err := m.checkLink(ctx, l.RoleID, l.ResourceID)
		if errors.Is(err, warperrors.ErrNotFound) {
			if err := m.store.DeleteLink(ctx, l); err != nil {
				return nil, err
			}
			m.logger.Info("role link pruned", "role", l.RoleID, "resource", l.ResourceID)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

// SyncRoles brings linked roles in line with current occupancy: members in
// a linked resource get its roles and every other holder of a linked role
// loses it. spawnd runs it once before transitions start flowing, since
// moves made while it was down were never seen.
func (m *Manager) SyncRoles(ctx context.Context) error {
	links, err := m.ListLinks(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]map[string]bool)
	for _, l := range links {
		if want[l.RoleID] == nil {
			want[l.RoleID] = make(map[string]bool)
		}
		members, err := m.provider.MembersOf(ctx, l.ResourceID)
		if err != nil {
			return fmt.Errorf("members of %s: %w", l.ResourceID, err)
		}
		for _, member := range members {
			want[l.RoleID][member] = true
		}
	}
	roles := make([]string, 0, len(want))
	for role := range want {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		holders, err := m.provider.RoleMembers(ctx, role)
		if err != nil {
			return fmt.Errorf("holders of %s: %w", role, err)
		}
		has := make(map[string]bool, len(holders))
		for _, h := range holders {
			has[h] = true
			if want[role][h] {
				continue
			}
			if err := m.provider.RemoveRoles(ctx, h, role); err != nil {
				m.logger.Warn("remove stale role failed", "member", h, "role", role, "error", err)
			}
		}
		members := make([]string, 0, len(want[role]))
		for member := range want[role] {
			if !has[member] {
				members = append(members, member)
			}
		}
		sort.Strings(members)
		for _, member := range members {
			if err := m.provider.AddRoles(ctx, member, role); err != nil {
				m.logger.Warn("add linked role failed", "member", member, "role", role, "error", err)
			}
		}
	}
	m.logger.Info("linked roles synced", "roles", len(roles))
	return nil
}

func (m *Manager) checkLink(ctx context.Context, roleID, resourceID string) error {
	ok, err := m.provider.RoleExists(ctx, roleID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role %s: %w", roleID, warperrors.ErrNotFound)
	}
	_, ok, err = m.provider.Lookup(ctx, resourceID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("resource %s: %w", resourceID, warperrors.ErrNotFound)
	}
	return nil
}

func (m *Manager) forMembers(ctx context.Context, resourceID string, fn func(member string) error) {
	members, err := m.provider.MembersOf(ctx, resourceID)
	if err != nil {
		m.logger.Warn("list members failed", "resource", resourceID, "error", err)
		return
	}
	for _, member := range members {
		if err := fn(member); err != nil {
			m.logger.Warn("update member roles failed", "member", member, "resource", resourceID, "error", err)
		}
	}
}
