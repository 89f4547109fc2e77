package store

import (
	"context"
	"sort"
)

// Group binds a template resource to the base name of the pairs it spawns.
type Group struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
}

// Pair is a spawned primary resource and its companion. ID is the primary
// resource identifier.
type Pair struct {
	ID          string `json:"id"`
	GroupID     string `json:"group_id"`
	CompanionID string `json:"companion_id"`
}

// RoleLink grants RoleID to every member occupying ResourceID.
type RoleLink struct {
	RoleID     string `json:"role_id"`
	ResourceID string `json:"resource_id"`
}

// Store is the persistence contract used by the reconciler and the manager.
type Store interface {
	// PutGroup creates or replaces a group. It fails with ErrAlreadyExists
	// when another group already uses the same template.
	PutGroup(ctx context.Context, g Group) error
	Group(ctx context.Context, id string) (Group, bool, error)
	GroupByTemplate(ctx context.Context, templateID string) (Group, bool, error)
	Groups(ctx context.Context) ([]Group, error)
	// DeleteGroup removes the group and every pair record it owns.
	DeleteGroup(ctx context.Context, id string) error

	// PutPair creates or replaces a pair. It fails with ErrNotFound when the
	// owning group does not exist.
	PutPair(ctx context.Context, p Pair) error
	Pair(ctx context.Context, id string) (Pair, bool, error)
	Pairs(ctx context.Context, groupID string) ([]Pair, error)
	DeletePair(ctx context.Context, id string) error

	PutLink(ctx context.Context, l RoleLink) error
	DeleteLink(ctx context.Context, l RoleLink) error
	Links(ctx context.Context, resourceID string) ([]RoleLink, error)
	AllLinks(ctx context.Context) ([]RoleLink, error)
}

func sortGroups(gs []Group) {
	sort.Slice(gs, func(i, j int) bool { return gs[i].ID < gs[j].ID })
}

func sortPairs(ps []Pair) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
}

func sortLinks(ls []RoleLink) {
	sort.Slice(ls, func(i, j int) bool {
		if ls[i].ResourceID != ls[j].ResourceID {
			return ls[i].ResourceID < ls[j].ResourceID
		}
		return ls[i].RoleID < ls[j].RoleID
	})
}
