// Package provider defines the platform operations the spawn core consumes:
// resource creation, renaming, deletion and inspection, plus the member side
// effects applied on joins and leaves. Implementations talk to a chat
// platform; Memory simulates one in-process.
package provider

import "context"

// Visibility controls who can see a companion resource.
type Visibility int

const (
	// VisibilityPublic leaves the companion visible to everyone.
	VisibilityPublic Visibility = iota
	// VisibilityHidden hides the companion except from members granted access.
	VisibilityHidden
)

func (v Visibility) String() string {
	if v == VisibilityHidden {
		return "hidden"
	}
	return "public"
}

// Resource is a platform resource as seen by the core.
type Resource struct {
	ID         string
	Name       string
	CategoryID string
}

// Resources manages the two resource kinds of a spawned pair.
type Resources interface {
	// CloneTemplate creates a primary resource shaped like the template and
	// returns its identifier.
	CloneTemplate(ctx context.Context, templateID, name string) (string, error)
	// CreateCompanion creates a companion resource under parentID, which is
	// a category or empty for the top level.
	CreateCompanion(ctx context.Context, parentID, name string, vis Visibility) (string, error)
	Rename(ctx context.Context, id, name string) error
	// Delete removes a resource. Deleting a missing resource is not an error.
	Delete(ctx context.Context, id string) error
	// Lookup resolves a resource. The boolean reports whether it exists.
	Lookup(ctx context.Context, id string) (Resource, bool, error)
	// Occupancy returns the live number of members in a resource.
	Occupancy(ctx context.Context, id string) (int, error)
	// Position returns the ordinal of a resource among its siblings.
	Position(ctx context.Context, id string) (int, error)
	// PlaceAfter moves id directly after anchorID among their siblings.
	// Siblings keep their relative order.
	PlaceAfter(ctx context.Context, id, anchorID string) error
	// CapacityExceeded reports whether no further resource may be created in
	// categoryID.
	CapacityExceeded(ctx context.Context, categoryID string) (bool, error)
}

// Members applies member side effects.
type Members interface {
	// MembersOf lists the members currently in a resource.
	MembersOf(ctx context.Context, resourceID string) ([]string, error)
	// Move places a member into resourceID. An empty resourceID disconnects.
	Move(ctx context.Context, memberID, resourceID string) error
	GrantAccess(ctx context.Context, resourceID, memberID string) error
	RevokeAccess(ctx context.Context, resourceID, memberID string) error
	AddRoles(ctx context.Context, memberID string, roleIDs ...string) error
	RemoveRoles(ctx context.Context, memberID string, roleIDs ...string) error
	RoleExists(ctx context.Context, roleID string) (bool, error)
	// RoleMembers lists the members holding roleID.
	RoleMembers(ctx context.Context, roleID string) ([]string, error)
}

// Provider is the full platform surface.
type Provider interface {
	Resources
	Members
}
