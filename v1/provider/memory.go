package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

// Kind distinguishes the resource kinds of the in-memory platform.
type Kind int

const (
	KindCategory Kind = iota
	KindVoice
	KindText
)

// Platform limits enforced by Discord-like platforms.
const (
	DefaultMaxPerCategory = 50
	DefaultMaxTotal       = 500
)

// Hook runs before every Memory operation, outside the platform lock. A
// non-nil error fails the operation. Tests use it to inject faults or to
// hold an operation until released.
type Hook func(ctx context.Context, op string, ids ...string) error

// MoveFunc observes member moves, e.g. to feed them back as transitions.
type MoveFunc func(memberID, before, after string)

type memResource struct {
	Resource
	kind     Kind
	position int
	hidden   bool
	access   map[string]struct{}
}

// Memory is an in-process platform. Resources get identifiers "r1", "r2",
// ...; new resources are placed after every existing sibling of their
// category. Members live in at most one resource at a time.
type Memory struct {
	mu             sync.Mutex
	seq            int
	resources      map[string]*memResource
	location       map[string]string
	roles          map[string]map[string]struct{}
	knownRoles     map[string]struct{}
	calls          map[string]int
	maxPerCategory int
	maxTotal       int
	hook           Hook
	onMove         MoveFunc
}

// MemoryOption configures a Memory platform.
type MemoryOption func(*Memory)

// WithLimits sets the per-category and total resource ceilings.
func WithLimits(perCategory, total int) MemoryOption {
	return func(m *Memory) {
		m.maxPerCategory = perCategory
		m.maxTotal = total
	}
}

// WithHook installs a Hook.
func WithHook(h Hook) MemoryOption {
	return func(m *Memory) { m.hook = h }
}

// WithMoveObserver installs a MoveFunc. It is called on its own goroutine
// after every successful Move, the way a platform delivers state updates.
func WithMoveObserver(fn MoveFunc) MemoryOption {
	return func(m *Memory) { m.onMove = fn }
}

// NewMemory returns an empty platform.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		resources:      make(map[string]*memResource),
		location:       make(map[string]string),
		roles:          make(map[string]map[string]struct{}),
		knownRoles:     make(map[string]struct{}),
		calls:          make(map[string]int),
		maxPerCategory: DefaultMaxPerCategory,
		maxTotal:       DefaultMaxTotal,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetMoveObserver replaces the MoveFunc after construction.
func (m *Memory) SetMoveObserver(fn MoveFunc) {
	m.mu.Lock()
	m.onMove = fn
	m.mu.Unlock()
}

// AddResource seeds a resource with an explicit identifier and returns it.
func (m *Memory) AddResource(id, name, categoryID string, kind Kind) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(id, name, categoryID, kind)
	return id
}

// AddRole seeds a role.
func (m *Memory) AddRole(id string) {
	m.mu.Lock()
	m.knownRoles[id] = struct{}{}
	m.mu.Unlock()
}

// Place puts a member into a resource without notifying the move observer.
func (m *Memory) Place(memberID, resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if resourceID == "" {
		delete(m.location, memberID)
		return
	}
	m.location[memberID] = resourceID
}

// RemoveOutOfBand deletes a resource without counting a Delete call, as if
// an operator removed it on the platform.
func (m *Memory) RemoveOutOfBand(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Location returns the resource a member is in, or "".
func (m *Memory) Location(memberID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location[memberID]
}

// Roles returns the sorted roles of a member.
func (m *Memory) Roles(memberID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.roles[memberID])
}

// HasAccess reports whether a member was granted access to a resource.
func (m *Memory) HasAccess(resourceID, memberID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return false
	}
	_, ok = r.access[memberID]
	return ok
}

// IsHidden reports whether a resource was created hidden.
func (m *Memory) IsHidden(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	return ok && r.hidden
}

// Names returns the names of resources of kind in categoryID ordered by
// position.
func (m *Memory) Names(kind Kind, categoryID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rs []*memResource
	for _, r := range m.resources {
		if r.kind == kind && r.CategoryID == categoryID {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].position < rs[j].position })
	names := make([]string, len(rs))
	for i, r := range rs {
		names[i] = r.Name
	}
	return names
}

// Count returns the number of resources.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resources)
}

func (m *Memory) begin(ctx context.Context, op string, ids ...string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, op, ids...); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (m *Memory) insert(id, name, categoryID string, kind Kind) *memResource {
	pos := 0
	for _, r := range m.resources {
		if r.CategoryID == categoryID && r.position >= pos {
			pos = r.position + 1
		}
	}
	r := &memResource{
		Resource: Resource{ID: id, Name: name, CategoryID: categoryID},
		kind:     kind,
		position: pos,
		access:   make(map[string]struct{}),
	}
	m.resources[id] = r
	return r
}

func (m *Memory) nextID() string {
	for {
		m.seq++
		id := "r" + strconv.Itoa(m.seq)
		if _, taken := m.resources[id]; !taken {
			return id
		}
	}
}

func (m *Memory) remove(id string) {
	delete(m.resources, id)
	for member, loc := range m.location {
		if loc == id {
			delete(m.location, member)
		}
	}
}

func notFound(id string) error {
	return fmt.Errorf("%w: resource %s", warperrors.ErrNotFound, id)
}

// CloneTemplate implements Resources.CloneTemplate.
func (m *Memory) CloneTemplate(ctx context.Context, templateID, name string) (string, error) {
	if err := m.begin(ctx, "clone", templateID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.resources[templateID]
	if !ok {
		return "", notFound(templateID)
	}
	r := m.insert(m.nextID(), name, t.CategoryID, t.kind)
	return r.ID, nil
}

// CreateCompanion implements Resources.CreateCompanion.
func (m *Memory) CreateCompanion(ctx context.Context, parentID, name string, vis Visibility) (string, error) {
	if err := m.begin(ctx, "companion", parentID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentID != "" {
		if _, ok := m.resources[parentID]; !ok {
			return "", notFound(parentID)
		}
	}
	r := m.insert(m.nextID(), name, parentID, KindText)
	r.hidden = vis == VisibilityHidden
	return r.ID, nil
}

// Rename implements Resources.Rename.
func (m *Memory) Rename(ctx context.Context, id, name string) error {
	if err := m.begin(ctx, "rename", id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return notFound(id)
	}
	r.Name = name
	return nil
}

// Delete implements Resources.Delete.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := m.begin(ctx, "delete", id); err != nil {
		return err
	}
	m.mu.Lock()
	m.remove(id)
	m.mu.Unlock()
	return nil
}

// Lookup implements Resources.Lookup.
func (m *Memory) Lookup(ctx context.Context, id string) (Resource, bool, error) {
	if err := m.begin(ctx, "lookup", id); err != nil {
		return Resource{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return Resource{}, false, nil
	}
	return r.Resource, true, nil
}

// Occupancy implements Resources.Occupancy.
func (m *Memory) Occupancy(ctx context.Context, id string) (int, error) {
	if err := m.begin(ctx, "occupancy", id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, loc := range m.location {
		if loc == id {
			n++
		}
	}
	return n, nil
}

// siblings returns the resources sharing r's category and kind, ordered
// by position.
func (m *Memory) siblings(r *memResource) []*memResource {
	var out []*memResource
	for _, s := range m.resources {
		if s.kind == r.kind && s.CategoryID == r.CategoryID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].position < out[j].position })
	return out
}

// Position implements Resources.Position. The ordinal counts siblings of
// the same kind only, as voice and text lists are ordered separately.
func (m *Memory) Position(ctx context.Context, id string) (int, error) {
	if err := m.begin(ctx, "position", id); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return 0, notFound(id)
	}
	for i, s := range m.siblings(r) {
		if s == r {
			return i, nil
		}
	}
	return 0, notFound(id)
}

// PlaceAfter implements Resources.PlaceAfter.
func (m *Memory) PlaceAfter(ctx context.Context, id, anchorID string) error {
	if err := m.begin(ctx, "place", id, anchorID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[id]
	if !ok {
		return notFound(id)
	}
	a, ok := m.resources[anchorID]
	if !ok {
		return notFound(anchorID)
	}
	if r == a || r.kind != a.kind || r.CategoryID != a.CategoryID {
		return fmt.Errorf("place %s after %s: not siblings", id, anchorID)
	}
	sibs := m.siblings(r)
	slots := make([]int, len(sibs))
	order := make([]*memResource, 0, len(sibs))
	for i, s := range sibs {
		slots[i] = s.position
		if s == r {
			continue
		}
		order = append(order, s)
		if s == a {
			order = append(order, r)
		}
	}
	for i, s := range order {
		s.position = slots[i]
	}
	return nil
}

// CapacityExceeded implements Resources.CapacityExceeded.
func (m *Memory) CapacityExceeded(ctx context.Context, categoryID string) (bool, error) {
	if err := m.begin(ctx, "capacity", categoryID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.resources) >= m.maxTotal {
		return true, nil
	}
	if categoryID == "" {
		return false, nil
	}
	n := 0
	for _, r := range m.resources {
		if r.CategoryID == categoryID {
			n++
		}
	}
	return n >= m.maxPerCategory, nil
}

// MembersOf implements Members.MembersOf.
func (m *Memory) MembersOf(ctx context.Context, resourceID string) ([]string, error) {
	if err := m.begin(ctx, "members", resourceID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for member, loc := range m.location {
		if loc == resourceID {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Move implements Members.Move.
func (m *Memory) Move(ctx context.Context, memberID, resourceID string) error {
	if err := m.begin(ctx, "move", memberID, resourceID); err != nil {
		return err
	}
	m.mu.Lock()
	if resourceID != "" {
		if _, ok := m.resources[resourceID]; !ok {
			m.mu.Unlock()
			return notFound(resourceID)
		}
	}
	before := m.location[memberID]
	if resourceID == "" {
		delete(m.location, memberID)
	} else {
		m.location[memberID] = resourceID
	}
	onMove := m.onMove
	m.mu.Unlock()
	if onMove != nil && before != resourceID {
		go onMove(memberID, before, resourceID)
	}
	return nil
}

// GrantAccess implements Members.GrantAccess.
func (m *Memory) GrantAccess(ctx context.Context, resourceID, memberID string) error {
	if err := m.begin(ctx, "grant", resourceID, memberID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return notFound(resourceID)
	}
	r.access[memberID] = struct{}{}
	return nil
}

// RevokeAccess implements Members.RevokeAccess.
func (m *Memory) RevokeAccess(ctx context.Context, resourceID, memberID string) error {
	if err := m.begin(ctx, "revoke", resourceID, memberID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[resourceID]
	if !ok {
		return notFound(resourceID)
	}
	delete(r.access, memberID)
	return nil
}

// AddRoles implements Members.AddRoles.
func (m *Memory) AddRoles(ctx context.Context, memberID string, roleIDs ...string) error {
	if err := m.begin(ctx, "add-roles", append([]string{memberID}, roleIDs...)...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.roles[memberID]
	if set == nil {
		set = make(map[string]struct{})
		m.roles[memberID] = set
	}
	for _, id := range roleIDs {
		set[id] = struct{}{}
	}
	return nil
}

// RemoveRoles implements Members.RemoveRoles.
func (m *Memory) RemoveRoles(ctx context.Context, memberID string, roleIDs ...string) error {
	if err := m.begin(ctx, "remove-roles", append([]string{memberID}, roleIDs...)...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range roleIDs {
		delete(m.roles[memberID], id)
	}
	return nil
}

// RoleExists implements Members.RoleExists.
func (m *Memory) RoleExists(ctx context.Context, roleID string) (bool, error) {
	if err := m.begin(ctx, "role-exists", roleID); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.knownRoles[roleID]
	return ok, nil
}

// RoleMembers implements Members.RoleMembers.
func (m *Memory) RoleMembers(ctx context.Context, roleID string) ([]string, error) {
	if err := m.begin(ctx, "role-members", roleID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for member, set := range m.roles {
		if _, ok := set[roleID]; ok {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
