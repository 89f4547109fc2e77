package store

import (
	"context"
	"fmt"
	"sync"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

// InMemory is a Store backed by maps. It is empty when created and holds no
// state beyond the life of the process.
type InMemory struct {
	mu         sync.RWMutex
	groups     map[string]Group
	byTemplate map[string]string
	pairs      map[string]Pair
	links      map[RoleLink]struct{}
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		groups:     make(map[string]Group),
		byTemplate: make(map[string]string),
		pairs:      make(map[string]Pair),
		links:      make(map[RoleLink]struct{}),
	}
}

// PutGroup implements Store.PutGroup.
func (s *InMemory) PutGroup(ctx context.Context, g Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byTemplate[g.TemplateID]; ok && id != g.ID {
		return fmt.Errorf("%w: template %s belongs to group %s", warperrors.ErrAlreadyExists, g.TemplateID, id)
	}
	if old, ok := s.groups[g.ID]; ok {
		delete(s.byTemplate, old.TemplateID)
	}
	s.groups[g.ID] = g
	s.byTemplate[g.TemplateID] = g.ID
	return nil
}

// Group implements Store.Group.
func (s *InMemory) Group(ctx context.Context, id string) (Group, bool, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, false, err
	}
	s.mu.RLock()
	g, ok := s.groups[id]
	s.mu.RUnlock()
	return g, ok, nil
}

// GroupByTemplate implements Store.GroupByTemplate.
func (s *InMemory) GroupByTemplate(ctx context.Context, templateID string) (Group, bool, error) {
	if err := ctx.Err(); err != nil {
		return Group{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTemplate[templateID]
	if !ok {
		return Group{}, false, nil
	}
	return s.groups[id], true, nil
}

// Groups implements Store.Groups.
func (s *InMemory) Groups(ctx context.Context) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	s.mu.RUnlock()
	sortGroups(out)
	return out, nil
}

// DeleteGroup implements Store.DeleteGroup.
func (s *InMemory) DeleteGroup(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil
	}
	for pid, p := range s.pairs {
		if p.GroupID == id {
			delete(s.pairs, pid)
		}
	}
	delete(s.byTemplate, g.TemplateID)
	delete(s.groups, id)
	return nil
}

// PutPair implements Store.PutPair.
func (s *InMemory) PutPair(ctx context.Context, p Pair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[p.GroupID]; !ok {
		return fmt.Errorf("%w: group %s", warperrors.ErrNotFound, p.GroupID)
	}
	s.pairs[p.ID] = p
	return nil
}

// Pair implements Store.Pair.
func (s *InMemory) Pair(ctx context.Context, id string) (Pair, bool, error) {
	if err := ctx.Err(); err != nil {
		return Pair{}, false, err
	}
	s.mu.RLock()
	p, ok := s.pairs[id]
	s.mu.RUnlock()
	return p, ok, nil
}

// Pairs implements Store.Pairs.
func (s *InMemory) Pairs(ctx context.Context, groupID string) ([]Pair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []Pair
	for _, p := range s.pairs {
		if p.GroupID == groupID {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()
	sortPairs(out)
	return out, nil
}

// DeletePair implements Store.DeletePair.
func (s *InMemory) DeletePair(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.pairs, id)
	s.mu.Unlock()
	return nil
}

// PutLink implements Store.PutLink.
func (s *InMemory) PutLink(ctx context.Context, l RoleLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.links[l] = struct{}{}
	s.mu.Unlock()
	return nil
}

// DeleteLink implements Store.DeleteLink.
func (s *InMemory) DeleteLink(ctx context.Context, l RoleLink) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.links, l)
	s.mu.Unlock()
	return nil
}

// Links implements Store.Links.
func (s *InMemory) Links(ctx context.Context, resourceID string) ([]RoleLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []RoleLink
	for l := range s.links {
		if l.ResourceID == resourceID {
			out = append(out, l)
		}
	}
	s.mu.RUnlock()
	sortLinks(out)
	return out, nil
}

// AllLinks implements Store.AllLinks.
func (s *InMemory) AllLinks(ctx context.Context) ([]RoleLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]RoleLink, 0, len(s.links))
	for l := range s.links {
		out = append(out, l)
	}
	s.mu.RUnlock()
	sortLinks(out)
	return out, nil
}
