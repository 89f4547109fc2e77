package store

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

const defaultCacheTTL = 30 * time.Second

type cachedGroup struct {
	group Group
	found bool
}

type cachedPair struct {
	pair  Pair
	found bool
}

// Cached wraps a Store with a read-through cache for GroupByTemplate and
// Pair, the two lookups made for every membership transition. Absent results
// are cached too, since most resources are not managed. Writes made through
// Cached invalidate the affected entries; writes made by other processes are
// seen once the TTL expires.
type Cached struct {
	Store
	c   *ristretto.Cache
	ttl time.Duration
}

// CachedOption configures a Cached store.
type CachedOption func(*cachedOptions)

type cachedOptions struct {
	ttl     time.Duration
	entries int64
}

// WithCacheTTL sets how long a lookup result is served from the cache.
func WithCacheTTL(d time.Duration) CachedOption {
	return func(o *cachedOptions) { o.ttl = d }
}

// WithCacheEntries bounds the number of cached lookups.
func WithCacheEntries(n int64) CachedOption {
	return func(o *cachedOptions) { o.entries = n }
}

// NewCached returns inner wrapped with a ristretto cache.
func NewCached(inner Store, opts ...CachedOption) (*Cached, error) {
	o := cachedOptions{ttl: defaultCacheTTL, entries: 1 << 14}
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: o.entries * 10,
		MaxCost:     o.entries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{Store: inner, c: rc, ttl: o.ttl}, nil
}

func templateCacheKey(id string) string { return "t:" + id }
func pairCacheKey(id string) string     { return "p:" + id }

// GroupByTemplate implements Store.GroupByTemplate.
func (s *Cached) GroupByTemplate(ctx context.Context, templateID string) (Group, bool, error) {
	if v, ok := s.c.Get(templateCacheKey(templateID)); ok {
		if cg, ok := v.(cachedGroup); ok {
			return cg.group, cg.found, nil
		}
	}
	g, found, err := s.Store.GroupByTemplate(ctx, templateID)
	if err != nil {
		return Group{}, false, err
	}
	s.c.SetWithTTL(templateCacheKey(templateID), cachedGroup{group: g, found: found}, 1, s.ttl)
	s.c.Wait()
	return g, found, nil
}

// Pair implements Store.Pair.
func (s *Cached) Pair(ctx context.Context, id string) (Pair, bool, error) {
	if v, ok := s.c.Get(pairCacheKey(id)); ok {
		if cp, ok := v.(cachedPair); ok {
			return cp.pair, cp.found, nil
		}
	}
	p, found, err := s.Store.Pair(ctx, id)
	if err != nil {
		return Pair{}, false, err
	}
	s.c.SetWithTTL(pairCacheKey(id), cachedPair{pair: p, found: found}, 1, s.ttl)
	s.c.Wait()
	return p, found, nil
}

// PutGroup implements Store.PutGroup.
func (s *Cached) PutGroup(ctx context.Context, g Group) error {
	old, found, err := s.Store.Group(ctx, g.ID)
	if err != nil {
		return err
	}
	err = s.Store.PutGroup(ctx, g)
	if found {
		s.c.Del(templateCacheKey(old.TemplateID))
	}
	s.c.Del(templateCacheKey(g.TemplateID))
	s.c.Wait()
	return err
}

// DeleteGroup implements Store.DeleteGroup.
func (s *Cached) DeleteGroup(ctx context.Context, id string) error {
	g, found, err := s.Store.Group(ctx, id)
	if err != nil || !found {
		return err
	}
	pairs, err := s.Store.Pairs(ctx, id)
	if err != nil {
		return err
	}
	err = s.Store.DeleteGroup(ctx, id)
	s.c.Del(templateCacheKey(g.TemplateID))
	for _, p := range pairs {
		s.c.Del(pairCacheKey(p.ID))
	}
	s.c.Wait()
	return err
}

// PutPair implements Store.PutPair.
func (s *Cached) PutPair(ctx context.Context, p Pair) error {
	err := s.Store.PutPair(ctx, p)
	s.c.Del(pairCacheKey(p.ID))
	s.c.Wait()
	return err
}

// DeletePair implements Store.DeletePair.
func (s *Cached) DeletePair(ctx context.Context, id string) error {
	err := s.Store.DeletePair(ctx, id)
	s.c.Del(pairCacheKey(id))
	s.c.Wait()
	return err
}

// Close releases the cache.
func (s *Cached) Close() {
	s.c.Close()
}
