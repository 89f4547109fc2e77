package store

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisPrefix    = "spawn:"
)

// Redis implements Store on a Redis database. Records are JSON strings;
// index sets keep the group list, the pairs of each group and the linked
// resources.
type Redis struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*redisOptions)

type redisOptions struct {
	prefix  string
	timeout time.Duration
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(p string) RedisOption {
	return func(o *redisOptions) { o.prefix = p }
}

// WithRedisTimeout sets the timeout applied to every operation.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(o *redisOptions) { o.timeout = d }
}

// NewRedis returns a Redis store using client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	o := redisOptions{prefix: defaultRedisPrefix, timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Redis{client: client, prefix: o.prefix, timeout: o.timeout}
}

func (s *Redis) groupKey(id string) string       { return s.prefix + "group:" + id }
func (s *Redis) templateKey(id string) string    { return s.prefix + "template:" + id }
func (s *Redis) groupsKey() string               { return s.prefix + "groups" }
func (s *Redis) pairKey(id string) string        { return s.prefix + "pair:" + id }
func (s *Redis) groupPairsKey(id string) string  { return s.prefix + "group-pairs:" + id }
func (s *Redis) linksKey(resource string) string { return s.prefix + "links:" + resource }
func (s *Redis) linkedKey() string               { return s.prefix + "linked" }

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

func getJSON[T any](ctx context.Context, c *redis.Client, key string) (T, bool, error) {
	var v T
	data, err := c.Get(ctx, key).Bytes()
	if stdErrors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, mapErr(err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, false, err
	}
	return v, true, nil
}

// PutGroup implements Store.PutGroup.
func (s *Redis) PutGroup(ctx context.Context, g Group) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	claimed, err := s.client.SetNX(cctx, s.templateKey(g.TemplateID), g.ID, 0).Result()
	if err != nil {
		return mapErr(err)
	}
	if !claimed {
		owner, err := s.client.Get(cctx, s.templateKey(g.TemplateID)).Result()
		if err != nil && !stdErrors.Is(err, redis.Nil) {
			return mapErr(err)
		}
		if owner != g.ID {
			return fmt.Errorf("%w: template %s belongs to group %s", warperrors.ErrAlreadyExists, g.TemplateID, owner)
		}
	}
	old, found, err := getJSON[Group](cctx, s.client, s.groupKey(g.ID))
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	if found && old.TemplateID != g.TemplateID {
		pipe.Del(cctx, s.templateKey(old.TemplateID))
	}
	pipe.Set(cctx, s.groupKey(g.ID), data, 0)
	pipe.SAdd(cctx, s.groupsKey(), g.ID)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// Group implements Store.Group.
func (s *Redis) Group(ctx context.Context, id string) (Group, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return Group{}, false, err
	}
	defer cancel()
	return getJSON[Group](cctx, s.client, s.groupKey(id))
}

// GroupByTemplate implements Store.GroupByTemplate.
func (s *Redis) GroupByTemplate(ctx context.Context, templateID string) (Group, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return Group{}, false, err
	}
	defer cancel()
	id, err := s.client.Get(cctx, s.templateKey(templateID)).Result()
	if stdErrors.Is(err, redis.Nil) {
		return Group{}, false, nil
	}
	if err != nil {
		return Group{}, false, mapErr(err)
	}
	return getJSON[Group](cctx, s.client, s.groupKey(id))
}

// Groups implements Store.Groups.
func (s *Redis) Groups(ctx context.Context) ([]Group, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ids, err := s.client.SMembers(cctx, s.groupsKey()).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.groupKey(id)
	}
	out, err := mgetJSON[Group](cctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sortGroups(out)
	return out, nil
}

// DeleteGroup implements Store.DeleteGroup.
func (s *Redis) DeleteGroup(ctx context.Context, id string) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	g, found, err := getJSON[Group](cctx, s.client, s.groupKey(id))
	if err != nil || !found {
		return err
	}
	pairIDs, err := s.client.SMembers(cctx, s.groupPairsKey(id)).Result()
	if err != nil {
		return mapErr(err)
	}
	pipe := s.client.TxPipeline()
	for _, pid := range pairIDs {
		pipe.Del(cctx, s.pairKey(pid))
	}
	pipe.Del(cctx, s.groupPairsKey(id), s.groupKey(id), s.templateKey(g.TemplateID))
	pipe.SRem(cctx, s.groupsKey(), id)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// PutPair implements Store.PutPair.
func (s *Redis) PutPair(ctx context.Context, p Pair) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	n, err := s.client.Exists(cctx, s.groupKey(p.GroupID)).Result()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return fmt.Errorf("%w: group %s", warperrors.ErrNotFound, p.GroupID)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(cctx, s.pairKey(p.ID), data, 0)
	pipe.SAdd(cctx, s.groupPairsKey(p.GroupID), p.ID)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// Pair implements Store.Pair.
func (s *Redis) Pair(ctx context.Context, id string) (Pair, bool, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return Pair{}, false, err
	}
	defer cancel()
	return getJSON[Pair](cctx, s.client, s.pairKey(id))
}

// Pairs implements Store.Pairs.
func (s *Redis) Pairs(ctx context.Context, groupID string) ([]Pair, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	ids, err := s.client.SMembers(cctx, s.groupPairsKey(groupID)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.pairKey(id)
	}
	out, err := mgetJSON[Pair](cctx, s.client, keys)
	if err != nil {
		return nil, err
	}
	sortPairs(out)
	return out, nil
}

// DeletePair implements Store.DeletePair.
func (s *Redis) DeletePair(ctx context.Context, id string) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	p, found, err := getJSON[Pair](cctx, s.client, s.pairKey(id))
	if err != nil || !found {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(cctx, s.pairKey(id))
	pipe.SRem(cctx, s.groupPairsKey(p.GroupID), id)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// PutLink implements Store.PutLink.
func (s *Redis) PutLink(ctx context.Context, l RoleLink) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.SAdd(cctx, s.linksKey(l.ResourceID), l.RoleID)
	pipe.SAdd(cctx, s.linkedKey(), l.ResourceID)
	if _, err := pipe.Exec(cctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// DeleteLink implements Store.DeleteLink.
func (s *Redis) DeleteLink(ctx context.Context, l RoleLink) error {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if err := s.client.SRem(cctx, s.linksKey(l.ResourceID), l.RoleID).Err(); err != nil {
		return mapErr(err)
	}
	n, err := s.client.SCard(cctx, s.linksKey(l.ResourceID)).Result()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		if err := s.client.SRem(cctx, s.linkedKey(), l.ResourceID).Err(); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// Links implements Store.Links.
func (s *Redis) Links(ctx context.Context, resourceID string) ([]RoleLink, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	out, err := s.links(cctx, resourceID)
	if err != nil {
		return nil, err
	}
	sortLinks(out)
	return out, nil
}

func (s *Redis) links(ctx context.Context, resourceID string) ([]RoleLink, error) {
	roles, err := s.client.SMembers(ctx, s.linksKey(resourceID)).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]RoleLink, 0, len(roles))
	for _, r := range roles {
		out = append(out, RoleLink{RoleID: r, ResourceID: resourceID})
	}
	return out, nil
}

// AllLinks implements Store.AllLinks.
func (s *Redis) AllLinks(ctx context.Context) ([]RoleLink, error) {
	cctx, cancel, err := s.op(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	resources, err := s.client.SMembers(cctx, s.linkedKey()).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	var out []RoleLink
	for _, r := range resources {
		ls, err := s.links(cctx, r)
		if err != nil {
			return nil, err
		}
		out = append(out, ls...)
	}
	sortLinks(out)
	return out, nil
}

func mgetJSON[T any](ctx context.Context, c *redis.Client, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]T, 0, len(vals))
	for _, raw := range vals {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func mapErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}
