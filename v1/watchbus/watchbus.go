package watchbus

import (
	"context"
	"encoding/json"
)

// WatchBus streams opaque payloads to the watchers of a key.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until the context is canceled or Unwatch is called, then it
	// is closed.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

// ChangeKind names a structural change of a group.
type ChangeKind string

const (
	ChangeCreated      ChangeKind = "created"
	ChangeDeleted      ChangeKind = "deleted"
	ChangeRenamed      ChangeKind = "renamed"
	ChangePruned       ChangeKind = "pruned"
	ChangeGroupDeleted ChangeKind = "group_deleted"
)

// Change is the payload published on a group's key.
type Change struct {
	Kind    ChangeKind `json:"kind"`
	GroupID string     `json:"group_id"`
	PairID  string     `json:"pair_id,omitempty"`
	Name    string     `json:"name,omitempty"`
}

// GroupKey returns the key changes of groupID are published on.
func GroupKey(groupID string) string {
	return "group:" + groupID
}

// PublishChange encodes c and publishes it on its group's key.
func PublishChange(ctx context.Context, bus WatchBus, c Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, GroupKey(c.GroupID), data)
}
