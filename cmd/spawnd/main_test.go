package main

import (
	"context"
	"testing"
	"time"

	"github.com/mirkobrombin/go-spawn/v1/config"
	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/store"
)

func TestOpenStoreDrivers(t *testing.T) {
	ctx := context.Background()
	cases := []config.StoreConfig{
		{Driver: "memory"},
		{Driver: "memory", Cache: config.CacheConfig{Enabled: true, TTL: time.Minute, Entries: 100}},
		{Driver: "sqlite", DSN: "file:spawnd_test?mode=memory&cache=shared", Timeout: time.Second},
	}
	for _, c := range cases {
		st, closeStore, err := openStore(c, &deps{})
		if err != nil {
			t.Fatalf("open %+v: %v", c, err)
		}
		g := store.Group{ID: "g1", TemplateID: "tpl", Name: "Room"}
		if err := st.PutGroup(ctx, g); err != nil {
			t.Fatalf("put group on %s: %v", c.Driver, err)
		}
		got, ok, err := st.GroupByTemplate(ctx, "tpl")
		if err != nil || !ok || got != g {
			t.Fatalf("lookup on %s: %+v %v %v", c.Driver, got, ok, err)
		}
		closeStore()
	}
}

func TestNewPlatformSeedsResources(t *testing.T) {
	cfg := config.Default().Provider
	cfg.Resources = []config.Resource{
		{ID: "cat", Name: "Lobby", Kind: "category"},
		{ID: "tpl", Name: "Room", Category: "cat", Kind: "voice"},
	}
	cfg.Roles = []string{"dj"}
	mem := newPlatform(cfg)
	r, ok, err := mem.Lookup(context.Background(), "tpl")
	if err != nil || !ok || r.CategoryID != "cat" {
		t.Fatalf("unexpected seeded resource %+v %v %v", r, ok, err)
	}
	if ok, _ := mem.RoleExists(context.Background(), "dj"); !ok {
		t.Fatal("expected seeded role")
	}
}

func TestNewLockerDefaultsToLocal(t *testing.T) {
	if _, ok := newLocker(config.Default().Lock, &deps{}).(*lock.Keyed[string]); !ok {
		t.Fatal("expected local keyed lock")
	}
}
