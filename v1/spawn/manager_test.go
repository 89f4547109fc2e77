package spawn

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-spawn/v1/dispatch"
	warperrors "github.com/mirkobrombin/go-spawn/v1/errors"
	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"Room 3":   "Room",
		"Room":     "Room",
		"Room 12":  "Room",
		"Room12":   "Room",
		"2 Player": "2 Player",
		"123":      "",
	}
	for in, want := range cases {
		if got := BaseName(in); got != want {
			t.Fatalf("BaseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateGroupRejectsDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.mgr.CreateGroup(f.ctx, "tpl", "Other"); !errors.Is(err, warperrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for template, got %v", err)
	}
	f.mustMove("u1", "tpl")
	pair := f.pairs()[0]
	if _, err := f.mgr.CreateGroup(f.ctx, pair.ID, ""); !errors.Is(err, warperrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for pair, got %v", err)
	}
	if _, err := f.mgr.CreateGroup(f.ctx, "missing", ""); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGroupExplicitName(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddResource("t2", "Lounge 4", "cat", provider.KindVoice)
	g, err := f.mgr.CreateGroup(f.ctx, "t2", "Chill")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if g.Name != "Chill" {
		t.Fatalf("unexpected name %q", g.Name)
	}
	r, _, _ := f.mem.Lookup(f.ctx, "t2")
	if r.Name != "New Chill" {
		t.Fatalf("unexpected template name %q", r.Name)
	}
}

func TestDeleteGroupCascades(t *testing.T) {
	f := newFixture(t, nil)
	f.mustMove("u1", "tpl")
	f.mustMove("u2", "tpl")
	before := f.mem.Count()

	if err := f.mgr.DeleteGroup(f.ctx, f.group.ID); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if f.mem.Count() != before-4 {
		t.Fatalf("expected 4 resources deleted, have %d of %d", f.mem.Count(), before)
	}
	if _, ok, _ := f.st.Group(f.ctx, f.group.ID); ok {
		t.Fatal("expected group removed")
	}
	if ps, _ := f.st.Pairs(f.ctx, f.group.ID); len(ps) != 0 {
		t.Fatalf("expected pair records removed, got %v", ps)
	}
	r, _, _ := f.mem.Lookup(f.ctx, "tpl")
	if r.Name != "Room" {
		t.Fatalf("expected template renamed back, got %q", r.Name)
	}
	if err := f.mgr.DeleteGroup(f.ctx, f.group.ID); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListGroupsPrunesVanishedTemplates(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddResource("t2", "Lounge", "cat", provider.KindVoice)
	g2, err := f.mgr.CreateGroup(f.ctx, "t2", "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	f.mustMove("u1", "tpl")
	f.mem.RemoveOutOfBand("t2")

	infos, err := f.mgr.ListGroups(f.ctx)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != f.group.ID || infos[0].Pairs != 1 {
		t.Fatalf("unexpected groups %+v", infos)
	}
	if _, ok, _ := f.st.Group(f.ctx, g2.ID); ok {
		t.Fatal("expected vanished group pruned")
	}
}

func TestListGroupsPruneTearsPairsDown(t *testing.T) {
	f := newFixture(t, nil)
	f.mustMove("u1", "tpl")
	p := f.pairs()[0]
	f.mem.RemoveOutOfBand("tpl")

	infos, err := f.mgr.ListGroups(f.ctx)
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("expected no groups, got %+v", infos)
	}
	for _, id := range []string{p.ID, p.CompanionID} {
		if _, ok, _ := f.mem.Lookup(f.ctx, id); ok {
			t.Fatalf("resource %s survived its group", id)
		}
	}
	if len(f.pairs()) != 0 || f.mem.Count() != 1 {
		t.Fatalf("expected only the category left, have %d resources and %d records", f.mem.Count(), len(f.pairs()))
	}
}

func TestListGroupsWaitsForLeave(t *testing.T) {
	var (
		f      *fixture
		once   sync.Once
		listed = make(chan error, 1)
	)
	// While the leave holds the pair's lock, the template disappears and a
	// listing starts pruning the group.
	f = newFixture(t, nil, provider.WithHook(func(_ context.Context, op string, _ ...string) error {
		if op != "occupancy" {
			return nil
		}
		once.Do(func() {
			f.mem.RemoveOutOfBand("tpl")
			go func() {
				_, err := f.mgr.ListGroups(context.Background())
				listed <- err
			}()
			time.Sleep(20 * time.Millisecond)
		})
		return nil
	}))
	f.mustMove("u1", "tpl")

	if err := f.move("u1", ""); err != nil {
		t.Fatalf("leave: %v", err)
	}
	select {
	case err := <-listed:
		if err != nil {
			t.Fatalf("list groups: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("list groups did not finish")
	}
	if gs, _ := f.st.Groups(f.ctx); len(gs) != 0 {
		t.Fatalf("expected group pruned, got %+v", gs)
	}
	if f.mem.Count() != 1 {
		t.Fatalf("expected pair resources deleted, have %d resources", f.mem.Count())
	}
}

func TestSyncRolesRestoresLinkedRoles(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddResource("stage", "Stage", "cat", provider.KindVoice)
	f.mem.AddRole("dj")
	f.mem.AddRole("mod")
	if err := f.mgr.AddLink(f.ctx, "dj", "stage"); err != nil {
		t.Fatalf("add link: %v", err)
	}
	// Moves made while nobody was listening.
	f.mem.Place("late", "stage")
	f.mem.Place("kept", "stage")
	_ = f.mem.AddRoles(f.ctx, "kept", "dj")
	_ = f.mem.AddRoles(f.ctx, "gone", "dj", "mod")

	if err := f.mgr.SyncRoles(f.ctx); err != nil {
		t.Fatalf("sync roles: %v", err)
	}
	for member, want := range map[string][]string{
		"late": {"dj"},
		"kept": {"dj"},
		"gone": {"mod"},
	} {
		if got := f.mem.Roles(member); !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: expected roles %v, got %v", member, want, got)
		}
	}
}

func TestRoleLinks(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddResource("stage", "Stage", "cat", provider.KindVoice)
	f.mem.AddRole("dj")
	f.mustMove("early", "stage")

	if err := f.mgr.AddLink(f.ctx, "dj", "stage"); err != nil {
		t.Fatalf("add link: %v", err)
	}
	if got := f.mem.Roles("early"); !reflect.DeepEqual(got, []string{"dj"}) {
		t.Fatalf("expected current occupant to get the role, got %v", got)
	}
	if err := f.mgr.AddLink(f.ctx, "dj", "stage"); !errors.Is(err, warperrors.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := f.mgr.AddLink(f.ctx, "nope", "stage"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for role, got %v", err)
	}

	f.mustMove("u1", "stage")
	if got := f.mem.Roles("u1"); !reflect.DeepEqual(got, []string{"dj"}) {
		t.Fatalf("expected role on join, got %v", got)
	}
	f.mustMove("u1", "")
	if got := f.mem.Roles("u1"); len(got) != 0 {
		t.Fatalf("expected role removed on leave, got %v", got)
	}

	if err := f.mgr.RemoveLink(f.ctx, "dj", "stage"); err != nil {
		t.Fatalf("remove link: %v", err)
	}
	if got := f.mem.Roles("early"); len(got) != 0 {
		t.Fatalf("expected role removed from occupant, got %v", got)
	}
	if err := f.mgr.RemoveLink(f.ctx, "dj", "stage"); !errors.Is(err, warperrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListLinksPrunes(t *testing.T) {
	f := newFixture(t, nil)
	f.mem.AddResource("stage", "Stage", "cat", provider.KindVoice)
	f.mem.AddResource("bar", "Bar", "cat", provider.KindVoice)
	f.mem.AddRole("dj")
	for _, r := range []string{"stage", "bar"} {
		if err := f.mgr.AddLink(f.ctx, "dj", r); err != nil {
			t.Fatalf("add link: %v", err)
		}
	}
	f.mem.RemoveOutOfBand("bar")

	links, err := f.mgr.ListLinks(f.ctx)
	if err != nil {
		t.Fatalf("list links: %v", err)
	}
	if want := []store.RoleLink{{RoleID: "dj", ResourceID: "stage"}}; !reflect.DeepEqual(links, want) {
		t.Fatalf("expected %v, got %v", want, links)
	}
	all, _ := f.st.AllLinks(f.ctx)
	if len(all) != 1 {
		t.Fatalf("expected stale link deleted, got %v", all)
	}
}

func TestChangesArePublished(t *testing.T) {
	bus := watchbus.NewInMemory()
	mem := provider.NewMemory()
	mem.AddResource("cat", "Lobby", "", provider.KindCategory)
	mem.AddResource("tpl", "Room", "cat", provider.KindVoice)
	st := store.NewInMemory()
	locks := lock.NewKeyed[string]()
	rec := NewReconciler(st, mem, WithLogger(quietLogger()), WithWatchBus(bus))
	mgr := NewManager(locks, rec, WithLogger(quietLogger()), WithWatchBus(bus))
	rt := NewRouter(locks, rec, mem, WithLogger(quietLogger()))
	ctx := context.Background()

	g, err := mgr.CreateGroup(ctx, "tpl", "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	ch, err := bus.Watch(ctx, watchbus.GroupKey(g.ID))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	mem.Place("u1", "tpl")
	if err := rt.HandleTransition(ctx, Transition{Member: "u1", After: "tpl"}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	select {
	case msg := <-ch:
		var c watchbus.Change
		if err := json.Unmarshal(msg, &c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if c.Kind != watchbus.ChangeCreated || c.Name != "Room 1" || c.PairID != mem.Location("u1") {
			t.Fatalf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}
}

func TestDispatchedTransitionsFollowPlatformMoves(t *testing.T) {
	tbl := dispatch.New(dispatch.WithLogger(quietLogger()))
	mem := provider.NewMemory(provider.WithMoveObserver(func(member, before, after string) {
		tbl.Dispatch(context.Background(), EventMemberMoved, Transition{Member: member, Before: before, After: after})
	}))
	mem.AddResource("cat", "Lobby", "", provider.KindCategory)
	mem.AddResource("tpl", "Room", "cat", provider.KindVoice)
	st := store.NewInMemory()
	locks := lock.NewKeyed[string]()
	rec := NewReconciler(st, mem, WithLogger(quietLogger()))
	NewRouter(locks, rec, mem, WithLogger(quietLogger())).Register(tbl)
	mgr := NewManager(locks, rec, WithLogger(quietLogger()))
	ctx := context.Background()

	g, err := mgr.CreateGroup(ctx, "tpl", "")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	mem.Place("u1", "tpl")
	tbl.Dispatch(ctx, EventMemberMoved, Transition{Member: "u1", After: "tpl"})

	ps, err := st.Pairs(ctx, g.ID)
	if err != nil || len(ps) != 1 {
		t.Fatalf("expected one pair, got %v %v", ps, err)
	}
	// The move into the new pair comes back as a transition that grants
	// companion access.
	deadline := time.Now().Add(time.Second)
	for !mem.HasAccess(ps[0].CompanionID, "u1") {
		if time.Now().After(deadline) {
			t.Fatal("companion access never granted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
