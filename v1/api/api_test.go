package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirkobrombin/go-spawn/v1/lock"
	"github.com/mirkobrombin/go-spawn/v1/provider"
	"github.com/mirkobrombin/go-spawn/v1/spawn"
	"github.com/mirkobrombin/go-spawn/v1/store"
	"github.com/mirkobrombin/go-spawn/v1/watchbus"
)

type env struct {
	srv *httptest.Server
	mem *provider.Memory
	st  store.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := provider.NewMemory()
	mem.AddResource("cat", "Lobby", "", provider.KindCategory)
	mem.AddResource("tpl", "Room", "cat", provider.KindVoice)
	mem.AddResource("stage", "Stage", "cat", provider.KindVoice)
	mem.AddRole("dj")
	st := store.NewInMemory()
	bus := watchbus.NewInMemory()
	locks := lock.NewKeyed[string]()
	rec := spawn.NewReconciler(st, mem, spawn.WithLogger(logger), spawn.WithWatchBus(bus))
	router := spawn.NewRouter(locks, rec, mem, spawn.WithLogger(logger))
	mgr := spawn.NewManager(locks, rec, spawn.WithLogger(logger), spawn.WithWatchBus(bus))
	srv := httptest.NewServer(New(mgr, router, bus, logger))
	t.Cleanup(srv.Close)
	return &env{srv: srv, mem: mem, st: st}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}

func (e *env) createGroup(t *testing.T) store.Group {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/groups", map[string]string{"template_id": "tpl"})
	expectStatus(t, resp, http.StatusCreated)
	var g store.Group
	if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return g
}

func TestGroupLifecycle(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t)
	if g.Name != "Room" || g.ID == "" {
		t.Fatalf("unexpected group %+v", g)
	}
	expectStatus(t, e.do(t, http.MethodPost, "/groups", map[string]string{"template_id": "tpl"}), http.StatusConflict)
	expectStatus(t, e.do(t, http.MethodPost, "/groups", map[string]string{"template_id": "nope"}), http.StatusNotFound)
	expectStatus(t, e.do(t, http.MethodPost, "/groups", map[string]string{}), http.StatusBadRequest)

	e.mem.Place("u1", "tpl")
	expectStatus(t, e.do(t, http.MethodPost, "/transitions", spawn.Transition{Member: "u1", After: "tpl"}), http.StatusNoContent)

	resp := e.do(t, http.MethodGet, "/groups", nil)
	expectStatus(t, resp, http.StatusOK)
	var infos []spawn.GroupInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != g.ID || infos[0].Pairs != 1 {
		t.Fatalf("unexpected groups %+v", infos)
	}

	resp = e.do(t, http.MethodPost, "/groups/"+g.ID+"/renumber", nil)
	expectStatus(t, resp, http.StatusOK)
	var stats map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["live"] != 1 || stats["renamed"] != 0 {
		t.Fatalf("unexpected stats %v", stats)
	}

	expectStatus(t, e.do(t, http.MethodDelete, "/groups/"+g.ID, nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodDelete, "/groups/"+g.ID, nil), http.StatusNotFound)
}

func TestLinks(t *testing.T) {
	e := newEnv(t)
	link := store.RoleLink{RoleID: "dj", ResourceID: "stage"}
	expectStatus(t, e.do(t, http.MethodPost, "/links", link), http.StatusCreated)
	expectStatus(t, e.do(t, http.MethodPost, "/links", link), http.StatusConflict)
	expectStatus(t, e.do(t, http.MethodPost, "/links", store.RoleLink{RoleID: "x", ResourceID: "stage"}), http.StatusNotFound)

	resp := e.do(t, http.MethodGet, "/links", nil)
	expectStatus(t, resp, http.StatusOK)
	var links []store.RoleLink
	if err := json.NewDecoder(resp.Body).Decode(&links); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(links) != 1 || links[0] != link {
		t.Fatalf("unexpected links %v", links)
	}

	expectStatus(t, e.do(t, http.MethodDelete, "/links?role_id=dj&resource_id=stage", nil), http.StatusNoContent)
	expectStatus(t, e.do(t, http.MethodDelete, "/links?role_id=dj", nil), http.StatusBadRequest)
}

func TestTransitionRejectsBadBody(t *testing.T) {
	e := newEnv(t)
	expectStatus(t, e.do(t, http.MethodPost, "/transitions", map[string]string{"after": "tpl"}), http.StatusBadRequest)
	expectStatus(t, e.do(t, http.MethodPost, "/transitions", map[string]string{"member": "u1", "bogus": "x"}), http.StatusBadRequest)
}

func TestWatchStreamsChanges(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/groups/"+g.ID+"/watch", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer resp.Body.Close()
	expectStatus(t, resp, http.StatusOK)

	e.mem.Place("u1", "tpl")
	expectStatus(t, e.do(t, http.MethodPost, "/transitions", spawn.Transition{Member: "u1", After: "tpl"}), http.StatusNoContent)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var c watchbus.Change
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &c); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if c.Kind != watchbus.ChangeCreated || c.GroupID != g.ID || c.Name != "Room 1" {
		t.Fatalf("unexpected change %+v", c)
	}
}

func TestWebSocketStreamsChanges(t *testing.T) {
	e := newEnv(t)
	g := e.createGroup(t)

	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/groups/" + g.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	expectStatus(t, e.do(t, http.MethodDelete, "/groups/"+g.ID, nil), http.StatusNoContent)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var c watchbus.Change
	if err := json.Unmarshal(msg, &c); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c.Kind != watchbus.ChangeGroupDeleted {
		t.Fatalf("unexpected change %+v", c)
	}
}
