package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/agent-relay/relayd/internal/session"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestRegistry_AddGetDelete(t *testing.T) {
	reg := newTestRegistry(t)
	sess := session.New("id1", "alpha", "/work", "relay-alpha")

	if err := reg.Add(sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := reg.Get("id1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" || got.State != session.StateIdle {
		t.Errorf("got %+v", got)
	}

	if err := reg.Delete("id1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := reg.Get("id1"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Add(session.New("id1", "alpha", "/work", "relay-alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := reg.Add(session.New("id1", "beta", "/work", "relay-beta")); !errors.Is(err, session.ErrAlreadyExists) {
		t.Errorf("duplicate id: got %v, want ErrAlreadyExists", err)
	}
	if err := reg.Add(session.New("id2", "alpha", "/work", "relay-alpha2")); !errors.Is(err, session.ErrAlreadyExists) {
		t.Errorf("duplicate name: got %v, want ErrAlreadyExists", err)
	}
}

func TestRegistry_PersistenceReloadsOffline(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sess := session.New("id1", "alpha", "/work", "relay-alpha")
	sess.State = session.StateWorking
	if err := reg.Add(sess); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Simulate a daemon restart.
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg2, err := New(store2)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}

	got, err := reg2.Get("id1")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.State != session.StateOffline {
		t.Errorf("reloaded state: got %q, want offline", got.State)
	}
	if got.InFlight == nil || got.PendingPrompts == nil {
		t.Error("reloaded session has nil tracking maps")
	}
}

func TestRegistry_ReconcileHealth(t *testing.T) {
	reg := newTestRegistry(t)
	alive := session.New("a", "alive", "/w1", "relay-alive")
	dead := session.New("d", "dead", "/w2", "relay-dead")
	dead.State = session.StateWorking
	dead.InFlight["t1"] = time.Now()
	back := session.New("b", "back", "/w3", "relay-back")
	back.State = session.StateOffline
	for _, s := range []*session.Session{alive, dead, back} {
		if err := reg.Add(s); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	changed := reg.ReconcileHealth(map[string]bool{
		"relay-alive": true,
		"relay-back":  true,
	})
	if len(changed) != 2 {
		t.Fatalf("changed: got %v, want 2 ids", changed)
	}

	gotDead, _ := reg.Get("d")
	if gotDead.State != session.StateOffline {
		t.Errorf("dead session: got %q, want offline", gotDead.State)
	}
	if len(gotDead.InFlight) != 0 {
		t.Error("offline transition should clear in-flight tools")
	}

	gotBack, _ := reg.Get("b")
	if gotBack.State != session.StateIdle {
		t.Errorf("recovered session: got %q, want idle", gotBack.State)
	}

	gotAlive, _ := reg.Get("a")
	if gotAlive.State != session.StateIdle {
		t.Errorf("untouched session: got %q, want idle", gotAlive.State)
	}
}

func TestRegistry_LinkIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Add(session.New("m1", "alpha", "/work", "relay-alpha")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := reg.LinkExternalID("m1", "ext-abc"); err != nil {
		t.Fatalf("first link: %v", err)
	}
	if err := reg.LinkExternalID("m1", "ext-abc"); err != nil {
		t.Errorf("relink same pair: got %v, want nil", err)
	}
}

func TestRegistry_LinkConflict(t *testing.T) {
	reg := newTestRegistry(t)
	reg.Add(session.New("m1", "alpha", "/w1", "relay-alpha"))
	reg.Add(session.New("m2", "beta", "/w2", "relay-beta"))

	if err := reg.LinkExternalID("m1", "ext-abc"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := reg.LinkExternalID("m2", "ext-abc"); !errors.Is(err, session.ErrAlreadyExists) {
		t.Errorf("conflicting link: got %v, want ErrAlreadyExists", err)
	}
	if err := reg.LinkExternalID("missing", "ext-x"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("link to missing session: got %v, want ErrNotFound", err)
	}
}

func TestRegistry_LinkAbsorbsObserved(t *testing.T) {
	reg := newTestRegistry(t)

	// Observed record accumulates state before the operator links it.
	obs, ok := reg.ResolveExternal("ext-abc", "/elsewhere", true)
	if !ok {
		t.Fatal("expected observed session")
	}
	reg.Update(obs.ID, func(s *session.Session) {
		s.InFlight["t1"] = time.Now()
		s.PendingPrompts["p1"] = struct{}{}
	})

	reg.Add(session.New("m1", "alpha", "/work", "relay-alpha"))
	if err := reg.LinkExternalID("m1", "ext-abc"); err != nil {
		t.Fatalf("link: %v", err)
	}

	got, _ := reg.Get("m1")
	if len(got.InFlight) != 1 || len(got.PendingPrompts) != 1 {
		t.Errorf("absorbed state: in-flight=%d prompts=%d", len(got.InFlight), len(got.PendingPrompts))
	}
	if got.State != session.StateWaiting {
		t.Errorf("state after absorbing pending prompt: got %q, want waiting", got.State)
	}
	if reg.ObservedCount() != 0 {
		t.Error("observed record should be removed after linking")
	}
}

func TestRegistry_ResolveExternalAutoLink(t *testing.T) {
	reg := newTestRegistry(t)

	older := session.New("m1", "older", "/work", "relay-older")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := session.New("m2", "newer", "/work", "relay-newer")
	reg.Add(older)
	reg.Add(newer)
	reg.Add(session.New("m3", "elsewhere", "/other", "relay-other"))

	got, ok := reg.ResolveExternal("ext-abc", "/work", true)
	if !ok {
		t.Fatal("expected resolution")
	}
	if got.ID != "m1" {
		t.Errorf("auto-link target: got %q, want oldest match m1", got.ID)
	}
	if got.ExternalID != "ext-abc" {
		t.Errorf("external id not recorded: %+v", got)
	}

	// Same external id resolves to the linked session from now on.
	again, _ := reg.ResolveExternal("ext-abc", "", true)
	if again.ID != "m1" {
		t.Errorf("second resolve: got %q, want m1", again.ID)
	}
}

func TestRegistry_ResolveExternalCreatesObserved(t *testing.T) {
	reg := newTestRegistry(t)

	got, ok := reg.ResolveExternal("ext-0123456789", "/work", true)
	if !ok {
		t.Fatal("expected observed session")
	}
	if got.Kind != session.KindObserved {
		t.Errorf("kind: got %q", got.Kind)
	}
	if got.ID != "ext-0123" {
		t.Errorf("display id: got %q, want truncated external id", got.ID)
	}

	if _, ok := reg.ResolveExternal("ext-unknown", "/work", false); ok {
		t.Error("createObserved=false should not create a record")
	}
}

func TestRegistry_ListOrder(t *testing.T) {
	reg := newTestRegistry(t)
	second := session.New("m2", "second", "/w", "relay-2")
	first := session.New("m1", "first", "/w2", "relay-1")
	first.CreatedAt = second.CreatedAt.Add(-time.Minute)
	reg.Add(second)
	reg.Add(first)
	reg.ResolveExternal("ext-x", "/obs", true)

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("list length: got %d, want 3", len(list))
	}
	if list[0].ID != "m1" || list[1].ID != "m2" {
		t.Errorf("managed order: got %q, %q", list[0].ID, list[1].ID)
	}
	if list[2].Kind != session.KindObserved {
		t.Errorf("observed sessions should sort last, got %+v", list[2])
	}
}

func TestRegistry_ObservedDisplayIDCollision(t *testing.T) {
	reg := newTestRegistry(t)

	a, ok := reg.ResolveExternal("ext-0123-aaaa", "/w", true)
	if !ok {
		t.Fatal("expected first observed session")
	}
	b, ok := reg.ResolveExternal("ext-0123-bbbb", "/w", true)
	if !ok {
		t.Fatal("expected second observed session")
	}
	if a.ID == b.ID {
		t.Fatalf("display ids collide: %q", a.ID)
	}

	got, err := reg.Get(b.ID)
	if err != nil {
		t.Fatalf("Get(%q): %v", b.ID, err)
	}
	if got.ExternalID != "ext-0123-bbbb" {
		t.Errorf("Get by display id: got external id %q, want ext-0123-bbbb", got.ExternalID)
	}

	if err := reg.Delete(a.ID); err != nil {
		t.Fatalf("Delete(%q): %v", a.ID, err)
	}
	if reg.ObservedCount() != 1 {
		t.Fatalf("observed after delete: got %d, want 1", reg.ObservedCount())
	}
	remaining, err := reg.Get(b.ID)
	if err != nil || remaining.ExternalID != "ext-0123-bbbb" {
		t.Errorf("wrong record deleted: %+v, err %v", remaining, err)
	}
}
