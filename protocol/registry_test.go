package protocol

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/deemkeen/fedbridge/db"
	"github.com/deemkeen/fedbridge/domain"
)

// fakeProtocol is a fully scriptable Protocol for registry and pipeline
// tests.
type fakeProtocol struct {
	label      string
	ownsPrefix string
	handles    map[string]string // handle -> resolved id, nil disables ResolveHandle
	objects    map[string]map[string]any
	fetched    []string
	fetchErr   error
	sent       []string
	sendErr    error
	blocked    map[string]bool
}

func newFake(label, ownsPrefix string) *fakeProtocol {
	return &fakeProtocol{
		label:      label,
		ownsPrefix: ownsPrefix,
		objects:    make(map[string]map[string]any),
		blocked:    make(map[string]bool),
	}
}

func (f *fakeProtocol) Label() string { return f.label }

func (f *fakeProtocol) OwnsID(id string) bool {
	return f.ownsPrefix != "" && strings.HasPrefix(id, f.ownsPrefix)
}

func (f *fakeProtocol) OwnsHandle(handle string) bool {
	return strings.HasPrefix(handle, f.label+":handle:")
}

func (f *fakeProtocol) Fetch(id string) (map[string]any, error) {
	f.fetched = append(f.fetched, id)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	payload, ok := f.objects[id]
	if !ok {
		return nil, fmt.Errorf("%s: no object %s", f.label, id)
	}
	return payload, nil
}

func (f *fakeProtocol) TargetFor(obj *domain.Object) (string, error) {
	if obj == nil || obj.Payload == nil {
		return "shared:" + f.label, nil
	}
	return obj.Id + ":target", nil
}

func (f *fakeProtocol) Send(obj *domain.Object, target string) (bool, error) {
	if f.sendErr != nil {
		return false, f.sendErr
	}
	f.sent = append(f.sent, target)
	return true, nil
}

func (f *fakeProtocol) IsBlocklisted(url string) bool { return f.blocked[url] }

type resolvingFake struct {
	*fakeProtocol
	calls int
}

func (r *resolvingFake) ResolveHandle(handle string) (string, error) {
	r.calls++
	id, ok := r.handles[handle]
	if !ok {
		return "", fmt.Errorf("unknown handle %s", handle)
	}
	return id, nil
}

func testRegistry(t *testing.T) (*Registry, *db.DB) {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	cache := NewObjectCache(100, time.Minute)
	return NewRegistry(database, cache, "fed.example.org"), database
}

func TestForIDStaticOwnership(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	other := newFake("other", "other:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(other); err != nil {
		t.Fatal(err)
	}

	if got := reg.ForID("fake:user:alice"); got != fake {
		t.Errorf("Expected fake protocol, got %v", got)
	}
	if got := reg.ForID("other:post:1"); got != other {
		t.Errorf("Expected other protocol, got %v", got)
	}
	if len(fake.fetched) != 0 || len(other.fetched) != 0 {
		t.Error("Static ownership must not trigger fetches")
	}
}

func TestForIDStoredSourceProtocol(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	web := newFake("web", "")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(web); err != nil {
		t.Fatal(err)
	}

	if err := database.PutObject(&domain.Object{Id: "http://x.com/post", SourceProtocol: "web"}); err != nil {
		t.Fatal(err)
	}
	if got := reg.ForID("http://x.com/post"); got != web {
		t.Errorf("Expected stored source protocol to win, got %v", got)
	}

	// a stored object with no source protocol is undetermined, and the
	// stored record also suppresses probing
	if err := database.PutObject(&domain.Object{Id: "http://x.com/mystery"}); err != nil {
		t.Fatal(err)
	}
	if got := reg.ForID("http://x.com/mystery"); got != nil {
		t.Errorf("Expected nil for undetermined ownership, got %v", got)
	}
	if len(fake.fetched) != 0 {
		t.Errorf("Stored object must suppress probes, fetched %v", fake.fetched)
	}
}

func TestForIDProbeOrder(t *testing.T) {
	reg, _ := testRegistry(t)
	first := newFake("first", "")
	second := newFake("second", "")
	if err := reg.Register(first); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatal(err)
	}

	second.objects["http://x.com/post"] = map[string]any{"id": "http://x.com/post"}

	if got := reg.ForID("http://x.com/post"); got != second {
		t.Errorf("Expected second protocol to claim via probe, got %v", got)
	}
	// first was probed and declined
	if len(first.fetched) != 1 {
		t.Errorf("Expected first protocol probed once, got %v", first.fetched)
	}
}

func TestForIDProbeFailureIsNonOwnership(t *testing.T) {
	reg, _ := testRegistry(t)
	flaky := newFake("flaky", "")
	flaky.fetchErr = fmt.Errorf("connection refused")
	working := newFake("working", "")
	working.objects["http://x.com/post"] = map[string]any{"id": "http://x.com/post"}
	if err := reg.Register(flaky); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(working); err != nil {
		t.Fatal(err)
	}

	if got := reg.ForID("http://x.com/post"); got != working {
		t.Errorf("Probe failure should fall through to next protocol, got %v", got)
	}
}

func TestRegisterGreedyOnlyOnce(t *testing.T) {
	reg, _ := testRegistry(t)
	if err := reg.RegisterGreedy(newFake("first", "")); err != nil {
		t.Fatalf("First greedy registration failed: %v", err)
	}
	if err := reg.RegisterGreedy(newFake("second", "")); err == nil {
		t.Error("Second greedy registration should fail")
	}
}

func TestGreedyConsultedLast(t *testing.T) {
	reg, _ := testRegistry(t)
	specific := newFake("specific", "thing:")
	catchAll := newFake("catchall", "thing:")
	if err := reg.RegisterGreedy(catchAll); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(specific); err != nil {
		t.Fatal(err)
	}

	if got := reg.ForID("thing:1"); got != specific {
		t.Errorf("Non-greedy protocol must win, got %v", got)
	}

	all := reg.All()
	if all[len(all)-1] != catchAll {
		t.Error("Greedy protocol must come last in All()")
	}
}

func TestForHandleStaticShape(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	proto, id := reg.ForHandle("fake:handle:alice")
	if proto != fake {
		t.Fatalf("Expected fake protocol for its handle shape, got %v", proto)
	}
	if id != "" {
		t.Errorf("Static shape match carries no canonical id, got %q", id)
	}
}

func TestForHandleStoredUser(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	if err := database.CreateUser(&domain.User{
		Id: "fake:user:alice", Protocol: "fake", Handle: "alice.example.com",
	}); err != nil {
		t.Fatal(err)
	}

	proto, id := reg.ForHandle("alice.example.com")
	if proto != fake || id != "fake:user:alice" {
		t.Errorf("Expected stored user resolution, got %v %q", proto, id)
	}
}

func TestForHandleSingleResolutionCall(t *testing.T) {
	reg, _ := testRegistry(t)
	resolver := &resolvingFake{fakeProtocol: newFake("dns", "")}
	resolver.handles = map[string]string{"alice.example.com": "dns:user:alice"}
	another := &resolvingFake{fakeProtocol: newFake("other", "")}
	another.handles = map[string]string{}
	if err := reg.Register(resolver); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(another); err != nil {
		t.Fatal(err)
	}

	proto, id := reg.ForHandle("alice.example.com")
	if proto != resolver || id != "dns:user:alice" {
		t.Errorf("Expected resolver match, got %v %q", proto, id)
	}
	if resolver.calls != 1 {
		t.Errorf("Expected exactly one resolution call, got %d", resolver.calls)
	}
	if another.calls != 0 {
		t.Errorf("Second resolver must not be called, got %d calls", another.calls)
	}

	// a failed resolution also consumes the single call
	proto, _ = reg.ForHandle("unknown.example.com")
	if proto != nil {
		t.Errorf("Expected nil for unresolvable handle, got %v", proto)
	}
	if resolver.calls != 2 || another.calls != 0 {
		t.Errorf("Only the first resolver may be tried: %d / %d", resolver.calls, another.calls)
	}
}

func TestForBridgeHost(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	fed := newFake("fed", "fed:")
	if err := reg.Register(fake, "fk"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(fed); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		host string
		want Protocol
	}{
		{"fake.fed.example.org", fake},
		{"fk.fed.example.org", fake},
		{"fed.fed.example.org", fed},
		{"localhost", fed},
		{"localhost:8080", fed},
		{"https://fake.fed.example.org/inbox", fake},
		{"fed.example.org", nil},
		{"www.fed.example.org", nil},
		{"unknown.fed.example.org", nil},
		{"deep.fake.fed.example.org", nil},
		{"elsewhere.com", nil},
		{"", nil},
	}
	for _, c := range cases {
		if got := reg.ForBridgeHost(c.host, fed); got != c.want {
			t.Errorf("ForBridgeHost(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}
