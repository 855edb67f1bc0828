package protocol

import (
	"fmt"
	"testing"
	"time"

	"github.com/deemkeen/fedbridge/domain"
)

func TestLoadNoCacheRemoteNeverPanics(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for NoCache with RemoteNever")
		}
	}()
	reg.Load(fake, "fake:post:1", LoadOpts{NoCache: true, Remote: RemoteNever})
}

func TestLoadFetchesAndWritesBack(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	fake.objects["fake:post:1"] = map[string]any{"objectType": "note", "content": "hi"}
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	obj, err := reg.Load(fake, "fake:post:1", LoadOpts{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if obj == nil {
		t.Fatal("Expected loaded object")
	}
	if !obj.New {
		t.Error("First load of unknown id must report New")
	}
	if obj.Changed {
		t.Error("First load must not report Changed")
	}
	if obj.SourceProtocol != "fake" {
		t.Errorf("Expected source protocol fake, got %q", obj.SourceProtocol)
	}
	if domain.PayloadString(obj.Payload, "id") != "fake:post:1" {
		t.Error("Load must stamp the id into the payload")
	}

	stored, err := database.ReadObject("fake:post:1")
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("Load must write the fetched object back to the store")
	}
}

func TestLoadServesFromStoreWithoutFetch(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	if err := database.PutObject(&domain.Object{
		Id:             "fake:post:1",
		Payload:        map[string]any{"objectType": "note"},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}

	obj, err := reg.Load(fake, "fake:post:1", LoadOpts{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if obj == nil {
		t.Fatal("Expected stored object")
	}
	if len(fake.fetched) != 0 {
		t.Errorf("Stored object must not trigger a fetch, got %v", fake.fetched)
	}
}

func TestLoadRemoteNeverReturnsNilForUnknown(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	fake.objects["fake:post:1"] = map[string]any{"objectType": "note"}
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	obj, err := reg.Load(fake, "fake:post:1", LoadOpts{Remote: RemoteNever})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if obj != nil {
		t.Errorf("RemoteNever for unknown id must return nil, got %+v", obj)
	}
	if len(fake.fetched) != 0 {
		t.Error("RemoteNever must not fetch")
	}
}

func TestLoadRemoteAlwaysReportsChanged(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	if err := database.PutObject(&domain.Object{
		Id:             "fake:post:1",
		Payload:        map[string]any{"id": "fake:post:1", "objectType": "note", "content": "old"},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}
	fake.objects["fake:post:1"] = map[string]any{"id": "fake:post:1", "objectType": "note", "content": "new"}

	obj, err := reg.Load(fake, "fake:post:1", LoadOpts{Remote: RemoteAlways})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !obj.Changed {
		t.Error("RemoteAlways with differing payload must report Changed")
	}
	if obj.New {
		t.Error("Known id must not report New")
	}
	if domain.PayloadString(obj.Payload, "content") != "new" {
		t.Error("Expected the fresh payload")
	}
}

func TestLoadFetchFaultIsNotFound(t *testing.T) {
	reg, _ := testRegistry(t)
	fake := newFake("fake", "fake:")
	fake.fetchErr = fmt.Errorf("boom")
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	obj, err := reg.Load(fake, "fake:post:1", LoadOpts{})
	if err != nil {
		t.Errorf("Fetch fault must be absorbed, got error %v", err)
	}
	if obj != nil {
		t.Errorf("Fetch fault must yield nil, got %+v", obj)
	}
}

func TestLoadEmptyFetchStillWritesBack(t *testing.T) {
	reg, database := testRegistry(t)
	fake := newFake("fake", "fake:")
	fake.objects["fake:gone:1"] = nil
	if err := reg.Register(fake); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Load(fake, "fake:gone:1", LoadOpts{}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	stored, err := database.ReadObject("fake:gone:1")
	if err != nil {
		t.Fatal(err)
	}
	// an empty record still marks the id as fetched
	if stored == nil {
		t.Fatal("Empty fetch result must still be written back")
	}
	if stored.Payload != nil {
		t.Errorf("Expected empty payload, got %v", stored.Payload)
	}
}

func TestCacheCopyOnReadAndWrite(t *testing.T) {
	cache := NewObjectCache(10, time.Minute)

	orig := &domain.Object{
		Id:      "fake:post:1",
		Payload: map[string]any{"content": "hello"},
	}
	cache.Put(orig)
	orig.Payload["content"] = "mutated after put"

	first := cache.Get("fake:post:1")
	if first.Payload["content"] != "hello" {
		t.Error("Mutation after Put leaked into the cache")
	}
	first.Payload["content"] = "mutated after get"

	second := cache.Get("fake:post:1")
	if second.Payload["content"] != "hello" {
		t.Error("Mutation of a Get result leaked into the cache")
	}

	cache.Remove("fake:post:1")
	if cache.Get("fake:post:1") != nil {
		t.Error("Expected nil after Remove")
	}
}
