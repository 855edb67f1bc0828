package db

import (
	"testing"

	"github.com/deemkeen/fedbridge/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestPutObjectCreateAndRead(t *testing.T) {
	database := testDB(t)

	obj := &domain.Object{
		Id:             "http://x.com/post",
		Payload:        map[string]any{"objectType": "note", "content": "hello"},
		SourceProtocol: "web",
		Users:          []string{"http://x.com/alice"},
	}
	if err := database.PutObject(obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	got, err := database.ReadObject("http://x.com/post")
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected stored object, got nil")
	}
	if got.Status != domain.StatusNew {
		t.Errorf("Expected default status new, got %q", got.Status)
	}
	if got.Type != "note" {
		t.Errorf("Expected derived type note, got %q", got.Type)
	}
	if got.Payload["content"] != "hello" {
		t.Errorf("Payload did not round-trip: %v", got.Payload)
	}
}

func TestReadObjectAbsent(t *testing.T) {
	database := testDB(t)

	got, err := database.ReadObject("http://nowhere.com/gone")
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for absent object, got %+v", got)
	}
}

func TestPutObjectMergesListFields(t *testing.T) {
	database := testDB(t)

	first := &domain.Object{
		Id:        "http://x.com/post",
		Users:     []string{"http://x.com/alice"},
		Delivered: []string{"http://a.com/inbox"},
		Failed:    []string{"http://b.com/inbox"},
	}
	if err := database.PutObject(first); err != nil {
		t.Fatalf("First PutObject failed: %v", err)
	}

	second := &domain.Object{
		Id:        "http://x.com/post",
		Users:     []string{"http://x.com/bob"},
		Delivered: []string{"http://b.com/inbox"},
	}
	if err := database.PutObject(second); err != nil {
		t.Fatalf("Second PutObject failed: %v", err)
	}

	got, err := database.ReadObject("http://x.com/post")
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if len(got.Users) != 2 {
		t.Errorf("Expected users union of 2, got %v", got.Users)
	}
	if len(got.Delivered) != 2 {
		t.Errorf("Expected delivered union of 2, got %v", got.Delivered)
	}
	// b.com succeeded on retry, so it must leave the failed list
	if len(got.Failed) != 0 {
		t.Errorf("Expected failed to be cleared after delivery, got %v", got.Failed)
	}
}

func TestPutObjectKeepsCreatedAt(t *testing.T) {
	database := testDB(t)

	obj := &domain.Object{Id: "http://x.com/post", Payload: map[string]any{"objectType": "note"}}
	if err := database.PutObject(obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	first, _ := database.ReadObject("http://x.com/post")

	obj.Payload["content"] = "edited"
	if err := database.PutObject(obj); err != nil {
		t.Fatalf("Second PutObject failed: %v", err)
	}
	second, _ := database.ReadObject("http://x.com/post")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on update: %v vs %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestCopiesRoundTrip(t *testing.T) {
	database := testDB(t)

	obj := &domain.Object{
		Id:     "http://x.com/post",
		Copies: []domain.Target{{Protocol: "atproto", URI: "at://did:plc:abc/app.bsky.feed.post/1"}},
	}
	if err := database.PutObject(obj); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}

	got, err := database.ReadObject("http://x.com/post")
	if err != nil {
		t.Fatalf("ReadObject failed: %v", err)
	}
	if len(got.Copies) != 1 || got.Copies[0].Protocol != "atproto" {
		t.Fatalf("Copies did not round-trip: %v", got.Copies)
	}

	kind, owner, protocol, err := database.ReadCopyOwner("at://did:plc:abc/app.bsky.feed.post/1")
	if err != nil {
		t.Fatalf("ReadCopyOwner failed: %v", err)
	}
	if kind != "object" || owner != "http://x.com/post" || protocol != "atproto" {
		t.Errorf("Unexpected copy owner: %s %s %s", kind, owner, protocol)
	}

	kind, owner, _, err = database.ReadCopyOwner("at://unknown")
	if err != nil {
		t.Fatalf("ReadCopyOwner for unknown failed: %v", err)
	}
	if kind != "" || owner != "" {
		t.Errorf("Expected empty owner for unknown copy, got %s %s", kind, owner)
	}
}

func TestCreateUserIsLazy(t *testing.T) {
	database := testDB(t)

	user := &domain.User{Id: "http://x.com/alice", Protocol: "web", Handle: "x.com"}
	if err := database.CreateUser(user); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	// a second create for the same id is not an error
	if err := database.CreateUser(&domain.User{Id: "http://x.com/alice", Protocol: "web"}); err != nil {
		t.Fatalf("Repeated CreateUser failed: %v", err)
	}

	got, err := database.ReadUserByHandle("x.com")
	if err != nil {
		t.Fatalf("ReadUserByHandle failed: %v", err)
	}
	if got == nil || got.Id != "http://x.com/alice" {
		t.Fatalf("Expected user by handle, got %+v", got)
	}
}

func TestFollowerReactivation(t *testing.T) {
	database := testDB(t)

	first, err := database.GetOrCreateFollower("http://x.com/alice", "http://y.com/bob",
		domain.FollowerActive, "http://x.com/follow-1")
	if err != nil {
		t.Fatalf("GetOrCreateFollower failed: %v", err)
	}

	if _, err := database.GetOrCreateFollower("http://x.com/alice", "http://y.com/bob",
		domain.FollowerInactive, ""); err != nil {
		t.Fatalf("Deactivation failed: %v", err)
	}

	reactivated, err := database.GetOrCreateFollower("http://x.com/alice", "http://y.com/bob",
		domain.FollowerActive, "http://x.com/follow-2")
	if err != nil {
		t.Fatalf("Reactivation failed: %v", err)
	}

	// same edge throughout, updated in place
	if reactivated.Id != first.Id {
		t.Errorf("Expected the same edge id, got %s vs %s", reactivated.Id, first.Id)
	}
	if reactivated.FollowId != "http://x.com/follow-2" {
		t.Errorf("Expected follow id to update, got %q", reactivated.FollowId)
	}

	followers, err := database.ReadFollowersOf("http://y.com/bob", domain.FollowerActive)
	if err != nil {
		t.Fatalf("ReadFollowersOf failed: %v", err)
	}
	if len(followers) != 1 {
		t.Fatalf("Expected exactly one active edge, got %d", len(followers))
	}
}

func TestDeactivateFollowersTouching(t *testing.T) {
	database := testDB(t)

	mustFollow := func(from, to string) {
		t.Helper()
		if _, err := database.GetOrCreateFollower(from, to, domain.FollowerActive, ""); err != nil {
			t.Fatalf("GetOrCreateFollower failed: %v", err)
		}
	}
	mustFollow("http://x.com/alice", "http://y.com/bob")
	mustFollow("http://y.com/bob", "http://x.com/alice")
	mustFollow("http://z.com/eve", "http://w.com/frank")

	if err := database.DeactivateFollowersTouching("http://x.com/alice"); err != nil {
		t.Fatalf("DeactivateFollowersTouching failed: %v", err)
	}

	for _, pair := range [][2]string{
		{"http://x.com/alice", "http://y.com/bob"},
		{"http://y.com/bob", "http://x.com/alice"},
	} {
		edge, err := database.ReadFollower(pair[0], pair[1])
		if err != nil {
			t.Fatalf("ReadFollower failed: %v", err)
		}
		if edge.Status != domain.FollowerInactive {
			t.Errorf("Edge %s -> %s should be inactive, got %q", pair[0], pair[1], edge.Status)
		}
	}

	untouched, err := database.ReadFollower("http://z.com/eve", "http://w.com/frank")
	if err != nil {
		t.Fatalf("ReadFollower failed: %v", err)
	}
	if untouched.Status != domain.FollowerActive {
		t.Errorf("Unrelated edge should stay active, got %q", untouched.Status)
	}
}

func TestReceiveQueueLifecycle(t *testing.T) {
	database := testDB(t)

	if err := database.EnqueueReceive("http://x.com/post"); err != nil {
		t.Fatalf("EnqueueReceive failed: %v", err)
	}

	depth, err := database.QueueDepth()
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth != 1 {
		t.Fatalf("Expected depth 1, got %d", depth)
	}

	items, err := database.ReadPendingReceives(10)
	if err != nil {
		t.Fatalf("ReadPendingReceives failed: %v", err)
	}
	if len(items) != 1 || items[0].ObjectId != "http://x.com/post" {
		t.Fatalf("Unexpected pending items: %+v", items)
	}

	if err := database.DeleteReceive(items[0].Id); err != nil {
		t.Fatalf("DeleteReceive failed: %v", err)
	}
	depth, _ = database.QueueDepth()
	if depth != 0 {
		t.Errorf("Expected empty queue, got depth %d", depth)
	}
}
