package federation

import (
	"testing"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
)

func newWorker(fx *fixture, t *testing.T) *Worker {
	t.Helper()
	conf := &util.AppConfig{}
	conf.Conf.QueuePollSecs = 1
	return NewWorker(fx.store, fx.pipeline, fx.reg, conf)
}

func TestWorkerProcessesQueuedActivity(t *testing.T) {
	fx := newFixture(t)
	w := newWorker(fx, t)
	fx.follow(t, "fake:user:bob", "fake:user:alice")

	// an inbound activity lands in the store and the queue first
	if err := fx.store.PutObject(&domain.Object{
		Id: "fake:create:1",
		Payload: map[string]any{
			"objectType": "activity",
			"verb":       "post",
			"id":         "fake:create:1",
			"actor":      "fake:user:alice",
			"object": map[string]any{
				"id": "fake:post:1", "objectType": "note", "content": "hi",
			},
		},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.EnqueueReceive("fake:create:1"); err != nil {
		t.Fatal(err)
	}

	w.ProcessPending()

	if len(fx.fake.sent) != 1 || fx.fake.sent[0] != "shared:fake" {
		t.Errorf("Expected queued activity delivered, got %v", fx.fake.sent)
	}
	depth, err := fx.store.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("Processed item must leave the queue, depth %d", depth)
	}

	activity := fx.readObject(t, "fake:create:1")
	if activity.Status != domain.StatusComplete {
		t.Errorf("Expected status complete, got %q", activity.Status)
	}
}

func TestWorkerProcessesQueuedBareObject(t *testing.T) {
	fx := newFixture(t)
	w := newWorker(fx, t)
	fx.follow(t, "fake:user:bob", "fake:user:alice")

	// the inbox handler stores the raw bare object under its own id
	// before queueing; the worker must still wrap and deliver it
	if err := fx.store.PutObject(&domain.Object{
		Id: "fake:post:1",
		Payload: map[string]any{
			"id":         "fake:post:1",
			"objectType": "note",
			"author":     "fake:user:alice",
			"content":    "hi",
		},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.EnqueueReceive("fake:post:1"); err != nil {
		t.Fatal(err)
	}

	w.ProcessPending()

	if len(fx.fake.sent) != 1 || fx.fake.sent[0] != "shared:fake" {
		t.Fatalf("Expected bare object delivered to followers, got %v", fx.fake.sent)
	}
	wrapper := fx.readObject(t, "fake:post:1#bridgy-fed-create")
	if wrapper == nil {
		t.Fatal("Synthetic create wrapper not persisted")
	}
	if wrapper.Status != domain.StatusComplete {
		t.Errorf("Expected create status complete, got %q", wrapper.Status)
	}
	depth, err := fx.store.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("Processed item must leave the queue, depth %d", depth)
	}

	// the same object queued again is now a no-op
	if err := fx.store.EnqueueReceive("fake:post:1"); err != nil {
		t.Fatal(err)
	}
	w.ProcessPending()
	if len(fx.fake.sent) != 1 {
		t.Errorf("Unchanged object must not be redelivered, got %v", fx.fake.sent)
	}
}

func TestWorkerDropsBadInputWithoutRetry(t *testing.T) {
	fx := newFixture(t)
	w := newWorker(fx, t)

	// a follow with no actor can never become processable
	if err := fx.store.PutObject(&domain.Object{
		Id: "fake:follow:broken",
		Payload: map[string]any{
			"objectType": "activity",
			"verb":       "follow",
			"id":         "fake:follow:broken",
			"object":     "fake:user:alice",
		},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.EnqueueReceive("fake:follow:broken"); err != nil {
		t.Fatal(err)
	}

	w.ProcessPending()

	depth, err := fx.store.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("Bad input must be dropped, not retried, depth %d", depth)
	}
}

func TestWorkerDropsVanishedObject(t *testing.T) {
	fx := newFixture(t)
	w := newWorker(fx, t)

	if err := fx.store.EnqueueReceive("fake:never:stored"); err != nil {
		t.Fatal(err)
	}

	w.ProcessPending()

	depth, err := fx.store.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("Vanished object must be dropped, depth %d", depth)
	}
}

func TestWorkerNoContentCompletes(t *testing.T) {
	fx := newFixture(t)
	w := newWorker(fx, t)

	// no followers, no references: processed but nothing to deliver
	if err := fx.store.PutObject(&domain.Object{
		Id: "fake:create:quiet",
		Payload: map[string]any{
			"objectType": "activity",
			"verb":       "post",
			"id":         "fake:create:quiet",
			"actor":      "fake:user:alice",
			"object": map[string]any{
				"id": "fake:post:quiet", "objectType": "note", "content": "into the void",
			},
		},
		SourceProtocol: "fake",
	}); err != nil {
		t.Fatal(err)
	}
	if err := fx.store.EnqueueReceive("fake:create:quiet"); err != nil {
		t.Fatal(err)
	}

	w.ProcessPending()

	depth, err := fx.store.QueueDepth()
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("ErrNoContent must complete the item, depth %d", depth)
	}
}
