package domain

import (
	"encoding/json"
	"log"
	"time"
)

// Object statuses, persisted on every canonical object.
const (
	StatusNew      = "new"
	StatusComplete = "complete"
	StatusError    = "error"
	StatusIgnored  = "ignored"
	StatusFailed   = "failed"
)

// Target is one delivery destination: a protocol label plus a
// protocol-native address (inbox, shared endpoint, or synthetic address).
type Target struct {
	Protocol string
	URI      string
}

// Object is the canonical, protocol-agnostic representation of one
// activity or object. It is created on first receipt of an activity with
// that id and mutated in place afterwards; deletion is a tombstone write,
// never a hard delete.
type Object struct {
	Id      string
	Payload map[string]any

	SourceProtocol    string // empty once tombstoned or for internal activities
	DeliveredProtocol string
	Status            string
	Type              string // derived activity verb or object type

	Users  []string // owning actor ids attributed to this activity
	Notify []string // actor ids to alert without full delivery
	Feed   []string // follower ids this object should appear in

	Delivered []string // target addresses, disjoint from Failed
	Failed    []string

	Copies    []Target // cross-protocol mirrors of this logical object
	ObjectIds []string // ids of objects this activity references

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time

	// set by protocol.Load, never persisted
	New     bool
	Changed bool
}

// Clone returns an independent deep copy. Every value handed out by the
// cache or store goes through here so a caller mutating its copy cannot
// corrupt another caller's view.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Payload = copyPayload(o.Payload)
	clone.Users = append([]string(nil), o.Users...)
	clone.Notify = append([]string(nil), o.Notify...)
	clone.Feed = append([]string(nil), o.Feed...)
	clone.Delivered = append([]string(nil), o.Delivered...)
	clone.Failed = append([]string(nil), o.Failed...)
	clone.Copies = append([]Target(nil), o.Copies...)
	clone.ObjectIds = append([]string(nil), o.ObjectIds...)
	return &clone
}

// DeriveType returns the activity verb for activity payloads, else the
// inner object type.
func (o *Object) DeriveType() string {
	if o.Payload == nil {
		return ""
	}
	if verb := PayloadString(o.Payload, "verb"); verb != "" {
		return verb
	}
	return PayloadString(o.Payload, "objectType")
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Object: payload marshal failed: %v", err)
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		log.Printf("Object: payload unmarshal failed: %v", err)
		return nil
	}
	return out
}
