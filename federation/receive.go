package federation

import (
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/protocol"
	"github.com/deemkeen/fedbridge/util"
)

// maxReceiveDepth caps internally synthesized activities (accepts) so a
// buggy handler can never recurse unboundedly.
const maxReceiveDepth = 2

// Store is the slice of the entity store the pipeline needs.
type Store interface {
	protocol.Store

	ReadUser(id string) (*domain.User, error)
	CreateUser(u *domain.User) error
	GetOrCreateFollower(from, to, status, followId string) (*domain.Follower, error)
	ReadFollower(from, to string) (*domain.Follower, error)
	ReadFollowersOf(to, status string) ([]domain.Follower, error)
	DeactivateFollowersTouching(actor string) error
	ReadCopyOwner(uri string) (string, string, string, error)
}

// Pipeline receives one inbound activity at a time, normalizes bare
// objects into synthetic activities, persists the canonical record,
// resolves delivery targets and fans the activity out. Processing is
// idempotent per activity id, so queue workers may hand the same
// payload in more than once.
type Pipeline struct {
	store Store
	reg   *protocol.Registry
	clock clock.Clock
}

// NewPipeline wires a pipeline. A nil clk uses the wall clock; tests
// pass a mock to pin synthetic activity ids.
func NewPipeline(store Store, reg *protocol.Registry, clk clock.Clock) *Pipeline {
	if clk == nil {
		clk = clock.New()
	}
	return &Pipeline{store: store, reg: reg, clock: clk}
}

// Receive processes one inbound payload arriving via the given
// protocol. It returns ErrNoContent when the payload was valid but
// produced nothing to deliver, a BadInputError for malformed input, and
// a plain error for infrastructure faults worth retrying.
func (p *Pipeline) Receive(via protocol.Protocol, payload map[string]any) error {
	return p.receive(via, payload, 0)
}

func (p *Pipeline) receive(via protocol.Protocol, payload map[string]any, depth int) error {
	if depth > maxReceiveDepth {
		return badInputf("activity nesting too deep")
	}
	id := domain.PayloadString(payload, "id")
	if id == "" {
		return badInputf("activity has no id")
	}

	if !domain.IsActivity(payload) {
		wrapped, err := p.wrapBareObject(via, payload)
		if err != nil {
			return err
		}
		payload = wrapped
		id = domain.PayloadString(payload, "id")
	}

	verb := domain.PayloadString(payload, "verb")
	actor := domain.PayloadActor(payload)
	log.Printf("Receive: %s %s from %s", verb, id, actor)

	activity := &domain.Object{
		Id:      id,
		Payload: util.CopyPayload(payload),
		Type:    verb,
	}
	if via != nil {
		activity.SourceProtocol = via.Label()
	}
	if actor != "" {
		activity.Users = []string{actor}
	}

	if err := p.validate(verb, activity.Payload); err != nil {
		return err
	}

	// an actor delete deactivates their follow edges, so the follower
	// fan-out must be computed before the side effects run
	var targets []resolvedTarget
	var resolved bool
	if verb == "delete" {
		var err error
		targets, err = p.resolveTargets(activity)
		if err != nil {
			return err
		}
		resolved = true
	}

	if err := p.dispatch(via, activity, depth); err != nil {
		if err == ErrNoContent || IsBadInput(err) {
			return err
		}
		activity.Status = domain.StatusError
		if putErr := p.store.PutObject(activity); putErr != nil {
			log.Printf("Receive: recording error status for %s failed: %v", id, putErr)
		}
		return err
	}

	if !resolved {
		var err error
		targets, err = p.resolveTargets(activity)
		if err != nil {
			return err
		}
	}
	for _, rt := range targets {
		activity.Notify = append(activity.Notify, rt.notify...)
	}

	p.deliver(activity, targets)

	switch {
	case len(targets) == 0:
		activity.Status = domain.StatusIgnored
	case len(activity.Delivered) == 0 && len(activity.Failed) > 0:
		activity.Status = domain.StatusFailed
	default:
		activity.Status = domain.StatusComplete
	}
	if err := p.store.PutObject(activity); err != nil {
		return err
	}
	p.reg.Cache().Put(activity)

	if len(targets) == 0 {
		return ErrNoContent
	}
	return nil
}

// wrapBareObject turns a bare object into a synthetic post or update
// activity, depending on whether the object is new, changed, or already
// known unchanged. An unchanged object whose create already ran is
// recorded as ignored and short-circuits with ErrNoContent.
func (p *Pipeline) wrapBareObject(via protocol.Protocol, payload map[string]any) (map[string]any, error) {
	id := domain.PayloadString(payload, "id")
	stored, err := p.store.ReadObject(id)
	if err != nil {
		return nil, err
	}

	now := p.clock.Now().UTC().Format(time.RFC3339)
	inner := util.CopyPayload(payload)
	author := domain.PayloadActor(payload)

	// the inbox handler persists the raw object before queueing it, so a
	// stored unchanged object only ends processing once its create
	// activity actually ran to completion
	unchanged := stored != nil && util.SamePayload(stored.Payload, payload)
	createDone := false
	if unchanged {
		prior, err := p.store.ReadObject(id + "#bridgy-fed-create")
		if err != nil {
			return nil, err
		}
		createDone = prior != nil &&
			(prior.Status == domain.StatusComplete || prior.Status == domain.StatusIgnored)
	}

	if unchanged && createDone {
		ignored := &domain.Object{
			Id:      id + "#bridgy-fed-create",
			Payload: map[string]any{"objectType": "activity", "verb": "post", "id": id + "#bridgy-fed-create", "object": inner},
			Status:  domain.StatusIgnored,
			Type:    "post",
		}
		if via != nil {
			ignored.SourceProtocol = via.Label()
		}
		if author != "" {
			ignored.Payload["actor"] = author
			ignored.Users = []string{author}
		}
		if err := p.store.PutObject(ignored); err != nil {
			return nil, err
		}
		return nil, ErrNoContent
	}

	var wrapId, verb string
	if stored == nil || unchanged {
		verb = "post"
		wrapId = id + "#bridgy-fed-create"
		if domain.PayloadString(inner, "published") == "" {
			inner["published"] = now
		}
	} else {
		verb = "update"
		ts := domain.PayloadString(inner, "updated")
		if ts == "" {
			ts = now
			inner["updated"] = ts
		}
		wrapId = fmt.Sprintf("%s#bridgy-fed-update-%s", id, ts)
	}

	wrapped := map[string]any{
		"objectType": "activity",
		"verb":       verb,
		"id":         wrapId,
		"object":     inner,
	}
	if author != "" {
		wrapped["actor"] = author
	}
	return wrapped, nil
}

// validate rejects activities missing the fields their verb requires.
func (p *Pipeline) validate(verb string, payload map[string]any) error {
	switch verb {
	case "follow":
		if domain.PayloadActor(payload) == "" {
			return badInputf("follow activity has no actor")
		}
		if len(domain.PayloadStrings(payload, "object")) == 0 {
			return badInputf("follow activity has no object")
		}
	case "like", "share":
		if len(domain.PayloadStrings(payload, "object")) == 0 {
			return badInputf("%s activity has no object", verb)
		}
	case "post", "update", "delete", "stop-following", "accept", "undo":
		// no extra shape requirements
	default:
		log.Printf("Receive: unsupported verb %q, ignoring", verb)
		return ErrNoContent
	}
	return nil
}

// dispatch runs the verb-specific side effects: object persistence,
// follower graph changes, tombstones, accept synthesis.
func (p *Pipeline) dispatch(via protocol.Protocol, activity *domain.Object, depth int) error {
	verb := domain.PayloadString(activity.Payload, "verb")
	switch verb {
	case "post", "update":
		return p.receivePostOrUpdate(via, activity, verb)
	case "delete":
		return p.receiveDelete(activity)
	case "follow":
		return p.receiveFollow(via, activity, depth)
	case "stop-following", "undo":
		return p.receiveStopFollowing(activity)
	case "share":
		return p.receiveShare(activity)
	case "like":
		return p.receiveLike(activity)
	case "accept":
		// terminal: delivered back to the follower, never re-expanded
		return nil
	}
	return nil
}

// receivePostOrUpdate persists the inner object and stamps it with the
// author's follower feed for top-level posts. An update whose inner
// object is byte-identical to the stored one is a no-op.
func (p *Pipeline) receivePostOrUpdate(via protocol.Protocol, activity *domain.Object, verb string) error {
	inner := domain.PayloadObject(activity.Payload)
	if inner == nil {
		// a bare reference: nothing to persist, targets may still exist
		return nil
	}
	innerId := domain.PayloadString(inner, "id")
	if innerId == "" {
		return badInputf("%s activity object has no id", verb)
	}

	author := domain.PayloadActor(inner)
	if author == "" {
		author = domain.PayloadActor(activity.Payload)
	}

	if verb == "update" {
		stored, err := p.store.ReadObject(innerId)
		if err != nil {
			return err
		}
		if stored != nil && util.SamePayload(stored.Payload, inner) {
			activity.Status = domain.StatusIgnored
			if err := p.store.PutObject(activity); err != nil {
				return err
			}
			return ErrNoContent
		}
	}

	obj := &domain.Object{
		Id:      innerId,
		Payload: util.CopyPayload(inner),
	}
	if via != nil {
		obj.SourceProtocol = via.Label()
	}
	if author != "" {
		obj.Users = []string{author}
		activity.Users = unionIds(activity.Users, []string{author})
	}

	// top-level posts and updates land in the author's followers' feeds
	if len(domain.PayloadStrings(inner, "inReplyTo")) == 0 && author != "" {
		followers, err := p.store.ReadFollowersOf(author, domain.FollowerActive)
		if err != nil {
			return err
		}
		for _, f := range followers {
			obj.Feed = append(obj.Feed, f.From)
		}
	}

	if err := p.store.PutObject(obj); err != nil {
		return err
	}
	p.reg.Cache().Put(obj)
	activity.ObjectIds = append(activity.ObjectIds, innerId)
	return nil
}

// receiveDelete tombstones the referenced object and, when the target
// is an actor, deactivates every follow edge touching them.
func (p *Pipeline) receiveDelete(activity *domain.Object) error {
	refs := domain.PayloadStrings(activity.Payload, "object")
	if len(refs) == 0 {
		return badInputf("delete activity has no object")
	}
	actor := domain.PayloadActor(activity.Payload)

	for _, ref := range refs {
		stored, err := p.store.ReadObject(ref)
		if err != nil {
			return err
		}
		tombstone := stored
		if tombstone == nil {
			// tombstone unknown ids too, so late-arriving copies of the
			// deleted object are recognized as gone
			tombstone = &domain.Object{Id: ref}
		}
		tombstone.Deleted = true
		tombstone.SourceProtocol = ""
		tombstone.Payload = nil
		tombstone.Status = domain.StatusComplete
		if err := p.store.PutObject(tombstone); err != nil {
			return err
		}
		p.reg.Cache().Remove(ref)

		user, err := p.store.ReadUser(ref)
		if err != nil {
			return err
		}
		if user != nil || ref == actor {
			if err := p.store.DeactivateFollowersTouching(ref); err != nil {
				return err
			}
		}
		activity.ObjectIds = append(activity.ObjectIds, ref)
	}
	return nil
}

// receiveFollow records the follow edge for each followee, creates both
// accounts lazily and synthesizes the accept back to the follower.
func (p *Pipeline) receiveFollow(via protocol.Protocol, activity *domain.Object, depth int) error {
	actor := domain.PayloadActor(activity.Payload)
	followId := activity.Id

	if via != nil {
		if err := p.ensureUser(via, actor); err != nil {
			return err
		}
	}

	for _, ref := range domain.PayloadStrings(activity.Payload, "object") {
		followee := ref
		if _, owner, _, err := p.store.ReadCopyOwner(ref); err != nil {
			return err
		} else if owner != "" {
			followee = owner
		}

		proto := p.reg.ForID(followee)
		if proto == nil {
			return badInputf("no protocol owns followee %s", followee)
		}
		if err := p.ensureUser(proto, followee); err != nil {
			return err
		}

		if _, err := p.store.GetOrCreateFollower(actor, followee, domain.FollowerActive, followId); err != nil {
			return err
		}
		activity.Notify = append(activity.Notify, followee)

		if depth == 0 {
			if err := p.sendAccept(proto, followee, activity.Payload, depth); err != nil {
				log.Printf("Receive: accept for %s -> %s failed: %v", actor, followee, err)
			}
		}
	}
	return nil
}

// sendAccept synthesizes the accept activity a followee sends back.
// Accepts are internal, so their source protocol stays empty.
func (p *Pipeline) sendAccept(proto protocol.Protocol, followee string, follow map[string]any, depth int) error {
	followeeObj, err := p.reg.Load(proto, followee, protocol.LoadOpts{})
	if err != nil {
		return err
	}
	addr, err := proto.TargetFor(followeeObj)
	if err != nil || addr == "" {
		return fmt.Errorf("no address for followee %s: %w", followee, err)
	}

	followId := domain.PayloadString(follow, "id")
	accept := map[string]any{
		"objectType": "activity",
		"verb":       "accept",
		"id":         fmt.Sprintf("%s#accept-%s", addr, followId),
		"actor":      followee,
		"object":     util.CopyPayload(follow),
	}
	err = p.receive(nil, accept, depth+1)
	if err == ErrNoContent {
		return nil
	}
	return err
}

// receiveStopFollowing deactivates the follow edge if one exists. A
// stop-following for an unknown edge is a no-op but still delivered.
func (p *Pipeline) receiveStopFollowing(activity *domain.Object) error {
	actor := domain.PayloadActor(activity.Payload)
	if actor == "" {
		return badInputf("stop-following activity has no actor")
	}
	for _, ref := range domain.PayloadStrings(activity.Payload, "object") {
		followee := ref
		if _, owner, _, err := p.store.ReadCopyOwner(ref); err != nil {
			return err
		} else if owner != "" {
			followee = owner
		}
		existing, err := p.store.ReadFollower(actor, followee)
		if err != nil {
			return err
		}
		if existing == nil || existing.Status == domain.FollowerInactive {
			continue
		}
		if _, err := p.store.GetOrCreateFollower(actor, followee, domain.FollowerInactive, existing.FollowId); err != nil {
			return err
		}
	}
	return nil
}

// receiveShare loads the shared object so delivery can embed it, and
// records the reference.
func (p *Pipeline) receiveShare(activity *domain.Object) error {
	for _, ref := range domain.PayloadStrings(activity.Payload, "object") {
		proto := p.reg.ForID(ref)
		if proto == nil {
			continue
		}
		obj, err := p.reg.Load(proto, ref, protocol.LoadOpts{})
		if err != nil {
			return err
		}
		if obj != nil && obj.Payload != nil {
			activity.Payload["object"] = util.CopyPayload(obj.Payload)
		}
		activity.ObjectIds = append(activity.ObjectIds, ref)
	}
	return nil
}

func (p *Pipeline) receiveLike(activity *domain.Object) error {
	for _, ref := range domain.PayloadStrings(activity.Payload, "object") {
		proto := p.reg.ForID(ref)
		if proto != nil {
			if _, err := p.reg.Load(proto, ref, protocol.LoadOpts{}); err != nil {
				return err
			}
		}
		activity.ObjectIds = append(activity.ObjectIds, ref)
	}
	return nil
}

// ensureUser lazily creates the account record for an actor id.
func (p *Pipeline) ensureUser(proto protocol.Protocol, id string) error {
	if id == "" {
		return nil
	}
	return p.store.CreateUser(&domain.User{
		Id:       id,
		Protocol: proto.Label(),
	})
}

// deliver sends the activity to every resolved target in order. A
// failing target is recorded and skipped; the rest still get their
// delivery. Delivered and failed stay disjoint via the store's merge.
func (p *Pipeline) deliver(activity *domain.Object, targets []resolvedTarget) {
	for _, rt := range targets {
		proto := p.reg.ForLabel(rt.target.Protocol)
		if proto == nil {
			continue
		}
		sent, err := proto.Send(activity, rt.target.URI)
		if err != nil {
			log.Printf("Deliver: %s to %s failed: %v", activity.Id, rt.target.URI, err)
			activity.Failed = append(activity.Failed, rt.target.URI)
			continue
		}
		if sent {
			activity.Delivered = append(activity.Delivered, rt.target.URI)
			activity.DeliveredProtocol = rt.target.Protocol
		}
	}
}

func unionIds(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}
