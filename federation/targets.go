package federation

import (
	"log"
	"net/url"
	"strings"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/protocol"
)

// resolvedTarget is one delivery destination plus the caller context the
// pipeline needs for notification fan-out.
type resolvedTarget struct {
	target  domain.Target
	origObj *domain.Object // the referenced object this target came from
	notify  []string       // actor ids to record on the activity's notify
}

// resolveTargets computes the full, deterministic set of destinations
// for an activity: reply targets, explicit object references, mentions,
// and - for top-level posts/updates/deletes/shares - follower fan-out
// plus the protocols' shared broadcast addresses. Cross-protocol copies
// are substituted, blocklisted and self-looped addresses excluded, and
// the result is deduplicated by (protocol, address) preserving first
// occurrence. Unresolvable references are dropped silently.
func (p *Pipeline) resolveTargets(activity *domain.Object) ([]resolvedTarget, error) {
	payload := activity.Payload
	verb := domain.PayloadString(payload, "verb")
	actor := domain.PayloadActor(payload)
	inner := domain.PayloadObject(payload)

	type candidate struct {
		ref          string
		notifyAuthor bool // notify the referenced object's author
		notifySelf   bool // the reference is an actor, notify them
	}
	var candidates []candidate

	switch verb {
	case "post", "update":
		source := inner
		if source == nil {
			source = payload
		}
		for _, ref := range domain.PayloadStrings(source, "inReplyTo") {
			candidates = append(candidates, candidate{ref: ref, notifyAuthor: true})
		}
		for _, ref := range domain.PayloadMentions(source) {
			candidates = append(candidates, candidate{ref: ref, notifySelf: true})
		}
	case "like", "share":
		for _, ref := range domain.PayloadStrings(payload, "object") {
			candidates = append(candidates, candidate{ref: ref, notifyAuthor: true})
		}
	case "follow", "stop-following":
		for _, ref := range domain.PayloadStrings(payload, "object") {
			candidates = append(candidates, candidate{ref: ref, notifySelf: true})
		}
	case "accept":
		// delivered back to whoever sent the follow, nothing else
		if follow := domain.PayloadObject(payload); follow != nil {
			if followActor := domain.PayloadActor(follow); followActor != "" {
				candidates = append(candidates, candidate{ref: followActor})
			}
		}
	case "delete":
		// follower fan-out only, below
	}

	var resolved []resolvedTarget

	for _, cand := range candidates {
		ref := cand.ref

		// a reference to a registered copy resolves back to its owner
		if _, owner, _, err := p.store.ReadCopyOwner(ref); err != nil {
			return nil, err
		} else if owner != "" {
			ref = owner
		}

		proto := p.reg.ForID(ref)
		if proto == nil {
			log.Printf("Targets: no protocol owns %s, dropping", ref)
			continue
		}

		obj, err := p.reg.Load(proto, ref, protocol.LoadOpts{})
		if err != nil {
			return nil, err
		}
		if obj == nil {
			log.Printf("Targets: %s could not be loaded, dropping", ref)
			continue
		}

		var notify []string
		if cand.notifyAuthor {
			if author := domain.PayloadActor(obj.Payload); author != "" {
				notify = append(notify, author)
			}
		}
		if cand.notifySelf {
			notify = append(notify, ref)
		}

		// cross-protocol substitution: an entity mirrored into another
		// protocol is addressed at its copy, once per protocol
		copies := p.copiesOf(ref, obj)
		substituted := false
		for _, c := range copies {
			if c.Protocol == proto.Label() {
				continue
			}
			resolved = append(resolved, resolvedTarget{
				target:  domain.Target{Protocol: c.Protocol, URI: c.URI},
				origObj: obj,
				notify:  notify,
			})
			substituted = true
		}
		if substituted {
			continue
		}

		addr, err := proto.TargetFor(obj)
		if err != nil || addr == "" {
			log.Printf("Targets: no address for %s via %s: %v", ref, proto.Label(), err)
			continue
		}
		resolved = append(resolved, resolvedTarget{
			target:  domain.Target{Protocol: proto.Label(), URI: addr},
			origObj: obj,
			notify:  notify,
		})
	}

	// follower fan-out for top-level posts, updates, deletes and shares
	if p.fansOut(verb, inner) && actor != "" {
		followers, err := p.store.ReadFollowersOf(actor, domain.FollowerActive)
		if err != nil {
			return nil, err
		}
		for _, f := range followers {
			proto := p.reg.ForID(f.From)
			if proto == nil {
				continue
			}
			obj, err := p.reg.Load(proto, f.From, protocol.LoadOpts{Remote: protocol.RemoteNever})
			if err != nil {
				return nil, err
			}
			// no stored profile yields the protocol's shared address
			addr, err := proto.TargetFor(obj)
			if err != nil || addr == "" {
				continue
			}
			resolved = append(resolved, resolvedTarget{
				target: domain.Target{Protocol: proto.Label(), URI: addr},
			})
		}
	}

	// blocklist, self-loop exclusion, dedup by (protocol, address)
	seen := make(map[domain.Target]bool)
	var out []resolvedTarget
	for _, rt := range resolved {
		proto := p.reg.ForLabel(rt.target.Protocol)
		if proto == nil {
			continue
		}
		if proto.IsBlocklisted(rt.target.URI) {
			log.Printf("Targets: %s is blocklisted, excluding", rt.target.URI)
			continue
		}
		if isSelfLoop(activity, actor, rt.target) {
			log.Printf("Targets: %s is a self-loop for %s, excluding", rt.target.URI, actor)
			continue
		}
		if seen[rt.target] {
			continue
		}
		seen[rt.target] = true
		out = append(out, rt)
	}
	return out, nil
}

// fansOut reports whether an activity reaches the actor's followers:
// top-level posts, updates, deletes and shares, never replies.
func (p *Pipeline) fansOut(verb string, inner map[string]any) bool {
	switch verb {
	case "post", "update":
		return len(domain.PayloadStrings(inner, "inReplyTo")) == 0
	case "delete", "share":
		return true
	}
	return false
}

// copiesOf collects the cross-protocol mirrors registered for an entity,
// from both its object record and its user record.
func (p *Pipeline) copiesOf(id string, obj *domain.Object) []domain.Target {
	var copies []domain.Target
	if obj != nil {
		copies = append(copies, obj.Copies...)
	}
	user, err := p.store.ReadUser(id)
	if err != nil {
		log.Printf("Targets: user lookup for %s failed: %v", id, err)
		return copies
	}
	if user != nil {
		copies = append(copies, user.Copies...)
	}
	return copies
}

// isSelfLoop reports whether delivering to a target would echo the
// activity back to its origin: the target is the actor itself, or it
// shares the actor's domain on the same protocol the activity arrived
// through. Internally synthesized activities have no origin protocol
// and are never excluded by domain.
func isSelfLoop(activity *domain.Object, actor string, target domain.Target) bool {
	if actor == "" {
		return false
	}
	if actor == target.URI {
		return true
	}
	if activity.SourceProtocol == "" || activity.SourceProtocol != target.Protocol {
		return false
	}
	actorHost := hostOf(actor)
	return actorHost != "" && actorHost == hostOf(target.URI)
}

func hostOf(id string) string {
	if !strings.Contains(id, "://") {
		return ""
	}
	parsed, err := url.Parse(id)
	if err != nil {
		return ""
	}
	return parsed.Host
}
