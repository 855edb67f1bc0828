package protocol

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Registry maps short names to Protocol implementations and resolves
// which implementation owns an id, a handle, or a request's host.
// Registration order is the fixed priority order for both static
// ownership tests and remote content-negotiation probes.
type Registry struct {
	store      Store
	cache      *ObjectCache
	domain     string // bridge root domain, e.g. "fed.example.org"
	protocols  []Protocol
	greedy     Protocol
	byLabel    map[string]Protocol
	subdomains map[string]Protocol
}

func NewRegistry(store Store, cache *ObjectCache, bridgeDomain string) *Registry {
	if cache == nil {
		cache = NewObjectCache(5000, 5*time.Minute)
	}
	return &Registry{
		store:      store,
		cache:      cache,
		domain:     bridgeDomain,
		byLabel:    make(map[string]Protocol),
		subdomains: make(map[string]Protocol),
	}
}

func (r *Registry) Cache() *ObjectCache {
	return r.cache
}

// Register adds a protocol with its reserved bridge subdomains. The
// label itself is always a valid subdomain.
func (r *Registry) Register(p Protocol, subdomains ...string) error {
	return r.register(p, false, subdomains)
}

// RegisterGreedy adds a protocol that claims any id no other protocol
// recognizes. It is consulted only after all non-greedy protocols
// decline, and at most one may be registered.
func (r *Registry) RegisterGreedy(p Protocol, subdomains ...string) error {
	return r.register(p, true, subdomains)
}

func (r *Registry) register(p Protocol, greedy bool, subdomains []string) error {
	label := p.Label()
	if _, ok := r.byLabel[label]; ok {
		return fmt.Errorf("protocol %q already registered", label)
	}
	if greedy {
		if r.greedy != nil {
			return fmt.Errorf("greedy protocol %q already registered, cannot add %q",
				r.greedy.Label(), label)
		}
		r.greedy = p
	} else {
		r.protocols = append(r.protocols, p)
	}
	r.byLabel[label] = p
	r.subdomains[label] = p
	for _, sub := range subdomains {
		r.subdomains[sub] = p
	}
	return nil
}

// ForLabel returns the protocol registered under label, or nil.
func (r *Registry) ForLabel(label string) Protocol {
	return r.byLabel[label]
}

// All returns every registered protocol in priority order, greedy last.
func (r *Registry) All() []Protocol {
	out := append([]Protocol(nil), r.protocols...)
	if r.greedy != nil {
		out = append(out, r.greedy)
	}
	return out
}

// ForID resolves which protocol owns an id:
//  1. each protocol's static ownership test, in registration order,
//     greedy last
//  2. a stored object's source protocol; a stored object with no source
//     protocol means ownership is undetermined, don't guess
//  3. remote content-negotiation probes in registration order; a probe
//     that fails or yields nothing is non-ownership, try the next
func (r *Registry) ForID(id string) Protocol {
	if id == "" {
		return nil
	}

	for _, p := range r.protocols {
		if p.OwnsID(id) {
			return p
		}
	}
	if r.greedy != nil && r.greedy.OwnsID(id) {
		return r.greedy
	}

	stored, err := r.store.ReadObject(id)
	if err != nil {
		log.Printf("Registry: object lookup for %s failed: %v", id, err)
		return nil
	}
	if stored != nil {
		if stored.SourceProtocol == "" {
			return nil
		}
		return r.byLabel[stored.SourceProtocol]
	}

	for _, p := range r.protocols {
		payload, err := p.Fetch(id)
		if err != nil {
			log.Printf("Registry: %s probe of %s failed: %v", p.Label(), id, err)
			continue
		}
		if payload != nil {
			return p
		}
	}
	return nil
}

// ForHandle resolves a human handle to its protocol and, where known,
// the canonical protocol-native id. Static handle shapes win; then a
// stored user record; then at most one remote resolution call.
func (r *Registry) ForHandle(handle string) (Protocol, string) {
	if handle == "" {
		return nil, ""
	}

	for _, p := range r.All() {
		if p.OwnsHandle(handle) {
			return p, ""
		}
	}

	user, err := r.store.ReadUserByHandle(handle)
	if err != nil {
		log.Printf("Registry: user lookup for handle %s failed: %v", handle, err)
		return nil, ""
	}
	if user != nil {
		return r.byLabel[user.Protocol], user.Id
	}

	for _, p := range r.All() {
		resolver, ok := p.(HandleResolver)
		if !ok {
			continue
		}
		id, err := resolver.ResolveHandle(handle)
		if err != nil || id == "" {
			return nil, ""
		}
		return p, id
	}
	return nil, ""
}

// ForBridgeHost maps a reserved bridge subdomain (or a full url on one)
// to its protocol. The "fed" alias and localhost map to the given
// default federation protocol. Any other host, including the bare root
// domain and unrecognized subdomains, yields nil.
func (r *Registry) ForBridgeHost(hostOrUrl string, fed Protocol) Protocol {
	host := hostOrUrl
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(hostOrUrl)
		if err != nil {
			return nil
		}
		host = parsed.Host
	}
	host = strings.TrimSuffix(host, ".")
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if host == "" {
		return nil
	}

	if host == "localhost" || host == "fed."+r.domain {
		return fed
	}

	sub, ok := strings.CutSuffix(host, "."+r.domain)
	if !ok || strings.Contains(sub, ".") {
		return nil
	}
	return r.subdomains[sub]
}

// ForRequest resolves the protocol owning an incoming request's host.
func (r *Registry) ForRequest(req *http.Request, fed Protocol) Protocol {
	if req == nil {
		return nil
	}
	return r.ForBridgeHost(req.Host, fed)
}
