package protocol

import (
	"log"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/deemkeen/fedbridge/util"
)

// RemoteMode controls when Load contacts the network.
type RemoteMode int

const (
	// RemoteDefault fetches only when nothing is cached or stored.
	RemoteDefault RemoteMode = iota
	// RemoteAlways re-fetches regardless of cache/store state and
	// compares against the stored payload to set the Changed flag.
	RemoteAlways
	// RemoteNever returns the stored/cached value or nil, no network.
	RemoteNever
)

// LoadOpts tunes Load. The zero value is the common path: cache, then
// store, then remote fetch.
type LoadOpts struct {
	// NoCache bypasses the cache and store read, forcing the fresh
	// remote fetch path. Results are still written back.
	NoCache bool
	Remote  RemoteMode
}

// Load returns the canonical object for id via protocol p, consulting
// cache, store and the remote network per opts. Every returned value is
// an independent copy. A nil result with nil error means "not found";
// fetch faults are absorbed the same way.
//
// NoCache combined with RemoteNever can never produce a value and is a
// programming error, not a runtime condition: it panics.
func (r *Registry) Load(p Protocol, id string, opts LoadOpts) (*domain.Object, error) {
	if opts.NoCache && opts.Remote == RemoteNever {
		panic("protocol: Load with NoCache and RemoteNever can never return anything")
	}

	var stored *domain.Object

	if !opts.NoCache {
		if opts.Remote != RemoteAlways {
			if cached := r.cache.Get(id); cached != nil {
				return cached, nil
			}
		}

		var err error
		stored, err = r.store.ReadObject(id)
		if err != nil {
			return nil, err
		}
		if opts.Remote == RemoteNever {
			return stored, nil
		}
		if stored != nil && opts.Remote != RemoteAlways {
			r.cache.Put(stored)
			return stored, nil
		}
	}

	payload, err := p.Fetch(id)
	if err != nil {
		// fetch fault: absorbed as not found
		log.Printf("Load: %s fetch of %s failed: %v", p.Label(), id, err)
		return nil, nil
	}
	if payload != nil && domain.PayloadString(payload, "id") == "" {
		payload["id"] = id
	}

	obj := stored
	if obj == nil {
		obj = &domain.Object{Id: id}
	}

	changed := stored != nil && !util.SamePayload(stored.Payload, payload)
	isNew := stored == nil

	obj.Payload = payload
	obj.SourceProtocol = p.Label()
	obj.Type = obj.DeriveType()

	// write back, even when the fetch came up empty: an empty record
	// marks the id as fetched
	if err := r.store.PutObject(obj); err != nil {
		return nil, err
	}
	r.cache.Put(obj)

	out := obj.Clone()
	if !opts.NoCache {
		out.Changed = changed
		out.New = isNew
	}
	return out, nil
}
