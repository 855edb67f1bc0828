package protocol

import (
	"time"

	"github.com/deemkeen/fedbridge/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ObjectCache is the process-wide, short-lived cache of canonical
// objects. It is shared across concurrently handled activities, so every
// read returns an independent clone and every write stores one; a caller
// mutating its copy can never be observed by another caller. Cleared at
// process start, never persisted.
type ObjectCache struct {
	lru *expirable.LRU[string, *domain.Object]
}

func NewObjectCache(size int, ttl time.Duration) *ObjectCache {
	return &ObjectCache{
		lru: expirable.NewLRU[string, *domain.Object](size, nil, ttl),
	}
}

// Get returns a clone of the cached object, or nil.
func (c *ObjectCache) Get(id string) *domain.Object {
	obj, ok := c.lru.Get(id)
	if !ok {
		return nil
	}
	return obj.Clone()
}

// Put stores a clone of the object.
func (c *ObjectCache) Put(obj *domain.Object) {
	if obj == nil || obj.Id == "" {
		return
	}
	c.lru.Add(obj.Id, obj.Clone())
}

func (c *ObjectCache) Remove(id string) {
	c.lru.Remove(id)
}

func (c *ObjectCache) Purge() {
	c.lru.Purge()
}
