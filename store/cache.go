package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
)

// cache wraps a base Backend with an LRU cache of the requested size,
// mirroring the teacher's storage.NewCache. A tree-scheme traceback re-reads
// the same handful of addresses repeatedly while climbing and fanning out
// through BuildTree, so caching Get results (which Exists also consults)
// meaningfully cuts round trips to a remote backend.
type cache struct {
	base  Backend
	cache *lru.Cache
}

// NewCache wraps a base Backend with an LRU cache of the requested size.
// Writes are never cached speculatively: PutIfAbsent only populates the
// cache after the base backend confirms the write succeeded, since records
// are immutable once written and a cached miss is only safe to keep once
// the absence has actually been observed against the base.
func NewCache(base Backend, size int) (Backend, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &cache{base: base, cache: c}, nil
}

func (c *cache) Exists(ctx context.Context, key []byte) (bool, error) {
	if _, ok := c.cache.Get(string(key)); ok {
		return true, nil
	}
	return c.base.Exists(ctx, key)
}

func (c *cache) Get(ctx context.Context, key []byte) ([]byte, error) {
	if val, ok := c.cache.Get(string(key)); ok {
		return dup(val.([]byte)), nil
	}
	data, err := c.base.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.cache.Add(string(key), dup(data))
	return data, nil
}

func (c *cache) PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error) {
	written, err := c.base.PutIfAbsent(ctx, key, data)
	if err != nil {
		return false, err
	}
	if written {
		c.cache.Add(string(key), dup(data))
	}
	return written, nil
}
