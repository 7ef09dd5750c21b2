// Package store implements the hash-record store that the path and tree
// traceback schemes are layered on top of (spec §4.2). A Backend is a narrow
// capability — exists / put-if-absent / get over raw byte keys — so that both
// an in-process map (for tests) and a remote key-value service can satisfy
// it.
package store

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when no record exists at the given key.
var ErrNotFound = errors.New("store: record not found")

// Backend is the minimal capability the traceback schemes need from a
// key-value store: existence checks, first-writer-wins inserts, and reads.
// Records, once written, are never updated or deleted by a Backend
// implementation (spec §3, invariant 2) — lifecycle management is an
// external concern.
type Backend interface {
	// Exists reports whether a record is present at key.
	Exists(ctx context.Context, key []byte) (bool, error)

	// PutIfAbsent atomically writes data at key if and only if key was
	// previously absent. It reports whether this call was the one that wrote
	// the record; false means a record already existed (the duplicate
	// signal of spec §4.2/§7) and data was discarded.
	PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error)

	// Get returns the raw bytes stored at key, or ErrNotFound if absent.
	Get(ctx context.Context, key []byte) ([]byte, error)
}

// Scheme tags the two traceback schemes' keyspaces so that one Backend can
// safely hold both path-scheme (32-byte) and tree-scheme (16-byte) addresses
// without collision (spec §9, resolved in SPEC_FULL.md §"Open question
// resolutions").
type Scheme byte

const (
	SchemePath Scheme = 'P'
	SchemeTree Scheme = 'T'
)

// Key prefixes a raw scheme address with its scheme tag before it reaches a
// Backend.
func Key(scheme Scheme, addr []byte) []byte {
	key := make([]byte, 0, 1+len(addr))
	key = append(key, byte(scheme))
	key = append(key, addr...)
	return key
}

func dup(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// keyMutex implements per-key locking over string keys. It is the mechanism
// the in-memory Backend uses to make PutIfAbsent atomic (the disk Backend
// uses a shardedLocker instead): the check-then-write race is closed by
// holding the key's lock for the duration of the operation.
type keyMutex struct {
	m sync.Map
}

func newKeyMutex() *keyMutex {
	return &keyMutex{}
}

func (km *keyMutex) Lock(key string) {
	for {
		mu := &sync.Mutex{}
		mu.Lock()

		actual, loaded := km.m.LoadOrStore(key, mu)
		if !loaded {
			return
		}

		cand := actual.(*sync.Mutex)
		cand.Lock() // Block until the key is unlocked, then retry.
		cand.Unlock()
	}
}

func (km *keyMutex) Unlock(key string) {
	actual, ok := km.m.Load(key)
	if !ok {
		panic("store: unlock of unlocked key")
	}
	km.m.Delete(key)
	actual.(*sync.Mutex).Unlock()
}
