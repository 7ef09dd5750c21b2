package store

import (
	"sync"

	"github.com/cespare/xxhash"
)

// shardedLocker is a fixed-size array of mutexes indexed by a non-cryptographic
// hash of the key, used by backends (like the disk backend) where keeping one
// sync.Mutex per key forever would grow unbounded. xxhash is the same
// transitively-pinned hashing library go-xmssmt uses for its own bucketing;
// it has no business anywhere near the traceback cryptography itself, only
// as a contention-reducing implementation detail of the store layer.
type shardedLocker struct {
	shards []sync.Mutex
}

const defaultShardCount = 256

func newShardedLocker() *shardedLocker {
	return &shardedLocker{shards: make([]sync.Mutex, defaultShardCount)}
}

func (sl *shardedLocker) shardFor(key []byte) *sync.Mutex {
	h := xxhash.Sum64(key)
	return &sl.shards[h%uint64(len(sl.shards))]
}

func (sl *shardedLocker) Lock(key []byte)   { sl.shardFor(key).Lock() }
func (sl *shardedLocker) Unlock(key []byte) { sl.shardFor(key).Unlock() }
