package store

import (
	"context"
	"fmt"

	"github.com/gomodule/redigo/redis"
)

// redisBackend stores each record as a Redis hash under a hex-encoded key,
// directly mirroring the original reference implementation's use of
// conn.exists / conn.hset_multiple / conn.hget (tracing/src/path.rs,
// tracing/src/tree.rs). It is the natural "remote key-value backend" the
// store abstraction is meant to also support, alongside the in-process
// fixtures used in tests.
type redisBackend struct {
	pool *redis.Pool
}

// NewRedis returns a Backend backed by a Redis server reachable at addr. The
// raw record bytes are stored under hash field "blob" so that PutIfAbsent can
// remain a single round trip while still leaving room for field-level
// inspection via the /debug/key operator endpoint.
func NewRedis(addr string) Backend {
	pool := &redis.Pool{
		MaxIdle:   8,
		MaxActive: 64,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
	return &redisBackend{pool: pool}
}

func hexKey(key []byte) string {
	return fmt.Sprintf("%x", key)
}

func (r *redisBackend) Exists(ctx context.Context, key []byte) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	return redis.Bool(conn.Do("EXISTS", hexKey(key)))
}

func (r *redisBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("HGET", hexKey(key), "blob"))
	if err == redis.ErrNil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *redisBackend) PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// HSETNX is atomic on the server: exactly one concurrent caller ever
	// gets reply 1, satisfying the first-writer-wins invariant without a
	// client-side lock (spec §5: "concurrent processes on the same addr
	// yield exactly one success and one duplicate signal").
	wrote, err := redis.Bool(conn.Do("HSETNX", hexKey(key), "blob", data))
	if err != nil {
		return false, err
	}
	return wrote, nil
}
