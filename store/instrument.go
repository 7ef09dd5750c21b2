package store

import (
	"context"
	"time"

	"github.com/cloudflare/msgtrace/metrics"
)

// instrumented wraps a Backend so every call records its latency against
// metrics.StoreOpLatency, labeled by the backend kind and operation. It sits
// closest to the concrete backend so a cache wrapper's hits don't get
// counted as backend latency.
type instrumented struct {
	base Backend
	name string
}

// Instrument wraps base so its Exists/Get/PutIfAbsent calls are timed under
// the given name (e.g. "memory", "disk", "redis").
func Instrument(base Backend, name string) Backend {
	return &instrumented{base: base, name: name}
}

func (i *instrumented) observe(op string, start time.Time) {
	metrics.StoreOpLatency.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
}

func (i *instrumented) Exists(ctx context.Context, key []byte) (bool, error) {
	start := time.Now()
	defer i.observe("exists", start)
	return i.base.Exists(ctx, key)
}

func (i *instrumented) Get(ctx context.Context, key []byte) ([]byte, error) {
	start := time.Now()
	defer i.observe("get", start)
	return i.base.Get(ctx, key)
}

func (i *instrumented) PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error) {
	start := time.Now()
	defer i.observe("put_if_absent", start)
	return i.base.PutIfAbsent(ctx, key, data)
}
