// Package tracepath implements the path traceback scheme (spec §3, §4.3): a
// linear chain of forwards recoverable back to the originator. Every forward
// keys its record via a collision-resistant PRF over the message and the
// per-forward sender/recipient key, so the platform can walk the chain
// without ever learning the message's plaintext.
package tracepath

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"log"

	"github.com/cloudflare/msgtrace/metrics"
	"github.com/cloudflare/msgtrace/primitives"
	"github.com/cloudflare/msgtrace/store"
)

const schemeLabel = "path"

// Metadata is the per-recipient state carried forward between a forward
// being verified and the recipient's own next forward, if any.
type Metadata struct {
	Ptr [primitives.BlockSize]byte
}

// SenderTag is what a sender attaches to a forwarded ciphertext.
type SenderTag struct {
	Addr [32]byte
	CT   [primitives.BlockSize]byte
}

// RecTag is what the platform hands back to the recipient after processing a
// SenderTag.
type RecTag struct {
	Addr [32]byte
}

// record is the persisted shape of a path-scheme forward, matching the field
// names of spec §6 exactly (ct, sid, rid).
type record struct {
	CT  [primitives.BlockSize]byte
	SID uint32
	RID uint32
}

// NewMessage returns fresh originator metadata for a message about to be sent
// for the first time. The originator's ptr is cryptographically unconstrained
// (spec §3 permits zeros or random by convention); this implementation always
// draws fresh randomness so that an originator's metadata never leaks
// information through a fixed value.
func NewMessage(m []byte) (Metadata, error) {
	var md Metadata
	if _, err := rand.Read(md.Ptr[:]); err != nil {
		return Metadata{}, fmt.Errorf("tracepath: generating originator ptr: %w", err)
	}
	return md, nil
}

// GenerateTag produces the tag a sender attaches to a message forwarded under
// key k, given the metadata the sender holds for it (either from NewMessage,
// if they're the originator, or from a prior VerifyTag).
func GenerateTag(k [primitives.BlockSize]byte, m []byte, md Metadata) SenderTag {
	return SenderTag{
		Addr: primitives.CRPRF(k, m),
		CT:   primitives.Encipher(k, md.Ptr),
	}
}

// VerifyTag checks a RecTag returned by the platform for a forward the
// recipient received under key k, returning the metadata the recipient
// should retain if they go on to forward this message themselves.
//
// The returned metadata's Ptr is the key k itself: this is what lets the
// decipher step in SvrTrace recover the previous hop's ptr later (spec
// §4.3).
func VerifyTag(k [primitives.BlockSize]byte, m []byte, tag RecTag) (Metadata, bool) {
	if primitives.CRPRF(k, m) != tag.Addr {
		return Metadata{}, false
	}
	return Metadata{Ptr: k}, true
}

// SvrProcess stores a sender's tag at the platform, returning the recipient's
// tag. The second return value is false if tag.Addr was already occupied
// (the duplicate signal of spec §7); no record is mutated in that case.
func SvrProcess(ctx context.Context, backend store.Backend, tag SenderTag, sid, rid uint32) (RecTag, bool, error) {
	metrics.ProcessTotal.WithLabelValues(schemeLabel).Inc()

	rec := record{CT: tag.CT, SID: sid, RID: rid}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(rec); err != nil {
		return RecTag{}, false, fmt.Errorf("tracepath: encoding record: %w", err)
	}

	key := store.Key(store.SchemePath, tag.Addr[:])
	written, err := backend.PutIfAbsent(ctx, key, buf.Bytes())
	if err != nil {
		return RecTag{}, false, fmt.Errorf("tracepath: storing record: %w", err)
	}
	if !written {
		metrics.ProcessDuplicates.WithLabelValues(schemeLabel).Inc()
		return RecTag{}, false, nil
	}
	return RecTag{Addr: tag.Addr}, true, nil
}

// SvrTrace reconstructs the ancestor path of a reported message, ordered
// leaf-first (the reporter first, the originator last). Traversal stops when
// the store lookup misses or an identity mismatch is detected (spec §4.3);
// neither condition is an error.
func SvrTrace(ctx context.Context, backend store.Backend, m []byte, md Metadata, uid uint32) ([]uint32, error) {
	metrics.TraceTotal.WithLabelValues(schemeLabel).Inc()

	path := []uint32{uid}
	ptr := md.Ptr
	addr := primitives.CRPRF(ptr, m)

	for {
		key := store.Key(store.SchemePath, addr[:])
		exists, err := backend.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("tracepath: checking address: %w", err)
		}
		if !exists {
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "exhausted").Inc()
			metrics.TraceDepth.WithLabelValues(schemeLabel).Observe(float64(len(path) - 1))
			return path, nil
		}

		raw, err := backend.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("tracepath: reading record: %w", err)
		}
		var rec record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			return nil, fmt.Errorf("tracepath: decoding record: %w", err)
		}

		if path[len(path)-1] != rec.RID {
			log.Printf("tracepath: identity mismatch at addr %x: walked rid=%d, record rid=%d", addr, path[len(path)-1], rec.RID)
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "identity_mismatch").Inc()
			metrics.TraceDepth.WithLabelValues(schemeLabel).Observe(float64(len(path) - 1))
			return path, nil
		}
		path = append(path, rec.SID)

		ptr = primitives.Decipher(ptr, rec.CT)
		addr = primitives.CRPRF(ptr, m)
	}
}
