// Package tracetree implements the tree traceback scheme (spec §3, §4.4): a
// full forwarding tree recoverable from any recipient's report, tolerating
// counter skips and detecting forged or skipped links along the way.
//
// The scheme layers three generator keys per node (the node's own gk, which
// seeds every ptr it uses to forward; the bptr inherited from its parent;
// and the fgk jointly derived with the platform for the next hop) so that
// the platform can both climb back to the root and fan out to every known
// child, without ever holding a key that lets it forge a link on its own.
package tracetree

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

const schemeLabel = "tree"

// MaxCounterSearch bounds the brute-force search for the counter a sender
// used to derive a given ptr from a generator key. The protocol never
// transmits ctr explicitly (spec §9); the platform recovers it by probing
// small values. The reference implementation searches unboundedly — this
// implementation caps the search, per §9's suggestion, so that a corrupted
// or adversarial gk can never force unbounded work. Exceeding the cap is
// treated identically to encountering the first gap.
const MaxCounterSearch = 1 << 20

// Metadata is the per-recipient state carried forward between a forward
// being verified and the recipient's own forwards, if any.
type Metadata struct {
	Bptr [primitives.BlockSize]byte
	GK   [primitives.BlockSize]byte
}

// SenderTag is what a sender attaches to a forwarded ciphertext.
type SenderTag struct {
	Addr   [primitives.BlockSize]byte
	CTPtr  [primitives.BlockSize]byte
	CTBptr [primitives.BlockSize]byte
	CTGK   [primitives.BlockSize]byte
	CTFGK  [primitives.BlockSize]byte
}

// RecTag is what the platform hands back to the recipient after processing a
// SenderTag.
type RecTag struct {
	Addr  [primitives.BlockSize]byte
	CTPtr [primitives.BlockSize]byte
	CTFGK [primitives.BlockSize]byte
	KSFGK [primitives.BlockSize]byte
}

// Tree is a reconstructed forwarding tree (or subtree); children are ordered
// by the counter the sender used to reach them.
type Tree struct {
	UID      uint32 `json:"uid"`
	Children []Tree `json:"children"`
}

// record is the persisted shape of a tree-scheme forward, matching the field
// names of spec §6 exactly.
type record struct {
	CTBptr [primitives.BlockSize]byte
	CTGK   [primitives.BlockSize]byte
	CTFGK  [primitives.BlockSize]byte
	KSFGK  [primitives.BlockSize]byte
	SID    uint32
	RID    uint32
}

// NewMessage returns fresh originator metadata for a message about to be sent
// for the first time: a zero backward pointer (there is no parent to climb
// to) and a freshly random generator key.
func NewMessage(m []byte) (Metadata, error) {
	var md Metadata
	if _, err := rand.Read(md.GK[:]); err != nil {
		return Metadata{}, fmt.Errorf("tracetree: generating originator gk: %w", err)
	}
	return md, nil
}

// GenerateTag produces the tag a sender attaches to the ctr'th forward of a
// message, sent under key k. ctr is the sender's own zero-based index among
// their forwards of this message; it may be skipped but must not be reused.
func GenerateTag(k [primitives.BlockSize]byte, m []byte, md Metadata, ctr uint32) (SenderTag, error) {
	ptr := primitives.PRF(md.GK, primitives.CounterBE(ctr))
	addr := primitives.PRF(ptr, m)

	var ksSender [primitives.BlockSize]byte
	if _, err := rand.Read(ksSender[:]); err != nil {
		return SenderTag{}, fmt.Errorf("tracetree: generating forward generator share: %w", err)
	}

	return SenderTag{
		Addr:   addr,
		CTPtr:  primitives.Encipher(k, ptr),
		CTBptr: primitives.Encipher(ptr, md.Bptr),
		CTGK:   primitives.Encipher(ptr, md.GK),
		CTFGK:  primitives.Encipher(ptr, ksSender),
	}, nil
}

// VerifyTag checks a RecTag returned by the platform for a forward the
// recipient received under key k, returning the metadata the recipient
// should retain if they go on to forward this message themselves.
func VerifyTag(k [primitives.BlockSize]byte, m []byte, tag RecTag) (Metadata, bool) {
	ptr := primitives.Decipher(k, tag.CTPtr)
	if primitives.PRF(ptr, m) != tag.Addr {
		return Metadata{}, false
	}

	ksSender := primitives.Decipher(ptr, tag.CTFGK)
	fgk := deriveFGK(ksSender, tag.KSFGK)
	return Metadata{Bptr: ptr, GK: fgk}, true
}

// deriveFGK computes the forward generator key jointly from the sender's and
// the platform's halves (spec §3, invariant 3): neither party alone
// determines the next gk.
func deriveFGK(ksSender, ksPlatform [primitives.BlockSize]byte) [primitives.BlockSize]byte {
	buf := make([]byte, 0, 2*primitives.BlockSize)
	buf = append(buf, ksSender[:]...)
	buf = append(buf, ksPlatform[:]...)
	return primitives.Hash(buf)
}

// SvrProcess stores a sender's tag at the platform, returning the recipient's
// tag. The second return value is false if tag.Addr was already occupied;
// no record is mutated in that case.
func SvrProcess(ctx context.Context, backend store.Backend, tag SenderTag, sid, rid uint32) (RecTag, bool, error) {
	metrics.ProcessTotal.WithLabelValues(schemeLabel).Inc()

	var ksFGK [primitives.BlockSize]byte
	if _, err := rand.Read(ksFGK[:]); err != nil {
		return RecTag{}, false, fmt.Errorf("tracetree: generating platform forward generator share: %w", err)
	}

	rec := record{
		CTBptr: tag.CTBptr,
		CTGK:   tag.CTGK,
		CTFGK:  tag.CTFGK,
		KSFGK:  ksFGK,
		SID:    sid,
		RID:    rid,
	}
	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(rec); err != nil {
		return RecTag{}, false, fmt.Errorf("tracetree: encoding record: %w", err)
	}

	key := store.Key(store.SchemeTree, tag.Addr[:])
	written, err := backend.PutIfAbsent(ctx, key, buf.Bytes())
	if err != nil {
		return RecTag{}, false, fmt.Errorf("tracetree: storing record: %w", err)
	}
	if !written {
		metrics.ProcessDuplicates.WithLabelValues(schemeLabel).Inc()
		return RecTag{}, false, nil
	}
	return RecTag{Addr: tag.Addr, CTPtr: tag.CTPtr, CTFGK: tag.CTFGK, KSFGK: ksFGK}, true, nil
}

func getRecord(ctx context.Context, backend store.Backend, addr [primitives.BlockSize]byte) (record, bool, error) {
	key := store.Key(store.SchemeTree, addr[:])
	exists, err := backend.Exists(ctx, key)
	if err != nil {
		return record{}, false, fmt.Errorf("tracetree: checking address: %w", err)
	}
	if !exists {
		return record{}, false, nil
	}
	raw, err := backend.Get(ctx, key)
	if err != nil {
		return record{}, false, fmt.Errorf("tracetree: reading record: %w", err)
	}
	var rec record
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return record{}, false, fmt.Errorf("tracetree: decoding record: %w", err)
	}
	return rec, true, nil
}

// SvrTrace reconstructs the forwarding tree of a reported message, rooted as
// far back as the climb can verifiably reach. It never fails except on store
// I/O errors (spec §7): every protocol-level malformation truncates the
// climb or returns a partial tree, logged as a diagnostic.
func SvrTrace(ctx context.Context, backend store.Backend, m []byte, md Metadata, uid uint32) (Tree, error) {
	metrics.TraceTotal.WithLabelValues(schemeLabel).Inc()

	root := uid
	rootGK := md.GK
	gk := md.GK
	bptr := md.Bptr
	prevSID := uid
	addr := primitives.PRF(bptr, m)
	hops := 0

	for {
		rec, exists, err := getRecord(ctx, backend, addr)
		if err != nil {
			return Tree{}, err
		}
		if !exists {
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "exhausted").Inc()
			break
		}

		if prevSID != rec.RID {
			log.Printf("tracetree: identity mismatch climbing from uid %d: expected rid=%d, record rid=%d", uid, prevSID, rec.RID)
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "identity_mismatch").Inc()
			break
		}

		ksSender := primitives.Decipher(bptr, rec.CTFGK)
		fgk := deriveFGK(ksSender, rec.KSFGK)
		if gk != fgk {
			log.Printf("tracetree: malformed forward generator key climbing from uid %d at sid=%d", uid, rec.SID)
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "malformed_generator").Inc()
			break
		}

		// Promote the sender of this record to the current root.
		gk = primitives.Decipher(bptr, rec.CTGK)
		root = rec.SID
		rootGK = gk
		prevSID = rec.SID
		hops++

		found, err := findCounter(ctx, backend, m, gk, bptr)
		if err != nil {
			return Tree{}, err
		}
		if !found {
			log.Printf("tracetree: malformed generator-key usage at sid=%d: bptr not reachable from claimed gk within %d counters", rec.SID, MaxCounterSearch)
			metrics.TraceStopReason.WithLabelValues(schemeLabel, "malformed_generator").Inc()
			metrics.TraceDepth.WithLabelValues(schemeLabel).Observe(float64(hops))
			child, err := BuildTree(ctx, backend, m, fgk, rec.RID)
			if err != nil {
				return Tree{}, err
			}
			return Tree{UID: rec.SID, Children: []Tree{child}}, nil
		}

		bptr = primitives.Decipher(bptr, rec.CTBptr)
		addr = primitives.PRF(bptr, m)
	}

	metrics.TraceDepth.WithLabelValues(schemeLabel).Observe(float64(hops))
	return BuildTree(ctx, backend, m, rootGK, root)
}

// findCounter searches for the smallest ctr >= 0 such that
// prf(gk, ctr_be32) == target, aborting early if a probed address is
// unfilled (spec §4.4, step 5). It reports whether such a ctr was found
// before either the first gap or MaxCounterSearch was reached.
func findCounter(ctx context.Context, backend store.Backend, m []byte, gk, target [primitives.BlockSize]byte) (bool, error) {
	for ctr := uint32(0); ctr <= MaxCounterSearch; ctr++ {
		ptr := primitives.PRF(gk, primitives.CounterBE(ctr))
		if ptr == target {
			return true, nil
		}

		probeAddr := primitives.PRF(ptr, m)
		key := store.Key(store.SchemeTree, probeAddr[:])
		exists, err := backend.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("tracetree: probing counter: %w", err)
		}
		if !exists {
			return false, nil
		}
	}
	return false, nil
}

// BuildTree recursively reconstructs the subtree rooted at uid, whose
// outbound forwards are all derivable from gk. Children are appended in
// counter order, the canonical ordering (spec §4.4). The counter scan stops
// at the first missing or foreign-sender counter even if higher counters are
// filled in — an accepted per-sender policy, not an error (spec "Edge-case
// policies").
func BuildTree(ctx context.Context, backend store.Backend, m []byte, gk [primitives.BlockSize]byte, uid uint32) (Tree, error) {
	tree := Tree{UID: uid, Children: []Tree{}}

	for ctr := uint32(0); ctr <= MaxCounterSearch; ctr++ {
		ptr := primitives.PRF(gk, primitives.CounterBE(ctr))
		addr := primitives.PRF(ptr, m)

		rec, exists, err := getRecord(ctx, backend, addr)
		if err != nil {
			return Tree{}, err
		}
		if !exists || rec.SID != uid {
			break
		}

		ksSender := primitives.Decipher(ptr, rec.CTFGK)
		fgk := deriveFGK(ksSender, rec.KSFGK)

		child, err := BuildTree(ctx, backend, m, fgk, rec.RID)
		if err != nil {
			return Tree{}, err
		}
		tree.Children = append(tree.Children, child)
	}

	return tree, nil
}
