package tracetree

import (
	"context"
	"crypto/rand"
	"reflect"
	"testing"

	"github.com/cloudflare/msgtrace/primitives"
	"github.com/cloudflare/msgtrace/store"
)

func randomKey(t *testing.T) [primitives.BlockSize]byte {
	t.Helper()
	var k [primitives.BlockSize]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatal(err)
	}
	return k
}

// mockSend forwards m under a fresh key from sid to rid at the given
// counter, returning the metadata rid should retain.
func mockSend(t *testing.T, ctx context.Context, backend store.Backend, m []byte, md Metadata, ctr uint32, sid, rid uint32) Metadata {
	t.Helper()
	k := randomKey(t)
	tag, err := GenerateTag(k, m, md, ctr)
	if err != nil {
		t.Fatal(err)
	}
	recTag, ok, err := SvrProcess(ctx, backend, tag, sid, rid)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("unexpected duplicate address")
	}
	next, ok := VerifyTag(k, m, recTag)
	if !ok {
		t.Fatalf("verify failed for freshly processed tag")
	}
	return next
}

func TestTagVerifiesAndDerivesFirstPtr(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := []byte("Plaintext")

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	k := randomKey(t)
	tag, err := GenerateTag(k, m, md0, 0)
	if err != nil {
		t.Fatal(err)
	}
	recTag, ok, err := SvrProcess(ctx, backend, tag, 0, 1)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("expected write to succeed")
	}

	md1, ok := VerifyTag(k, m, recTag)
	if !ok {
		t.Fatalf("expected verification to succeed")
	}
	wantBptr := primitives.PRF(md0.GK, primitives.CounterBE(0))
	if md1.Bptr != wantBptr {
		t.Fatalf("bptr mismatch: got=%x, expected=%x", md1.Bptr, wantBptr)
	}
}

func TestTagFailsOnWrongMessageOrKey(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m1 := []byte("Plaintext")
	m2 := []byte("Different Plaintext")

	md0, err := NewMessage(m1)
	if err != nil {
		t.Fatal(err)
	}
	k1 := randomKey(t)
	k2 := randomKey(t)
	tag, err := GenerateTag(k1, m1, md0, 0)
	if err != nil {
		t.Fatal(err)
	}
	recTag, ok, err := SvrProcess(ctx, backend, tag, 0, 1)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("expected write to succeed")
	}

	if _, ok := VerifyTag(k1, m2, recTag); ok {
		t.Fatalf("expected verification to fail on wrong message")
	}
	if _, ok := VerifyTag(k2, m1, recTag); ok {
		t.Fatalf("expected verification to fail on wrong key")
	}
}

func TestSimpleFanOut(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := []byte("Plaintext")

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 0, 1)
	md2 := mockSend(t, ctx, backend, m, md0, 1, 0, 2)

	want := Tree{UID: 0, Children: []Tree{
		{UID: 1, Children: []Tree{}},
		{UID: 2, Children: []Tree{}},
	}}

	for uid, md := range map[uint32]Metadata{0: md0, 1: md1, 2: md2} {
		got, err := SvrTrace(ctx, backend, m, md, uid)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trace from %d: got=%+v, expected=%+v", uid, got, want)
		}
	}
}

func TestCounterSkip(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := []byte("Plaintext")

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 0, 1)
	md2 := mockSend(t, ctx, backend, m, md1, 0, 1, 2)
	md3 := mockSend(t, ctx, backend, m, md1, 2, 1, 3) // ctr=1 skipped

	got2, err := SvrTrace(ctx, backend, m, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	want2 := Tree{UID: 0, Children: []Tree{
		{UID: 1, Children: []Tree{
			{UID: 2, Children: []Tree{}},
		}},
	}}
	if !reflect.DeepEqual(got2, want2) {
		t.Fatalf("trace from 2: got=%+v, expected=%+v", got2, want2)
	}

	got3, err := SvrTrace(ctx, backend, m, md3, 3)
	if err != nil {
		t.Fatal(err)
	}
	want3 := Tree{UID: 1, Children: []Tree{
		{UID: 3, Children: []Tree{}},
	}}
	if !reflect.DeepEqual(got3, want3) {
		t.Fatalf("trace from 3: got=%+v, expected=%+v", got3, want3)
	}
}

func TestMalformedForwardGenerator(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := []byte("Plaintext")

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 0, 1)

	// Node 1 tampers: forwards using a gk of its own choosing instead of the
	// one VerifyTag derived, while keeping the legitimately-inherited bptr.
	tampered := Metadata{Bptr: md1.Bptr, GK: randomKey(t)}
	md2 := mockSend(t, ctx, backend, m, tampered, 0, 1, 2)

	got, err := SvrTrace(ctx, backend, m, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := Tree{UID: 1, Children: []Tree{
		{UID: 2, Children: []Tree{}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("trace from 2 (descendant of tamperer): got=%+v, expected=%+v", got, want)
	}

	// An untampered ancestor's own trace still recovers the truthful prefix:
	// 1's real link back to 0, just not 1's tampered forward to 2 (whose
	// addresses 1's real gk can't derive).
	gotAncestor, err := SvrTrace(ctx, backend, m, md1, 1)
	if err != nil {
		t.Fatal(err)
	}
	wantAncestor := Tree{UID: 0, Children: []Tree{
		{UID: 1, Children: []Tree{}},
	}}
	if !reflect.DeepEqual(gotAncestor, wantAncestor) {
		t.Fatalf("trace from 1 (untampered ancestor): got=%+v, expected=%+v", gotAncestor, wantAncestor)
	}
}

func BenchmarkGenerateTag(b *testing.B) {
	m := make([]byte, 256)
	var k [primitives.BlockSize]byte
	md := Metadata{}
	for i := 0; i < b.N; i++ {
		GenerateTag(k, m, md, uint32(i))
	}
}

func BenchmarkBuildTree(b *testing.B) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := make([]byte, 256)

	md0, _ := NewMessage(m)
	for ctr := uint32(0); ctr < 10; ctr++ {
		k := [primitives.BlockSize]byte{}
		rand.Read(k[:])
		tag, _ := GenerateTag(k, m, md0, ctr)
		SvrProcess(ctx, backend, tag, 0, ctr+1)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		BuildTree(ctx, backend, m, md0.GK, 0)
	}
}
