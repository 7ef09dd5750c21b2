package tracepath

import (
	"context"
	"crypto/rand"
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

// mockSend forwards m under a fresh key from sid to rid, returning the
// metadata rid should retain, mirroring path.rs's mock_send test helper.
func mockSend(t *testing.T, ctx context.Context, backend store.Backend, m []byte, md Metadata, sid, rid uint32) Metadata {
	t.Helper()
	k := randomKey(t)
	tag := GenerateTag(k, m, md)
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

func TestTagVerifies(t *testing.T) {
	m := []byte("Plaintext")
	k := randomKey(t)

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	tag := GenerateTag(k, m, md0)
	recTag := RecTag{Addr: tag.Addr}

	md1, ok := VerifyTag(k, m, recTag)
	if !ok {
		t.Fatalf("expected verification to succeed")
	}
	if md1.Ptr != k {
		t.Fatalf("expected verified ptr to equal the key")
	}
}

func TestTagFailsOnWrongMessageOrKey(t *testing.T) {
	m1 := []byte("Plaintext")
	m2 := []byte("Different Plaintext")
	k1 := randomKey(t)
	k2 := randomKey(t)

	md0, err := NewMessage(m1)
	if err != nil {
		t.Fatal(err)
	}
	tag := GenerateTag(k1, m1, md0)
	recTag := RecTag{Addr: tag.Addr}

	if _, ok := VerifyTag(k1, m2, recTag); ok {
		t.Fatalf("expected verification to fail on wrong message")
	}
	if _, ok := VerifyTag(k2, m1, recTag); ok {
		t.Fatalf("expected verification to fail on wrong key")
	}
}

func TestProcessTagVerifies(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	m := []byte("Plaintext")
	k := randomKey(t)
	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	tag := GenerateTag(k, m, md0)

	recTag, ok, err := SvrProcess(ctx, backend, tag, 0, 1)
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("expected first process to succeed")
	}

	md1, ok := VerifyTag(k, m, recTag)
	if !ok {
		t.Fatalf("expected verification to succeed")
	}
	if md1.Ptr != k {
		t.Fatalf("expected verified ptr to equal the key")
	}
}

func TestProcessDuplicateAddress(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	var addr [32]byte
	rand.Read(addr[:])
	tag1 := SenderTag{Addr: addr, CT: [16]byte{1}}
	tag2 := SenderTag{Addr: addr, CT: [16]byte{2}}

	_, ok1, err := SvrProcess(ctx, backend, tag1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, ok2, err := SvrProcess(ctx, backend, tag2, 0, 1)
	if err != nil {
		t.Fatal(err)
	}

	if !ok1 {
		t.Fatalf("expected first write to succeed")
	}
	if ok2 {
		t.Fatalf("expected duplicate write to be rejected")
	}
}

func TestTraceSimplePath(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	m := []byte("Plaintext")
	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 1)
	md2 := mockSend(t, ctx, backend, m, md1, 1, 2)

	path, err := SvrTrace(ctx, backend, m, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertPath(t, path, []uint32{2, 1, 0})

	subpath, err := SvrTrace(ctx, backend, m, md1, 1)
	if err != nil {
		t.Fatal(err)
	}
	assertPath(t, subpath, []uint32{1, 0})

	m2 := []byte("Different Plaintext")
	wrongPath, err := SvrTrace(ctx, backend, m2, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertPath(t, wrongPath, []uint32{2})
}

func TestTraceMessageSwitch(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	m := []byte("Plaintext")
	m2 := []byte("Different Plaintext")

	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 1)
	md2 := mockSend(t, ctx, backend, m2, md1, 1, 2)

	path, err := SvrTrace(ctx, backend, m2, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertPath(t, path, []uint32{2, 1})
}

func TestTraceIdentityMismatch(t *testing.T) {
	ctx := context.Background()
	backend := store.NewMemory()

	m := []byte("Plaintext")
	md0, err := NewMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	md1 := mockSend(t, ctx, backend, m, md0, 0, 1)
	md2 := mockSend(t, ctx, backend, m, md1, 3, 2) // sender claims to be 3, not 1

	path, err := SvrTrace(ctx, backend, m, md2, 2)
	if err != nil {
		t.Fatal(err)
	}
	assertPath(t, path, []uint32{2, 3})
}

func assertPath(t *testing.T, got, want []uint32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("path length mismatch: got=%v, expected=%v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("path mismatch at %d: got=%v, expected=%v", i, got, want)
		}
	}
}

func BenchmarkGenerateTag(b *testing.B) {
	m := make([]byte, 256)
	var k [primitives.BlockSize]byte
	md := Metadata{}
	for i := 0; i < b.N; i++ {
		GenerateTag(k, m, md)
	}
}

func BenchmarkSvrTrace(b *testing.B) {
	ctx := context.Background()
	backend := store.NewMemory()
	m := make([]byte, 256)

	md, _ := NewMessage(m)
	var sid uint32
	for sid = 0; sid < 10; sid++ {
		k := [primitives.BlockSize]byte{}
		rand.Read(k[:])
		tag := GenerateTag(k, m, md)
		recTag, _, _ := SvrProcess(ctx, backend, tag, sid, sid+1)
		md, _ = VerifyTag(k, m, recTag)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		SvrTrace(ctx, backend, m, md, 10)
	}
}
