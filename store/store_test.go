package store

import (
	"bytes"
	"context"
	"testing"
)

func TestMemoryPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.PutIfAbsent(ctx, []byte("addr"), []byte("first"))
	if err != nil {
		t.Fatal(err)
	} else if !ok {
		t.Fatalf("expected first write to succeed")
	}

	ok, err = m.PutIfAbsent(ctx, []byte("addr"), []byte("second"))
	if err != nil {
		t.Fatal(err)
	} else if ok {
		t.Fatalf("expected duplicate write to be rejected")
	}

	data, err := m.Get(ctx, []byte("addr"))
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, []byte("first")) {
		t.Fatalf("duplicate write mutated stored record: got=%q", data)
	}
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.Get(ctx, []byte("missing")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, _ := m.Exists(ctx, []byte("missing")); ok {
		t.Fatalf("expected Exists to report false")
	}
}

func TestKeyPrefixSegregatesSchemes(t *testing.T) {
	addr := []byte{1, 2, 3}
	pathKey := Key(SchemePath, addr)
	treeKey := Key(SchemeTree, addr)
	if bytes.Equal(pathKey, treeKey) {
		t.Fatalf("expected scheme-tagged keys to differ")
	}
}

func TestCacheServesFromBase(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	c, err := NewCache(base, 16)
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := c.PutIfAbsent(ctx, []byte("k"), []byte("v")); !ok {
		t.Fatalf("expected write to succeed")
	}
	if ok, _ := c.PutIfAbsent(ctx, []byte("k"), []byte("v2")); ok {
		t.Fatalf("expected duplicate write to be rejected")
	}

	data, err := c.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(data, []byte("v")) {
		t.Fatalf("got=%q, expected v", data)
	}
}
