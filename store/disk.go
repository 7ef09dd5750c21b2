package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// disk is an append-only, memory-mapped Backend, for operators who want
// durability without standing up a separate key-value service. Every record
// is appended once (immutability is the protocol's own invariant, spec §3)
// as a length-prefixed entry; an in-memory index maps each key to its byte
// offset so that Get and Exists never have to scan the file.
type disk struct {
	mu    sync.Mutex // guards file growth and the mmap handle
	file  *os.File
	mm    mmap.MMap
	index map[string]diskEntry

	locks *shardedLocker
}

type diskEntry struct {
	offset int64
	length int64
}

// NewDisk returns a Backend that append-only persists records to the file at
// path, memory-mapping it for reads. The file is created if it does not
// exist and its existing contents (if any) are indexed on open.
func NewDisk(path string) (Backend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("store: opening disk backend: %w", err)
	}

	d := &disk{
		file:  f,
		index: make(map[string]diskEntry),
		locks: newShardedLocker(),
	}
	if err := d.reindex(); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// entry layout: keyLen(4) | key | dataLen(4) | data
func (d *disk) reindex() error {
	info, err := d.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	mm, err := mmap.Map(d.file, mmap.RDWR, 0)
	if err != nil {
		return fmt.Errorf("store: mapping disk backend: %w", err)
	}
	d.mm = mm

	var off int64
	for off < int64(len(mm)) {
		keyLen := int64(binary.BigEndian.Uint32(mm[off : off+4]))
		off += 4
		key := string(mm[off : off+keyLen])
		off += keyLen

		dataLen := int64(binary.BigEndian.Uint32(mm[off : off+4]))
		dataOff := off + 4

		d.index[key] = diskEntry{offset: dataOff, length: dataLen}
		off = dataOff + dataLen
	}
	return nil
}

func (d *disk) Exists(ctx context.Context, key []byte) (bool, error) {
	d.locks.Lock(key)
	defer d.locks.Unlock(key)

	d.mu.Lock()
	_, ok := d.index[string(key)]
	d.mu.Unlock()
	return ok, nil
}

func (d *disk) Get(ctx context.Context, key []byte) ([]byte, error) {
	d.locks.Lock(key)
	defer d.locks.Unlock(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.index[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, e.length)
	copy(out, d.mm[e.offset:e.offset+e.length])
	return out, nil
}

func (d *disk) PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error) {
	d.locks.Lock(key)
	defer d.locks.Unlock(key)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[string(key)]; ok {
		return false, nil
	}

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(key)))
	entry := make([]byte, 0, len(hdr)+len(key)+len(data))
	entry = append(entry, hdr[0:4]...)
	entry = append(entry, key...)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(data)))
	entry = append(entry, hdr[4:8]...)
	entry = append(entry, data...)

	info, err := d.file.Stat()
	if err != nil {
		return false, err
	}
	base := info.Size()

	if d.mm != nil {
		if err := d.mm.Unmap(); err != nil {
			return false, fmt.Errorf("store: unmapping disk backend: %w", err)
		}
		d.mm = nil
	}
	if _, err := d.file.WriteAt(entry, base); err != nil {
		return false, fmt.Errorf("store: appending to disk backend: %w", err)
	}

	mm, err := mmap.Map(d.file, mmap.RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("store: remapping disk backend: %w", err)
	}
	d.mm = mm

	dataOff := base + int64(len(entry)) - int64(len(data))
	d.index[string(key)] = diskEntry{offset: dataOff, length: int64(len(data))}
	return true, nil
}

// Close unmaps and closes the backing file.
func (d *disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mm != nil {
		if err := d.mm.Unmap(); err != nil {
			return err
		}
	}
	return d.file.Close()
}
