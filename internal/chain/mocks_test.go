package chain

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/stream"
	"github.com/jbweber/spindle/internal/vhd"
)

// memStore is an in-memory file system of VHD images.
type memStore struct {
	files  map[string]*backend.Memory
	opens  map[string]int
	closes map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		files:  make(map[string]*backend.Memory),
		opens:  make(map[string]int),
		closes: make(map[string]int),
	}
}

func (s *memStore) open(path string, writable bool) (Layer, error) {
	path = filepath.Clean(path)
	mem, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
	}
	var b backend.Backend = backend.NewMemory(mem.Bytes())
	if !writable {
		b = backend.NewReadOnlyMemory(mem.Bytes())
	}
	img, err := vhd.Open(&storeBackend{Backend: b, store: s, path: path, mem: mem})
	if err != nil {
		return nil, err
	}
	s.opens[path]++
	return img, nil
}

// storeBackend writes changes back to the store and counts closes.
type storeBackend struct {
	backend.Backend
	store *memStore
	path  string
	mem   *backend.Memory
}

func (b *storeBackend) WriteAt(p []byte, off int64) (int, error) {
	n, err := b.Backend.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	return b.mem.WriteAt(p, off)
}

func (b *storeBackend) Close() error {
	b.store.closes[b.path]++
	return b.Backend.Close()
}

// fakeLayer is an empty layer with arbitrary identity and parent location.
type fakeLayer struct {
	stream.Stream
	id, parent uuid.UUID
	locations  []vhd.LocatorPath
	name       string
	closed     bool
}

func (f *fakeLayer) ID() uuid.UUID       { return f.id }
func (f *fakeLayer) ParentID() uuid.UUID { return f.parent }
func (f *fakeLayer) BlockSize() int64    { return 4096 }
func (f *fakeLayer) ParentName() string  { return f.name }
func (f *fakeLayer) Close() error {
	f.closed = true
	return nil
}

func (f *fakeLayer) ParentLocations() ([]vhd.LocatorPath, error) {
	return f.locations, nil
}

func newFake(id, parent uuid.UUID, parentPath string) *fakeLayer {
	f := &fakeLayer{Stream: stream.ZeroStream(1 << 16), id: id, parent: parent}
	if parentPath != "" {
		f.locations = []vhd.LocatorPath{{PlatformCode: vhd.PlatformWindowsAbsolute, Path: parentPath}}
	}
	return f
}
