package backend

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestMemory_WriteGrows(t *testing.T) {
	m := NewMemory(nil)

	if _, err := m.WriteAt([]byte("abc"), 10); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}

	size, _ := m.Size()
	if size != 13 {
		t.Errorf("Size() = %d, want 13", size)
	}

	buf := make([]byte, 13)
	if _, err := m.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	want := append(make([]byte, 10), 'a', 'b', 'c')
	if !bytes.Equal(buf, want) {
		t.Errorf("ReadAt() = %v, want %v", buf, want)
	}
}

func TestMemory_ReadPastEnd(t *testing.T) {
	m := NewMemory([]byte("hello"))

	buf := make([]byte, 4)
	n, err := m.ReadAt(buf, 3)
	if n != 2 || err != io.EOF {
		t.Errorf("ReadAt() = %d, %v, want 2, EOF", n, err)
	}

	n, err = m.ReadAt(buf, 5)
	if n != 0 || err != io.EOF {
		t.Errorf("ReadAt(at end) = %d, %v, want 0, EOF", n, err)
	}
}

func TestMemory_TruncateZeroExtends(t *testing.T) {
	data := make([]byte, 4, 64)
	copy(data, "full")
	m := NewMemory(data)

	if err := m.Truncate(2); err != nil {
		t.Fatalf("Truncate(2) error = %v", err)
	}
	if err := m.Truncate(4); err != nil {
		t.Fatalf("Truncate(4) error = %v", err)
	}
	if !bytes.Equal(m.Bytes(), []byte{'f', 'u', 0, 0}) {
		t.Errorf("Bytes() = %v, want stale bytes cleared", m.Bytes())
	}
}

func TestMemory_ReadOnly(t *testing.T) {
	m := NewReadOnlyMemory([]byte("data"))

	if _, err := m.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteAt() error = %v, want ErrReadOnly", err)
	}
	if err := m.Truncate(0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Truncate() error = %v, want ErrReadOnly", err)
	}
	if m.Writable() {
		t.Error("Writable() = true, want false")
	}
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	f, err := CreateFile(path)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := f.Truncate(4096); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if _, err := f.WriteAt([]byte("payload"), 1000); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	if err := f.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ro, err := OpenFile(path, false)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer func() { _ = ro.Close() }()

	size, err := ro.Size()
	if err != nil || size != 4096 {
		t.Errorf("Size() = %d, %v, want 4096", size, err)
	}

	buf := make([]byte, 7)
	if _, err := ro.ReadAt(buf, 1000); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if string(buf) != "payload" {
		t.Errorf("ReadAt() = %q, want %q", buf, "payload")
	}

	if _, err := ro.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Errorf("WriteAt() on read-only file error = %v, want ErrReadOnly", err)
	}

	n, err := ro.ReadAt(make([]byte, 10), 4090)
	if n != 6 || err != io.EOF {
		t.Errorf("ReadAt(tail) = %d, %v, want 6, EOF", n, err)
	}
}

func TestFile_OpenMissing(t *testing.T) {
	if _, err := OpenFile(filepath.Join(t.TempDir(), "nope"), false); err == nil {
		t.Error("OpenFile() error = nil, want error for missing file")
	}
}
