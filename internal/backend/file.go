//go:build darwin || linux

package backend

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// ErrReadOnly is returned by writes to a backend opened without write access.
var ErrReadOnly = errors.New("backend is read-only")

// File is a Backend over a regular file or block device using pread/pwrite.
type File struct {
	fd       int
	path     string
	writable bool
}

var _ Backend = (*File)(nil)

// OpenFile opens an existing file. Write access is requested only when
// writable is true.
func OpenFile(path string, writable bool) (*File, error) {
	flags := unix.O_RDONLY | unix.O_CLOEXEC
	if writable {
		flags = unix.O_RDWR | unix.O_CLOEXEC
	}

	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	return &File{fd: fd, path: path, writable: writable}, nil
}

// CreateFile creates (or truncates) a file for writing.
func CreateFile(path string) (*File, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}

	return &File{fd: fd, path: path, writable: true}, nil
}

// Path returns the path the file was opened with.
func (f *File) Path() string {
	return f.path
}

// ReadAt reads len(p) bytes at off, looping over short preads.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("pread %s: negative offset %d", f.path, off)
	}

	total := 0
	for total < len(p) {
		n, err := unix.Pread(f.fd, p[total:], off+int64(total))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("pread %s at offset %d: %w", f.path, off+int64(total), err)
		}
		if n == 0 {
			return total, io.EOF
		}
		total += n
	}
	return total, nil
}

// WriteAt writes all of p at off.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if !f.writable {
		return 0, ErrReadOnly
	}
	if off < 0 {
		return 0, fmt.Errorf("pwrite %s: negative offset %d", f.path, off)
	}

	total := 0
	for total < len(p) {
		n, err := unix.Pwrite(f.fd, p[total:], off+int64(total))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("pwrite %s at offset %d: %w", f.path, off+int64(total), err)
		}
		total += n
	}
	return total, nil
}

// Size returns the file length from fstat. Block devices report zero here;
// callers that need device capacity should seek instead.
func (f *File) Size() (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(f.fd, &stat); err != nil {
		return 0, fmt.Errorf("fstat %s: %w", f.path, err)
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFBLK {
		end, err := unix.Seek(f.fd, 0, io.SeekEnd)
		if err != nil {
			return 0, fmt.Errorf("seek %s: %w", f.path, err)
		}
		return end, nil
	}
	return stat.Size, nil
}

// Truncate changes the file length.
func (f *File) Truncate(size int64) error {
	if !f.writable {
		return ErrReadOnly
	}
	if err := unix.Ftruncate(f.fd, size); err != nil {
		return fmt.Errorf("ftruncate %s to %d: %w", f.path, size, err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	if !f.writable {
		return nil
	}
	if err := unix.Fsync(f.fd); err != nil {
		return fmt.Errorf("fsync %s: %w", f.path, err)
	}
	return nil
}

// Writable reports whether the file was opened for writing.
func (f *File) Writable() bool {
	return f.writable
}

// Close releases the file descriptor. Closing twice is a no-op.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	if err != nil {
		return fmt.Errorf("close %s: %w", f.path, err)
	}
	return nil
}
