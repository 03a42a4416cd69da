// Package backend provides the byte-addressable media that container formats
// are stored on: regular files accessed with positional system calls, and
// in-memory buffers for tests and synthesized images.
package backend

import "io"

// Backend is random-access storage for one container file.
//
// Implementations are not safe for concurrent use; callers serialize access
// per handle.
type Backend interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the current length in bytes.
	Size() (int64, error)

	// Truncate sets the length, zero-extending when growing.
	Truncate(size int64) error

	// Sync makes all previous writes durable.
	Sync() error

	// Writable reports whether WriteAt and Truncate are permitted.
	Writable() bool

	Close() error
}
