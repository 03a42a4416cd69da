package vhd

import (
	"errors"

	"github.com/jbweber/spindle/internal/backend"
)

// backendOp is one mutating call seen by recordingBackend.
type backendOp struct {
	kind string // "write" or "sync"
	off  int64
	n    int
}

// recordingBackend records writes and syncs and can fail a write at one
// offset to simulate a crash.
type recordingBackend struct {
	*backend.Memory
	ops       []backendOp
	failWrite int64
}

func newRecordingBackend(mem *backend.Memory) *recordingBackend {
	return &recordingBackend{Memory: mem, failWrite: -1}
}

func (r *recordingBackend) WriteAt(p []byte, off int64) (int, error) {
	if off == r.failWrite {
		return 0, errors.New("simulated crash")
	}
	r.ops = append(r.ops, backendOp{kind: "write", off: off, n: len(p)})
	return r.Memory.WriteAt(p, off)
}

func (r *recordingBackend) Sync() error {
	r.ops = append(r.ops, backendOp{kind: "sync"})
	return r.Memory.Sync()
}

func (r *recordingBackend) reset() {
	r.ops = nil
}
