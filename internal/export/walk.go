package export

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jbweber/spindle/internal/stream"
)

const chunkSize = 1 << 20

var zeros = make([]byte, chunkSize)

// walk hands the full contents of s to emit in order, in chunks of at most
// chunkSize bytes. Chunks inside holes alias a shared zero buffer and must
// not be modified. It returns the number of allocated bytes read.
func walk(ctx context.Context, s stream.Stream, emit func(p []byte) error) (int64, error) {
	buf := make([]byte, chunkSize)
	var pos, allocated int64

	emitZeros := func(end int64) error {
		for pos < end {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := min(int64(chunkSize), end-pos)
			if err := emit(zeros[:n]); err != nil {
				return err
			}
			pos += n
		}
		return nil
	}

	for e := range s.Extents(0, s.Size()) {
		if err := emitZeros(e.Start); err != nil {
			return allocated, err
		}
		for pos < e.End() {
			if err := ctx.Err(); err != nil {
				return allocated, err
			}
			n := min(int64(chunkSize), e.End()-pos)
			chunk := buf[:n]
			got, err := s.ReadAt(chunk, pos)
			if err != nil && !errors.Is(err, io.EOF) {
				return allocated, fmt.Errorf("failed to read at %d: %w", pos, err)
			}
			clear(chunk[got:])
			if err := emit(chunk); err != nil {
				return allocated, err
			}
			pos += n
			allocated += n
		}
	}
	if err := emitZeros(s.Size()); err != nil {
		return allocated, err
	}
	return allocated, nil
}
