package export

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/spindle/internal/stream"
)

// Digest is the BLAKE3 hash of a stream's full contents. Two streams with
// equal contents have equal digests however their holes are laid out.
type Digest struct {
	Name      string `json:"name" yaml:"name"`
	Size      int64  `json:"size" yaml:"size"`
	Allocated int64  `json:"allocated" yaml:"allocated"`
	BLAKE3    string `json:"blake3" yaml:"blake3"`
}

// Sum hashes s.
func Sum(ctx context.Context, name string, s stream.Stream) (Digest, error) {
	h := blake3.New()
	allocated, err := walk(ctx, s, func(p []byte) error {
		_, err := h.Write(p)
		return err
	})
	if err != nil {
		return Digest{}, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	return Digest{
		Name:      name,
		Size:      s.Size(),
		Allocated: allocated,
		BLAKE3:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Source opens a stream to hash. Each source is opened, hashed and closed
// on its own goroutine, so sources must not share a handle.
type Source struct {
	Name string
	Open func() (stream.Stream, error)
}

// SumAll hashes sources concurrently, at most limit at a time (no limit
// when limit < 1). Digests are returned in source order. The first failure
// cancels the rest.
func SumAll(ctx context.Context, sources []Source, limit int) ([]Digest, error) {
	digests := make([]Digest, len(sources))

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, src := range sources {
		g.Go(func() error {
			s, err := src.Open()
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", src.Name, err)
			}
			defer s.Close()

			d, err := Sum(ctx, src.Name, s)
			if err != nil {
				return err
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return digests, nil
}
