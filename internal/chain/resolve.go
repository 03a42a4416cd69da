package chain

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/backend"
	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/vhd"
)

// Opener opens the layer stored at path. It must return an error matching
// fs.ErrNotExist when nothing is stored there.
type Opener func(path string, writable bool) (Layer, error)

// ParentLocator is implemented by layers that record where their parent is
// stored.
type ParentLocator interface {
	ParentLocations() ([]vhd.LocatorPath, error)
	ParentName() string
}

// FileOpener opens a VHD file from the local file system.
func FileOpener(path string, writable bool) (Layer, error) {
	f, err := backend.OpenFile(path, writable)
	if err != nil {
		return nil, err
	}
	img, err := vhd.Open(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return img, nil
}

// Open opens the image at path and walks its parent links until a base
// layer is reached. Parents are opened read-only. Each parent is looked for
// at its relative locator, then its absolute locator, then under its
// recorded name beside the child. Cycles and broken links are reported as
// CorruptChainError.
func Open(path string, writable bool, open Opener, opts Options) (*Chain, error) {
	top, err := open(path, writable)
	if err != nil {
		return nil, err
	}
	return walk(top, path, func(p string) (Layer, error) { return open(p, false) }, opts)
}

// walk resolves the parents of top. On failure every layer opened so far,
// top included, is closed.
func walk(top Layer, path string, openParent func(string) (Layer, error), opts Options) (*Chain, error) {
	layers := []Layer{top}
	ok := false
	defer func() {
		if !ok {
			closeAll(layers)
		}
	}()

	seen := map[uuid.UUID]bool{top.ID(): true}
	childPath := path
	for child := top; child.ParentID() != uuid.Nil; {
		if len(layers) >= opts.maxDepth() {
			return nil, diskerr.Chainf(childPath, "more than %d layers", opts.maxDepth())
		}

		parent, parentPath, err := findParent(child, childPath, openParent)
		if err != nil {
			return nil, err
		}
		if seen[parent.ID()] {
			parent.Close()
			return nil, diskerr.Chainf(parentPath, "layer %s appears twice, the chain has a cycle", parent.ID())
		}
		seen[parent.ID()] = true
		layers = append(layers, parent)

		log.WithFields(logrus.Fields{"child": childPath, "parent": parentPath}).Debug("resolved parent layer")
		child, childPath = parent, parentPath
	}

	c, err := New(layers, opts)
	if err != nil {
		return nil, err
	}
	ok = true
	return c, nil
}

// findParent tries each candidate location of child's parent and returns
// the first layer whose id matches.
func findParent(child Layer, childPath string, openParent func(string) (Layer, error)) (Layer, string, error) {
	candidates, err := parentCandidates(child, childPath)
	if err != nil {
		return nil, "", err
	}

	want := child.ParentID()
	var mismatched []string
	for _, p := range candidates {
		l, err := openParent(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to open parent %s: %w", p, err)
		}
		if l.ID() != want {
			mismatched = append(mismatched, fmt.Sprintf("%s (%s)", p, l.ID()))
			l.Close()
			continue
		}
		return l, p, nil
	}

	if len(mismatched) > 0 {
		return nil, "", diskerr.Chainf(childPath, "parent %s not found; candidates had other ids: %s", want, strings.Join(mismatched, ", "))
	}
	return nil, "", diskerr.Chainf(childPath, "parent %s not found at %s", want, strings.Join(candidates, ", "))
}

func parentCandidates(child Layer, childPath string) ([]string, error) {
	dir := filepath.Dir(childPath)
	var out []string
	add := func(p string) {
		for _, c := range out {
			if c == p {
				return
			}
		}
		out = append(out, p)
	}

	loc, ok := Unwrap(child).(ParentLocator)
	if !ok {
		return nil, diskerr.Chainf(childPath, "layer records no parent location")
	}
	paths, err := loc.ParentLocations()
	if err != nil {
		return nil, err
	}
	for _, lp := range paths {
		p := filepath.FromSlash(strings.ReplaceAll(lp.Path, `\`, "/"))
		if lp.Relative() || !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		add(filepath.Clean(p))
	}
	if name := loc.ParentName(); name != "" {
		add(filepath.Join(dir, filepath.Base(strings.ReplaceAll(name, `\`, "/"))))
	}
	return out, nil
}

// LayerSet shares read-only parent layers between chains. A parent opened
// through the set stays open until the last chain using it is closed.
type LayerSet struct {
	open Opener

	mu     sync.Mutex
	shared map[string]*sharedLayer
}

type sharedLayer struct {
	Layer
	key  string
	refs int
}

// NewLayerSet returns an empty set that opens layers with open.
func NewLayerSet(open Opener) *LayerSet {
	return &LayerSet{open: open, shared: make(map[string]*sharedLayer)}
}

// Open opens a chain whose top layer is exclusive to the chain and whose
// parents are shared with other chains from this set.
func (s *LayerSet) Open(path string, writable bool, opts Options) (*Chain, error) {
	top, err := s.open(path, writable)
	if err != nil {
		return nil, err
	}
	return walk(top, path, s.acquire, opts)
}

// Refs returns how many chains hold the layer stored at path.
func (s *LayerSet) Refs(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.shared[key(path)]; ok {
		return l.refs
	}
	return 0
}

func (s *LayerSet) acquire(path string) (Layer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(path)
	l, ok := s.shared[k]
	if !ok {
		opened, err := s.open(path, false)
		if err != nil {
			return nil, err
		}
		l = &sharedLayer{Layer: opened, key: k}
		s.shared[k] = l
	}
	l.refs++
	return &sharedRef{sharedLayer: l, set: s}, nil
}

func (s *LayerSet) release(l *sharedLayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.refs--
	if l.refs > 0 {
		return nil
	}
	delete(s.shared, l.key)
	log.WithField("path", l.key).Debug("closing shared layer")
	return l.Layer.Close()
}

// sharedRef is one chain's handle on a shared layer.
type sharedRef struct {
	*sharedLayer
	set    *LayerSet
	closed bool
}

func (r *sharedRef) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.set.release(r.sharedLayer)
}

func (r *sharedRef) Unwrap() Layer {
	return r.sharedLayer.Layer
}

// Unwrap returns the layer beneath any sharing wrappers.
func Unwrap(l Layer) Layer {
	for {
		u, ok := l.(interface{ Unwrap() Layer })
		if !ok {
			return l
		}
		l = u.Unwrap()
	}
}

func key(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}
