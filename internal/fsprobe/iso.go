package fsprobe

import (
	"fmt"
	"io"

	"github.com/kdomanski/iso9660"
)

const (
	isoSectorSize = 2048
	// The primary volume descriptor is the first descriptor, in sector 16.
	isoDescriptorOffset = 16 * isoSectorSize
)

func probeISO(r io.ReaderAt, size int64) (*Result, error) {
	desc := make([]byte, 6)
	if ok, err := readAt(r, desc, isoDescriptorOffset, size); !ok {
		return nil, err
	}
	if string(desc[1:6]) != "CD001" {
		return nil, nil
	}
	return ReadISO(r)
}

// ReadISO opens an ISO9660 volume and returns its label and root directory
// listing.
func ReadISO(r io.ReaderAt) (*Result, error) {
	img, err := iso9660.OpenImage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open ISO image: %w", err)
	}

	label, err := img.Label()
	if err != nil {
		return nil, fmt.Errorf("failed to read volume label: %w", err)
	}

	root, err := img.RootDir()
	if err != nil {
		return nil, fmt.Errorf("failed to read root directory: %w", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		return nil, fmt.Errorf("failed to list root directory: %w", err)
	}

	res := &Result{Type: TypeISO9660, Label: label}
	for _, child := range children {
		name := child.Name()
		if child.IsDir() {
			name += "/"
		}
		res.Files = append(res.Files, name)
	}
	return res, nil
}
