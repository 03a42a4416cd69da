package vhd

import (
	"github.com/jbweber/spindle/internal/stream"
)

// DiskBuilder lays out a dynamic VHD holding Content without writing it
// anywhere. Only blocks that overlap allocated extents of Content become
// BAT entries; everything else stays sparse.
type DiskBuilder struct {
	Content stream.Stream
	Options CreateOptions
}

// Build returns the image as a read-only stream. Payload bytes are read from
// Content lazily, so Content must stay open while the result is in use.
func (db *DiskBuilder) Build() (*stream.Built, error) {
	opts := db.Options.withDefaults()
	layout, err := newDynamicLayout("vhd.DiskBuilder", DiskTypeDynamic, db.Content.Size(), opts, nil)
	if err != nil {
		return nil, err
	}

	bs := int64(layout.header.BlockSize)
	bitmapSize := layout.header.bitmapSize()
	fullBitmap := make([]byte, bitmapSize)
	for s := int64(0); s < bs/SectorSize; s++ {
		setBit(fullBitmap, s)
	}

	bat := make([]uint32, layout.header.MaxTableEntries)
	for i := range bat {
		bat[i] = unallocated
	}

	allocated := stream.Collect(db.Content)

	var extents []stream.BuilderExtent
	pos := layout.metaEnd
	for _, run := range stream.BlockRanges(allocated, bs) {
		for block := run.Start; block < run.End(); block++ {
			bat[block] = uint32(pos / SectorSize)
			blockStart := block * bs
			length := min(bs, db.Content.Size()-blockStart)

			extents = append(extents,
				stream.Buffer(pos, fullBitmap),
				stream.Source(pos+bitmapSize, length, db.Content, blockStart),
			)
			pos += bitmapSize + bs
		}
	}

	meta, err := layout.metadata(bat)
	if err != nil {
		return nil, err
	}
	extents = append(extents,
		stream.Buffer(0, meta),
		stream.Buffer(pos, layout.footer.Marshal()),
	)

	log.WithField("blocks", stream.BlockCount(allocated, bs)).Debug("built dynamic image layout")
	return stream.Build(pos+FooterSize, extents)
}
