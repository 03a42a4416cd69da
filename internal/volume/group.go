package volume

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/spindle/internal/diskerr"
	"github.com/jbweber/spindle/internal/lvm"
	"github.com/jbweber/spindle/internal/naming"
	"github.com/jbweber/spindle/internal/stream"
)

// group is a volume group and the scanned physical volumes backing it.
type group struct {
	meta *lvm.VolumeGroup
	// members maps metadata names (pv0, pv1, ...) to scanned volumes. A
	// nil entry is a member that was not found.
	members map[string]*PhysicalVolume
}

// findGroups reads the LVM2 label of every physical volume and returns the
// groups described by the newest metadata found for each.
func (m *Manager) findGroups(pvs []*PhysicalVolume) []*group {
	type broken struct {
		pv   *PhysicalVolume
		pvid string
		err  error
	}

	byPVID := make(map[string]*PhysicalVolume)
	metas := make(map[string]*lvm.VolumeGroup)
	var failed []broken
	var bare []string

	for _, pv := range pvs {
		sub, err := pv.Open()
		if err != nil {
			log.WithError(err).WithField("pv", pv.ID).Warn("skipping unreadable physical volume")
			continue
		}
		label, err := lvm.ReadLabel(sub, sub.Size())
		if errors.Is(err, lvm.ErrNoLabel) {
			continue
		}
		if err != nil {
			log.WithError(err).WithField("pv", pv.ID).Warn("unreadable LVM2 label")
			m.addCondition(pv.ID, ReasonLabelUnreadable, err.Error())
			continue
		}
		if first, ok := byPVID[label.PVID]; ok {
			log.WithFields(logrus.Fields{"pv": pv.ID, "first": first.ID, "pvid": label.PVID}).Warn("duplicate LVM2 physical volume id")
			m.addCondition(pv.ID, ReasonDuplicatePhysical,
				fmt.Sprintf("LVM2 physical volume id %s is already used by %s", label.PVID, first.ID))
			continue
		}
		byPVID[label.PVID] = pv

		vg, err := lvm.ReadMetadata(sub, label)
		switch {
		case errors.Is(err, lvm.ErrNoMetadata):
			bare = append(bare, label.PVID)
		case err != nil:
			failed = append(failed, broken{pv: pv, pvid: label.PVID, err: err})
		default:
			if cur, ok := metas[vg.ID]; !ok || vg.Seqno > cur.Seqno {
				metas[vg.ID] = vg
			}
		}
	}

	referenced := make(map[string]bool)
	groups := make([]*group, 0, len(metas))
	for _, vg := range metas {
		g := &group{meta: vg, members: make(map[string]*PhysicalVolume, len(vg.PhysicalVolumes))}
		for _, p := range vg.PhysicalVolumes {
			g.members[p.Name] = byPVID[p.ID]
			referenced[p.ID] = true
		}
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b *group) int {
		return cmp.Or(cmp.Compare(a.meta.Name, b.meta.Name), cmp.Compare(a.meta.ID, b.meta.ID))
	})

	for _, f := range failed {
		if referenced[f.pvid] {
			log.WithError(f.err).WithField("pv", f.pv.ID).Debug("ignoring bad metadata on a group member")
			continue
		}
		log.WithError(f.err).WithField("pv", f.pv.ID).Warn("undecodable volume group metadata")
		m.addCondition(f.pv.ID, ReasonGroupDegraded, f.err.Error())
	}
	for _, pvid := range bare {
		if !referenced[pvid] {
			pv := byPVID[pvid]
			m.addCondition(pv.ID, ReasonOrphanedPhysical, fmt.Sprintf("LVM2 physical volume %s belongs to no known group", pvid))
		}
	}
	return groups
}

// buildGroup returns the visible logical volumes of g. Any structural
// error in the metadata fails the whole group.
func (m *Manager) buildGroup(g *group) ([]*LogicalVolume, error) {
	b := &groupBuilder{
		group:    g,
		ext:      g.meta.ExtentBytes(),
		plans:    make(map[string]*plan),
		building: make(map[string]bool),
	}

	var out []*LogicalVolume
	for _, meta := range g.meta.LogicalVolumes {
		if !meta.Visible() {
			continue
		}
		id := naming.GroupVolumeID(g.meta.ID, meta.Name)
		p, err := b.plan(meta.Name)
		if diskerr.IsUnsupported(err) {
			log.WithError(err).WithField("volume", id).Warn("skipping logical volume")
			m.addCondition(id, ReasonUnsupportedVolume, err.Error())
			continue
		}
		if err != nil {
			return nil, err
		}

		switch p.health {
		case Failed:
			m.addCondition(id, ReasonMissingPhysical, fmt.Sprintf("volume %s is missing physical volumes", meta.Name))
		case FailedRedundancy:
			m.addCondition(id, ReasonRedundancyLost, fmt.Sprintf("volume %s lost a mirror leg", meta.Name))
		}

		out = append(out, &LogicalVolume{
			ID:       id,
			Name:     meta.Name,
			GroupID:  g.meta.ID,
			Kind:     p.kind,
			Length:   p.length,
			Health:   p.health,
			Segments: p.segments,
			open:     p.open,
			cache:    m.opts.Cache,
		})
		log.WithFields(logrus.Fields{"volume": id, "kind": p.kind, "health": p.health}).Debug("found logical volume")
	}
	return out, nil
}

// plan describes how to compose a logical volume or one of its segments.
type plan struct {
	kind     Kind
	length   int64
	health   Health
	segments []Segment
	open     func() (stream.Stream, error)
}

type groupBuilder struct {
	group    *group
	ext      int64
	plans    map[string]*plan
	building map[string]bool
}

func (b *groupBuilder) corrupt(format string, args ...any) error {
	return diskerr.Corruptf("lvm2", 0, "volume group %s: %s", b.group.meta.Name, fmt.Sprintf(format, args...))
}

func (b *groupBuilder) plan(name string) (*plan, error) {
	if p, ok := b.plans[name]; ok {
		return p, nil
	}
	if b.building[name] {
		return nil, b.corrupt("logical volume %s refers to itself", name)
	}
	meta, ok := b.group.meta.LogicalVolume(name)
	if !ok {
		return nil, b.corrupt("unknown logical volume %s", name)
	}
	if len(meta.Segments) == 0 {
		return nil, b.corrupt("logical volume %s has no segments", name)
	}
	b.building[name] = true
	defer delete(b.building, name)

	var parts []*plan
	var next int64
	for _, seg := range meta.Segments {
		if seg.StartExtent != next || seg.ExtentCount <= 0 {
			return nil, b.corrupt("logical volume %s: segment at extent %d (+%d) does not continue at %d",
				name, seg.StartExtent, seg.ExtentCount, next)
		}
		p, err := b.planSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("logical volume %s: %w", name, err)
		}
		parts = append(parts, p)
		next += seg.ExtentCount
	}

	p := &plan{length: next * b.ext, kind: KindSimple}
	health := make([]Health, 0, len(parts))
	for _, part := range parts {
		health = append(health, part.health)
		p.segments = append(p.segments, part.segments...)
		switch {
		case part.kind == KindMirrored:
			p.kind = KindMirrored
		case part.kind == KindStriped && p.kind != KindMirrored:
			p.kind = KindStriped
		}
	}
	if p.kind == KindSimple && len(parts) > 1 {
		p.kind = KindSpanned
	}
	p.health = Worst(health...)

	if len(parts) == 1 {
		p.open = parts[0].open
	} else {
		p.open = func() (stream.Stream, error) {
			streams := make([]stream.Stream, 0, len(parts))
			for _, part := range parts {
				s, err := part.open()
				if err != nil {
					closeAll(streams)
					return nil, err
				}
				streams = append(streams, s)
			}
			return stream.NewConcat(streams...), nil
		}
	}
	b.plans[name] = p
	return p, nil
}

func (b *groupBuilder) planSegment(seg lvm.Segment) (*plan, error) {
	switch seg.Type {
	case lvm.SegmentStriped:
		return b.planStriped(seg)
	case lvm.SegmentMirror:
		return b.planMirror(seg)
	case lvm.SegmentZero:
		length := seg.ExtentCount * b.ext
		return &plan{
			kind:   KindSimple,
			length: length,
			health: Healthy,
			open:   func() (stream.Stream, error) { return stream.ZeroStream(length), nil },
		}, nil
	default:
		return nil, diskerr.Unsupported("lvm2 segment", seg.Type)
	}
}

func (b *groupBuilder) planStriped(seg lvm.Segment) (*plan, error) {
	n := int64(len(seg.Areas))
	if seg.ExtentCount%n != 0 {
		return nil, b.corrupt("%d extents do not divide into %d stripes", seg.ExtentCount, n)
	}
	perStripe := seg.ExtentCount / n * b.ext
	stripeSize := seg.StripeSize * lvm.SectorSize
	if n > 1 && perStripe%stripeSize != 0 {
		return nil, b.corrupt("stripe of %d bytes is not a multiple of the stripe size %d", perStripe, stripeSize)
	}

	logical := Range{Start: seg.StartExtent * b.ext, Length: seg.ExtentCount * b.ext}
	p := &plan{kind: KindSimple, length: logical.Length, health: Healthy}
	if n > 1 {
		p.kind = KindStriped
	}

	type source struct {
		pv    *PhysicalVolume
		start int64
	}
	sources := make([]source, 0, n)
	for _, area := range seg.Areas {
		meta, ok := b.group.meta.PhysicalVolume(area.Name)
		if !ok {
			return nil, b.corrupt("unknown physical volume %s", area.Name)
		}
		if area.Extent < 0 || area.Extent+seg.ExtentCount/n > meta.PECount {
			return nil, b.corrupt("extents %d+%d outside %s of %d extents", area.Extent, seg.ExtentCount/n, area.Name, meta.PECount)
		}
		start := meta.PEStart*lvm.SectorSize + area.Extent*b.ext
		pv := b.group.members[area.Name]
		if pv == nil {
			p.health = Failed
			p.segments = append(p.segments, Segment{Source: Range{Start: start, Length: perStripe}, Logical: logical})
			continue
		}
		if start+perStripe > pv.Length {
			return nil, b.corrupt("extents of %s end at %d, past the physical volume end %d", area.Name, start+perStripe, pv.Length)
		}
		sources = append(sources, source{pv: pv, start: start})
		p.segments = append(p.segments, Segment{PhysicalVolume: pv.ID, Source: Range{Start: start, Length: perStripe}, Logical: logical})
	}

	p.open = func() (stream.Stream, error) {
		if len(sources) != len(seg.Areas) {
			return nil, fmt.Errorf("segment at extent %d is missing physical volumes", seg.StartExtent)
		}
		stripes := make([]stream.Stream, 0, len(sources))
		for _, src := range sources {
			whole, err := src.pv.Open()
			if err != nil {
				return nil, err
			}
			s, err := stream.NewSub(whole, src.start, perStripe)
			if err != nil {
				return nil, err
			}
			stripes = append(stripes, s)
		}
		if len(stripes) == 1 {
			return stripes[0], nil
		}
		return stream.NewStriped(stripeSize, stripes...)
	}
	return p, nil
}

func (b *groupBuilder) planMirror(seg lvm.Segment) (*plan, error) {
	logical := Range{Start: seg.StartExtent * b.ext, Length: seg.ExtentCount * b.ext}
	p := &plan{kind: KindMirrored, length: logical.Length}

	type leg struct {
		img   *plan
		start int64
	}
	var legs []leg
	for _, area := range seg.Areas {
		img, err := b.plan(area.Name)
		if err != nil {
			return nil, err
		}
		start := area.Extent * b.ext
		if area.Extent < 0 || start+logical.Length > img.length {
			return nil, b.corrupt("mirror leg %s is shorter than its segment", area.Name)
		}
		if img.health == Failed {
			continue
		}
		legs = append(legs, leg{img: img, start: start})
		for _, s := range img.segments {
			from := max(s.Logical.Start, start)
			to := min(s.Logical.End(), start+logical.Length)
			if from >= to {
				continue
			}
			s.Logical = Range{Start: logical.Start + from - start, Length: to - from}
			p.segments = append(p.segments, s)
		}
	}

	switch {
	case len(legs) == 0:
		p.health = Failed
	case len(legs) < len(seg.Areas):
		p.health = FailedRedundancy
	default:
		p.health = Healthy
	}

	p.open = func() (stream.Stream, error) {
		streams := make([]stream.Stream, 0, len(legs))
		for _, l := range legs {
			s, err := l.img.open()
			if err != nil {
				closeAll(streams)
				return nil, err
			}
			if l.start != 0 || l.img.length != logical.Length {
				s, err = newOwnedSub(s, l.start, logical.Length)
				if err != nil {
					closeAll(streams)
					return nil, err
				}
			}
			streams = append(streams, s)
		}
		if len(streams) == 0 {
			return nil, fmt.Errorf("mirror at extent %d has no readable legs", seg.StartExtent)
		}
		return stream.NewMirror(streams...)
	}
	return p, nil
}

// ownedSub is a window that closes its parent.
type ownedSub struct {
	*stream.Sub
	parent stream.Stream
}

func newOwnedSub(parent stream.Stream, start, length int64) (stream.Stream, error) {
	sub, err := stream.NewSub(parent, start, length)
	if err != nil {
		parent.Close()
		return nil, err
	}
	return &ownedSub{Sub: sub, parent: parent}, nil
}

func (o *ownedSub) Close() error {
	return o.parent.Close()
}

func closeAll(streams []stream.Stream) {
	for _, s := range streams {
		s.Close()
	}
}
