package lvm

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"github.com/jbweber/spindle/internal/diskerr"
)

// Segment types understood by the volume manager.
const (
	SegmentStriped = "striped"
	SegmentMirror  = "mirror"
	// SegmentZero maps its extents to no storage; they read as zeros.
	SegmentZero = "zero"
)

// VolumeGroup is the decoded text metadata of a volume group.
type VolumeGroup struct {
	Name   string
	ID     string
	Seqno  int64
	Status []string
	Flags  []string
	// ExtentSize is in sectors.
	ExtentSize      int64
	PhysicalVolumes []PhysicalVolume
	LogicalVolumes  []LogicalVolume
}

// ExtentBytes returns the extent size in bytes.
func (vg *VolumeGroup) ExtentBytes() int64 {
	return vg.ExtentSize * SectorSize
}

// PhysicalVolume returns the member named name (pv0, pv1, ...).
func (vg *VolumeGroup) PhysicalVolume(name string) (*PhysicalVolume, bool) {
	for i := range vg.PhysicalVolumes {
		if vg.PhysicalVolumes[i].Name == name {
			return &vg.PhysicalVolumes[i], true
		}
	}
	return nil, false
}

// LogicalVolume returns the logical volume named name.
func (vg *VolumeGroup) LogicalVolume(name string) (*LogicalVolume, bool) {
	for i := range vg.LogicalVolumes {
		if vg.LogicalVolumes[i].Name == name {
			return &vg.LogicalVolumes[i], true
		}
	}
	return nil, false
}

// PhysicalVolume is a member of a volume group.
type PhysicalVolume struct {
	Name   string
	ID     string
	Device string
	Status []string
	Flags  []string
	// DevSize, PEStart are in sectors.
	DevSize int64
	PEStart int64
	PECount int64
}

// LogicalVolume is a volume group's logical volume.
type LogicalVolume struct {
	Name         string
	ID           string
	Status       []string
	Flags        []string
	CreationHost string
	CreationTime int64
	Segments     []Segment
}

// Visible reports whether the volume is user visible. Mirror images and
// logs are hidden.
func (lv *LogicalVolume) Visible() bool {
	return slices.Contains(lv.Status, "VISIBLE")
}

// ExtentCount returns the number of extents the volume spans.
func (lv *LogicalVolume) ExtentCount() int64 {
	var n int64
	for _, s := range lv.Segments {
		n = max(n, s.StartExtent+s.ExtentCount)
	}
	return n
}

// Area is one stripe or mirror leg of a segment: a physical volume name for
// striped segments, a logical volume name for mirror segments.
type Area struct {
	Name   string
	Extent int64
}

// Segment maps a run of logical extents.
type Segment struct {
	StartExtent int64
	ExtentCount int64
	Type        string
	// StripeSize is in sectors; zero for single-stripe segments.
	StripeSize int64
	Areas      []Area
	MirrorLog  string
	RegionSize int64
}

// ParseMetadata decodes volume group text metadata.
func ParseMetadata(text []byte) (*VolumeGroup, error) {
	root, err := parseConfig(text)
	if err != nil {
		return nil, err
	}
	if len(root.children) != 1 {
		return nil, diskerr.Corruptf("lvm2", 0, "metadata holds %d volume groups, want 1", len(root.children))
	}
	return decodeVolumeGroup(root.children[0])
}

func decodeVolumeGroup(s *section) (*VolumeGroup, error) {
	vg := &VolumeGroup{Name: s.name}
	var err error
	if vg.ID, err = s.str("id"); err != nil {
		return nil, err
	}
	if vg.Seqno, err = s.num("seqno"); err != nil {
		return nil, err
	}
	if vg.ExtentSize, err = s.num("extent_size"); err != nil {
		return nil, err
	}
	if vg.ExtentSize <= 0 {
		return nil, metadataErr("volume group %s: extent_size %d", vg.Name, vg.ExtentSize)
	}
	vg.Status = s.strs("status")
	vg.Flags = s.strs("flags")

	if pvs := s.child("physical_volumes"); pvs != nil {
		for _, c := range pvs.children {
			pv, err := decodePhysicalVolume(c)
			if err != nil {
				return nil, err
			}
			vg.PhysicalVolumes = append(vg.PhysicalVolumes, pv)
		}
	}
	if len(vg.PhysicalVolumes) == 0 {
		return nil, metadataErr("volume group %s has no physical volumes", vg.Name)
	}

	if lvs := s.child("logical_volumes"); lvs != nil {
		for _, c := range lvs.children {
			lv, err := decodeLogicalVolume(c)
			if err != nil {
				return nil, err
			}
			vg.LogicalVolumes = append(vg.LogicalVolumes, lv)
		}
	}
	return vg, nil
}

func decodePhysicalVolume(s *section) (PhysicalVolume, error) {
	pv := PhysicalVolume{Name: s.name, Status: s.strs("status"), Flags: s.strs("flags")}
	var err error
	if pv.ID, err = s.str("id"); err != nil {
		return pv, err
	}
	pv.Device, _ = s.str("device")
	if pv.PEStart, err = s.num("pe_start"); err != nil {
		return pv, err
	}
	if pv.PECount, err = s.num("pe_count"); err != nil {
		return pv, err
	}
	pv.DevSize, _ = s.num("dev_size")
	return pv, nil
}

func decodeLogicalVolume(s *section) (LogicalVolume, error) {
	lv := LogicalVolume{Name: s.name, Status: s.strs("status"), Flags: s.strs("flags")}
	var err error
	if lv.ID, err = s.str("id"); err != nil {
		return lv, err
	}
	lv.CreationHost, _ = s.str("creation_host")
	lv.CreationTime, _ = s.num("creation_time")

	count, err := s.num("segment_count")
	if err != nil {
		return lv, err
	}
	for i := range count {
		c := s.child(fmt.Sprintf("segment%d", i+1))
		if c == nil {
			return lv, metadataErr("logical volume %s: missing segment%d", lv.Name, i+1)
		}
		seg, err := decodeSegment(c)
		if err != nil {
			return lv, fmt.Errorf("logical volume %s: %w", lv.Name, err)
		}
		lv.Segments = append(lv.Segments, seg)
	}
	slices.SortFunc(lv.Segments, func(a, b Segment) int { return cmp.Compare(a.StartExtent, b.StartExtent) })
	return lv, nil
}

func decodeSegment(s *section) (Segment, error) {
	seg := Segment{}
	var err error
	if seg.StartExtent, err = s.num("start_extent"); err != nil {
		return seg, err
	}
	if seg.ExtentCount, err = s.num("extent_count"); err != nil {
		return seg, err
	}
	if seg.Type, err = s.str("type"); err != nil {
		return seg, err
	}

	var list string
	switch seg.Type {
	case SegmentStriped:
		list = "stripes"
		seg.StripeSize, _ = s.num("stripe_size")
	case SegmentMirror:
		list = "mirrors"
		seg.MirrorLog, _ = s.str("mirror_log")
		seg.RegionSize, _ = s.num("region_size")
	case SegmentZero:
		return seg, nil
	default:
		// Other segment types are carried by name only.
		return seg, nil
	}

	v, ok := s.values[list]
	if !ok || v.kind != kindList || len(v.list) == 0 || len(v.list)%2 != 0 {
		return seg, metadataErr("segment %s: %s must be a list of name, extent pairs", s.name, list)
	}
	for i := 0; i < len(v.list); i += 2 {
		name, ext := v.list[i], v.list[i+1]
		if name.kind != kindString || ext.kind != kindNumber {
			return seg, metadataErr("segment %s: malformed %s entry %d", s.name, list, i/2)
		}
		seg.Areas = append(seg.Areas, Area{Name: name.str, Extent: ext.num})
	}
	if seg.Type == SegmentStriped && len(seg.Areas) > 1 && seg.StripeSize <= 0 {
		return seg, metadataErr("segment %s: %d stripes without stripe_size", s.name, len(seg.Areas))
	}
	return seg, nil
}

func metadataErr(format string, args ...any) error {
	return diskerr.Corruptf("lvm2", 0, "metadata: "+format, args...)
}

// section is a named block of the metadata tree.
type section struct {
	name     string
	values   map[string]value
	children []*section
}

func (s *section) child(name string) *section {
	for _, c := range s.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (s *section) str(key string) (string, error) {
	v, ok := s.values[key]
	if !ok || v.kind != kindString {
		return "", metadataErr("%s: missing string %q", s.name, key)
	}
	return v.str, nil
}

func (s *section) num(key string) (int64, error) {
	v, ok := s.values[key]
	if !ok || v.kind != kindNumber {
		return 0, metadataErr("%s: missing number %q", s.name, key)
	}
	return v.num, nil
}

func (s *section) strs(key string) []string {
	v, ok := s.values[key]
	if !ok || v.kind != kindList {
		return nil
	}
	var out []string
	for _, e := range v.list {
		if e.kind == kindString {
			out = append(out, e.str)
		}
	}
	return out
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindList
)

type value struct {
	kind valueKind
	str  string
	num  int64
	list []value
}

// parseConfig parses the LVM configuration syntax:
//
//	key = "string" | number | [ value, ... ]
//	name { ... }
//
// with # comments to end of line.
func parseConfig(text []byte) (*section, error) {
	p := &parser{text: text, line: 1}
	root := &section{values: map[string]value{}}
	if err := p.parseBody(root, 0); err != nil {
		return nil, err
	}
	return root, nil
}

const maxNesting = 16

type parser struct {
	text []byte
	pos  int
	line int
}

func (p *parser) errorf(format string, args ...any) error {
	return metadataErr("line %d: %s", p.line, fmt.Sprintf(format, args...))
}

func (p *parser) parseBody(s *section, depth int) error {
	if depth > maxNesting {
		return p.errorf("sections nested deeper than %d", maxNesting)
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.text) {
			if depth > 0 {
				return p.errorf("unterminated section %s", s.name)
			}
			return nil
		}
		if p.text[p.pos] == '}' {
			if depth == 0 {
				return p.errorf("unexpected }")
			}
			p.pos++
			return nil
		}

		key := p.word()
		if key == "" {
			return p.errorf("unexpected %q", p.text[p.pos])
		}
		p.skipSpace()
		if p.pos >= len(p.text) {
			return p.errorf("unexpected end after %s", key)
		}
		switch p.text[p.pos] {
		case '=':
			p.pos++
			v, err := p.parseValue()
			if err != nil {
				return err
			}
			s.values[key] = v
		case '{':
			p.pos++
			c := &section{name: key, values: map[string]value{}}
			if err := p.parseBody(c, depth+1); err != nil {
				return err
			}
			s.children = append(s.children, c)
		default:
			return p.errorf("expected = or { after %s", key)
		}
	}
}

func (p *parser) parseValue() (value, error) {
	p.skipSpace()
	if p.pos >= len(p.text) {
		return value{}, p.errorf("missing value")
	}
	switch c := p.text[p.pos]; {
	case c == '"':
		str, err := p.quoted()
		return value{kind: kindString, str: str}, err
	case c == '[':
		p.pos++
		var list []value
		for {
			p.skipSpace()
			if p.pos >= len(p.text) {
				return value{}, p.errorf("unterminated list")
			}
			if p.text[p.pos] == ']' {
				p.pos++
				return value{kind: kindList, list: list}, nil
			}
			if len(list) > 0 {
				if p.text[p.pos] != ',' {
					return value{}, p.errorf("expected , in list")
				}
				p.pos++
				p.skipSpace()
			}
			v, err := p.parseValue()
			if err != nil {
				return value{}, err
			}
			if v.kind == kindList {
				return value{}, p.errorf("nested list")
			}
			list = append(list, v)
		}
	default:
		w := p.word()
		if w == "" {
			return value{}, p.errorf("unexpected %q", c)
		}
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			return value{kind: kindNumber, num: n}, nil
		}
		return value{kind: kindString, str: w}, nil
	}
}

func (p *parser) quoted() (string, error) {
	p.pos++
	var out []byte
	for p.pos < len(p.text) {
		c := p.text[p.pos]
		p.pos++
		switch c {
		case '"':
			return string(out), nil
		case '\\':
			if p.pos < len(p.text) {
				out = append(out, p.text[p.pos])
				p.pos++
			}
		case '\n':
			p.line++
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) word() string {
	start := p.pos
	for p.pos < len(p.text) && isWordByte(p.text[p.pos]) {
		p.pos++
	}
	return string(p.text[start:p.pos])
}

func isWordByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '-', '.', '+', '/', ':':
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.text) {
		switch p.text[p.pos] {
		case '\n':
			p.line++
			p.pos++
		case ' ', '\t', '\r', 0:
			p.pos++
		case '#':
			for p.pos < len(p.text) && p.text[p.pos] != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}
