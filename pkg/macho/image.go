// Package macho is the editable Mach-O representation used by the signer.
//
// An Image keeps the raw bytes of one architecture slice together with a
// table of load command ranges addressed by LoadIndex. Edits never touch
// segment virtual layout: the only mutations are inserting a load command
// into the header padding (insertLoad) and resizing the trailing signature
// region (Relayout). Every offset recomputation goes through those two.
package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/blacktop/go-macho/types"
)

var (
	// ErrMalformed reports an unrecognized magic or an offset/size that
	// points outside the buffer.
	ErrMalformed = errors.New("malformed mach-o")
	// ErrLayoutOverflow reports that the edited image cannot be laid out
	// again, e.g. the signature no longer fits or a fat offset overflows.
	ErrLayoutOverflow = errors.New("mach-o layout overflow")
	// ErrNoSpace reports that the load command table cannot grow without
	// overlapping the first section's file data.
	ErrNoSpace = errors.New("not enough space for a new load command")
)

const (
	segText     = "__TEXT"
	segLinkEdit = "__LINKEDIT"

	alignSegmentFile = 8
	alignSegmentMem  = 4096

	headerSize32 = 28
	headerSize64 = 32

	segmentCmdSize32 = 56
	segmentCmdSize64 = 72
	sectionSize32    = 68
	sectionSize64    = 80

	linkEditDataCmdSize = 16

	// section types that occupy no file space
	sZeroFill            = 0x1
	sGBZeroFill          = 0xc
	sThreadLocalZeroFill = 0x12
)

// LoadIndex addresses one load command of an Image.
type LoadIndex int

type loadRange struct {
	cmd  types.LoadCmd
	off  uint32
	size uint32
}

// Segment is the decoded header of an LC_SEGMENT or LC_SEGMENT_64 command.
type Segment struct {
	Name   string
	Index  LoadIndex
	Addr   uint64
	Memsz  uint64
	Offset uint64
	Filesz uint64
	Nsect  uint32
}

// Image is one little-endian Mach-O slice.
type Image struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Type   types.HeaderFileType
	// Align is the log2 alignment of the slice inside a fat container.
	Align uint32

	magic     types.Magic
	data      []byte
	loads     []loadRange
	fatOffset uint64
}

// ParseImage parses a thin Mach-O. The buffer is copied.
func ParseImage(data []byte) (*Image, error) {
	m := &Image{data: append([]byte(nil), data...)}
	if err := m.scan(); err != nil {
		return nil, err
	}
	return m, nil
}

// scan decodes the header and load command table and validates every range
// the signer relies on.
func (m *Image) scan() error {
	if len(m.data) < headerSize32 {
		return fmt.Errorf("%w: file too short for header", ErrMalformed)
	}
	magic := types.Magic(binary.LittleEndian.Uint32(m.data))
	switch magic {
	case types.Magic32, types.Magic64:
	default:
		if be := types.Magic(binary.BigEndian.Uint32(m.data)); be == types.Magic32 || be == types.Magic64 {
			return fmt.Errorf("%w: big-endian images are not supported", ErrMalformed)
		}
		return fmt.Errorf("%w: invalid magic 0x%08x", ErrMalformed, uint32(magic))
	}
	m.magic = magic
	hdr := m.headerSize()
	if uint32(len(m.data)) < hdr {
		return fmt.Errorf("%w: file too short for header", ErrMalformed)
	}
	m.CPU = types.CPU(binary.LittleEndian.Uint32(m.data[4:]))
	m.SubCPU = types.CPUSubtype(binary.LittleEndian.Uint32(m.data[8:]))
	m.Type = types.HeaderFileType(binary.LittleEndian.Uint32(m.data[12:]))
	ncmds := binary.LittleEndian.Uint32(m.data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(m.data[20:])

	end := uint64(hdr) + uint64(sizeofcmds)
	if end > uint64(len(m.data)) {
		return fmt.Errorf("%w: load commands extend past end of file", ErrMalformed)
	}

	m.loads = m.loads[:0]
	off := uint64(hdr)
	for i := uint32(0); i < ncmds; i++ {
		if off+8 > end {
			return fmt.Errorf("%w: load command %d outside command area", ErrMalformed, i)
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(m.data[off:]))
		size := binary.LittleEndian.Uint32(m.data[off+4:])
		if size < 8 || off+uint64(size) > end {
			return fmt.Errorf("%w: invalid size %d for load command %d", ErrMalformed, size, i)
		}
		m.loads = append(m.loads, loadRange{cmd: cmd, off: uint32(off), size: size})
		off += uint64(size)
	}

	for i, l := range m.loads {
		switch l.cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			if err := m.checkSegment(LoadIndex(i)); err != nil {
				return err
			}
		case types.LC_CODE_SIGNATURE:
			if l.size != linkEditDataCmdSize {
				return fmt.Errorf("%w: LC_CODE_SIGNATURE has size %d", ErrMalformed, l.size)
			}
			dataoff, datasize := m.sigRange(l)
			if uint64(dataoff)+uint64(datasize) > uint64(len(m.data)) {
				return fmt.Errorf("%w: code signature extends past end of file", ErrMalformed)
			}
		}
	}
	return nil
}

func (m *Image) checkSegment(i LoadIndex) error {
	l := m.loads[i]
	minSize, sectSize := uint32(segmentCmdSize32), uint32(sectionSize32)
	if l.cmd == types.LC_SEGMENT_64 {
		minSize, sectSize = segmentCmdSize64, sectionSize64
	}
	if l.size < minSize {
		return fmt.Errorf("%w: segment command too small", ErrMalformed)
	}
	seg := m.segmentAt(i)
	if uint64(minSize)+uint64(seg.Nsect)*uint64(sectSize) > uint64(l.size) {
		return fmt.Errorf("%w: segment %s sections overflow command", ErrMalformed, seg.Name)
	}
	if seg.Offset+seg.Filesz < seg.Offset || seg.Offset+seg.Filesz > uint64(len(m.data)) {
		return fmt.Errorf("%w: segment %s extends past end of file", ErrMalformed, seg.Name)
	}
	for s := uint32(0); s < seg.Nsect; s++ {
		off, size, zerofill := m.sectionAt(l, s)
		if zerofill || off == 0 || size == 0 {
			continue
		}
		if off+size > uint64(len(m.data)) {
			return fmt.Errorf("%w: section in %s extends past end of file", ErrMalformed, seg.Name)
		}
	}
	return nil
}

func (m *Image) headerSize() uint32 {
	if m.magic == types.Magic64 {
		return headerSize64
	}
	return headerSize32
}

// Is64 reports whether the image uses the 64-bit header.
func (m *Image) Is64() bool { return m.magic == types.Magic64 }

// Bytes returns the current contents of the image. The slice aliases the
// image; callers must not modify it.
func (m *Image) Bytes() []byte { return m.data }

// NumLoads returns the number of load commands.
func (m *Image) NumLoads() int { return len(m.loads) }

// Load returns the command kind and raw bytes of load command i.
func (m *Image) Load(i LoadIndex) (types.LoadCmd, []byte) {
	l := m.loads[i]
	return l.cmd, m.data[l.off : l.off+l.size]
}

// Find returns the first load command of the given kind.
func (m *Image) Find(cmd types.LoadCmd) (LoadIndex, bool) {
	for i, l := range m.loads {
		if l.cmd == cmd {
			return LoadIndex(i), true
		}
	}
	return -1, false
}

func (m *Image) segmentAt(i LoadIndex) Segment {
	l := m.loads[i]
	b := m.data[l.off:]
	seg := Segment{Name: cstring(b[8:24]), Index: i}
	if l.cmd == types.LC_SEGMENT_64 {
		seg.Addr = binary.LittleEndian.Uint64(b[24:])
		seg.Memsz = binary.LittleEndian.Uint64(b[32:])
		seg.Offset = binary.LittleEndian.Uint64(b[40:])
		seg.Filesz = binary.LittleEndian.Uint64(b[48:])
		seg.Nsect = binary.LittleEndian.Uint32(b[64:])
	} else {
		seg.Addr = uint64(binary.LittleEndian.Uint32(b[24:]))
		seg.Memsz = uint64(binary.LittleEndian.Uint32(b[28:]))
		seg.Offset = uint64(binary.LittleEndian.Uint32(b[32:]))
		seg.Filesz = uint64(binary.LittleEndian.Uint32(b[36:]))
		seg.Nsect = binary.LittleEndian.Uint32(b[48:])
	}
	return seg
}

// sectionAt decodes the file range of section s of segment command l.
func (m *Image) sectionAt(l loadRange, s uint32) (off, size uint64, zerofill bool) {
	var flags uint32
	if l.cmd == types.LC_SEGMENT_64 {
		b := m.data[l.off+segmentCmdSize64+s*sectionSize64:]
		size = binary.LittleEndian.Uint64(b[40:])
		off = uint64(binary.LittleEndian.Uint32(b[48:]))
		flags = binary.LittleEndian.Uint32(b[64:])
	} else {
		b := m.data[l.off+segmentCmdSize32+s*sectionSize32:]
		size = uint64(binary.LittleEndian.Uint32(b[36:]))
		off = uint64(binary.LittleEndian.Uint32(b[40:]))
		flags = binary.LittleEndian.Uint32(b[56:])
	}
	switch flags & 0xff {
	case sZeroFill, sGBZeroFill, sThreadLocalZeroFill:
		zerofill = true
	}
	return off, size, zerofill
}

// Segments returns every segment in load command order.
func (m *Image) Segments() []Segment {
	var segs []Segment
	for i, l := range m.loads {
		if l.cmd == types.LC_SEGMENT || l.cmd == types.LC_SEGMENT_64 {
			segs = append(segs, m.segmentAt(LoadIndex(i)))
		}
	}
	return segs
}

// Segment looks up a segment by name.
func (m *Image) Segment(name string) (Segment, bool) {
	for _, seg := range m.Segments() {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// TextSegment returns the __TEXT segment, which the code directory uses as
// its executable segment.
func (m *Image) TextSegment() (Segment, bool) {
	return m.Segment(segText)
}

func (m *Image) sigRange(l loadRange) (dataoff, datasize uint32) {
	b := m.data[l.off:]
	return binary.LittleEndian.Uint32(b[8:]), binary.LittleEndian.Uint32(b[12:])
}

// CodeSignature returns the file range recorded by LC_CODE_SIGNATURE.
func (m *Image) CodeSignature() (dataoff, datasize uint32, ok bool) {
	i, ok := m.Find(types.LC_CODE_SIGNATURE)
	if !ok {
		return 0, 0, false
	}
	dataoff, datasize = m.sigRange(m.loads[i])
	return dataoff, datasize, true
}

// IsSigned reports whether the image carries a non-empty signature region.
func (m *Image) IsSigned() bool {
	_, size, ok := m.CodeSignature()
	return ok && size > 0
}

// Signature returns the raw signature region, or nil when unsigned.
func (m *Image) Signature() []byte {
	off, size, ok := m.CodeSignature()
	if !ok || size == 0 {
		return nil
	}
	return m.data[off : off+size]
}

// CodeLimit is the length of the signable prefix: the start of the existing
// signature, or the file length aligned up to 8 bytes for unsigned images.
func (m *Image) CodeLimit() uint32 {
	if off, size, ok := m.CodeSignature(); ok && (size > 0 || off > 0) {
		return off
	}
	return uint32(align(uint64(len(m.data)), alignSegmentFile))
}

// CodeBytes returns the signable prefix. Only meaningful after Relayout.
func (m *Image) CodeBytes() []byte {
	limit := m.CodeLimit()
	if int(limit) > len(m.data) {
		return m.data
	}
	return m.data[:limit]
}

// Dylibs returns the install names referenced by dylib load commands, in
// load command order.
func (m *Image) Dylibs() []string {
	var names []string
	for _, l := range m.loads {
		if !isDylibCmd(l.cmd) || l.size < 24 {
			continue
		}
		b := m.data[l.off : l.off+l.size]
		nameOff := binary.LittleEndian.Uint32(b[8:])
		if nameOff >= l.size {
			continue
		}
		names = append(names, cstring(b[nameOff:]))
	}
	return names
}

func isDylibCmd(cmd types.LoadCmd) bool {
	switch cmd {
	case types.LC_LOAD_DYLIB, types.LC_LOAD_WEAK_DYLIB, types.LC_REEXPORT_DYLIB,
		types.LC_LAZY_LOAD_DYLIB, types.LC_LOAD_UPWARD_DYLIB:
		return true
	}
	return false
}

// firstDataOffset is the lowest file offset holding segment or section data
// other than the header itself. The load command table may not grow past it.
func (m *Image) firstDataOffset() uint64 {
	first := uint64(len(m.data))
	for i, l := range m.loads {
		if l.cmd != types.LC_SEGMENT && l.cmd != types.LC_SEGMENT_64 {
			continue
		}
		seg := m.segmentAt(LoadIndex(i))
		if seg.Offset > 0 && seg.Filesz > 0 && seg.Offset < first {
			first = seg.Offset
		}
		for s := uint32(0); s < seg.Nsect; s++ {
			off, size, zerofill := m.sectionAt(l, s)
			if zerofill || off == 0 || size == 0 {
				continue
			}
			if off < first {
				first = off
			}
		}
	}
	return first
}

// loadsEnd is the file offset just past the load command table.
func (m *Image) loadsEnd() uint32 {
	return m.headerSize() + binary.LittleEndian.Uint32(m.data[20:])
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func align(n, a uint64) uint64 {
	if r := n % a; r != 0 {
		n += a - r
	}
	return n
}
