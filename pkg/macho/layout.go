package macho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/blacktop/go-macho/types"
)

// insertLoad inserts cmd before load command at, shifting the following
// commands into the header padding. The padding must be zero and must end
// before the first section's file data.
func (m *Image) insertLoad(at LoadIndex, cmd []byte) error {
	if at < 0 || int(at) > len(m.loads) {
		return fmt.Errorf("load index %d out of range", at)
	}
	end := uint64(m.loadsEnd())
	grow := uint64(len(cmd))
	if end+grow > m.firstDataOffset() || end+grow > uint64(len(m.data)) {
		return fmt.Errorf("%w: need %d bytes after load commands, have %d",
			ErrNoSpace, grow, m.firstDataOffset()-end)
	}
	for _, b := range m.data[end : end+grow] {
		if b != 0 {
			return fmt.Errorf("%w: header padding is not empty", ErrNoSpace)
		}
	}

	pos := uint32(end)
	if int(at) < len(m.loads) {
		pos = m.loads[at].off
	}
	copy(m.data[uint64(pos)+grow:end+grow], m.data[pos:end])
	copy(m.data[pos:], cmd)

	ncmds := binary.LittleEndian.Uint32(m.data[16:])
	sizeofcmds := binary.LittleEndian.Uint32(m.data[20:])
	binary.LittleEndian.PutUint32(m.data[16:], ncmds+1)
	binary.LittleEndian.PutUint32(m.data[20:], sizeofcmds+uint32(grow))
	return m.scan()
}

// Relayout reserves sigSize bytes (rounded up to 8) for the code signature
// right after the signable prefix. Any previous signature is discarded, an
// LC_CODE_SIGNATURE command is added when missing and __LINKEDIT is grown to
// cover the new region. Page hashes must be computed after Relayout, since
// it rewrites header bytes.
func (m *Image) Relayout(sigSize uint32) error {
	codeLimit := uint64(m.CodeLimit())
	size := align(uint64(sigSize), alignSegmentFile)
	end := codeLimit + size
	if end > math.MaxUint32 {
		return fmt.Errorf("%w: signed image would exceed 4GiB", ErrLayoutOverflow)
	}

	idx, ok := m.Find(types.LC_CODE_SIGNATURE)
	if !ok {
		cmd := make([]byte, linkEditDataCmdSize)
		binary.LittleEndian.PutUint32(cmd[0:], uint32(types.LC_CODE_SIGNATURE))
		binary.LittleEndian.PutUint32(cmd[4:], linkEditDataCmdSize)
		if err := m.insertLoad(LoadIndex(len(m.loads)), cmd); err != nil {
			if errors.Is(err, ErrNoSpace) {
				return fmt.Errorf("%w: no room for LC_CODE_SIGNATURE: %v", ErrLayoutOverflow, err)
			}
			return err
		}
		idx = LoadIndex(len(m.loads) - 1)
	}

	data := make([]byte, end)
	copy(data, m.data[:min(codeLimit, uint64(len(m.data)))])
	m.data = data

	l := m.loads[idx]
	binary.LittleEndian.PutUint32(m.data[l.off+8:], uint32(codeLimit))
	binary.LittleEndian.PutUint32(m.data[l.off+12:], uint32(size))

	if seg, ok := m.Segment(segLinkEdit); ok {
		if end < seg.Offset {
			return fmt.Errorf("%w: signature would start before __LINKEDIT", ErrMalformed)
		}
		filesz := end - seg.Offset
		memsz := max(seg.Memsz, align(filesz, alignSegmentMem))
		off := m.loads[seg.Index].off
		if m.Is64() {
			binary.LittleEndian.PutUint64(m.data[off+32:], memsz)
			binary.LittleEndian.PutUint64(m.data[off+48:], filesz)
		} else {
			if memsz > math.MaxUint32 {
				return fmt.Errorf("%w: __LINKEDIT too large for 32-bit image", ErrLayoutOverflow)
			}
			binary.LittleEndian.PutUint32(m.data[off+28:], uint32(memsz))
			binary.LittleEndian.PutUint32(m.data[off+36:], uint32(filesz))
		}
	}
	return m.scan()
}

// WriteSignature copies sig into the region reserved by Relayout and zeroes
// the rest of the reservation.
func (m *Image) WriteSignature(sig []byte) error {
	off, size, ok := m.CodeSignature()
	if !ok {
		return fmt.Errorf("%w: no signature region reserved", ErrLayoutOverflow)
	}
	if uint32(len(sig)) > size {
		return fmt.Errorf("%w: signature of %d bytes exceeds reserved %d", ErrLayoutOverflow, len(sig), size)
	}
	region := m.data[off : off+size]
	n := copy(region, sig)
	clear(region[n:])
	return nil
}
