package macho

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/blacktop/go-macho/types"
)

const (
	fatMagic64    = 0xcafebabf
	fatHeaderSize = 8
	fatArchSize32 = 20
	fatArchSize64 = 32
	maxFatAlign   = 16
)

// File is a thin Mach-O or a fat container of slices.
type File struct {
	Fat    bool
	fat64  bool
	Slices []*Image
}

// Parse accepts a thin little-endian Mach-O or a fat container
// (0xcafebabe or 0xcafebabf). Every slice must parse as a thin image.
func Parse(data []byte) (*File, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: file too short", ErrMalformed)
	}
	switch binary.BigEndian.Uint32(data) {
	case uint32(types.MagicFat):
		return parseFat(data, false)
	case fatMagic64:
		return parseFat(data, true)
	}
	img, err := ParseImage(data)
	if err != nil {
		return nil, err
	}
	return &File{Slices: []*Image{img}}, nil
}

type fatArch struct {
	cpu, sub     uint32
	offset, size uint64
	align        uint32
}

func parseFat(data []byte, fat64 bool) (*File, error) {
	if len(data) < fatHeaderSize {
		return nil, fmt.Errorf("%w: truncated fat header", ErrMalformed)
	}
	n := binary.BigEndian.Uint32(data[4:])
	entSize := uint64(fatArchSize32)
	if fat64 {
		entSize = fatArchSize64
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: fat file has no slices", ErrMalformed)
	}
	tableEnd := fatHeaderSize + uint64(n)*entSize
	if tableEnd > uint64(len(data)) {
		return nil, fmt.Errorf("%w: fat table extends past end of file", ErrMalformed)
	}

	archs := make([]fatArch, n)
	for i := range archs {
		b := data[fatHeaderSize+uint64(i)*entSize:]
		a := fatArch{
			cpu: binary.BigEndian.Uint32(b[0:]),
			sub: binary.BigEndian.Uint32(b[4:]),
		}
		if fat64 {
			a.offset = binary.BigEndian.Uint64(b[8:])
			a.size = binary.BigEndian.Uint64(b[16:])
			a.align = binary.BigEndian.Uint32(b[24:])
		} else {
			a.offset = uint64(binary.BigEndian.Uint32(b[8:]))
			a.size = uint64(binary.BigEndian.Uint32(b[12:]))
			a.align = binary.BigEndian.Uint32(b[16:])
		}
		if a.align > maxFatAlign {
			return nil, fmt.Errorf("%w: slice %d alignment 2^%d too large", ErrMalformed, i, a.align)
		}
		if a.offset < tableEnd || a.offset+a.size < a.offset || a.offset+a.size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: slice %d outside file", ErrMalformed, i)
		}
		for j := 0; j < i; j++ {
			o := archs[j]
			if a.offset < o.offset+o.size && o.offset < a.offset+a.size {
				return nil, fmt.Errorf("%w: slices %d and %d overlap", ErrMalformed, j, i)
			}
		}
		archs[i] = a
	}

	f := &File{Fat: true, fat64: fat64}
	for i, a := range archs {
		img, err := ParseImage(data[a.offset : a.offset+a.size])
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", i, err)
		}
		if uint32(img.CPU) != a.cpu {
			return nil, fmt.Errorf("%w: slice %d cpu %s does not match fat entry", ErrMalformed, i, img.CPU)
		}
		img.Align = a.align
		img.fatOffset = a.offset
		f.Slices = append(f.Slices, img)
	}
	return f, nil
}

// IsSigned reports whether any slice carries a signature.
func (f *File) IsSigned() bool {
	for _, s := range f.Slices {
		if s.IsSigned() {
			return true
		}
	}
	return false
}

// InjectDylib injects path into every slice. It reports whether any slice
// was modified.
func (f *File) InjectDylib(path string, weak bool) (bool, error) {
	changed := false
	for i, s := range f.Slices {
		ok, err := s.InjectDylib(path, weak)
		if err != nil {
			if f.Fat {
				return changed, fmt.Errorf("slice %d (%s): %w", i, s.CPU, err)
			}
			return changed, err
		}
		changed = changed || ok
	}
	return changed, nil
}

// Bytes serializes the file. Fat slices keep their previous offset while it
// is still aligned and past the preceding slice, otherwise they move to the
// next aligned position.
func (f *File) Bytes() ([]byte, error) {
	if !f.Fat {
		return f.Slices[0].Bytes(), nil
	}
	entSize := uint64(fatArchSize32)
	magic := uint32(types.MagicFat)
	if f.fat64 {
		entSize, magic = fatArchSize64, fatMagic64
	}
	cur := fatHeaderSize + uint64(len(f.Slices))*entSize
	offsets := make([]uint64, len(f.Slices))
	for i, s := range f.Slices {
		a := uint64(1) << s.Align
		off := s.fatOffset
		if off < cur || off%a != 0 {
			off = align(cur, a)
		}
		offsets[i] = off
		cur = off + uint64(len(s.Bytes()))
	}
	if !f.fat64 && cur > math.MaxUint32 {
		return nil, fmt.Errorf("%w: fat file exceeds 4GiB", ErrLayoutOverflow)
	}

	out := make([]byte, cur)
	binary.BigEndian.PutUint32(out[0:], magic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(f.Slices)))
	for i, s := range f.Slices {
		b := out[fatHeaderSize+uint64(i)*entSize:]
		binary.BigEndian.PutUint32(b[0:], uint32(s.CPU))
		binary.BigEndian.PutUint32(b[4:], uint32(s.SubCPU))
		size := uint64(len(s.Bytes()))
		if f.fat64 {
			binary.BigEndian.PutUint64(b[8:], offsets[i])
			binary.BigEndian.PutUint64(b[16:], size)
			binary.BigEndian.PutUint32(b[24:], s.Align)
		} else {
			binary.BigEndian.PutUint32(b[8:], uint32(offsets[i]))
			binary.BigEndian.PutUint32(b[12:], uint32(size))
			binary.BigEndian.PutUint32(b[16:], s.Align)
		}
		copy(out[offsets[i]:], s.Bytes())
		s.fatOffset = offsets[i]
	}
	return out, nil
}
