// Package machotest builds small synthetic Mach-O images for tests.
package machotest

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

// TextVMAddr is the __TEXT load address of 64-bit fixtures.
const TextVMAddr = 0x100000000

// Options describes a fixture. The zero value is a 64-bit arm64 executable
// of 8200 bytes with its first section at 0x400.
type Options struct {
	Is32       bool
	CPU        types.CPU
	Type       types.HeaderFileType
	Dylibs     []string
	Size       int
	TextOffset int
	// LinkEditSize is the size of the trailing __LINKEDIT segment.
	LinkEditSize int
}

func (o *Options) defaults() {
	if o.CPU == 0 {
		o.CPU = types.CPUArm64
		if o.Is32 {
			o.CPU = types.CPUArm
		}
	}
	if o.Type == 0 {
		o.Type = types.MH_EXECUTE
	}
	if o.Size == 0 {
		o.Size = 8200
	}
	if o.TextOffset == 0 {
		o.TextOffset = 0x400
	}
	if o.LinkEditSize == 0 {
		o.LinkEditSize = 64
	}
}

// Build returns the bytes of a thin image with __TEXT (one __text section)
// and __LINKEDIT segments, followed by the requested dylib commands. It
// panics when the options cannot fit.
func Build(o Options) []byte {
	o.defaults()
	le := binary.LittleEndian
	out := make([]byte, o.Size)

	linkOff := o.Size - o.LinkEditSize
	if linkOff <= o.TextOffset {
		panic("machotest: size too small for layout")
	}

	var cmds [][]byte
	if o.Is32 {
		cmds = append(cmds,
			segment32("__TEXT", 0x4000, 0, linkOff, o.TextOffset, linkOff-o.TextOffset),
			segment32("__LINKEDIT", 0x4000+uint32(align(linkOff, 0x4000)), linkOff, o.LinkEditSize, 0, 0))
	} else {
		cmds = append(cmds,
			segment64("__TEXT", TextVMAddr, 0, linkOff, o.TextOffset, linkOff-o.TextOffset),
			segment64("__LINKEDIT", TextVMAddr+uint64(align(linkOff, 0x4000)), linkOff, o.LinkEditSize, 0, 0))
	}
	for _, d := range o.Dylibs {
		cmds = append(cmds, Dylib(d, types.LC_LOAD_DYLIB, !o.Is32))
	}

	hdr := 32
	magic := types.Magic64
	if o.Is32 {
		hdr, magic = 28, types.Magic32
	}
	sizeofcmds := 0
	for _, c := range cmds {
		copy(out[hdr+sizeofcmds:], c)
		sizeofcmds += len(c)
	}
	if hdr+sizeofcmds > o.TextOffset {
		panic("machotest: load commands overlap __text")
	}
	le.PutUint32(out[0:], uint32(magic))
	le.PutUint32(out[4:], uint32(o.CPU))
	le.PutUint32(out[8:], 0)
	le.PutUint32(out[12:], uint32(o.Type))
	le.PutUint32(out[16:], uint32(len(cmds)))
	le.PutUint32(out[20:], uint32(sizeofcmds))

	for i := o.TextOffset; i < o.Size; i++ {
		out[i] = byte(i*7 + i/4096)
	}
	return out
}

// Dylib encodes a dylib_command for name.
func Dylib(name string, cmd types.LoadCmd, is64 bool) []byte {
	pad := 4
	if is64 {
		pad = 8
	}
	size := align(24+len(name)+1, pad)
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(b[4:], uint32(size))
	binary.LittleEndian.PutUint32(b[8:], 24)
	binary.LittleEndian.PutUint32(b[12:], 2)
	copy(b[24:], name)
	return b
}

func segment64(name string, addr uint64, off, size, sectOff, sectSize int) []byte {
	le := binary.LittleEndian
	nsect := 0
	if sectSize > 0 {
		nsect = 1
	}
	b := make([]byte, 72+80*nsect)
	le.PutUint32(b[0:], uint32(types.LC_SEGMENT_64))
	le.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:24], name)
	le.PutUint64(b[24:], addr)
	le.PutUint64(b[32:], uint64(align(size, 0x4000)))
	le.PutUint64(b[40:], uint64(off))
	le.PutUint64(b[48:], uint64(size))
	le.PutUint32(b[56:], 5) // maxprot
	le.PutUint32(b[60:], 5) // initprot
	le.PutUint32(b[64:], uint32(nsect))
	if nsect == 1 {
		s := b[72:]
		copy(s[0:16], "__text")
		copy(s[16:32], name)
		le.PutUint64(s[32:], addr+uint64(sectOff))
		le.PutUint64(s[40:], uint64(sectSize))
		le.PutUint32(s[48:], uint32(sectOff))
		le.PutUint32(s[52:], 2)
		le.PutUint32(s[64:], 0x80000400)
	}
	return b
}

func segment32(name string, addr uint32, off, size, sectOff, sectSize int) []byte {
	le := binary.LittleEndian
	nsect := 0
	if sectSize > 0 {
		nsect = 1
	}
	b := make([]byte, 56+68*nsect)
	le.PutUint32(b[0:], uint32(types.LC_SEGMENT))
	le.PutUint32(b[4:], uint32(len(b)))
	copy(b[8:24], name)
	le.PutUint32(b[24:], addr)
	le.PutUint32(b[28:], uint32(align(size, 0x4000)))
	le.PutUint32(b[32:], uint32(off))
	le.PutUint32(b[36:], uint32(size))
	le.PutUint32(b[40:], 5)
	le.PutUint32(b[44:], 5)
	le.PutUint32(b[48:], uint32(nsect))
	if nsect == 1 {
		s := b[56:]
		copy(s[0:16], "__text")
		copy(s[16:32], name)
		le.PutUint32(s[32:], addr+uint32(sectOff))
		le.PutUint32(s[36:], uint32(sectSize))
		le.PutUint32(s[40:], uint32(sectOff))
		le.PutUint32(s[44:], 2)
		le.PutUint32(s[56:], 0x80000400)
	}
	return b
}

// Fat wraps thin images in a 0xcafebabe container with 16KiB slice alignment.
func Fat(slices ...[]byte) []byte {
	const alignLog = 14
	be := binary.BigEndian
	off := align(8+20*len(slices), 1<<alignLog)
	total := off
	offsets := make([]int, len(slices))
	for i, s := range slices {
		offsets[i] = total
		total = align(total+len(s), 1<<alignLog)
	}
	out := make([]byte, offsets[len(slices)-1]+len(slices[len(slices)-1]))
	be.PutUint32(out[0:], uint32(types.MagicFat))
	be.PutUint32(out[4:], uint32(len(slices)))
	for i, s := range slices {
		e := out[8+20*i:]
		be.PutUint32(e[0:], binary.LittleEndian.Uint32(s[4:]))
		be.PutUint32(e[4:], binary.LittleEndian.Uint32(s[8:]))
		be.PutUint32(e[8:], uint32(offsets[i]))
		be.PutUint32(e[12:], uint32(len(s)))
		be.PutUint32(e[16:], alignLog)
		copy(out[offsets[i]:], s)
	}
	return out
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}
