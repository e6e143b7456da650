package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	gomacho "github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aluedeke/go-zsign/internal/machotest"
)

// TestParseImage verifies header and segment decoding of a fixture.
func TestParseImage(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{Dylibs: []string{"/usr/lib/libSystem.B.dylib"}}))
	require.NoError(t, err)

	assert.True(t, m.Is64())
	assert.Equal(t, types.CPUArm64, m.CPU)
	assert.Equal(t, types.MH_EXECUTE, m.Type)
	assert.Equal(t, 3, m.NumLoads())
	assert.False(t, m.IsSigned())
	assert.Equal(t, uint32(8200), m.CodeLimit())
	assert.Equal(t, []string{"/usr/lib/libSystem.B.dylib"}, m.Dylibs())

	text, ok := m.TextSegment()
	require.True(t, ok)
	assert.Equal(t, uint64(0), text.Offset)
	assert.Equal(t, uint64(8200-64), text.Filesz)
	assert.Equal(t, uint64(0x400), m.firstDataOffset())
}

// TestParseImage_Malformed verifies that bad magic and bad offsets are rejected.
func TestParseImage_Malformed(t *testing.T) {
	good := machotest.Build(machotest.Options{})

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:10] }},
		{"bad magic", func(b []byte) []byte { binary.LittleEndian.PutUint32(b, 0x12345678); return b }},
		{"big endian", func(b []byte) []byte { binary.BigEndian.PutUint32(b, uint32(types.Magic64)); return b }},
		{"sizeofcmds past end", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[20:], 0xffff); return b }},
		{"zero cmdsize", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[32+4:], 0); return b }},
		{"segment past end", func(b []byte) []byte {
			// __LINKEDIT is the second command; bump its filesize
			off := 32 + 72 + 80
			binary.LittleEndian.PutUint64(b[off+48:], 1<<20)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			_, err := ParseImage(b)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

// TestRelayout_Unsigned verifies the layout of a fresh signature region on
// an 8200-byte executable.
func TestRelayout_Unsigned(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{}))
	require.NoError(t, err)

	require.NoError(t, m.Relayout(1001))

	off, size, ok := m.CodeSignature()
	require.True(t, ok)
	assert.Equal(t, uint32(8200), off)
	assert.Equal(t, uint32(1008), size)
	assert.Len(t, m.Bytes(), 8200+1008)
	assert.Len(t, m.CodeBytes(), 8200)

	idx, ok := m.Find(types.LC_CODE_SIGNATURE)
	require.True(t, ok)
	assert.Equal(t, LoadIndex(m.NumLoads()-1), idx)

	le, ok := m.Segment(segLinkEdit)
	require.True(t, ok)
	assert.Equal(t, uint64(8200+1008)-le.Offset, le.Filesz)
	assert.Equal(t, uint64(0x4000), le.Memsz)
}

// TestRelayout_Idempotent verifies that re-reserving keeps the signable prefix.
func TestRelayout_Idempotent(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{}))
	require.NoError(t, err)
	require.NoError(t, m.Relayout(4096))
	require.NoError(t, m.WriteSignature([]byte{0xfa, 0xde, 0x0c, 0xc0}))
	first := append([]byte(nil), m.CodeBytes()...)

	again, err := ParseImage(m.Bytes())
	require.NoError(t, err)
	assert.True(t, again.IsSigned())
	require.NoError(t, again.Relayout(4096))
	assert.Equal(t, first, again.CodeBytes())
	assert.Equal(t, m.NumLoads(), again.NumLoads())
}

// TestRelayout_32Bit verifies the 32-bit segment field offsets.
func TestRelayout_32Bit(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{Is32: true, Size: 5000}))
	require.NoError(t, err)
	assert.False(t, m.Is64())

	require.NoError(t, m.Relayout(512))
	le, ok := m.Segment(segLinkEdit)
	require.True(t, ok)
	assert.Equal(t, uint64(5000+512)-le.Offset, le.Filesz)

	off, _, _ := m.CodeSignature()
	assert.Equal(t, uint32(5000), off)
}

// TestRelayout_NoSpace verifies that a full header yields ErrLayoutOverflow.
func TestRelayout_NoSpace(t *testing.T) {
	// header plus two segments ends at exactly 32+72+80+72 = 256
	m, err := ParseImage(machotest.Build(machotest.Options{TextOffset: 256}))
	require.NoError(t, err)
	err = m.Relayout(64)
	assert.ErrorIs(t, err, ErrLayoutOverflow)
}

// TestWriteSignature_TooLarge verifies the reservation bound.
func TestWriteSignature_TooLarge(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{}))
	require.NoError(t, err)
	require.NoError(t, m.Relayout(16))
	assert.ErrorIs(t, m.WriteSignature(make([]byte, 17)), ErrLayoutOverflow)
	assert.NoError(t, m.WriteSignature(make([]byte, 16)))
}

// TestInjectDylib verifies placement and encoding of an injected dylib.
func TestInjectDylib(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{
		Dylibs: []string{"/usr/lib/libSystem.B.dylib", "/usr/lib/libobjc.A.dylib"},
	}))
	require.NoError(t, err)

	ok, err := m.InjectDylib("@executable_path/hook.dylib", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, m.NumLoads())

	cmd, raw := m.Load(4)
	assert.Equal(t, types.LC_LOAD_WEAK_DYLIB, cmd)
	assert.Equal(t, 0, len(raw)%8)
	assert.Equal(t, uint32(24), binary.LittleEndian.Uint32(raw[8:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[12:]))

	f, err := gomacho.NewFile(bytes.NewReader(m.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/usr/lib/libSystem.B.dylib",
		"/usr/lib/libobjc.A.dylib",
		"@executable_path/hook.dylib",
	}, f.ImportedLibraries())

	ok, err = m.InjectDylib("@executable_path/hook.dylib", false)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate injection must be a no-op")
	assert.Equal(t, 5, m.NumLoads())
}

// TestInjectDylib_BeforeCodeSignature verifies that the signature command
// stays last after injection into a signed image.
func TestInjectDylib_BeforeCodeSignature(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{}))
	require.NoError(t, err)
	require.NoError(t, m.Relayout(256))

	ok, err := m.InjectDylib("@rpath/a.dylib", false)
	require.NoError(t, err)
	require.True(t, ok)

	cmd, _ := m.Load(LoadIndex(m.NumLoads() - 1))
	assert.Equal(t, types.LC_CODE_SIGNATURE, cmd)
	cmd, _ = m.Load(LoadIndex(m.NumLoads() - 2))
	assert.Equal(t, types.LC_LOAD_DYLIB, cmd)

	off, _, _ := m.CodeSignature()
	assert.Equal(t, uint32(8200), off, "injection must not move the signature")
}

// TestInjectDylib_NoSpace verifies ErrNoSpace when the padding is exhausted.
func TestInjectDylib_NoSpace(t *testing.T) {
	m, err := ParseImage(machotest.Build(machotest.Options{TextOffset: 280}))
	require.NoError(t, err)
	_, err = m.InjectDylib("/a/very/long/install/name/that/does/not/fit.dylib", false)
	assert.True(t, errors.Is(err, ErrNoSpace))
	assert.Equal(t, 2, m.NumLoads())
}

// TestFat_RoundTrip verifies that slices survive a parse/edit/serialize cycle.
func TestFat_RoundTrip(t *testing.T) {
	arm64 := machotest.Build(machotest.Options{})
	armv7 := machotest.Build(machotest.Options{Is32: true, Size: 6000})
	fat := machotest.Fat(arm64, armv7)

	f, err := Parse(fat)
	require.NoError(t, err)
	require.True(t, f.Fat)
	require.Len(t, f.Slices, 2)
	assert.Equal(t, types.CPUArm64, f.Slices[0].CPU)
	assert.Equal(t, types.CPUArm, f.Slices[1].CPU)

	out, err := f.Bytes()
	require.NoError(t, err)
	assert.Equal(t, fat, out, "unmodified fat file must serialize identically")

	changed, err := f.InjectDylib("@rpath/x.dylib", false)
	require.NoError(t, err)
	assert.True(t, changed)
	for _, s := range f.Slices {
		require.NoError(t, s.Relayout(20000))
	}
	out, err = f.Bytes()
	require.NoError(t, err)

	ff, err := gomacho.NewFatFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, ff.Arches, 2)
	for i, a := range ff.Arches {
		assert.Equal(t, uint32(0), a.Offset%(1<<14), "slice %d alignment", i)
		assert.Equal(t, uint32(len(f.Slices[i].Bytes())), a.Size)
	}

	again, err := Parse(out)
	require.NoError(t, err)
	assert.True(t, again.IsSigned())
	assert.Equal(t, []string{"@rpath/x.dylib"}, again.Slices[1].Dylibs())
}

// TestParse_FatMalformed verifies fat table validation.
func TestParse_FatMalformed(t *testing.T) {
	fat := machotest.Fat(machotest.Build(machotest.Options{}))
	bad := append([]byte(nil), fat...)
	binary.BigEndian.PutUint32(bad[8+12:], uint32(len(fat))) // slice size
	_, err := Parse(bad)
	assert.ErrorIs(t, err, ErrMalformed)

	empty := append([]byte(nil), fat[:8]...)
	binary.BigEndian.PutUint32(empty[4:], 0)
	_, err = Parse(empty)
	assert.ErrorIs(t, err, ErrMalformed)
}
