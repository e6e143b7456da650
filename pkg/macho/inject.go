package macho

import (
	"encoding/binary"

	"github.com/blacktop/go-macho/types"
)

const (
	dylibCmdHeaderSize = 24
	dylibTimestamp     = 2
)

// InjectDylib adds an LC_LOAD_DYLIB (or LC_LOAD_WEAK_DYLIB when weak is set)
// referencing path. The new command goes after the last existing dylib
// command and before LC_CODE_SIGNATURE, so existing library ordinals keep
// their meaning. It returns false without modifying the image when a dylib
// command for path already exists.
func (m *Image) InjectDylib(path string, weak bool) (bool, error) {
	for _, name := range m.Dylibs() {
		if name == path {
			return false, nil
		}
	}

	cmd := types.LC_LOAD_DYLIB
	if weak {
		cmd = types.LC_LOAD_WEAK_DYLIB
	}
	padTo := uint64(4)
	if m.Is64() {
		padTo = 8
	}
	size := uint32(align(dylibCmdHeaderSize+uint64(len(path))+1, padTo))
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b[0:], uint32(cmd))
	binary.LittleEndian.PutUint32(b[4:], size)
	binary.LittleEndian.PutUint32(b[8:], dylibCmdHeaderSize)
	binary.LittleEndian.PutUint32(b[12:], dylibTimestamp)
	// current_version and compatibility_version stay zero
	copy(b[dylibCmdHeaderSize:], path)

	if err := m.insertLoad(m.dylibInsertIndex(), b); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Image) dylibInsertIndex() LoadIndex {
	at := LoadIndex(len(m.loads))
	last := LoadIndex(-1)
	for i, l := range m.loads {
		if isDylibCmd(l.cmd) {
			last = LoadIndex(i)
		}
	}
	if last >= 0 {
		at = last + 1
	}
	if sig, ok := m.Find(types.LC_CODE_SIGNATURE); ok && sig < at {
		at = sig
	}
	return at
}
