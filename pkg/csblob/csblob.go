// Package csblob builds and parses the embedded code signature: the
// CodeDirectory, Requirements, Entitlements and CMS wrapper blobs and the
// SuperBlob that indexes them. All integers are big-endian.
package csblob

import (
	"encoding/binary"
	"errors"
)

// Code signature constants from Apple's cs_blobs.h
const (
	CSMAGIC_REQUIREMENT               = 0xfade0c00
	CSMAGIC_REQUIREMENTS              = 0xfade0c01
	CSMAGIC_CODEDIRECTORY             = 0xfade0c02
	CSMAGIC_EMBEDDED_SIGNATURE        = 0xfade0cc0
	CSMAGIC_EMBEDDED_ENTITLEMENTS     = 0xfade7171
	CSMAGIC_EMBEDDED_ENTITLEMENTS_DER = 0xfade7172
	CSMAGIC_BLOBWRAPPER               = 0xfade0b01

	CSSLOT_CODEDIRECTORY             = 0
	CSSLOT_INFOSLOT                  = 1
	CSSLOT_REQUIREMENTS              = 2
	CSSLOT_RESOURCEDIR               = 3
	CSSLOT_APPLICATION               = 4
	CSSLOT_ENTITLEMENTS              = 5
	CSSLOT_REP_SPECIFIC              = 6
	CSSLOT_ENTITLEMENTS_DER          = 7
	CSSLOT_ALTERNATE_CODEDIRECTORIES = 0x1000
	CSSLOT_SIGNATURESLOT             = 0x10000

	CS_ADHOC = 0x2

	CS_EXECSEG_MAIN_BINARY    = 0x1
	CS_EXECSEG_ALLOW_UNSIGNED = 0x10

	// PageSizeBits is the log2 page size used for code slots.
	PageSizeBits = 12
	PageSize     = 1 << PageSizeBits
)

var errShort = errors.New("short read in signature blob")

// Blob is one entry of a SuperBlob: the slot it is indexed under and its
// serialized bytes, magic and length included.
type Blob struct {
	Slot uint32
	Data []byte
}

// Magic returns the blob's magic number, or 0 when it is too short.
func (b Blob) Magic() uint32 {
	if len(b.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b.Data)
}

// Payload returns the bytes after the 8-byte blob header.
func (b Blob) Payload() []byte {
	if len(b.Data) < 8 {
		return nil
	}
	return b.Data[8:]
}

// wrap prefixes payload with magic and total length.
func wrap(magic uint32, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out, magic)
	binary.BigEndian.PutUint32(out[4:], uint32(len(out)))
	copy(out[8:], payload)
	return out
}

func put32be(b []byte, x uint32) []byte {
	binary.BigEndian.PutUint32(b, x)
	return b[4:]
}

func put64be(b []byte, x uint64) []byte {
	binary.BigEndian.PutUint64(b, x)
	return b[8:]
}

func put8(b []byte, x uint8) []byte {
	b[0] = x
	return b[1:]
}

func puts(b, s []byte) []byte {
	n := copy(b, s)
	return b[n:]
}
