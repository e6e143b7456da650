package csblob

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	cdVersion    = 0x20400
	cdHeaderSize = 88

	// MaxIdentifierLength bounds the signing identifier embedded in a
	// CodeDirectory.
	MaxIdentifierLength = 255
)

var (
	// ErrIdentifierTooLong reports an identifier longer than
	// MaxIdentifierLength bytes.
	ErrIdentifierTooLong = errors.New("signing identifier too long")
	// ErrInvalidIdentifier reports an empty identifier or one holding NUL.
	ErrInvalidIdentifier = errors.New("invalid signing identifier")
	// ErrPageMismatch reports a code slot that does not match the file.
	ErrPageMismatch = errors.New("page hash mismatch")
)

// CodeDirectoryParams describes one CodeDirectory. Special slot inputs are
// the exact bytes to hash; nil leaves the slot zeroed.
type CodeDirectoryParams struct {
	Identifier string
	TeamID     string
	HashType   HashType
	Flags      uint32

	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags uint64

	InfoPlist       []byte
	Requirements    []byte
	CodeResources   []byte
	Entitlements    []byte
	EntitlementsDER []byte
}

// specialSlots is 7 with DER entitlements, 5 with entitlements or
// resources, else 2.
func (p *CodeDirectoryParams) specialSlots() uint32 {
	switch {
	case len(p.EntitlementsDER) > 0:
		return CSSLOT_ENTITLEMENTS_DER
	case len(p.Entitlements) > 0 || len(p.CodeResources) > 0:
		return CSSLOT_ENTITLEMENTS
	}
	return CSSLOT_REQUIREMENTS
}

func (p *CodeDirectoryParams) slotInput(slot uint32) []byte {
	switch slot {
	case CSSLOT_INFOSLOT:
		return p.InfoPlist
	case CSSLOT_REQUIREMENTS:
		return p.Requirements
	case CSSLOT_RESOURCEDIR:
		return p.CodeResources
	case CSSLOT_ENTITLEMENTS:
		return p.Entitlements
	case CSSLOT_ENTITLEMENTS_DER:
		return p.EntitlementsDER
	}
	return nil
}

// ValidateIdentifier rejects identifiers that cannot be embedded as a C
// string of at most MaxIdentifierLength bytes.
func ValidateIdentifier(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	case strings.IndexByte(id, 0) >= 0:
		return fmt.Errorf("%w: contains NUL", ErrInvalidIdentifier)
	case len(id) > MaxIdentifierLength:
		return fmt.Errorf("%w: %d bytes (max %d)", ErrIdentifierTooLong, len(id), MaxIdentifierLength)
	}
	return nil
}

// BuildCodeDirectory hashes code and returns a serialized CodeDirectory of
// p.HashType.
func BuildCodeDirectory(code []byte, p CodeDirectoryParams) ([]byte, error) {
	cds, err := BuildCodeDirectories(code, SingleDigest(p.HashType), p)
	if err != nil {
		return nil, err
	}
	return cds[0], nil
}

// BuildCodeDirectories reads code once and returns one CodeDirectory per
// kind of the policy, primary first. p.HashType is ignored.
func BuildCodeDirectories(code []byte, policy DigestPolicy, p CodeDirectoryParams) ([][]byte, error) {
	if err := ValidateIdentifier(p.Identifier); err != nil {
		return nil, err
	}
	if strings.IndexByte(p.TeamID, 0) >= 0 {
		return nil, fmt.Errorf("team identifier contains NUL")
	}
	kinds := policy.Kinds()
	pages, err := HashPages(bytes.NewReader(code), kinds, PageSize)
	if err != nil {
		return nil, err
	}
	cds := make([][]byte, len(kinds))
	for i, kind := range kinds {
		cds[i] = buildCodeDirectory(&p, kind, pages.Slots[i], pages.Count, uint32(pages.CodeLimit))
	}
	return cds, nil
}

func buildCodeDirectory(p *CodeDirectoryParams, kind HashType, pageSlots []byte, nCode, codeLimit uint32) []byte {
	hashSize := uint32(kind.Size())
	nSpecial := p.specialSlots()

	identOff := uint32(cdHeaderSize)
	hashOff := identOff + uint32(len(p.Identifier)+1)
	teamOff := uint32(0)
	if p.TeamID != "" {
		teamOff = hashOff
		hashOff += uint32(len(p.TeamID) + 1)
	}
	hashOff += nSpecial * hashSize
	length := hashOff + nCode*hashSize

	cd := make([]byte, length)
	outp := cd
	outp = put32be(outp, CSMAGIC_CODEDIRECTORY)
	outp = put32be(outp, length)
	outp = put32be(outp, cdVersion)
	outp = put32be(outp, p.Flags)
	outp = put32be(outp, hashOff)
	outp = put32be(outp, identOff)
	outp = put32be(outp, nSpecial)
	outp = put32be(outp, nCode)
	outp = put32be(outp, codeLimit)
	outp = put8(outp, uint8(hashSize))
	outp = put8(outp, uint8(kind))
	outp = put8(outp, 0) // platform
	outp = put8(outp, PageSizeBits)
	outp = put32be(outp, 0) // spare2
	outp = put32be(outp, 0) // scatterOffset
	outp = put32be(outp, teamOff)
	outp = put32be(outp, 0) // spare3
	outp = put64be(outp, 0) // codeLimit64
	outp = put64be(outp, p.ExecSegBase)
	outp = put64be(outp, p.ExecSegLimit)
	outp = put64be(outp, p.ExecSegFlags)

	outp = puts(outp, []byte(p.Identifier+"\x00"))
	if p.TeamID != "" {
		outp = puts(outp, []byte(p.TeamID+"\x00"))
	}
	// special slots are stored at negative indexes, highest first
	for slot := nSpecial; slot >= 1; slot-- {
		outp = puts(outp, kind.digest(p.slotInput(slot)))
	}
	puts(outp, pageSlots)
	return cd
}

// CodeDirectory is a parsed CodeDirectory blob.
type CodeDirectory struct {
	Raw          []byte
	Version      uint32
	Flags        uint32
	HashType     HashType
	PageSizeBits uint8
	CodeLimit    uint32
	Identifier   string
	TeamID       string
	ExecSegBase  uint64
	ExecSegLimit uint64
	ExecSegFlags uint64
	// Special[i] is the digest of special slot i+1.
	Special [][]byte
	Code    [][]byte
}

// ParseCodeDirectory decodes and bounds-checks a CodeDirectory blob.
func ParseCodeDirectory(blob []byte) (*CodeDirectory, error) {
	if len(blob) < 44 {
		return nil, errShort
	}
	be := binary.BigEndian
	if magic := be.Uint32(blob); magic != CSMAGIC_CODEDIRECTORY {
		return nil, fmt.Errorf("not a code directory: magic 0x%08x", magic)
	}
	length := be.Uint32(blob[4:])
	if length < 44 || int(length) > len(blob) {
		return nil, fmt.Errorf("invalid code directory length %d", length)
	}
	blob = blob[:length]
	cd := &CodeDirectory{
		Raw:          blob,
		Version:      be.Uint32(blob[8:]),
		Flags:        be.Uint32(blob[12:]),
		CodeLimit:    be.Uint32(blob[32:]),
		HashType:     HashType(blob[37]),
		PageSizeBits: blob[39],
	}
	hashOff := be.Uint32(blob[16:])
	identOff := be.Uint32(blob[20:])
	nSpecial := be.Uint32(blob[24:])
	nCode := be.Uint32(blob[28:])
	hashSize := uint32(blob[36])

	if cd.HashType.Size() == 0 || uint32(cd.HashType.Size()) != hashSize {
		return nil, fmt.Errorf("unsupported hash type %d with size %d", cd.HashType, hashSize)
	}
	if identOff >= length {
		return nil, errShort
	}
	cd.Identifier = cstring(blob[identOff:])
	if cd.Version >= 0x20200 && length >= 52 {
		if teamOff := be.Uint32(blob[48:]); teamOff != 0 {
			if teamOff >= length {
				return nil, errShort
			}
			cd.TeamID = cstring(blob[teamOff:])
		}
	}
	if cd.Version >= 0x20400 && length >= cdHeaderSize {
		cd.ExecSegBase = be.Uint64(blob[64:])
		cd.ExecSegLimit = be.Uint64(blob[72:])
		cd.ExecSegFlags = be.Uint64(blob[80:])
	}

	if uint64(nSpecial)*uint64(hashSize) > uint64(hashOff) ||
		uint64(hashOff)+uint64(nCode)*uint64(hashSize) > uint64(length) {
		return nil, fmt.Errorf("code directory hash slots out of bounds")
	}
	for slot := uint32(1); slot <= nSpecial; slot++ {
		off := hashOff - slot*hashSize
		cd.Special = append(cd.Special, blob[off:off+hashSize])
	}
	for i := uint32(0); i < nCode; i++ {
		off := hashOff + i*hashSize
		cd.Code = append(cd.Code, blob[off:off+hashSize])
	}
	return cd, nil
}

// SpecialSlot returns the digest stored for slot, or nil when the
// directory has fewer special slots.
func (cd *CodeDirectory) SpecialSlot(slot uint32) []byte {
	if slot == 0 || int(slot) > len(cd.Special) {
		return nil
	}
	return cd.Special[slot-1]
}

// CheckSpecialSlot compares slot against the digest of data.
func (cd *CodeDirectory) CheckSpecialSlot(slot uint32, data []byte) error {
	got := cd.SpecialSlot(slot)
	if got == nil {
		if len(data) == 0 {
			return nil
		}
		return fmt.Errorf("special slot %d missing", slot)
	}
	if !hmac.Equal(got, cd.HashType.digest(data)) {
		return fmt.Errorf("special slot %d hash mismatch", slot)
	}
	return nil
}

// VerifyPages recomputes the code slots over code, which must be the file
// prefix the directory was built from.
func (cd *CodeDirectory) VerifyPages(code []byte) error {
	if uint64(cd.CodeLimit) > uint64(len(code)) {
		return fmt.Errorf("%w: code limit %d past end of file (%d)", ErrPageMismatch, cd.CodeLimit, len(code))
	}
	if cd.PageSizeBits == 0 || cd.PageSizeBits > 30 {
		return fmt.Errorf("unsupported page size 2^%d", cd.PageSizeBits)
	}
	pages, err := HashPages(bytes.NewReader(code[:cd.CodeLimit]), []HashType{cd.HashType}, 1<<cd.PageSizeBits)
	if err != nil {
		return err
	}
	if int(pages.Count) != len(cd.Code) {
		return fmt.Errorf("%w: %d code slots for %d pages", ErrPageMismatch, len(cd.Code), pages.Count)
	}
	size := cd.HashType.Size()
	for i, want := range cd.Code {
		if !hmac.Equal(want, pages.Slots[0][i*size:(i+1)*size]) {
			return fmt.Errorf("%w: page %d", ErrPageMismatch, i)
		}
	}
	return nil
}

// CDHash is the full digest of the directory under its own hash type.
func (cd *CodeDirectory) CDHash() []byte {
	h := cd.HashType.New()
	h.Write(cd.Raw)
	return h.Sum(nil)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
