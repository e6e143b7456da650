package csblob

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"slices"
)

// maxAlternateDirectories bounds the alternate CodeDirectory slots.
const maxAlternateDirectories = 5

// SuperBlob is a parsed embedded signature.
type SuperBlob struct {
	Blobs []Blob
}

// Assemble serializes blobs into an embedded signature SuperBlob. Index
// entries follow the given order and blob data is laid out contiguously
// right after the index.
func Assemble(blobs []Blob) []byte {
	length := uint32(12 + 8*len(blobs))
	for _, b := range blobs {
		length += uint32(len(b.Data))
	}
	out := make([]byte, length)
	outp := out
	outp = put32be(outp, CSMAGIC_EMBEDDED_SIGNATURE)
	outp = put32be(outp, length)
	outp = put32be(outp, uint32(len(blobs)))
	off := uint32(12 + 8*len(blobs))
	for _, b := range blobs {
		outp = put32be(outp, b.Slot)
		outp = put32be(outp, off)
		off += uint32(len(b.Data))
	}
	for _, b := range blobs {
		outp = puts(outp, b.Data)
	}
	return out
}

// AdhocCMS is the empty CMS wrapper that marks an ad-hoc signature.
func AdhocCMS() []byte {
	return wrap(CSMAGIC_BLOBWRAPPER, nil)
}

// ParseSuperBlob decodes an embedded signature. Trailing zero padding after
// the declared length is ignored.
func ParseSuperBlob(data []byte) (*SuperBlob, error) {
	if len(data) < 12 {
		return nil, errShort
	}
	be := binary.BigEndian
	if magic := be.Uint32(data); magic != CSMAGIC_EMBEDDED_SIGNATURE {
		return nil, fmt.Errorf("not an embedded signature: magic 0x%08x", magic)
	}
	length := be.Uint32(data[4:])
	count := be.Uint32(data[8:])
	if length < 12 || uint64(length) > uint64(len(data)) {
		return nil, fmt.Errorf("invalid superblob length %d", length)
	}
	data = data[:length]
	if 12+uint64(count)*8 > uint64(length) {
		return nil, errShort
	}
	indexEnd := 12 + count*8
	sb := &SuperBlob{}
	regions := make([][2]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		slot := be.Uint32(data[12+8*i:])
		off := be.Uint32(data[16+8*i:])
		if off < indexEnd || uint64(off)+8 > uint64(length) {
			return nil, fmt.Errorf("blob %d (slot 0x%x) offset out of range", i, slot)
		}
		blen := be.Uint32(data[off+4:])
		if blen < 8 || uint64(off)+uint64(blen) > uint64(length) {
			return nil, fmt.Errorf("blob %d (slot 0x%x) length out of range", i, slot)
		}
		sb.Blobs = append(sb.Blobs, Blob{Slot: slot, Data: data[off : off+blen]})
		regions = append(regions, [2]uint32{off, off + blen})
	}
	if err := checkContiguous(regions, indexEnd, length); err != nil {
		return nil, err
	}
	return sb, nil
}

// checkContiguous requires the blob regions to tile [start, end) exactly,
// in any index order.
func checkContiguous(regions [][2]uint32, start, end uint32) error {
	slices.SortFunc(regions, func(a, b [2]uint32) int { return cmp.Compare(a[0], b[0]) })
	next := start
	for _, r := range regions {
		switch {
		case r[0] > next:
			return fmt.Errorf("superblob gap at offset %d", next)
		case r[0] < next:
			return fmt.Errorf("superblob blobs overlap at offset %d", r[0])
		}
		next = r[1]
	}
	if next != end {
		return fmt.Errorf("superblob has trailing data at offset %d", next)
	}
	return nil
}

// Find returns the blob indexed under slot.
func (sb *SuperBlob) Find(slot uint32) (Blob, bool) {
	for _, b := range sb.Blobs {
		if b.Slot == slot {
			return b, true
		}
	}
	return Blob{}, false
}

// CodeDirectories parses the primary and alternate code directories,
// primary first.
func (sb *SuperBlob) CodeDirectories() ([]*CodeDirectory, error) {
	var cds []*CodeDirectory
	for _, slot := range codeDirectorySlots() {
		b, ok := sb.Find(slot)
		if !ok {
			continue
		}
		cd, err := ParseCodeDirectory(b.Data)
		if err != nil {
			return nil, fmt.Errorf("slot 0x%x: %w", slot, err)
		}
		cds = append(cds, cd)
	}
	if len(cds) == 0 {
		return nil, fmt.Errorf("signature has no code directory")
	}
	return cds, nil
}

func codeDirectorySlots() []uint32 {
	slots := []uint32{CSSLOT_CODEDIRECTORY}
	for i := uint32(0); i < maxAlternateDirectories; i++ {
		slots = append(slots, CSSLOT_ALTERNATE_CODEDIRECTORIES+i)
	}
	return slots
}

// CMSSigner produces the wrapped CMS blob for the code directories,
// primary first.
type CMSSigner interface {
	SignDirectories(cds [][]byte) ([]byte, error)
}

// BuildSignature hashes code, builds one CodeDirectory per policy kind and
// assembles the SuperBlob in canonical order: CodeDirectory, alternates,
// Requirements, Entitlements, EntitlementsDER, CMS. p.Requirements,
// p.Entitlements and p.EntitlementsDER are the serialized blobs to embed;
// missing Requirements default to the empty set. A nil signer produces an
// ad-hoc signature.
func BuildSignature(code []byte, policy DigestPolicy, p CodeDirectoryParams, signer CMSSigner) ([]byte, error) {
	if p.Requirements == nil {
		p.Requirements = EmptyRequirements()
	}
	if signer == nil {
		p.Flags |= CS_ADHOC
	}
	cds, err := BuildCodeDirectories(code, policy, p)
	if err != nil {
		return nil, err
	}

	var cms []byte
	if signer == nil {
		cms = AdhocCMS()
	} else if cms, err = signer.SignDirectories(cds); err != nil {
		return nil, err
	}

	blobs := []Blob{{Slot: CSSLOT_CODEDIRECTORY, Data: cds[0]}}
	for i, cd := range cds[1:] {
		blobs = append(blobs, Blob{Slot: CSSLOT_ALTERNATE_CODEDIRECTORIES + uint32(i), Data: cd})
	}
	blobs = append(blobs, Blob{Slot: CSSLOT_REQUIREMENTS, Data: p.Requirements})
	if len(p.Entitlements) > 0 {
		blobs = append(blobs, Blob{Slot: CSSLOT_ENTITLEMENTS, Data: p.Entitlements})
	}
	if len(p.EntitlementsDER) > 0 {
		blobs = append(blobs, Blob{Slot: CSSLOT_ENTITLEMENTS_DER, Data: p.EntitlementsDER})
	}
	blobs = append(blobs, Blob{Slot: CSSLOT_SIGNATURESLOT, Data: cms})
	return Assemble(blobs), nil
}

// EstimateSize returns the space to reserve for a signature over codeLimit
// bytes: room for a SHA-1 and a SHA-256 hash per page plus a fixed
// allowance for headers and the CMS blob, grown by the variable-size blobs.
// The result depends only on its inputs so that re-signing reserves the
// same region.
func EstimateSize(codeLimit int64, p CodeDirectoryParams) uint32 {
	pages := (codeLimit + PageSize - 1) / PageSize
	size := alignUp((pages+1)*(20+32), 4096) + 16384
	extra := int64(2*(len(p.Identifier)+len(p.TeamID)) + len(p.Requirements) +
		len(p.Entitlements) + len(p.EntitlementsDER))
	if extra > 1024 {
		size += alignUp(extra, 4096)
	}
	return uint32(size)
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) / a * a
}
