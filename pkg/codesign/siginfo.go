package codesign

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/aluedeke/go-zsign/pkg/cms"
	"github.com/aluedeke/go-zsign/pkg/csblob"
	"github.com/aluedeke/go-zsign/pkg/macho"
)

// SignatureInfo holds the header and code signature details of one slice.
type SignatureInfo struct {
	BinaryPath string
	// RelativePath locates the component inside its root bundle, "" for a
	// file inspected on its own.
	RelativePath string
	CPU          string
	FileType     string
	Dylibs       []string

	Signed       bool
	SignatureLen int
	Blobs        []csblob.Blob
	CodeDirs     []*csblob.CodeDirectory
	Requirements []byte
	Entitlements map[string]interface{}
	HasDER       bool

	AdHoc bool
	// SignerCN is empty for ad-hoc signatures or when the CMS does not verify.
	SignerCN     string
	SignerTeamID string
	CMSError     string
}

// ParseSignature reads the signature of every slice of a Mach-O file.
// Unsigned slices are reported with Signed false.
func ParseSignature(binaryPath string) ([]*SignatureInfo, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}
	f, err := macho.Parse(data)
	if err != nil {
		return nil, err
	}
	var infos []*SignatureInfo
	for _, img := range f.Slices {
		info, err := sliceInfo(img)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", img.CPU, err)
		}
		info.BinaryPath = binaryPath
		infos = append(infos, info)
	}
	return infos, nil
}

func sliceInfo(img *macho.Image) (*SignatureInfo, error) {
	info := &SignatureInfo{
		CPU:      fmt.Sprintf("%s (%s)", img.CPU, img.SubCPU.String(img.CPU)),
		FileType: img.Type.String(),
		Dylibs:   img.Dylibs(),
	}
	sig := img.Signature()
	if sig == nil {
		return info, nil
	}
	sb, err := csblob.ParseSuperBlob(sig)
	if err != nil {
		return nil, err
	}
	cds, err := sb.CodeDirectories()
	if err != nil {
		return nil, err
	}
	info.Signed = true
	info.SignatureLen = len(sig)
	info.Blobs = sb.Blobs
	info.CodeDirs = cds

	if b, ok := sb.Find(csblob.CSSLOT_REQUIREMENTS); ok {
		info.Requirements = b.Data
	}
	if b, ok := sb.Find(csblob.CSSLOT_ENTITLEMENTS); ok {
		if ents, err := ParseEntitlements(b.Payload()); err == nil {
			info.Entitlements = ents
		}
	}
	_, info.HasDER = sb.Find(csblob.CSSLOT_ENTITLEMENTS_DER)

	if b, ok := sb.Find(csblob.CSSLOT_SIGNATURESLOT); ok {
		raw := make([][]byte, len(cds))
		for i, cd := range cds {
			raw[i] = cd.Raw
		}
		signer, err := cms.Verify(b.Data, raw)
		switch {
		case errors.Is(err, cms.ErrNoSignature):
			info.AdHoc = true
		case err != nil:
			info.CMSError = err.Error()
		default:
			info.SignerCN = signer.Subject.CommonName
			info.SignerTeamID = extractTeamID(signer)
		}
	}
	return info, nil
}

// GetBundleSignatureInfo reads every Mach-O component of the bundle at
// root, children first. With recursive false only the root executable is
// read.
func GetBundleSignatureInfo(root string, recursive bool) ([]*SignatureInfo, error) {
	tree, err := BuildTree(root)
	if err != nil {
		return nil, err
	}
	components := []*Component{tree}
	if recursive {
		components = tree.PostOrder()
	}
	var infos []*SignatureInfo
	for _, c := range components {
		if c.Executable == "" || !isMachO(c.Executable) {
			continue
		}
		slices, err := ParseSignature(c.Executable)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Rel(tree), err)
		}
		rel, err := filepath.Rel(tree.Path, c.Executable)
		if err != nil {
			return nil, err
		}
		for _, s := range slices {
			s.RelativePath = filepath.ToSlash(rel)
		}
		infos = append(infos, slices...)
	}
	return infos, nil
}

var slotNames = map[uint32]string{
	csblob.CSSLOT_CODEDIRECTORY:    "CodeDirectory",
	csblob.CSSLOT_INFOSLOT:         "Info.plist",
	csblob.CSSLOT_REQUIREMENTS:     "Requirements",
	csblob.CSSLOT_RESOURCEDIR:      "CodeResources",
	csblob.CSSLOT_APPLICATION:      "Application",
	csblob.CSSLOT_ENTITLEMENTS:     "Entitlements",
	csblob.CSSLOT_REP_SPECIFIC:     "RepSpecific",
	csblob.CSSLOT_ENTITLEMENTS_DER: "EntitlementsDER",
	csblob.CSSLOT_SIGNATURESLOT:    "CMS Signature",
}

func slotName(slot uint32) string {
	if name, ok := slotNames[slot]; ok {
		return name
	}
	if slot >= csblob.CSSLOT_ALTERNATE_CODEDIRECTORIES && slot < csblob.CSSLOT_ALTERNATE_CODEDIRECTORIES+5 {
		return "CodeDirectory (alternate)"
	}
	return fmt.Sprintf("Slot 0x%x", slot)
}

// PrintSignatureInfo writes a human readable summary of info.
func PrintSignatureInfo(info *SignatureInfo, w io.Writer) {
	name := info.RelativePath
	if name == "" {
		name = filepath.Base(info.BinaryPath)
	}
	fprint(w, "\n=== %s [%s] ===\n", name, info.CPU)
	fprint(w, "File Type:  %s\n", info.FileType)
	if len(info.Dylibs) > 0 {
		fprint(w, "Dylibs:\n")
		for _, d := range info.Dylibs {
			fprint(w, "  %s\n", d)
		}
	}
	if !info.Signed {
		fprint(w, "Code Signature: none\n")
		return
	}
	cd := info.CodeDirs[0]
	fprint(w, "Identifier: %s\n", cd.Identifier)
	if cd.TeamID != "" {
		fprint(w, "Team ID:    %s\n", cd.TeamID)
	}

	fprint(w, "\nCode Signature: %d blobs, %d bytes reserved\n", len(info.Blobs), info.SignatureLen)
	for i, blob := range info.Blobs {
		last := i == len(info.Blobs)-1
		prefix, child := "├─", "│   "
		if last {
			prefix, child = "└─", "    "
		}
		fprint(w, "  %s %s: slot 0x%x, %d bytes\n", prefix, slotName(blob.Slot), blob.Slot, len(blob.Data))

		if blob.Magic() == csblob.CSMAGIC_CODEDIRECTORY {
			if cd, err := csblob.ParseCodeDirectory(blob.Data); err == nil {
				printCodeDirectory(w, cd, child)
			}
		}
		switch blob.Slot {
		case csblob.CSSLOT_ENTITLEMENTS:
			keys := make([]string, 0, len(info.Entitlements))
			for k := range info.Entitlements {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fprint(w, "  %s  %s: %v\n", child, k, info.Entitlements[k])
			}
		case csblob.CSSLOT_SIGNATURESLOT:
			switch {
			case info.AdHoc:
				fprint(w, "  %sAd-hoc\n", child)
			case info.CMSError != "":
				fprint(w, "  %sInvalid: %s\n", child, info.CMSError)
			default:
				fprint(w, "  %sSigner: %s\n", child, info.SignerCN)
				if info.SignerTeamID != "" {
					fprint(w, "  %sTeam ID: %s\n", child, info.SignerTeamID)
				}
			}
		}
	}
}

func printCodeDirectory(w io.Writer, cd *csblob.CodeDirectory, prefix string) {
	fprint(w, "  %sVersion: 0x%x\n", prefix, cd.Version)
	fprint(w, "  %sFlags: 0x%x\n", prefix, cd.Flags)
	fprint(w, "  %sHash Type: %s (%d bytes)\n", prefix, cd.HashType, cd.HashType.Size())
	fprint(w, "  %sPage Size: %d\n", prefix, 1<<cd.PageSizeBits)
	fprint(w, "  %sCode Limit: %d\n", prefix, cd.CodeLimit)
	if cd.Version >= 0x20400 {
		fprint(w, "  %sExec Seg: base=0x%x, limit=0x%x, flags=0x%x\n",
			prefix, cd.ExecSegBase, cd.ExecSegLimit, cd.ExecSegFlags)
	}
	fprint(w, "  %sCDHash: %s\n", prefix, hex.EncodeToString(cd.CDHash()))
	fprint(w, "  %sSpecial Slots: %d\n", prefix, len(cd.Special))
	for i := len(cd.Special); i >= 1; i-- {
		h := hex.EncodeToString(cd.Special[i-1])
		if len(h) > 24 {
			h = h[:24] + "..."
		}
		fprint(w, "  %s  -%d (%s): %s\n", prefix, i, slotName(uint32(i)), h)
	}
	fprint(w, "  %sCode Slots: %d\n", prefix, len(cd.Code))
}
