package codesign

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gomacho "github.com/blacktop/go-macho"
	"github.com/rs/zerolog"
	"howett.net/plist"

	"github.com/aluedeke/go-zsign/pkg/cms"
	"github.com/aluedeke/go-zsign/pkg/csblob"
	"github.com/aluedeke/go-zsign/pkg/macho"
)

// VerifyOptions carries the bundle context of a binary. Without it the
// Info.plist and resource directory slots are not checked.
type VerifyOptions struct {
	Bundle        bool
	InfoPlist     []byte
	CodeResources []byte
}

// SliceReport describes the verified signature of one slice.
type SliceReport struct {
	CPU        string
	Identifier string
	TeamID     string
	HashTypes  []csblob.HashType
	// CDHash is the digest of the primary CodeDirectory.
	CDHash []byte
	AdHoc  bool
	// Signer is nil for ad-hoc signatures.
	Signer  *x509.Certificate
	Imports []string
}

// Report is the result of verifying one file.
type Report struct {
	Path   string
	Slices []SliceReport
}

// VerifyFile checks every slice signature of the Mach-O at path. An absent
// or invalid signature is reported as ErrNotSigned. The file is only read.
func VerifyFile(ctx context.Context, path string, opts VerifyOptions) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, classify(KindInvalidInput, path, err)
	}
	f, err := macho.Parse(data)
	if err != nil {
		return nil, classify(KindMalformedBinary, path, err)
	}
	report := &Report{Path: path}
	for i, img := range f.Slices {
		if err := ctx.Err(); err != nil {
			return nil, classify(KindUnknown, path, err)
		}
		sr, err := verifyImage(img, opts)
		if err != nil {
			return nil, &Error{Kind: KindNotSigned, Path: path, Err: fmt.Errorf("slice %d (%s): %w", i, img.CPU, err)}
		}
		report.Slices = append(report.Slices, *sr)
	}
	zerolog.Ctx(ctx).Info().Str("path", path).Int("slices", len(report.Slices)).Msg("signature valid")
	return report, nil
}

func verifyImage(img *macho.Image, opts VerifyOptions) (*SliceReport, error) {
	dataoff, _, ok := img.CodeSignature()
	if !ok {
		return nil, errors.New("no code signature")
	}
	sb, err := csblob.ParseSuperBlob(img.Signature())
	if err != nil {
		return nil, err
	}
	cds, err := sb.CodeDirectories()
	if err != nil {
		return nil, err
	}

	sr := &SliceReport{
		CPU:        img.CPU.String(),
		Identifier: cds[0].Identifier,
		TeamID:     cds[0].TeamID,
		CDHash:     cds[0].CDHash(),
		Imports:    importedLibraries(img),
	}
	raw := make([][]byte, 0, len(cds))
	for _, cd := range cds {
		if cd.CodeLimit != dataoff {
			return nil, fmt.Errorf("code limit %d does not match signature offset %d", cd.CodeLimit, dataoff)
		}
		if cd.Identifier != sr.Identifier {
			return nil, fmt.Errorf("code directories disagree on identifier")
		}
		if err := cd.VerifyPages(img.Bytes()); err != nil {
			return nil, fmt.Errorf("%s: %w", cd.HashType, err)
		}
		for _, slot := range []uint32{csblob.CSSLOT_REQUIREMENTS, csblob.CSSLOT_ENTITLEMENTS, csblob.CSSLOT_ENTITLEMENTS_DER} {
			var blob []byte
			if b, ok := sb.Find(slot); ok {
				blob = b.Data
			}
			if err := cd.CheckSpecialSlot(slot, blob); err != nil {
				return nil, err
			}
		}
		if opts.Bundle {
			if err := cd.CheckSpecialSlot(csblob.CSSLOT_INFOSLOT, opts.InfoPlist); err != nil {
				return nil, err
			}
			if err := cd.CheckSpecialSlot(csblob.CSSLOT_RESOURCEDIR, opts.CodeResources); err != nil {
				return nil, err
			}
		}
		sr.HashTypes = append(sr.HashTypes, cd.HashType)
		raw = append(raw, cd.Raw)
	}

	wrapper, ok := sb.Find(csblob.CSSLOT_SIGNATURESLOT)
	if !ok {
		return nil, errors.New("signature has no CMS blob")
	}
	signer, err := cms.Verify(wrapper.Data, raw)
	switch {
	case errors.Is(err, cms.ErrNoSignature):
		if cds[0].Flags&csblob.CS_ADHOC == 0 {
			return nil, errors.New("empty CMS blob without the ad-hoc flag")
		}
		sr.AdHoc = true
	case err != nil:
		return nil, err
	default:
		sr.Signer = signer
	}
	return sr, nil
}

// importedLibraries lists the dylibs of img through go-macho. A slice it
// cannot parse yields nil.
func importedLibraries(img *macho.Image) []string {
	f, err := gomacho.NewFile(bytes.NewReader(img.Bytes()))
	if err != nil {
		return nil
	}
	defer f.Close()
	return f.ImportedLibraries()
}

// VerifyBundle verifies every component of the bundle at root, children
// before parents, including the resource seal of each bundle.
func VerifyBundle(ctx context.Context, root string, opts VerifyOptions) ([]*Report, error) {
	tree, err := BuildTree(root)
	if err != nil {
		return nil, classify(KindInvalidInput, root, err)
	}
	var reports []*Report
	for _, c := range tree.PostOrder() {
		if c.Executable == "" || !isMachO(c.Executable) {
			continue
		}
		vopts := opts
		if c.Kind.IsBundle() {
			if vopts, err = bundleContext(c); err != nil {
				return nil, err
			}
		}
		r, err := VerifyFile(ctx, c.Executable, vopts)
		if err != nil {
			return nil, err
		}
		c.State = StateVerified
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, newError(KindNotSigned, root, "no signed component found")
	}
	return reports, nil
}

func bundleContext(c *Component) (VerifyOptions, error) {
	vopts := VerifyOptions{Bundle: true}
	if c.InfoPlist != "" {
		data, err := os.ReadFile(c.InfoPlist)
		if err != nil {
			return vopts, classify(KindInvalidInput, c.InfoPlist, err)
		}
		vopts.InfoPlist = data
	}
	resPath := filepath.Join(c.Path, filepath.FromSlash(codeResourcesPath))
	data, err := os.ReadFile(resPath)
	if err != nil {
		return vopts, &Error{Kind: KindNotSigned, Path: c.Path, Err: fmt.Errorf("missing CodeResources: %w", err)}
	}
	if err := checkResources(c.Path, data); err != nil {
		return vopts, &Error{Kind: KindNotSigned, Path: c.Path, Err: err}
	}
	vopts.CodeResources = data
	return vopts, nil
}

type sealedResources struct {
	Files2 map[string]interface{} `plist:"files2"`
}

// checkResources compares the files2 SHA-256 seal against the bundle.
func checkResources(dir string, data []byte) error {
	var res sealedResources
	if _, err := plist.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("failed to parse CodeResources: %w", err)
	}
	for rel, v := range res.Files2 {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		want, ok := entry["hash2"].([]byte)
		if !ok {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			if optional, _ := entry["optional"].(bool); optional && os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("sealed resource %s: %w", rel, err)
		}
		sum := sha256.Sum256(content)
		if !hmac.Equal(sum[:], want) {
			return fmt.Errorf("sealed resource %s was modified", rel)
		}
	}
	return nil
}
