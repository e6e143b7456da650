package codesign

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho/types"
	"github.com/rs/zerolog"

	"github.com/aluedeke/go-zsign/internal/atomicfile"
	"github.com/aluedeke/go-zsign/pkg/csblob"
	"github.com/aluedeke/go-zsign/pkg/macho"
)

// extra room added when a built signature outgrows its estimate
const reserveSlack = 4096

// fileJob is everything needed to sign one Mach-O file.
type fileJob struct {
	identity   *SigningIdentity
	policy     csblob.DigestPolicy
	identifier string
	// entitlements is an XML plist, nil for none
	entitlements  []byte
	infoPlist     []byte
	codeResources []byte
	dylibs        []string
	weak          bool
	force         bool
}

// signFile signs the Mach-O at src and replaces dst with the result.
func signFile(ctx context.Context, src, dst string, job *fileJob) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return classify(KindInvalidInput, src, fmt.Errorf("failed to read file: %w", err))
	}
	out, err := signBytes(ctx, data, job)
	if err != nil {
		return classify(KindSigningFailed, src, err)
	}
	if err := atomicfile.WriteFile(dst, out); err != nil {
		return classify(KindSigningFailed, dst, fmt.Errorf("failed to write signed binary: %w", err))
	}
	zerolog.Ctx(ctx).Info().
		Str("path", dst).
		Str("identifier", job.identifier).
		Bool("adhoc", job.identity.IsAdHoc()).
		Msg("signed")
	return nil
}

// signBytes injects the requested dylibs and signs every slice of data.
func signBytes(ctx context.Context, data []byte, job *fileJob) ([]byte, error) {
	log := zerolog.Ctx(ctx)
	f, err := macho.Parse(data)
	if err != nil {
		return nil, err
	}
	if f.IsSigned() && !job.force {
		return nil, &Error{Kind: KindAlreadySigned, Err: errors.New("binary already carries a signature")}
	}
	for _, dylib := range job.dylibs {
		added, err := f.InjectDylib(dylib, job.weak)
		if err != nil {
			return nil, fmt.Errorf("failed to inject %s: %w", dylib, err)
		}
		if added {
			log.Info().Str("dylib", dylib).Bool("weak", job.weak).Msg("injected load command")
		} else {
			log.Debug().Str("dylib", dylib).Msg("dylib already referenced")
		}
	}
	for i, img := range f.Slices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := signImage(ctx, img, job); err != nil {
			return nil, fmt.Errorf("slice %d (%s): %w", i, img.CPU, err)
		}
	}
	return f.Bytes()
}

// signImage reserves the signature region, hashes the final bytes and
// splices the SuperBlob. The reservation only grows when the built
// signature does not fit the estimate.
func signImage(ctx context.Context, img *macho.Image, job *fileJob) error {
	log := zerolog.Ctx(ctx)
	p, err := job.params(img)
	if err != nil {
		return err
	}
	var signer csblob.CMSSigner
	if !job.identity.IsAdHoc() {
		signer = job.identity.cmsIdentity()
	}

	size := csblob.EstimateSize(int64(img.CodeLimit()), p)
	for attempt := 0; attempt < 2; attempt++ {
		if err := img.Relayout(size); err != nil {
			return err
		}
		code := img.CodeBytes()
		log.Debug().
			Str("cpu", img.CPU.String()).
			Int("code_limit", len(code)).
			Uint32("reserved", size).
			Msg("hashing pages")
		sig, err := csblob.BuildSignature(code, job.policy, p, signer)
		if err != nil {
			return err
		}
		if len(sig) <= int(size) {
			return img.WriteSignature(sig)
		}
		log.Debug().Int("signature", len(sig)).Uint32("reserved", size).Msg("signature larger than estimate, growing reservation")
		size = uint32(len(sig)+reserveSlack) &^ (reserveSlack - 1)
	}
	return fmt.Errorf("%w: signature does not fit its reservation", macho.ErrLayoutOverflow)
}

func (job *fileJob) params(img *macho.Image) (csblob.CodeDirectoryParams, error) {
	p := csblob.CodeDirectoryParams{
		Identifier:    job.identifier,
		InfoPlist:     job.infoPlist,
		CodeResources: job.codeResources,
	}
	if job.identity.IsAdHoc() {
		p.Requirements = csblob.EmptyRequirements()
	} else {
		p.TeamID = job.identity.TeamID
		p.Requirements = csblob.DesignatedRequirements(job.identifier, job.identity.CommonName())
	}
	if job.entitlements != nil {
		p.Entitlements = csblob.EntitlementsBlob(job.entitlements)
		der, err := csblob.EntitlementsDERBlob(job.entitlements)
		if err != nil {
			return p, &Error{Kind: KindInvalidInput, Err: fmt.Errorf("failed to encode entitlements: %w", err)}
		}
		p.EntitlementsDER = der
	}
	if text, ok := img.TextSegment(); ok {
		p.ExecSegBase = text.Offset
		p.ExecSegLimit = text.Filesz
	}
	if img.Type == types.MH_EXECUTE {
		p.ExecSegFlags |= csblob.CS_EXECSEG_MAIN_BINARY
	}
	if allowsDebugging(job.entitlements) {
		p.ExecSegFlags |= csblob.CS_EXECSEG_ALLOW_UNSIGNED
	}
	return p, nil
}

// isMachO checks the magic of the file at path.
func isMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	switch binary.LittleEndian.Uint32(magic) {
	case uint32(types.Magic32), uint32(types.Magic64):
		return true
	}
	switch binary.BigEndian.Uint32(magic) {
	case uint32(types.MagicFat), 0xcafebabf:
		return true
	}
	return false
}

// isSigned reports whether any slice of the Mach-O at path carries a
// signature.
func isSigned(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	f, err := macho.Parse(data)
	if err != nil {
		return false, err
	}
	return f.IsSigned(), nil
}
