package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aluedeke/go-zsign/pkg/csblob"
)

// Options configures one signing run.
type Options struct {
	// Path is an .ipa archive, a bundle directory or a Mach-O file.
	Path string
	// Output receives the signed result. Empty signs in place.
	Output string
	// Identity defaults to ad-hoc when nil.
	Identity *SigningIdentity
	// EntitlementsFile replaces the provisioning profile entitlements.
	EntitlementsFile string

	BundleID      string
	BundleName    string
	BundleVersion string

	// Dylibs are injected into the main executable. Files that exist on
	// disk are copied into a bundle and referenced from @executable_path.
	Dylibs     []string
	WeakInject bool

	// Force re-signs binaries that already carry a signature.
	Force bool
	// CheckSignature verifies Path instead of signing it.
	CheckSignature bool

	TempDir    string
	SHA256Only bool
	// Jobs bounds how many sibling components are signed at once.
	Jobs   int
	Logger *zerolog.Logger
}

// Sign signs opts.Path. The returned error is nil or an *Error; Code maps it
// to the engine status code.
func Sign(ctx context.Context, opts Options) error {
	if opts.Logger != nil {
		ctx = opts.Logger.WithContext(ctx)
	}
	if opts.Path == "" {
		return newError(KindInvalidInput, "", "input path is required")
	}
	st, err := os.Stat(opts.Path)
	if err != nil {
		return classify(KindInvalidInput, opts.Path, err)
	}
	if opts.TempDir != "" {
		if tst, err := os.Stat(opts.TempDir); err != nil || !tst.IsDir() {
			return newError(KindInvalidInput, opts.TempDir, "invalid temp folder")
		}
	}
	isIPA := !st.IsDir() && strings.EqualFold(filepath.Ext(opts.Path), ".ipa")

	if opts.CheckSignature {
		return check(ctx, opts, st.IsDir(), isIPA)
	}

	s, err := newSigner(opts)
	if err != nil {
		return err
	}
	switch {
	case st.IsDir():
		err = s.signDir(ctx)
	case isIPA:
		err = s.signIPA(ctx)
	default:
		err = s.signLoose(ctx)
	}
	// cancellation surfaces as a plain context error
	return classify(KindSigningFailed, opts.Path, err)
}

func check(ctx context.Context, opts Options, isDir, isIPA bool) error {
	vopts := VerifyOptions{}
	switch {
	case isDir:
		_, err := VerifyBundle(ctx, opts.Path, vopts)
		return err
	case isIPA:
		dir, err := ExtractIPA(opts.Path, opts.TempDir)
		if err != nil {
			return classify(KindInvalidInput, opts.Path, err)
		}
		defer os.RemoveAll(dir)
		app, err := FindAppBundle(dir)
		if err != nil {
			return classify(KindInvalidInput, opts.Path, err)
		}
		_, err = VerifyBundle(ctx, app, vopts)
		return err
	}
	_, err := VerifyFile(ctx, opts.Path, vopts)
	return err
}

// digestPolicy picks the CodeDirectory hash kinds for a run.
func digestPolicy(sha256Only bool) csblob.DigestPolicy {
	if sha256Only {
		return csblob.SingleDigest(csblob.HashSHA256)
	}
	return csblob.BothDigests()
}

// loadEntitlements returns the entitlements of the main bundle: the
// entitlements file when given, else the profile entitlements, else nil.
func loadEntitlements(opts Options, id *SigningIdentity) ([]byte, error) {
	if opts.EntitlementsFile != "" {
		data, err := os.ReadFile(opts.EntitlementsFile)
		if err != nil {
			return nil, classify(KindInvalidInput, opts.EntitlementsFile, fmt.Errorf("failed to read entitlements: %w", err))
		}
		if _, err := ParseEntitlements(data); err != nil {
			return nil, &Error{Kind: KindInvalidInput, Path: opts.EntitlementsFile, Err: err}
		}
		return data, nil
	}
	if id.Profile == nil {
		return nil, nil
	}
	data, err := id.Profile.EntitlementsFor(opts.BundleID)
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Err: err}
	}
	return data, nil
}
