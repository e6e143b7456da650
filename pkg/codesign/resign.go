package codesign

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aluedeke/go-zsign/internal/atomicfile"
	"github.com/aluedeke/go-zsign/pkg/csblob"
)

// signer carries the state shared by every component of one run. It is
// read-only once built.
type signer struct {
	opts     Options
	identity *SigningIdentity
	policy   csblob.DigestPolicy
	// entitlements of app-like components, nil for none
	entitlements []byte
	jobs         int
}

func newSigner(opts Options) (*signer, error) {
	id := opts.Identity
	if id == nil {
		id = AdHoc()
	}
	ents, err := loadEntitlements(opts, id)
	if err != nil {
		return nil, err
	}
	jobs := opts.Jobs
	if jobs < 1 {
		jobs = 1
	}
	return &signer{
		opts:         opts,
		identity:     id,
		policy:       digestPolicy(opts.SHA256Only),
		entitlements: ents,
		jobs:         jobs,
	}, nil
}

// signLoose signs a single Mach-O file.
func (s *signer) signLoose(ctx context.Context) error {
	src := s.opts.Path
	dst := s.opts.Output
	if dst == "" {
		dst = src
	}
	if !isMachO(src) {
		return newError(KindInvalidInput, src, "not a Mach-O file")
	}
	id := s.opts.BundleID
	if id == "" {
		id = filepath.Base(src)
	}
	job := &fileJob{
		identity:     s.identity,
		policy:       s.policy,
		identifier:   id,
		entitlements: s.entitlements,
		dylibs:       s.opts.Dylibs,
		weak:         s.opts.WeakInject,
		force:        s.opts.Force,
	}
	return signFile(ctx, src, dst, job)
}

func (s *signer) signDir(ctx context.Context) error {
	root := s.opts.Path
	if out := s.opts.Output; out != "" && filepath.Clean(out) != filepath.Clean(root) {
		if err := CopyAppBundle(root, out); err != nil {
			return classify(KindInvalidInput, out, fmt.Errorf("failed to copy bundle: %w", err))
		}
		root = out
	}
	_, err := s.signBundle(ctx, root)
	return err
}

func (s *signer) signIPA(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	dir, err := ExtractIPA(s.opts.Path, s.opts.TempDir)
	if err != nil {
		return classify(KindInvalidInput, s.opts.Path, err)
	}
	defer os.RemoveAll(dir)
	log.Debug().Str("dir", dir).Msg("extracted archive")

	app, err := FindAppBundle(dir)
	if err != nil {
		return classify(KindInvalidInput, s.opts.Path, err)
	}
	if _, err := s.signBundle(ctx, app); err != nil {
		return err
	}

	out := s.opts.Output
	if out == "" {
		out = s.opts.Path
	}
	if err := RepackageIPA(dir, out); err != nil {
		return classify(KindSigningFailed, out, fmt.Errorf("failed to repackage IPA: %w", err))
	}
	log.Info().Str("path", out).Msg("archive written")
	return nil
}

// signBundle signs the bundle at root in post-order and returns its tree.
func (s *signer) signBundle(ctx context.Context, root string) (*Component, error) {
	log := zerolog.Ctx(ctx)

	tree, err := BuildTree(root)
	if err != nil {
		return nil, classify(KindInvalidInput, root, err)
	}
	staged, refs := s.planDylibs(root)
	if !s.opts.Force {
		if err := preflight(tree, staged); err != nil {
			return nil, err
		}
	}
	if len(staged) > 0 {
		if err := copyDylibs(staged); err != nil {
			return nil, err
		}
		// staged dylibs become components and are always re-signed
		if tree, err = BuildTree(root); err != nil {
			return nil, classify(KindInvalidInput, root, err)
		}
	}
	if err := s.rewriteMetadata(ctx, tree); err != nil {
		return nil, err
	}

	log.Info().
		Str("bundle", root).
		Int("components", len(tree.PostOrder())).
		Bool("adhoc", s.identity.IsAdHoc()).
		Msg("signing bundle")
	if err := s.signComponent(ctx, tree, tree, refs); err != nil {
		return nil, err
	}
	return tree, nil
}

// planDylibs maps injected dylibs that exist on disk to their copy in the
// bundle root. refs are the load command paths to inject.
func (s *signer) planDylibs(root string) (staged map[string]string, refs []string) {
	staged = make(map[string]string)
	for _, d := range s.opts.Dylibs {
		st, err := os.Stat(d)
		if err != nil || st.IsDir() {
			refs = append(refs, d)
			continue
		}
		name := filepath.Base(d)
		staged[filepath.Join(root, name)] = d
		refs = append(refs, "@executable_path/"+name)
	}
	return staged, refs
}

func copyDylibs(staged map[string]string) error {
	for dst, src := range staged {
		data, err := os.ReadFile(src)
		if err != nil {
			return classify(KindInvalidInput, src, err)
		}
		if err := atomicfile.WriteFile(dst, data); err != nil {
			return classify(KindInvalidInput, src, fmt.Errorf("failed to copy dylib: %w", err))
		}
	}
	return nil
}

// preflight fails with AlreadySigned when any component other than a staged
// dylib is signed. It runs before anything is modified.
func preflight(tree *Component, staged map[string]string) error {
	for _, c := range tree.PostOrder() {
		if _, ok := staged[c.Path]; ok {
			continue
		}
		if c.Executable == "" || !isMachO(c.Executable) {
			continue
		}
		signed, err := isSigned(c.Executable)
		if err != nil {
			return classify(KindMalformedBinary, c.Executable, err)
		}
		if signed {
			return newError(KindAlreadySigned, c.Executable, "use force to re-sign")
		}
	}
	return nil
}

func (s *signer) rewriteMetadata(ctx context.Context, tree *Component) error {
	meta := bundleMetadata{
		BundleID:      s.opts.BundleID,
		BundleName:    s.opts.BundleName,
		BundleVersion: s.opts.BundleVersion,
	}
	if meta.empty() {
		return nil
	}
	log := zerolog.Ctx(ctx)
	if tree.InfoPlist == "" {
		log.Warn().Str("bundle", tree.Path).Msg("no Info.plist, metadata overrides ignored")
		return nil
	}

	oldID := bundleID(tree.InfoPlist)
	if err := rewriteRootMetadata(tree.InfoPlist, meta); err != nil {
		return classify(KindInvalidInput, tree.InfoPlist, err)
	}
	tree.State = StateMetadataRewritten
	log.Debug().Str("old", oldID).Str("new", meta.BundleID).Msg("rewrote root metadata")

	if meta.BundleID == "" || oldID == "" || oldID == meta.BundleID {
		return nil
	}
	for _, c := range tree.PostOrder() {
		if c == tree || c.InfoPlist == "" {
			continue
		}
		if err := rewriteNestedMetadata(c.InfoPlist, oldID, meta.BundleID); err != nil {
			return classify(KindInvalidInput, c.InfoPlist, err)
		}
		c.State = StateMetadataRewritten
	}
	return nil
}

// signComponent signs c after all of its children.
func (s *signer) signComponent(ctx context.Context, c, root *Component, dylibs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.jobs)
	for _, child := range c.Children {
		child := child
		g.Go(func() error { return s.signComponent(gctx, child, root, nil) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.Kind == ComponentDylib {
		return s.signDylib(ctx, c)
	}
	return s.signBundleDir(ctx, c, root, dylibs)
}

func (s *signer) signDylib(ctx context.Context, c *Component) error {
	if !isMachO(c.Path) {
		zerolog.Ctx(ctx).Warn().Str("path", c.Path).Msg("not a Mach-O file, skipping")
		return nil
	}
	job := &fileJob{
		identity:   s.identity,
		policy:     s.policy,
		identifier: strings.TrimSuffix(filepath.Base(c.Path), ".dylib"),
		force:      true,
	}
	if err := signFile(ctx, c.Path, c.Path, job); err != nil {
		return err
	}
	c.State = StateSigned
	return nil
}

func (s *signer) signBundleDir(ctx context.Context, c, root *Component, dylibs []string) error {
	log := zerolog.Ctx(ctx).With().Str("component", c.Rel(root)).Str("kind", c.Kind.String()).Logger()
	ctx = log.WithContext(ctx)

	if c.Executable == "" || !isMachO(c.Executable) {
		log.Warn().Msg("no Mach-O executable, skipping")
		return nil
	}
	if err := os.RemoveAll(filepath.Join(c.Path, "_CodeSignature")); err != nil {
		return classify(KindSigningFailed, c.Path, fmt.Errorf("failed to remove old _CodeSignature: %w", err))
	}
	if c == root && (c.Kind == ComponentApp || c.Kind == ComponentAppex) &&
		!s.identity.IsAdHoc() && len(s.identity.ProfileData) > 0 {
		dst := filepath.Join(c.Path, "embedded.mobileprovision")
		if err := atomicfile.WriteFile(dst, s.identity.ProfileData); err != nil {
			return classify(KindSigningFailed, dst, fmt.Errorf("failed to write embedded.mobileprovision: %w", err))
		}
	}

	if len(dylibs) > 0 {
		c.State = StateInjected
	}
	exec, err := filepath.Rel(c.Path, c.Executable)
	if err != nil {
		return classify(KindInvalidInput, c.Executable, err)
	}
	codeResources, err := writeCodeResources(c.Path, filepath.ToSlash(exec))
	if err != nil {
		return classify(KindSigningFailed, c.Path, err)
	}
	var info []byte
	if c.InfoPlist != "" {
		if info, err = os.ReadFile(c.InfoPlist); err != nil {
			return classify(KindInvalidInput, c.InfoPlist, err)
		}
	}

	id := bundleID(c.InfoPlist)
	if id == "" {
		base := filepath.Base(c.Path)
		id = strings.TrimSuffix(base, filepath.Ext(base))
	}
	job := &fileJob{
		identity:      s.identity,
		policy:        s.policy,
		identifier:    id,
		entitlements:  s.entitlementsFor(c),
		infoPlist:     info,
		codeResources: codeResources,
		dylibs:        dylibs,
		weak:          s.opts.WeakInject,
		// preflight already rejected signed components
		force: true,
	}
	if err := signFile(ctx, c.Executable, c.Executable, job); err != nil {
		return err
	}
	c.State = StateSigned
	return nil
}

// entitlementsFor returns the entitlements embedded into a bundle
// executable: the run entitlements for applications and extensions, an
// empty dictionary for frameworks and test bundles.
func (s *signer) entitlementsFor(c *Component) []byte {
	switch c.Kind {
	case ComponentFramework, ComponentXCTest:
		if s.entitlements == nil {
			return nil
		}
		return []byte(emptyEntitlements)
	}
	return s.entitlements
}
