package codesign

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zipDir archives the contents of dir into a new file.
func zipDir(t *testing.T, dir, out string) {
	t.Helper()
	f, err := os.Create(out)
	require.NoError(t, err)
	defer f.Close()
	w := zip.NewWriter(f)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		zw, err := w.CreateHeader(hdr)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = zw.Write(data)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func writeTestIPA(t *testing.T) string {
	t.Helper()
	staging := t.TempDir()
	writeTestApp(t, filepath.Join(staging, "Payload"))
	ipa := filepath.Join(t.TempDir(), "Test.ipa")
	zipDir(t, staging, ipa)
	return ipa
}

func TestSignIPA(t *testing.T) {
	ipa := writeTestIPA(t)
	out := filepath.Join(t.TempDir(), "Signed.ipa")
	tmp := t.TempDir()

	require.NoError(t, Sign(context.Background(), Options{Path: ipa, Output: out, TempDir: tmp, BundleID: "com.new.app"}))

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "extraction directory is removed")

	dir, err := ExtractIPA(out, "")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	app, err := FindAppBundle(dir)
	require.NoError(t, err)
	assert.Equal(t, "Test.app", filepath.Base(app))
	assert.Equal(t, "com.new.app", readInfo(t, app)["CFBundleIdentifier"])
	_, err = VerifyBundle(context.Background(), app, VerifyOptions{})
	require.NoError(t, err)

	assert.NoError(t, Sign(context.Background(), Options{Path: out, CheckSignature: true}))
	assert.Equal(t, -2, Code(Sign(context.Background(), Options{Path: ipa, CheckSignature: true})))
}

func TestSignIPA_InPlace(t *testing.T) {
	ipa := writeTestIPA(t)
	require.NoError(t, Sign(context.Background(), Options{Path: ipa}))
	assert.NoError(t, Sign(context.Background(), Options{Path: ipa, CheckSignature: true}))
}

func TestExtractIPA_ZipSlip(t *testing.T) {
	ipa := filepath.Join(t.TempDir(), "evil.ipa")
	f, err := os.Create(ipa)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	zw, err := w.Create("../evil.txt")
	require.NoError(t, err)
	_, err = zw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	tmp := t.TempDir()
	_, err = ExtractIPA(ipa, tmp)
	require.Error(t, err)
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFindAppBundle_Missing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Payload"), 0755))
	_, err := FindAppBundle(dir)
	assert.Error(t, err)
}

func TestSignIPA_NoPayload(t *testing.T) {
	staging := t.TempDir()
	writeFile(t, filepath.Join(staging, "readme.txt"), []byte("hi"))
	ipa := filepath.Join(t.TempDir(), "Empty.ipa")
	zipDir(t, staging, ipa)

	err := Sign(context.Background(), Options{Path: ipa})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCopyAppBundle(t *testing.T) {
	app := writeTestApp(t, t.TempDir())
	require.NoError(t, os.Symlink("Assets.car", filepath.Join(app, "Link.car")))
	dst := filepath.Join(t.TempDir(), "Copy.app")

	require.NoError(t, CopyAppBundle(app, dst))

	target, err := os.Readlink(filepath.Join(dst, "Link.car"))
	require.NoError(t, err)
	assert.Equal(t, "Assets.car", target)
	data, err := os.ReadFile(filepath.Join(dst, "Frameworks", "Kit.framework", "Kit"))
	require.NoError(t, err)
	orig, err := os.ReadFile(filepath.Join(app, "Frameworks", "Kit.framework", "Kit"))
	require.NoError(t, err)
	assert.Equal(t, orig, data)
}
