package codesign

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestReplacePrefix(t *testing.T) {
	tests := []struct {
		id     string
		want   string
		wantOK bool
	}{
		{"com.example.app", "com.new", true},
		{"com.example.app.share", "com.new.share", true},
		{"com.example.application", "com.example.application", false},
		{"org.other", "org.other", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, ok := replacePrefix(tt.id, "com.example.app", "com.new")
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestRewriteRootMetadata(t *testing.T) {
	dir := t.TempDir()
	writeInfoPlist(t, dir, map[string]interface{}{
		"CFBundleIdentifier": "com.example.app",
		"CFBundleVersion":    "1",
	})
	path := filepath.Join(dir, "Info.plist")

	require.NoError(t, rewriteRootMetadata(path, bundleMetadata{BundleName: "Renamed", BundleVersion: "3.1"}))

	info, err := readPlistFile(path)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", info["CFBundleIdentifier"])
	assert.Equal(t, "Renamed", info["CFBundleDisplayName"])
	_, hasName := info["CFBundleName"]
	assert.False(t, hasName, "CFBundleName is only replaced when present")
	assert.Equal(t, "3.1", info["CFBundleVersion"])
	assert.Equal(t, "3.1", info["CFBundleShortVersionString"])
}

func TestRewriteRootMetadata_KeepsBinaryFormat(t *testing.T) {
	dir := t.TempDir()
	data, err := plist.Marshal(map[string]interface{}{"CFBundleIdentifier": "com.example.app"}, plist.BinaryFormat)
	require.NoError(t, err)
	path := filepath.Join(dir, "Info.plist")
	writeFile(t, path, data)

	require.NoError(t, rewriteRootMetadata(path, bundleMetadata{BundleID: "com.new"}))

	out, err := os.ReadFile(path)
	require.NoError(t, err)
	var info map[string]interface{}
	format, err := plist.Unmarshal(out, &info)
	require.NoError(t, err)
	assert.Equal(t, plist.BinaryFormat, format)
	assert.Equal(t, "com.new", info["CFBundleIdentifier"])
}

func TestRewriteRootMetadata_Unchanged(t *testing.T) {
	dir := t.TempDir()
	// an OpenStep plist is only rewritten, as XML, when something changes
	writeFile(t, filepath.Join(dir, "Info.plist"), []byte(`{ CFBundleIdentifier = "com.example.app"; }`))
	path := filepath.Join(dir, "Info.plist")

	require.NoError(t, rewriteRootMetadata(path, bundleMetadata{BundleID: "com.example.app"}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{ CFBundleIdentifier = "com.example.app"; }`, string(data))
}

func TestRewriteNestedMetadata(t *testing.T) {
	dir := t.TempDir()
	writeInfoPlist(t, dir, map[string]interface{}{
		"CFBundleIdentifier":             "com.example.app.watchkitapp",
		"WKCompanionAppBundleIdentifier": "com.example.app",
		"NSExtension": map[string]interface{}{
			"NSExtensionAttributes": map[string]interface{}{
				"WKAppBundleIdentifier": "com.example.app.watchkitapp",
			},
		},
	})
	path := filepath.Join(dir, "Info.plist")

	require.NoError(t, rewriteNestedMetadata(path, "com.example.app", "com.new"))

	info, err := readPlistFile(path)
	require.NoError(t, err)
	assert.Equal(t, "com.new.watchkitapp", info["CFBundleIdentifier"])
	assert.Equal(t, "com.new", info["WKCompanionAppBundleIdentifier"])
	attrs := info["NSExtension"].(map[string]interface{})["NSExtensionAttributes"].(map[string]interface{})
	assert.Equal(t, "com.new.watchkitapp", attrs["WKAppBundleIdentifier"])
}

func TestBundleID(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, bundleID(""))
	assert.Empty(t, bundleID(filepath.Join(dir, "missing.plist")))

	writeInfoPlist(t, dir, map[string]interface{}{"CFBundleIdentifier": "com.example.app"})
	assert.Equal(t, "com.example.app", bundleID(filepath.Join(dir, "Info.plist")))
}
