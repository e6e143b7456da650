package codesign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacktop/go-macho/types"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-zsign/internal/machotest"
)

const testTeamID = "TEAM123456"

// writeFile creates path and its parent directories.
func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0755))
}

func writeInfoPlist(t *testing.T, dir string, info map[string]interface{}) {
	t.Helper()
	data, err := plist.MarshalIndent(info, plist.XMLFormat, "\t")
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "Info.plist"), data)
}

// writeBundle creates a bundle directory with an Info.plist and an unsigned
// Mach-O executable named after the bundle.
func writeBundle(t *testing.T, dir, bundleID string, typ types.HeaderFileType) string {
	t.Helper()
	base := filepath.Base(dir)
	exec := base[:len(base)-len(filepath.Ext(base))]
	writeInfoPlist(t, dir, map[string]interface{}{
		"CFBundleIdentifier": bundleID,
		"CFBundleExecutable": exec,
		"CFBundleName":       exec,
	})
	writeFile(t, filepath.Join(dir, exec), machotest.Build(machotest.Options{Type: typ}))
	return filepath.Join(dir, exec)
}

// writeTestApp lays out Test.app with a framework, an extension, a loose
// dylib and a resource-only bundle.
func writeTestApp(t *testing.T, root string) string {
	t.Helper()
	app := filepath.Join(root, "Test.app")
	writeBundle(t, app, "com.example.test", types.MH_EXECUTE)
	writeBundle(t, filepath.Join(app, "Frameworks", "Kit.framework"), "com.example.test.kit", types.MH_DYLIB)
	writeBundle(t, filepath.Join(app, "PlugIns", "Share.appex"), "com.example.test.share", types.MH_EXECUTE)
	writeFile(t, filepath.Join(app, "Frameworks", "libhelper.dylib"), machotest.Build(machotest.Options{Type: types.MH_DYLIB}))
	writeFile(t, filepath.Join(app, "Assets.car"), []byte("assets"))
	writeFile(t, filepath.Join(app, "en.lproj", "Localizable.strings"), []byte("\"a\" = \"b\";"))
	writeInfoPlist(t, filepath.Join(app, "Resources.bundle"), map[string]interface{}{"CFBundleIdentifier": "com.example.res"})
	return app
}

type testCredentials struct {
	key     *rsa.PrivateKey
	cert    *x509.Certificate
	profile []byte
}

// newCredentials creates a self-signed development certificate and a
// provisioning profile listing it.
func newCredentials(t *testing.T, expires time.Time) *testCredentials {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject: pkix.Name{
			CommonName:         "Apple Development: Test (" + testTeamID + ")",
			OrganizationalUnit: []string{testTeamID},
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	payload, err := plist.Marshal(map[string]interface{}{
		"Name":                  "Test Profile",
		"TeamIdentifier":        []string{testTeamID},
		"DeveloperCertificates": [][]byte{cert.Raw},
		"ExpirationDate":        expires,
		"ProvisionedDevices":    []string{"00008101-000A1B2C3D4E5F6A"},
		"Entitlements": map[string]interface{}{
			"application-identifier": testTeamID + ".com.example.test",
			"get-task-allow":         true,
			"keychain-access-groups": []interface{}{testTeamID + ".*"},
		},
	}, plist.XMLFormat)
	require.NoError(t, err)
	sd, err := pkcs7.NewSignedData(payload)
	require.NoError(t, err)
	require.NoError(t, sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}))
	profile, err := sd.Finish()
	require.NoError(t, err)

	return &testCredentials{key: key, cert: cert, profile: profile}
}

func (c *testCredentials) identity(t *testing.T) *SigningIdentity {
	t.Helper()
	id, err := LoadIdentity(IdentityOptions{
		Key:     x509.MarshalPKCS1PrivateKey(c.key),
		Profile: c.profile,
	})
	require.NoError(t, err)
	return id
}

// issueCert creates a certificate for a fresh key, signed by parent or
// self-signed when parent is nil.
func issueCert(t *testing.T, parent *x509.Certificate, parentKey *rsa.PrivateKey, cn string, ca bool, serial int64) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, OrganizationalUnit: []string{testTeamID}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: ca,
		IsCA:                  ca,
	}
	if ca {
		tmpl.KeyUsage |= x509.KeyUsageCertSign
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, key.Public(), parentKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}
