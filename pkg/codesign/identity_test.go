package codesign

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gop12 "software.sslmate.com/src/go-pkcs12"
)

func selfSigned(t *testing.T, key *rsa.PrivateKey, serial int64) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "Other", OrganizationalUnit: []string{"OTHER12345"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestLoadIdentity_KeyAndProfile(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	id := creds.identity(t)

	assert.False(t, id.IsAdHoc())
	assert.True(t, id.Certificate.Equal(creds.cert))
	assert.Equal(t, testTeamID, id.TeamID)
	assert.Equal(t, "Apple Development: Test ("+testTeamID+")", id.CommonName())
	assert.Equal(t, creds.profile, id.ProfileData)
	require.NotNil(t, id.Profile)
	assert.Equal(t, "Test Profile", id.Profile.Name)
	// a self-signed leaf gets no Apple parents
	assert.Len(t, id.CertChain, 1)
}

func TestLoadIdentity_PEM(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(creds.key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: creds.cert.Raw})

	id, err := LoadIdentity(IdentityOptions{Key: append(keyPEM, certPEM...)})
	require.NoError(t, err)
	assert.True(t, id.Certificate.Equal(creds.cert))
	assert.Nil(t, id.Profile)

	id, err = LoadIdentity(IdentityOptions{Key: keyPEM, Cert: creds.cert.Raw})
	require.NoError(t, err)
	assert.Equal(t, testTeamID, id.TeamID)
}

func TestLoadIdentity_SuppliedChain(t *testing.T) {
	root, rootKey := issueCert(t, nil, nil, "Test Root", true, 1)
	leaf, leafKey := issueCert(t, root, rootKey, "Apple Development: Test", false, 2)
	var data []byte
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: root.Raw})...)

	id, err := LoadIdentity(IdentityOptions{Key: data})
	require.NoError(t, err)
	require.Len(t, id.CertChain, 2)
	assert.True(t, id.CertChain[0].Equal(leaf))
	assert.True(t, id.CertChain[1].Equal(root))
}

func TestExtendChain(t *testing.T) {
	root, rootKey := issueCert(t, nil, nil, "Test Root", true, 1)
	inter, interKey := issueCert(t, root, rootKey, "Test Intermediate", true, 2)
	leaf, _ := issueCert(t, inter, interKey, "Leaf", false, 3)
	otherRoot, otherKey := issueCert(t, nil, nil, "Other Root", true, 4)
	other, _ := issueCert(t, otherRoot, otherKey, "Other Leaf", false, 5)
	issuers := []*x509.Certificate{inter, root}

	tests := []struct {
		name  string
		chain []*x509.Certificate
		want  []*x509.Certificate
	}{
		{"leaf only", []*x509.Certificate{leaf}, []*x509.Certificate{leaf, inter, root}},
		{"intermediate supplied", []*x509.Certificate{leaf, inter}, []*x509.Certificate{leaf, inter, root}},
		{"complete", []*x509.Certificate{leaf, inter, root}, []*x509.Certificate{leaf, inter, root}},
		{"foreign issuer", []*x509.Certificate{other}, []*x509.Certificate{other}},
		{"foreign chain", []*x509.Certificate{other, otherRoot}, []*x509.Certificate{other, otherRoot}},
		{"self-signed", []*x509.Certificate{root}, []*x509.Certificate{root}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extendChain(append([]*x509.Certificate(nil), tt.chain...), issuers)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.True(t, got[i].Equal(tt.want[i]), "certificate %d", i)
			}
		})
	}
}

func TestGetAppleCACertificates(t *testing.T) {
	certs, err := getAppleCACertificates()
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.Equal(t, certs[1].RawSubject, certs[0].RawIssuer, "WWDR G3 is issued by the Apple Root CA")
	assert.Equal(t, certs[1].RawIssuer, certs[1].RawSubject)
}

func TestLoadIdentity_EncryptedPEM(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	//nolint:staticcheck // legacy OpenSSL PEM encryption
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(creds.key), []byte("secret"), x509.PEMCipherAES256)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(block)

	_, err = LoadIdentity(IdentityOptions{Key: keyPEM, Cert: creds.cert.Raw})
	assert.ErrorIs(t, err, ErrPasswordRequired)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = LoadIdentity(IdentityOptions{Key: keyPEM, Cert: creds.cert.Raw, Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	id, err := LoadIdentity(IdentityOptions{Key: keyPEM, Cert: creds.cert.Raw, Password: "secret"})
	require.NoError(t, err)
	assert.True(t, id.Certificate.Equal(creds.cert))
}

func TestLoadIdentity_P12(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	p12, err := gop12.Modern.Encode(creds.key, creds.cert, nil, "secret")
	require.NoError(t, err)

	id, err := LoadIdentity(IdentityOptions{Key: p12, Password: "secret", Profile: creds.profile})
	require.NoError(t, err)
	assert.True(t, id.Certificate.Equal(creds.cert))

	_, err = LoadIdentity(IdentityOptions{Key: p12})
	assert.ErrorIs(t, err, ErrPasswordRequired)

	_, err = LoadIdentity(IdentityOptions{Key: p12, Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadIdentity_KeyMismatch(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = LoadIdentity(IdentityOptions{Key: x509.MarshalPKCS1PrivateKey(other), Cert: creds.cert.Raw})
	assert.ErrorIs(t, err, ErrSigningFailed)

	_, err = LoadIdentity(IdentityOptions{Key: x509.MarshalPKCS1PrivateKey(other), Profile: creds.profile})
	assert.ErrorIs(t, err, ErrSigningFailed)
}

func TestLoadIdentity_CertificateNotInProfile(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	cert := selfSigned(t, creds.key, 99)

	_, err := LoadIdentity(IdentityOptions{
		Key:     x509.MarshalPKCS1PrivateKey(creds.key),
		Cert:    cert.Raw,
		Profile: creds.profile,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoadIdentity_ExpiredProfile(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(-time.Hour))
	_, err := LoadIdentity(IdentityOptions{Key: x509.MarshalPKCS1PrivateKey(creds.key), Profile: creds.profile})
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "expired")

	_, err = LoadIdentity(IdentityOptions{
		Key:     x509.MarshalPKCS1PrivateKey(creds.key),
		Profile: creds.profile,
		Now:     time.Now().Add(-2 * time.Hour),
	})
	assert.NoError(t, err)
}

func TestLoadIdentity_AdHoc(t *testing.T) {
	id, err := LoadIdentity(IdentityOptions{AdHoc: true})
	require.NoError(t, err)
	assert.True(t, id.IsAdHoc())
	assert.Empty(t, id.CommonName())

	assert.True(t, AdHoc().IsAdHoc())
	var nilID *SigningIdentity
	assert.True(t, nilID.IsAdHoc())
}

func TestLoadIdentity_Missing(t *testing.T) {
	_, err := LoadIdentity(IdentityOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = LoadIdentity(IdentityOptions{Key: []byte("garbage")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = LoadIdentity(IdentityOptions{Profile: []byte("not a profile")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestExtractTeamID(t *testing.T) {
	creds := newCredentials(t, time.Now().Add(time.Hour))
	assert.Equal(t, testTeamID, extractTeamID(creds.cert))
	assert.Empty(t, extractTeamID(&x509.Certificate{}))
}
