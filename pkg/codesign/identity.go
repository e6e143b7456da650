package codesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-zsign/pkg/cms"
)

// Apple Root CA (DER, base64)
const appleRootCABase64 = `MIIEuzCCA6OgAwIBAgIBAjANBgkqhkiG9w0BAQUFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMDYwNDI1MjE0MDM2WhcNMzUwMjA5MjE0MDM2WjBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IBDwAwggEKAoIBAQDkkakJH5HbHkdQ6wXtXnmELes2oldMVeyLGYne+Uts9QerIjAC6Bg++FAJ039BqJj50cpmnCRrEdCju+QbKsMflZ56DKRHi1vUFjczy8QPTc4UadHJGXL1XQ7Vf1+b8iUDulWPTV0N8WQ1IxVLFVkds5T39pyez1C6wVhQZ48ItCD3y6wsIG9wtj8BMIy3Q88PnT3zK0koGsj+zrW5DtleHNbLPbU6rfQPDgCSC7EhFi501TwN22IWq6NxkkdTVcGvL0Gz+PvjcM3mo0xFfh9Ma1CWQYnEdGILEINBhzOKgbEwWOxaBDKMaLOPHd5lc/9nXmW8Sdh2nzMUZaF3lMktAgMBAAGjggF6MIIBdjAOBgNVHQ8BAf8EBAMCAQYwDwYDVR0TAQH/BAUwAwEB/zAdBgNVHQ4EFgQUK9BpR5R2Cf70a40uQKb3R01/CF4wHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wggERBgNVHSAEggEIMIIBBDCCAQAGCSqGSIb3Y2QFATCB8jAqBggrBgEFBQcCARYeaHR0cHM6Ly93d3cuYXBwbGUuY29tL2FwcGxlY2EvMIHDBggrBgEFBQcCAjCBthqBs1JlbGlhbmNlIG9uIHRoaXMgY2VydGlmaWNhdGUgYnkgYW55IHBhcnR5IGFzc3VtZXMgYWNjZXB0YW5jZSBvZiB0aGUgdGhlbiBhcHBsaWNhYmxlIHN0YW5kYXJkIHRlcm1zIGFuZCBjb25kaXRpb25zIG9mIHVzZSwgY2VydGlmaWNhdGUgcG9saWN5IGFuZCBjZXJ0aWZpY2F0aW9uIHByYWN0aWNlIHN0YXRlbWVudHMuMA0GCSqGSIb3DQEBBQUAA4IBAQBcNplMLXi37Yyb3PN3m/J20ncwT8EfhYOFG5k9RzfyqZtAjizUsZAS2L70c5vu0mQPy3lPNNiiPvl4/2vIB+x9OYOLUyDTOMSxv5pPCmv/K/xZpwUJfBdAVhEedNO3iyM7R6PVbyTi69G3cN8PReEnyvFteO3ntRcXqNx+IjXKJdXZD9Zr1KIkIxH3oayPc4FgxhtbCS+SsvhESPBgOJ4V9T0mZyCKM2r3DYLP3uujL/lTaltkwGMzd/c6ByxW69oPIQ7aunMZT7XZNn/Bh1XZp5m5MkL72NVxnn6hUrcbvZNCJBIqxw8dtk2cXmPIS4AXUKqK1drk/NAJBzewdXUh`

// Apple Worldwide Developer Relations CA - G3 (DER, base64). Issues iOS
// development and distribution certificates.
const appleWWDRG3Base64 = `MIIEUTCCAzmgAwIBAgIQfK9pCiW3Of57m0R6wXjF7jANBgkqhkiG9w0BAQsFADBiMQswCQYDVQQGEwJVUzETMBEGA1UEChMKQXBwbGUgSW5jLjEmMCQGA1UECxMdQXBwbGUgQ2VydGlmaWNhdGlvbiBBdXRob3JpdHkxFjAUBgNVBAMTDUFwcGxlIFJvb3QgQ0EwHhcNMjAwMjE5MTgxMzQ3WhcNMzAwMjIwMDAwMDAwWjB1MUQwQgYDVQQDDDtBcHBsZSBXb3JsZHdpZGUgRGV2ZWxvcGVyIFJlbGF0aW9ucyBDZXJ0aWZpY2F0aW9uIEF1dGhvcml0eTELMAkGA1UECwwCRzMxEzARBgNVBAoMCkFwcGxlIEluYy4xCzAJBgNVBAYTAlVTMIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA2PWJ/KhZC4fHTJEuLVaQ03gdpDDppUjvC0O/LYT7JF1FG+XrWTYSXFRknmxiLbTGl8rMPPbWBpH85QKmHGq0edVny6zpPwcR4YS8Rx1mjjmi6LRJ7TrS4RBgeo6TjMrA2gzAg9Dj+ZHWp4zIwXPirkbRYp2SqJBgN31ols2N4Pyb+ni743uvLRfdW/6AWSN1F7gSwe0b5TTO/iK1nkmw5VW/j4SiPKi6xYaVFuQAyZ8D0MyzOhZ71gVcnetHrg21LYwOaU1A0EtMOwSejSGxrC5DVDDOwYqGlJhL32oNP/77HK6XF8J4CjDgXx9UO0m3JQAaN4LSVpelUkl8YDib7wIDAQABo4HvMIHsMBIGA1UdEwEB/wQIMAYBAf8CAQAwHwYDVR0jBBgwFoAUK9BpR5R2Cf70a40uQKb3R01/CF4wRAYIKwYBBQUHAQEEODA2MDQGCCsGAQUFBzABhihodHRwOi8vb2NzcC5hcHBsZS5jb20vb2NzcDAzLWFwcGxlcm9vdGNhMC4GA1UdHwQnMCUwI6AhoB+GHWh0dHA6Ly9jcmwuYXBwbGUuY29tL3Jvb3QuY3JsMB0GA1UdDgQWBBQJ/sAVkPmvZAqSErkmKGMMl+ynsjAOBgNVHQ8BAf8EBAMCAQYwEAYKKoZIhvdjZAYCAQQCBQAwDQYJKoZIhvcNAQELBQADggEBAK1lE+j24IF3RAJHQr5fpTkg6mKp/cWQyXMT1Z6b0KoPjY3L7QHPbChAW8dVJEH4/M/BtSPp3Ozxb8qAHXfCxGFJJWevD8o5Ja3T43rMMygNDi6hV0Bz+uZcrgZRKe3jhQxPYdwyFot30ETKXXIDMUacrptAGvr04NM++i+MZp+XxFRZ79JI9AeZSWBZGcfdlNHAwWx/eCHvDOs7bJmCS1JgOLU5gm3sUjFTvg+RTElJdI+mUcuER04ddSduvfnSXPN/wmwLCTbiZOTCNwMUGdXqapSqqdv+9poIZ4vvK7iqF0mDr8/LvOnP6pVxsLRFoszlh6oKw0E6eVzaUDSdlTs=`

// ErrPasswordRequired reports an encrypted key or PKCS#12 file loaded
// without a password.
var ErrPasswordRequired = errors.New("private key is encrypted, password required")

// getAppleCACertificates returns WWDR G3 and the Apple Root CA, in chain order.
func getAppleCACertificates() ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, b64 := range []string{appleWWDRG3Base64, appleRootCABase64} {
		der, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode Apple CA: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Apple CA: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// SigningIdentity is either ad-hoc (no Certificate) or a certificate and its
// private key. It is built once per run and shared read-only by every
// component signer.
type SigningIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	// CertChain starts with Certificate.
	CertChain []*x509.Certificate
	TeamID    string

	Profile *ProvisioningProfile
	// ProfileData is the raw profile written as embedded.mobileprovision.
	ProfileData []byte
}

// AdHoc returns an identity that signs without a certificate.
func AdHoc() *SigningIdentity {
	return &SigningIdentity{}
}

// IsAdHoc reports whether signing uses no certificate.
func (id *SigningIdentity) IsAdHoc() bool {
	return id == nil || id.Certificate == nil
}

// CommonName is the subject CN used by the designated requirement.
func (id *SigningIdentity) CommonName() string {
	if id.IsAdHoc() {
		return ""
	}
	return id.Certificate.Subject.CommonName
}

func (id *SigningIdentity) cmsIdentity() *cms.Identity {
	ci := &cms.Identity{Certificate: id.Certificate, Key: id.PrivateKey}
	if len(id.CertChain) > 1 {
		ci.Chain = id.CertChain[1:]
	}
	return ci
}

// completeChain appends the Apple intermediate and root above the supplied
// chain when Apple issued its last certificate.
func (id *SigningIdentity) completeChain() error {
	apple, err := getAppleCACertificates()
	if err != nil {
		return err
	}
	id.CertChain = extendChain(id.CertChain, apple)
	return nil
}

// extendChain appends each of issuers, given in chain order, that signed
// the current end of chain. A self-issued end stops the walk.
func extendChain(chain, issuers []*x509.Certificate) []*x509.Certificate {
	for _, ca := range issuers {
		last := chain[len(chain)-1]
		if bytes.Equal(last.RawIssuer, last.RawSubject) {
			break
		}
		if containsCert(chain, ca) {
			continue
		}
		if last.CheckSignatureFrom(ca) == nil {
			chain = append(chain, ca)
		}
	}
	return chain
}

func containsCert(chain []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range chain {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// IdentityOptions are the raw inputs of LoadIdentity.
type IdentityOptions struct {
	AdHoc bool
	// Key is a PEM or DER private key, or a PKCS#12 file holding key and
	// certificate.
	Key      []byte
	Password string
	// Cert is a PEM or DER certificate. Optional when Key is PKCS#12 or the
	// profile carries a matching certificate.
	Cert    []byte
	Profile []byte
	// Now overrides the clock used for profile expiry.
	Now time.Time
}

// LoadIdentity decodes the key material and provisioning profile. A wrong
// password is an InvalidInput error; a key that does not belong to the
// certificate is SigningFailed.
func LoadIdentity(opts IdentityOptions) (*SigningIdentity, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	var profile *ProvisioningProfile
	if len(opts.Profile) > 0 {
		var err error
		profile, err = ParseProvisioningProfile(opts.Profile)
		if err != nil {
			return nil, &Error{Kind: KindInvalidInput, Err: err}
		}
		if profile.ExpiredAt(now) {
			return nil, newError(KindInvalidInput, "", "provisioning profile %q expired on %s",
				profile.Name, profile.ExpirationDate.Format("2006-01-02"))
		}
	}
	if opts.AdHoc {
		return &SigningIdentity{Profile: profile, ProfileData: opts.Profile}, nil
	}
	if len(opts.Key) == 0 {
		return nil, newError(KindInvalidInput, "", "private key is required unless signing ad-hoc")
	}

	key, cert, chain, err := decodeKeyMaterial(opts.Key, opts.Password)
	if err != nil {
		return nil, classify(KindInvalidInput, "", fmt.Errorf("failed to load private key: %w", err))
	}
	if cert == nil && len(opts.Cert) > 0 {
		certs, err := parseCertificates(opts.Cert)
		if err != nil {
			return nil, classify(KindInvalidInput, "", fmt.Errorf("failed to load certificate: %w", err))
		}
		cert, chain = certs[0], certs[1:]
	}
	if cert == nil && profile != nil {
		cert = profile.CertificateFor(key)
		if cert == nil {
			return nil, newError(KindSigningFailed, "", "no certificate in provisioning profile matches the private key")
		}
	}
	if cert == nil {
		return nil, newError(KindInvalidInput, "", "no certificate supplied")
	}

	id := &SigningIdentity{
		Certificate: cert,
		PrivateKey:  key,
		CertChain:   append([]*x509.Certificate{cert}, chain...),
		TeamID:      extractTeamID(cert),
		Profile:     profile,
		ProfileData: opts.Profile,
	}
	if err := id.cmsIdentity().CheckKey(); err != nil {
		return nil, &Error{Kind: KindSigningFailed, Err: err}
	}
	if profile != nil {
		if !profile.MatchesCertificate(cert) {
			return nil, newError(KindInvalidInput, "", "certificate %q is not part of the provisioning profile", cert.Subject.CommonName)
		}
		if id.TeamID == "" {
			id.TeamID = profile.TeamID()
		}
	}
	if err := id.completeChain(); err != nil {
		return nil, classify(KindInvalidInput, "", fmt.Errorf("failed to build certificate chain: %w", err))
	}
	return id, nil
}

// decodeKeyMaterial accepts PEM (keys and certificates in any order), DER
// PKCS#1/PKCS#8/EC keys and PKCS#12. cert is nil unless the input carried
// one.
func decodeKeyMaterial(data []byte, password string) (key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, err error) {
	if bytes.Contains(data, []byte("-----BEGIN")) {
		return decodePEM(data, password)
	}
	if k, err := parsePrivateKey(data); err == nil {
		return k, nil, nil, nil
	}
	priv, leaf, caCerts, err := gop12.DecodeChain(data, password)
	if err != nil {
		if errors.Is(err, gop12.ErrIncorrectPassword) && password == "" {
			return nil, nil, nil, ErrPasswordRequired
		}
		return nil, nil, nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, nil, nil, fmt.Errorf("unsupported P12 key type %T", priv)
	}
	return signer, leaf, caCerts, nil
}

func decodePEM(data []byte, password string) (key crypto.Signer, cert *x509.Certificate, chain []*x509.Certificate, err error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			c, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			if cert == nil {
				cert = c
			} else {
				chain = append(chain, c)
			}
		case "RSA PRIVATE KEY", "PRIVATE KEY", "EC PRIVATE KEY":
			der := block.Bytes
			//nolint:staticcheck // legacy OpenSSL PEM encryption
			if x509.IsEncryptedPEMBlock(block) {
				if password == "" {
					return nil, nil, nil, ErrPasswordRequired
				}
				//nolint:staticcheck
				if der, err = x509.DecryptPEMBlock(block, []byte(password)); err != nil {
					return nil, nil, nil, err
				}
			}
			if key, err = parsePrivateKey(der); err != nil {
				return nil, nil, nil, err
			}
		case "ENCRYPTED PRIVATE KEY":
			return nil, nil, nil, errors.New("encrypted PKCS#8 keys are not supported, use a PKCS#12 file")
		}
	}
	if key == nil {
		return nil, nil, nil, errors.New("no private key found in PEM data")
	}
	return key, cert, chain, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	var key interface{}
	var err error
	if key, err = x509.ParsePKCS1PrivateKey(der); err != nil {
		if key, err = x509.ParsePKCS8PrivateKey(der); err != nil {
			if key, err = x509.ParseECPrivateKey(der); err != nil {
				return nil, errors.New("failed to parse private key")
			}
		}
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// parseCertificates accepts one or more PEM or DER certificates, leaf
// first.
func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		// concatenated DER, leaf first
		certs, err := x509.ParseCertificates(data)
		if err == nil && len(certs) == 0 {
			err = errors.New("no certificate found")
		}
		return certs, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found in PEM data")
	}
	return certs, nil
}

// extractTeamID returns the 10 character organizational unit Apple uses for
// the team identifier.
func extractTeamID(cert *x509.Certificate) string {
	for _, ou := range cert.Subject.OrganizationalUnit {
		if len(ou) == 10 {
			return ou
		}
	}
	return ""
}
