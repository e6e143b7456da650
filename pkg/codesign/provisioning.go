package codesign

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile is the plist payload of a .mobileprovision file.
type ProvisioningProfile struct {
	Name                        string       `plist:"Name"`
	TeamName                    string       `plist:"TeamName"`
	TeamIdentifier              []string     `plist:"TeamIdentifier"`
	AppIDName                   string       `plist:"AppIDName"`
	ApplicationIdentifierPrefix []string     `plist:"ApplicationIdentifierPrefix"`
	Entitlements                Entitlements `plist:"Entitlements"`
	DeveloperCertificates       [][]byte     `plist:"DeveloperCertificates"`
	ProvisionedDevices          []string     `plist:"ProvisionedDevices"`
	ProvisionsAllDevices        bool         `plist:"ProvisionsAllDevices"`
	CreationDate                time.Time    `plist:"CreationDate"`
	ExpirationDate              time.Time    `plist:"ExpirationDate"`
	UUID                        string       `plist:"UUID"`
	Platform                    []string     `plist:"Platform"`

	certs []*x509.Certificate
}

// ParseProvisioningProfile decodes a .mobileprovision file, a CMS signed
// container around a plist. The CMS signature itself is not checked.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile container: %w", err)
	}
	p := new(ProvisioningProfile)
	if _, err := plist.Unmarshal(p7.Content, p); err != nil {
		return nil, fmt.Errorf("failed to parse provisioning profile plist: %w", err)
	}
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("provisioning profile certificate %d: %w", i, err)
		}
		p.certs = append(p.certs, cert)
	}
	return p, nil
}

// TeamID is the first team identifier, falling back to the first app id
// prefix for old profiles.
func (p *ProvisioningProfile) TeamID() string {
	switch {
	case len(p.TeamIdentifier) > 0:
		return p.TeamIdentifier[0]
	case len(p.ApplicationIdentifierPrefix) > 0:
		return p.ApplicationIdentifierPrefix[0]
	}
	return ""
}

// AppID is the application-identifier entitlement, possibly a wildcard.
func (p *ProvisioningProfile) AppID() string {
	id, _ := p.Entitlements["application-identifier"].(string)
	return id
}

// Type classifies the profile the way Xcode does.
func (p *ProvisioningProfile) Type() string {
	switch {
	case p.ProvisionsAllDevices:
		return "enterprise"
	case len(p.ProvisionedDevices) == 0:
		return "app-store"
	case p.Entitlements.GetTaskAllow():
		return "development"
	}
	return "ad-hoc"
}

// ExpiredAt reports whether the profile is expired at t. A profile without
// an expiration date never expires.
func (p *ProvisioningProfile) ExpiredAt(t time.Time) bool {
	return !p.ExpirationDate.IsZero() && t.After(p.ExpirationDate)
}

// Certificates returns the developer certificates decoded at parse time.
func (p *ProvisioningProfile) Certificates() []*x509.Certificate {
	return p.certs
}

// MatchesCertificate reports whether cert is one of the developer
// certificates.
func (p *ProvisioningProfile) MatchesCertificate(cert *x509.Certificate) bool {
	for _, c := range p.certs {
		if c.Equal(cert) {
			return true
		}
	}
	return false
}

// CertificateFor returns the developer certificate for the public half of
// key, or nil.
func (p *ProvisioningProfile) CertificateFor(key crypto.Signer) *x509.Certificate {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return nil
	}
	for _, c := range p.certs {
		if pub.Equal(c.PublicKey) {
			return c
		}
	}
	return nil
}

// EntitlementsFor encodes the profile entitlements, retargeted at bundleID
// when it is not empty.
func (p *ProvisioningProfile) EntitlementsFor(bundleID string) ([]byte, error) {
	if p.Entitlements == nil {
		return nil, fmt.Errorf("provisioning profile has no entitlements")
	}
	ents := p.Entitlements
	if bundleID != "" {
		ents = ents.WithBundleID(p.TeamID(), bundleID)
	}
	return ents.XML()
}
