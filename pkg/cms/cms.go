// Package cms produces and checks the detached PKCS#7 signature stored in
// the CMS slot of an embedded code signature.
package cms

import (
	"bytes"
	"crypto"
	"crypto/hmac"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"

	ber "github.com/go-asn1-ber/asn1-ber"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/aluedeke/go-zsign/pkg/csblob"
)

var (
	// ErrKeyMismatch reports a private key that does not belong to the
	// signing certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")
	// ErrNoSignature reports an empty CMS wrapper, i.e. an ad-hoc signature.
	ErrNoSignature = errors.New("no CMS signature (ad-hoc)")
)

// Apple code signing attributes
var (
	oidCDHashesPlist = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 1}
	oidCDHashes2     = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 9, 2}
	oidSHA256        = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
)

// truncated CDHash length used in the cdhashes plist
const cdHashLen = 20

// Identity is the certificate and key material used for CMS signing.
type Identity struct {
	Certificate *x509.Certificate
	Key         crypto.Signer
	// Chain holds the intermediates and root, leaf excluded.
	Chain []*x509.Certificate
}

// SignDirectories implements csblob.CMSSigner.
func (id *Identity) SignDirectories(cds [][]byte) ([]byte, error) {
	return Sign(cds, id)
}

// CheckKey verifies that the key matches the certificate public key.
func (id *Identity) CheckKey() error {
	if id.Certificate == nil || id.Key == nil {
		return fmt.Errorf("%w: certificate and key are required", ErrKeyMismatch)
	}
	pub, ok := id.Key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(id.Certificate.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

type cdHashPlist struct {
	CDHashes [][]byte `plist:"cdhashes"`
}

type cdHashAttrib struct {
	Algorithm asn1.ObjectIdentifier
	Digest    []byte
}

// Sign returns a wrapped detached SignedData over cds[0]. The signed
// attributes carry the truncated CDHash of every directory and the full
// SHA-256 CDHash of every SHA-256 directory.
func Sign(cds [][]byte, id *Identity) ([]byte, error) {
	if len(cds) == 0 {
		return nil, errors.New("no code directory to sign")
	}
	if err := id.CheckKey(); err != nil {
		return nil, err
	}
	attrs, err := cdHashAttributes(cds)
	if err != nil {
		return nil, fmt.Errorf("failed to build CDHashes attributes: %w", err)
	}

	sd, err := pkcs7.NewSignedData(cds[0])
	if err != nil {
		return nil, fmt.Errorf("failed to create signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSignerChain(id.Certificate, id.Key, id.Chain, pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: attrs,
	}); err != nil {
		return nil, fmt.Errorf("failed to add signer chain: %w", err)
	}
	sd.Detach()
	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signing: %w", err)
	}

	blob := make([]byte, 8+len(der))
	binary.BigEndian.PutUint32(blob, csblob.CSMAGIC_BLOBWRAPPER)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], der)
	return blob, nil
}

func cdHashAttributes(cds [][]byte) ([]pkcs7.Attribute, error) {
	var pl cdHashPlist
	var hashes2 []byte
	for i, raw := range cds {
		cd, err := csblob.ParseCodeDirectory(raw)
		if err != nil {
			return nil, fmt.Errorf("code directory %d: %w", i, err)
		}
		sum := cd.CDHash()
		pl.CDHashes = append(pl.CDHashes, sum[:cdHashLen])
		if cd.HashType == csblob.HashSHA256 {
			enc, err := asn1.Marshal(cdHashAttrib{Algorithm: oidSHA256, Digest: sum})
			if err != nil {
				return nil, err
			}
			hashes2 = append(hashes2, enc...)
		}
	}
	plistData, err := plist.MarshalIndent(pl, plist.XMLFormat, "\t")
	if err != nil {
		return nil, err
	}
	attrs := []pkcs7.Attribute{{Type: oidCDHashesPlist, Value: plistData}}
	if len(hashes2) > 0 {
		// one attribute whose value set holds every SHA-256 entry
		attrs = append(attrs, pkcs7.Attribute{Type: oidCDHashes2, Value: asn1.RawValue{FullBytes: hashes2}})
	}
	return attrs, nil
}

// Verify checks a wrapped CMS blob against the code directories it was made
// for, primary first. It returns the signer certificate. Trust in the
// certificate chain is not evaluated.
func Verify(blob []byte, cds [][]byte) (*x509.Certificate, error) {
	if len(blob) < 8 || binary.BigEndian.Uint32(blob) != csblob.CSMAGIC_BLOBWRAPPER {
		return nil, errors.New("not a CMS blob wrapper")
	}
	if len(cds) == 0 {
		return nil, errors.New("no code directory to verify against")
	}
	payload := blob[8:]
	if n := binary.BigEndian.Uint32(blob[4:]); n >= 8 && int(n) <= len(blob) {
		payload = blob[8:n]
	}
	if len(payload) == 0 {
		return nil, ErrNoSignature
	}

	// signatures may use indefinite-length BER; re-encode as DER
	pkt, err := ber.DecodePacketErr(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode CMS: %w", err)
	}
	p7, err := pkcs7.Parse(pkt.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse CMS: %w", err)
	}
	p7.Content = cds[0]
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("CMS signature does not verify: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errors.New("CMS must have exactly one signer")
	}
	if err := checkCDHashes(p7, cds); err != nil {
		return nil, err
	}
	return signer, nil
}

func checkCDHashes(p7 *pkcs7.PKCS7, cds [][]byte) error {
	var want [][]byte
	var want256 [][]byte
	for i, raw := range cds {
		cd, err := csblob.ParseCodeDirectory(raw)
		if err != nil {
			return fmt.Errorf("code directory %d: %w", i, err)
		}
		sum := cd.CDHash()
		want = append(want, sum[:cdHashLen])
		if cd.HashType == csblob.HashSHA256 {
			want256 = append(want256, sum)
		}
	}

	var plistData []byte
	if err := p7.UnmarshalSignedAttribute(oidCDHashesPlist, &plistData); err == nil {
		var pl cdHashPlist
		if _, err := plist.Unmarshal(plistData, &pl); err != nil {
			return fmt.Errorf("failed to parse cdhashes plist: %w", err)
		}
		if len(pl.CDHashes) != len(want) {
			return fmt.Errorf("cdhashes plist has %d entries, expected %d", len(pl.CDHashes), len(want))
		}
		for i := range want {
			if !hmac.Equal(pl.CDHashes[i], want[i]) {
				return fmt.Errorf("cdhashes plist entry %d mismatch", i)
			}
		}
	}

	got256, err := cdHashes2(p7)
	if err != nil {
		return err
	}
	if got256 == nil {
		return nil
	}
	if len(got256) != len(want256) {
		return fmt.Errorf("CDHashes2 has %d entries, expected %d", len(got256), len(want256))
	}
	for i := range want256 {
		if !hmac.Equal(got256[i], want256[i]) {
			return fmt.Errorf("CDHashes2 entry %d mismatch", i)
		}
	}
	return nil
}

// cdHashes2 returns the digests of the CDHashes2 attribute, or nil when it
// is absent.
func cdHashes2(p7 *pkcs7.PKCS7) ([][]byte, error) {
	if len(p7.Signers) == 0 {
		return nil, nil
	}
	for _, attr := range p7.Signers[0].AuthenticatedAttributes {
		if !attr.Type.Equal(oidCDHashes2) {
			continue
		}
		set, err := ber.DecodePacketErr(attr.Value.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to decode CDHashes2: %w", err)
		}
		var out [][]byte
		for _, entry := range set.Children {
			if len(entry.Children) != 2 {
				return nil, errors.New("malformed CDHashes2 entry")
			}
			var oid asn1.ObjectIdentifier
			if _, err := asn1.Unmarshal(entry.Children[0].Bytes(), &oid); err != nil {
				return nil, fmt.Errorf("malformed CDHashes2 algorithm: %w", err)
			}
			if !oid.Equal(oidSHA256) {
				continue
			}
			out = append(out, bytes.Clone(entry.Children[1].Data.Bytes()))
		}
		return out, nil
	}
	return nil, nil
}
