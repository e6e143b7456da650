package csblob

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"fmt"
	"hash"
	"io"
)

// HashType is the CodeDirectory hashType field.
type HashType uint8

const (
	HashNone   HashType = 0
	HashSHA1   HashType = 1
	HashSHA256 HashType = 2
)

func (t HashType) crypto() crypto.Hash {
	switch t {
	case HashSHA1:
		return crypto.SHA1
	case HashSHA256:
		return crypto.SHA256
	}
	return 0
}

// Size is the digest length in bytes.
func (t HashType) Size() int {
	if h := t.crypto(); h != 0 {
		return h.Size()
	}
	return 0
}

// New returns a fresh hasher. It panics on an unknown type.
func (t HashType) New() hash.Hash {
	h := t.crypto()
	if h == 0 {
		panic(fmt.Sprintf("csblob: unknown hash type %d", t))
	}
	return h.New()
}

func (t HashType) String() string {
	switch t {
	case HashSHA1:
		return "sha1"
	case HashSHA256:
		return "sha256"
	}
	return fmt.Sprintf("hash(%d)", uint8(t))
}

// digest hashes data. Empty input yields an all-zero digest, which is how
// absent special slots are encoded.
func (t HashType) digest(data []byte) []byte {
	if len(data) == 0 {
		return make([]byte, t.Size())
	}
	h := t.New()
	h.Write(data)
	return h.Sum(nil)
}

// DigestPolicy selects which CodeDirectories are emitted. The first kind is
// the primary directory at slot 0; the rest are alternates from 0x1000.
type DigestPolicy struct {
	kinds []HashType
}

// SingleDigest emits one CodeDirectory of the given kind.
func SingleDigest(kind HashType) DigestPolicy {
	return DigestPolicy{kinds: []HashType{kind}}
}

// BothDigests emits a SHA-1 primary and a SHA-256 alternate CodeDirectory.
func BothDigests() DigestPolicy {
	return DigestPolicy{kinds: []HashType{HashSHA1, HashSHA256}}
}

// Kinds returns the hash types in emission order.
func (p DigestPolicy) Kinds() []HashType {
	if len(p.kinds) == 0 {
		return []HashType{HashSHA256}
	}
	return p.kinds
}

// PageHashes is the result of hashing a signable region.
type PageHashes struct {
	// Slots holds the concatenated page digests per requested kind.
	Slots     [][]byte
	Count     uint32
	CodeLimit int64
}

// HashPages reads r to EOF in pageSize chunks and hashes each chunk with
// every kind. The final page is hashed over its actual length.
func HashPages(r io.Reader, kinds []HashType, pageSize int) (*PageHashes, error) {
	hashers := make([]hash.Hash, len(kinds))
	for i, k := range kinds {
		if k.crypto() == 0 {
			return nil, fmt.Errorf("unsupported hash type %d", k)
		}
		hashers[i] = k.New()
	}
	res := &PageHashes{Slots: make([][]byte, len(kinds))}
	buf := make([]byte, pageSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			for i, h := range hashers {
				h.Reset()
				h.Write(buf[:n])
				res.Slots[i] = h.Sum(res.Slots[i])
			}
			res.CodeLimit += int64(n)
			res.Count++
		}
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			return res, nil
		default:
			return nil, err
		}
	}
}
