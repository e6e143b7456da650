package csblob

import (
	"bytes"
	"encoding/binary"
)

// requirement expression opcodes and match operators (cscdefs.h)
const (
	opIdent              = 2
	opAnd                = 6
	opCertField          = 11
	opCertGeneric        = 14
	opAppleGenericAnchor = 15

	matchExists = 0
	matchEqual  = 1

	designatedRequirementType = 3
	exprForm                  = 1
)

// OID 1.2.840.113635.100.6.2.1, the Apple WWDR intermediate marker
var appleDevOID = []byte{0x2a, 0x86, 0x48, 0x86, 0xf7, 0x63, 0x64, 0x06, 0x02, 0x01}

// EmptyRequirements is the requirement set with no entries, used for ad-hoc
// signatures.
func EmptyRequirements() []byte {
	return wrap(CSMAGIC_REQUIREMENTS, []byte{0, 0, 0, 0})
}

// DesignatedRequirements returns a requirement set holding the designated
// requirement
//
//	identifier "<id>" and anchor apple generic and
//	certificate leaf[subject.CN] = "<cn>" and
//	certificate 1[field.1.2.840.113635.100.6.2.1] exists
//
// When cn is empty the certificate clauses are omitted.
func DesignatedRequirements(id, cn string) []byte {
	req := designatedRequirement(id, cn)

	const headerSize = 12 + 8
	out := make([]byte, headerSize+len(req))
	outp := out
	outp = put32be(outp, CSMAGIC_REQUIREMENTS)
	outp = put32be(outp, uint32(len(out)))
	outp = put32be(outp, 1)
	outp = put32be(outp, designatedRequirementType)
	outp = put32be(outp, headerSize)
	puts(outp, req)
	return out
}

type exprWriter struct{ bytes.Buffer }

func (w *exprWriter) op(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

// data writes a length-prefixed byte string padded to 4 bytes.
func (w *exprWriter) data(d []byte) {
	w.op(uint32(len(d)))
	w.Write(d)
	for i := len(d); i%4 != 0; i++ {
		w.WriteByte(0)
	}
}

func designatedRequirement(id, cn string) []byte {
	var w exprWriter
	w.op(opAnd)
	w.op(opIdent)
	w.data([]byte(id))
	if cn == "" {
		w.op(opAppleGenericAnchor)
	} else {
		w.op(opAnd)
		w.op(opAppleGenericAnchor)
		w.op(opAnd)

		w.op(opCertField)
		w.op(0) // leaf
		w.data([]byte("subject.CN"))
		w.op(matchEqual)
		w.data([]byte(cn))

		w.op(opCertGeneric)
		w.op(1)
		w.data(appleDevOID)
		w.op(matchExists)
	}

	expr := w.Bytes()
	out := make([]byte, 12+len(expr))
	outp := put32be(out, CSMAGIC_REQUIREMENT)
	outp = put32be(outp, uint32(len(out)))
	outp = put32be(outp, exprForm)
	puts(outp, expr)
	return out
}
