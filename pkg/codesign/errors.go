package codesign

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	gop12 "software.sslmate.com/src/go-pkcs12"

	"github.com/aluedeke/go-zsign/pkg/cms"
	"github.com/aluedeke/go-zsign/pkg/csblob"
	"github.com/aluedeke/go-zsign/pkg/macho"
)

// engineVersion is the signing engine compatibility level.
const engineVersion = "0.7"

// Version returns the signing engine version.
func Version() string {
	return engineVersion
}

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidInput
	KindMalformedBinary
	KindLayoutOverflow
	KindIdentifierTooLong
	KindAlreadySigned
	KindSigningFailed
	KindNotSigned
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid input"
	case KindMalformedBinary:
		return "malformed binary"
	case KindLayoutOverflow:
		return "layout overflow"
	case KindIdentifierTooLong:
		return "identifier too long"
	case KindAlreadySigned:
		return "already signed"
	case KindSigningFailed:
		return "signing failed"
	case KindNotSigned:
		return "not signed"
	}
	return "unknown"
}

// Error is returned by Sign and the verifier. Path names the component that
// failed.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrUnknown           = &Error{Kind: KindUnknown}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrMalformedBinary   = &Error{Kind: KindMalformedBinary}
	ErrLayoutOverflow    = &Error{Kind: KindLayoutOverflow}
	ErrIdentifierTooLong = &Error{Kind: KindIdentifierTooLong}
	ErrAlreadySigned     = &Error{Kind: KindAlreadySigned}
	ErrSigningFailed     = &Error{Kind: KindSigningFailed}
	ErrNotSigned         = &Error{Kind: KindNotSigned}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Path == "" && t.Err == nil && t.Kind == e.Kind
}

// Code maps err to the engine status code: 0 on success, -2 when a
// verification found no valid signature and -1 for every other failure.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) && e.Kind == KindNotSigned {
		return -2
	}
	return -1
}

func newError(kind Kind, path string, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Path: path, Err: fmt.Errorf(format, a...)}
}

// classify wraps err in an *Error. Known sentinels of the lower layers pick
// the kind; anything else gets fallback.
func classify(fallback Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Path == "" && path != "" {
			return &Error{Kind: e.Kind, Path: path, Err: e.Err}
		}
		return err
	}
	kind := fallback
	switch {
	case errors.Is(err, macho.ErrMalformed):
		kind = KindMalformedBinary
	case errors.Is(err, macho.ErrLayoutOverflow):
		kind = KindLayoutOverflow
	case errors.Is(err, macho.ErrNoSpace):
		kind = KindInvalidInput
	case errors.Is(err, csblob.ErrIdentifierTooLong):
		kind = KindIdentifierTooLong
	case errors.Is(err, csblob.ErrInvalidIdentifier):
		kind = KindInvalidInput
	case errors.Is(err, cms.ErrKeyMismatch):
		kind = KindSigningFailed
	case errors.Is(err, gop12.ErrIncorrectPassword), errors.Is(err, x509.IncorrectPasswordError):
		kind = KindInvalidInput
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		kind = KindInvalidInput
	}
	return &Error{Kind: kind, Path: path, Err: err}
}
