package brainwave

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies recoverable failures. Every kind is reported to
// the originating connection only.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation"
	KindPermission       ErrorKind = "permission"
	KindAdmission        ErrorKind = "admission"
	KindCrypto           ErrorKind = "crypto"
	KindUnknownRecipient ErrorKind = "unknown_recipient"
	KindInternal         ErrorKind = "internal"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

var (
	// ErrValidation matches any validation failure via errors.Is.
	ErrValidation = &Error{Kind: KindValidation}
	// ErrPermission matches any permission failure.
	ErrPermission = &Error{Kind: KindPermission}
	// ErrAdmission matches any admission refusal.
	ErrAdmission = &Error{Kind: KindAdmission}
	// ErrCrypto matches any decryption or authentication failure.
	ErrCrypto = &Error{Kind: KindCrypto}
	// ErrUnknownRecipient matches a DIRECT message to a node that was never seen.
	ErrUnknownRecipient = &Error{Kind: KindUnknownRecipient}
)

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind) + " error"
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches bare sentinels of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// Permissionf builds a permission error.
func Permissionf(format string, args ...any) *Error {
	return newError(KindPermission, nil, format, args...)
}

// AdmissionError wraps an admission refusal reason.
func AdmissionError(reason error) *Error {
	return &Error{Kind: KindAdmission, Err: reason}
}

// CryptoError wraps a decryption failure. The detail never contains plaintext.
func CryptoError(err error) *Error {
	return &Error{Kind: KindCrypto, Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ErrorInfo is the wire form of an Error.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind" cbor:"kind"`
	Message string    `json:"message" cbor:"message"`
}

// InfoOf flattens err for transport.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	return &ErrorInfo{Kind: kind, Message: strings.TrimPrefix(err.Error(), string(kind)+": ")}
}

// Err rebuilds an error from its wire form so callers can use errors.Is.
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	return &Error{Kind: i.Kind, Detail: i.Message}
}
