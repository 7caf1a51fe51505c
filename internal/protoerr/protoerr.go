// Package protoerr defines the error taxonomy shared by the key-management
// protocols.
//
// Every failure surfaced by a protocol component carries a Kind that tells
// the caller what to do with it:
//   - Validation and Decryption: discard the offending item and continue
//   - TrustViolation: abort the protocol instance, its ephemeral state is gone
//   - Network: surface for a user-visible retry
//   - Storage: fatal to the operation in progress
package protoerr

import (
	"errors"
	"fmt"
)

// Kind classifies a protocol failure.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindDecryption
	KindTrustViolation
	KindNetwork
	KindStorage
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecryption:
		return "decryption"
	case KindTrustViolation:
		return "trust_violation"
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Reasons used across packages.
const (
	ReasonInvalidMasterKeyWindow = "InvalidMasterKeyWindow"
	ReasonBadSelfSignature       = "BadSelfSignature"
	ReasonUnknownKey             = "UnknownKey"
	ReasonInvalidAttestation     = "InvalidAttestation"
	ReasonCodeMismatch           = "VerificationCodeMismatch"
	ReasonUserRejected           = "UserRejected"
	ReasonBadSignature           = "BadSignature"
	ReasonMalformed              = "Malformed"
	ReasonSupersededMaster       = "SupersededMasterKey"
	ReasonExpired                = "ExpiredKey"
)

// Error is a classified protocol error.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and, if set, the same Reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func newError(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// Validation reports a bad signature, key window or timestamp.
func Validation(op, reason string, err error) error {
	return newError(KindValidation, op, reason, err)
}

// Decryption reports a wrong or missing key, or corrupted ciphertext.
func Decryption(op string, err error) error {
	return newError(KindDecryption, op, "", err)
}

// TrustViolation reports a rejected key or a verification code mismatch.
func TrustViolation(op, reason string, err error) error {
	return newError(KindTrustViolation, op, reason, err)
}

// Network reports an unreachable relay or a failed request.
func Network(op string, err error) error {
	return newError(KindNetwork, op, "", err)
}

// Storage reports a local persistence failure.
func Storage(op string, err error) error {
	return newError(KindStorage, op, "", err)
}

// KindOf returns the kind of the first classified error in err's chain,
// or 0 when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf returns the reason of the first classified error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Fatal reports whether err must abort the operation in progress.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindStorage, KindTrustViolation:
		return true
	case KindValidation, KindDecryption, KindNetwork:
		return false
	default:
		return err != nil
	}
}

// Skippable reports whether the offending item may be discarded while
// processing of the remaining items continues.
func Skippable(err error) bool {
	k := KindOf(err)
	return k == KindValidation || k == KindDecryption
}

// Sentinel values for errors.Is matching on kind only.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrDecryption     = &Error{Kind: KindDecryption}
	ErrTrustViolation = &Error{Kind: KindTrustViolation}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrStorage        = &Error{Kind: KindStorage}
)

// Wrapf wraps err with a formatted prefix, preserving its classification.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
