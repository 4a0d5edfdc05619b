// Package l2err defines the typed error taxonomy shared by every subsystem
// of the Layer-2 dispatcher: the Manager, the HSM provider framework, the
// protocol adapters, and the crypto/taproot/psbt engines. Callers should
// compare against Kind via errors.As, never against error strings.
package l2err

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure. Kinds map 1:1 onto the taxonomy
// in the platform specification; do not add ad-hoc kinds for a single
// call site.
type Kind string

const (
	Config           Kind = "config"
	UnknownOption    Kind = "unknown_option"
	Unsupported      Kind = "unsupported"
	NotFound         Kind = "not_found"
	AlgorithmMismatch Kind = "algorithm_mismatch"
	InvalidPublicKey Kind = "invalid_public_key"
	InvalidSignature Kind = "invalid_signature"
	InvalidPsbt      Kind = "invalid_psbt"
	Policy           Kind = "policy"
	Denied           Kind = "denied"
	RngUnavailable   Kind = "rng_unavailable"
	NotConnected     Kind = "not_connected"
	Timeout          Kind = "timeout"
	Unavailable      Kind = "unavailable" // transient
	Consensus        Kind = "consensus"
	Finality         Kind = "finality"
	DuplicateNonce   Kind = "duplicate_nonce"
	AuditIntegrity   Kind = "audit_integrity"
	Internal         Kind = "internal"
)

// Transient reports whether errors of this kind are safe to retry with
// backoff and may trigger HSM provider fallback. Policy violations and
// consensus/signature rejections are never transient.
func (k Kind) Transient() bool {
	return k == Timeout || k == Unavailable
}

// AuditRecorder is the minimal capability Internal errors require so that
// an Internal error can never be surfaced without a paired audit record
// describing the preceding state. Implemented by *audit.Sink.
type AuditRecorder interface {
	RecordFailure(op string, cause error)
}

// Error is the concrete typed error every public API returns on failure.
// Msg must be free of secret material (key bytes, seeds, signatures);
// Cause may carry the underlying error for logs/audit but is never
// rendered to external callers via Error().
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, l2err.New(Kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New constructs an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error that wraps cause, preserving it for logs/audit
// while keeping Msg as the only externally-visible text.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Internalf records an audit entry describing the preceding failure and
// returns an Internal error. Callers should use this instead of New or
// Wrap for the Internal kind, so every internal error is paired with an
// audit record describing the preceding state.
func Internalf(rec AuditRecorder, op string, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if rec != nil {
		rec.RecordFailure(op, cause)
	}
	return &Error{Kind: Internal, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, otherwise
// returns Internal as the conservative default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
