package core

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable failure code a component surfaces across its
// boundary. The HTTP layer owns the mapping from kind to status; nothing
// below it ever picks a status code.
type ErrorKind string

const (
	// Structural
	KindMalformedRequest ErrorKind = "MALFORMED_REQUEST"
	KindJWTStructural    ErrorKind = "JWT_STRUCTURAL_INVALID"

	// Authentication
	KindJWTInvalid       ErrorKind = "JWT_INVALID"
	KindAudienceMismatch ErrorKind = "AUDIENCE_MISMATCH"
	KindIssuerNotAllowed ErrorKind = "ISSUER_NOT_ALLOWED"
	KindJTIRequired      ErrorKind = "JTI_REQUIRED"
	KindJTIReplay        ErrorKind = "JTI_REPLAY_DETECTED"
	KindAPIKeyInvalid    ErrorKind = "API_KEY_INVALID"
	KindAPIKeyRevoked    ErrorKind = "API_KEY_REVOKED"
	KindScopeMissing     ErrorKind = "SCOPE_MISSING"

	// Payment
	KindPaymentRequired     ErrorKind = "PAYMENT_REQUIRED"
	KindAmbiguousPayment    ErrorKind = "ambiguous_payment"
	KindInsufficientCredits ErrorKind = "INSUFFICIENT_CREDITS"
	KindReceiptInvalid      ErrorKind = "RECEIPT_INVALID"
	KindReceiptReplay       ErrorKind = "RECEIPT_REPLAY"
	KindVerifierUnavailable ErrorKind = "VERIFIER_UNAVAILABLE"

	// Admission
	KindRateLimited       ErrorKind = "RATE_LIMITED"
	KindWorkerUnavailable ErrorKind = "WORKER_UNAVAILABLE"
	KindPoolShuttingDown  ErrorKind = "POOL_SHUTTING_DOWN"

	// Degradation
	KindJWKSDegraded        ErrorKind = "JWKS_DEGRADED"
	KindBudgetUnavailable   ErrorKind = "BUDGET_UNAVAILABLE"
	KindMeteringUnavailable ErrorKind = "METERING_UNAVAILABLE"
	KindStoreUnavailable    ErrorKind = "STORE_UNAVAILABLE"
	KindStoreScriptError    ErrorKind = "STORE_SCRIPT_ERROR"

	// Execution
	KindExecTimeout      ErrorKind = "EXEC_TIMEOUT"
	KindWorkerCrashed    ErrorKind = "WORKER_CRASHED"
	KindSandboxDisabled  ErrorKind = "SANDBOX_DISABLED"
	KindSandboxViolation ErrorKind = "SANDBOX_VIOLATION"

	// Lookup
	KindKeyNotFound     ErrorKind = "KEY_NOT_FOUND"
	KindPersonaNotFound ErrorKind = "PERSONA_NOT_FOUND"

	KindInternal ErrorKind = "INTERNAL"
)

// Error is the tagged value components return instead of raw errors. The
// Kind is stable across versions; Message is advisory and safe to show.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two tagged errors by kind alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// E builds a tagged error.
func E(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Ef builds a tagged error with a formatted message.
func Ef(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying cause. The cause is kept for logs via Unwrap but
// never rendered into client-facing messages.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the kind from any error chain; untagged errors are
// KindInternal.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// Retryable reports whether one immediate retry is worthwhile. A crashed
// worker has already been replaced and a timed-out one terminated, so the
// retry lands on a fresh process.
func Retryable(kind ErrorKind) bool {
	switch kind {
	case KindExecTimeout, KindWorkerCrashed:
		return true
	default:
		return false
	}
}
