// Package gkerrors defines the closed error-kind set returned by the
// access-governance core. Collaborators branch on Kind rather than on
// error text.
package gkerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the error classes callers are expected to handle.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation marks bad input shape or range. Never retried.
	KindValidation
	// KindCredentialNotFound marks a lookup for a provider with no usable credential.
	KindCredentialNotFound
	// KindDuplicateProvider marks a registration against a provider that already
	// holds an active credential.
	KindDuplicateProvider
	// KindRotationConflict marks a rotation racing another rotation.
	KindRotationConflict
	// KindEncryption marks a cryptographic failure. Always fatal for the
	// operation and escalated to health monitoring.
	KindEncryption
	// KindRateLimitExceeded marks an exhausted rate-limit window. Expected and
	// frequent; callers back off.
	KindRateLimitExceeded
	// KindCircuitOpen marks a call short-circuited by an open breaker.
	KindCircuitOpen
	// KindTimeout marks a deadline that elapsed before the operation mutated
	// any state.
	KindTimeout
	// KindAuditDegraded marks the audit store falling back to the local queue.
	// Surfaced via health checks only, never returned from primary operations.
	KindAuditDegraded
	// KindProviderUnreachable marks a failed health-check call to the provider.
	KindProviderUnreachable
)

// String returns the stable name for a kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCredentialNotFound:
		return "credential_not_found"
	case KindDuplicateProvider:
		return "duplicate_provider"
	case KindRotationConflict:
		return "rotation_conflict"
	case KindEncryption:
		return "encryption"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindAuditDegraded:
		return "audit_degraded"
	case KindProviderUnreachable:
		return "provider_unreachable"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the core's boundaries.
type Error struct {
	Kind       Kind
	Provider   string
	Message    string
	Suggestion string
	Err        error
}

func (e *Error) Error() string {
	var parts []string

	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	parts = append(parts, msg)

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from any error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Validation creates a validation error for a bad input value.
func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// CredentialNotFound creates a lookup error for a provider without an
// active credential.
func CredentialNotFound(provider string) *Error {
	return &Error{
		Kind:       KindCredentialNotFound,
		Provider:   provider,
		Message:    "no active credential",
		Suggestion: "Register a credential with 'gatekeeper credentials add'",
	}
}

// DuplicateProvider creates a registration-conflict error.
func DuplicateProvider(provider string) *Error {
	return &Error{
		Kind:       KindDuplicateProvider,
		Provider:   provider,
		Message:    "an active credential already exists",
		Suggestion: "Use 'gatekeeper credentials rotate' to replace it",
	}
}

// RotationConflict creates an error for a rotation racing another writer.
func RotationConflict(provider string) *Error {
	return &Error{
		Kind:     KindRotationConflict,
		Provider: provider,
		Message:  "rotation already in progress",
	}
}

// Encryption wraps a cryptographic failure.
func Encryption(operation string, err error) *Error {
	return &Error{
		Kind:    KindEncryption,
		Message: fmt.Sprintf("%s failed", operation),
		Err:     err,
	}
}

// RateLimitExceeded creates an exhausted-window error.
func RateLimitExceeded(provider string, current, limit int) *Error {
	return &Error{
		Kind:     KindRateLimitExceeded,
		Provider: provider,
		Message:  fmt.Sprintf("rate limit reached (%d/%d in window)", current, limit),
	}
}

// CircuitOpen creates a short-circuit error for a failing provider.
func CircuitOpen(provider string) *Error {
	return &Error{
		Kind:     KindCircuitOpen,
		Provider: provider,
		Message:  "circuit breaker is open",
	}
}

// Timeout creates a deadline-elapsed error. No partial mutation occurred.
func Timeout(operation string) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("%s timed out", operation),
	}
}

// AuditDegraded creates the health-check error for a failing audit store.
func AuditDegraded(err error) *Error {
	return &Error{
		Kind:    KindAuditDegraded,
		Message: "audit store unavailable, entries queued locally",
		Err:     err,
	}
}

// ProviderUnreachable wraps a failed provider health check.
func ProviderUnreachable(provider string, err error) *Error {
	return &Error{
		Kind:     KindProviderUnreachable,
		Provider: provider,
		Message:  "provider health check failed",
		Err:      err,
	}
}
