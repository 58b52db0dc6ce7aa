package ca

import "errors"

var (
	// ErrInvalidInput is returned for malformed issuance input: an unparsable
	// or badly signed CSR, a missing subject, or a nonsensical validity.
	// Never retryable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPolicyViolation is returned when subject or extension policy rejects
	// an otherwise well-formed request. Not retryable.
	ErrPolicyViolation = errors.New("issuance policy violation")

	// ErrNoSigningKey is returned when an operation requires the CA's private
	// key but the CA record carries none. The check happens before any
	// backend access, so a key-less CA never causes disk or network I/O.
	ErrNoSigningKey = errors.New("CA has no signing key")

	// ErrBackendUnavailable is returned when the signing backend cannot be
	// reached or times out. Transient; callers may retry since no state is
	// mutated until signing succeeds.
	ErrBackendUnavailable = errors.New("signing backend unavailable")

	// ErrSigningRejected is returned when the signing backend refused the
	// operation, for example an HSM policy denial or a missing HSM key.
	// Permanent; retrying will not help.
	ErrSigningRejected = errors.New("signing backend rejected operation")

	// ErrAlreadyResolved is returned when an approval-flow request is in a
	// terminal state and a further approve/reject is attempted.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrChainTooDeep is returned when chain resolution exceeds the depth
	// bound without reaching a self-signed root.
	ErrChainTooDeep = errors.New("certificate chain exceeds depth bound")

	// ErrChainNotFound is returned when no stored CA matches a certificate's
	// issuer during chain resolution. The partial chain built so far is
	// returned alongside.
	ErrChainNotFound = errors.New("issuer not found in store")
)
