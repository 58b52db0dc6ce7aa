package ca

import (
	"context"
	"crypto"

	"github.com/caforge/caforge/storage"
)

// SigningBackend produces signers for CA private keys. Implementations only
// ever sign opaque byte sequences through the returned [crypto.Signer];
// certificate, CRL, and OCSP response assembly always happens in this
// package, never inside a backend, so key custody and X.509 semantics stay
// decoupled.
//
// Two implementations exist: LocalKeyBackend decrypts the CA's wrapped key
// per operation, and RemoteHSMBackend delegates to a PKCS#11 device (built
// with the pkcs11 tag).
type SigningBackend interface {
	// Signer returns a signer for the CA's private key. Backends signal
	// transient failures (device unreachable, timeout) with
	// ErrBackendUnavailable and permanent refusals (missing HSM key, policy
	// denial) with ErrSigningRejected.
	Signer(ctx context.Context, rec *storage.CA) (crypto.Signer, error)
}
