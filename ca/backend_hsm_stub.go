//go:build !pkcs11

package ca

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/caforge/caforge/storage"
)

// HSMConfig holds the connection parameters for a PKCS#11 token. This is a
// placeholder when the pkcs11 build tag is not set.
type HSMConfig struct {
	ModulePath string
	TokenLabel string
	PIN        string
	SlotNumber *int
	Timeout    time.Duration
}

// RemoteHSMBackend is a placeholder type when the pkcs11 build tag is not
// set. It implements SigningBackend so the server compiles without CGo, but
// all methods return errors directing the user to rebuild with -tags pkcs11.
type RemoteHSMBackend struct{}

var _ SigningBackend = (*RemoteHSMBackend)(nil)

// NewRemoteHSMBackend returns an error when compiled without the pkcs11
// build tag. Rebuild with: go build -tags pkcs11
func NewRemoteHSMBackend(_ HSMConfig) (*RemoteHSMBackend, error) {
	return nil, fmt.Errorf("PKCS#11 support not compiled; rebuild with: go build -tags pkcs11")
}

// Close is a no-op for the stub.
func (b *RemoteHSMBackend) Close() error { return nil }

func (b *RemoteHSMBackend) Signer(_ context.Context, _ *storage.CA) (crypto.Signer, error) {
	return nil, fmt.Errorf("%w: PKCS#11 support not compiled; rebuild with: go build -tags pkcs11", ErrBackendUnavailable)
}
