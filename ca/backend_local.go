package ca

import (
	"context"
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/caforge/caforge/internal/util"
	"github.com/caforge/caforge/internal/x509util"
	"github.com/caforge/caforge/storage"
)

// LocalKeyBackend signs with software keys stored as encrypted envelopes on
// CA records. The master key lives in a memguard enclave and each Signer
// call decrypts the CA key, parses it, and wipes the plaintext DER before
// returning; the decrypted key never outlives the operation that needed it.
type LocalKeyBackend struct {
	master *memguard.Enclave
}

var _ SigningBackend = (*LocalKeyBackend)(nil)

// NewLocalKeyBackend seals masterKey into an enclave. The input slice is
// wiped by memguard as part of sealing.
func NewLocalKeyBackend(masterKey []byte) *LocalKeyBackend {
	return &LocalKeyBackend{master: memguard.NewEnclave(masterKey)}
}

// Signer decrypts the CA's key envelope and returns the parsed private key.
func (b *LocalKeyBackend) Signer(_ context.Context, rec *storage.CA) (crypto.Signer, error) {
	if len(rec.KeyEnvelope) == 0 {
		return nil, ErrNoSigningKey
	}

	buf, err := b.master.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening master key enclave: %v", ErrBackendUnavailable, err)
	}
	defer buf.Destroy()

	keyDER, err := storage.OpenKey(buf.Bytes(), rec.KeyEnvelope, rec.Ref)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key for CA %q: %w", rec.Ref, err)
	}
	defer util.WipeBytes(keyDER)

	signer, err := x509util.ParsePKCS8Signer(keyDER)
	if err != nil {
		return nil, fmt.Errorf("parsing key for CA %q: %w", rec.Ref, err)
	}
	return signer, nil
}

// Seal wraps a freshly generated private key for storage on a CA record and
// returns the envelope blob. The intermediate PKCS#8 DER is wiped before
// returning.
func (b *LocalKeyBackend) Seal(key crypto.PrivateKey, caRef string) ([]byte, error) {
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding key for CA %q: %w", caRef, err)
	}
	defer util.WipeBytes(keyDER)

	buf, err := b.master.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening master key enclave: %v", ErrBackendUnavailable, err)
	}
	defer buf.Destroy()

	return storage.SealKey(buf.Bytes(), keyDER, caRef)
}
