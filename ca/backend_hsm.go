//go:build pkcs11

package ca

import (
	"context"
	"crypto"
	"fmt"
	"io"
	"time"

	"github.com/ThalesGroup/crypto11"

	"github.com/caforge/caforge/storage"
)

// HSMConfig holds the connection parameters for a PKCS#11 token.
type HSMConfig struct {
	// ModulePath is the path to the PKCS#11 shared library
	// (e.g., /usr/lib/softhsm/libsofthsm2.so).
	ModulePath string

	// TokenLabel identifies the HSM token/slot by label.
	TokenLabel string

	// PIN is the user PIN for the token.
	PIN string

	// SlotNumber optionally specifies a slot number. When non-nil,
	// it overrides TokenLabel for slot selection.
	SlotNumber *int

	// Timeout bounds each key lookup and signing call. Zero disables the
	// bound.
	Timeout time.Duration
}

// RemoteHSMBackend signs with keys held in a PKCS#11 device. CA records
// reference their HSM key by label in RemoteKeyID; private key material
// never leaves the device.
type RemoteHSMBackend struct {
	ctx     *crypto11.Context
	timeout time.Duration
}

var _ SigningBackend = (*RemoteHSMBackend)(nil)

// NewRemoteHSMBackend connects to the configured token. The caller must
// Close the backend when finished.
func NewRemoteHSMBackend(cfg HSMConfig) (*RemoteHSMBackend, error) {
	config := &crypto11.Config{
		Path:       cfg.ModulePath,
		TokenLabel: cfg.TokenLabel,
		Pin:        cfg.PIN,
	}
	if cfg.SlotNumber != nil {
		config.SlotNumber = cfg.SlotNumber
	}

	pctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("%w: configuring PKCS#11: %v", ErrBackendUnavailable, err)
	}
	return &RemoteHSMBackend{ctx: pctx, timeout: cfg.Timeout}, nil
}

// Close releases the PKCS#11 context.
func (b *RemoteHSMBackend) Close() error {
	if b.ctx != nil {
		return b.ctx.Close()
	}
	return nil
}

// Signer looks up the CA's key pair by label. Lookup failures from the
// device map to ErrBackendUnavailable (retryable); a missing key maps to
// ErrSigningRejected since retrying cannot create it.
func (b *RemoteHSMBackend) Signer(ctx context.Context, rec *storage.CA) (crypto.Signer, error) {
	if rec.RemoteKeyID == "" {
		return nil, ErrNoSigningKey
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	type lookup struct {
		signer crypto.Signer
		err    error
	}
	ch := make(chan lookup, 1)
	go func() {
		signer, err := b.ctx.FindKeyPair(nil, []byte(rec.RemoteKeyID))
		switch {
		case err != nil:
			ch <- lookup{err: fmt.Errorf("%w: HSM lookup: %v", ErrBackendUnavailable, err)}
		case signer == nil:
			ch <- lookup{err: fmt.Errorf("%w: HSM has no key labeled %q", ErrSigningRejected, rec.RemoteKeyID)}
		default:
			ch <- lookup{signer: boundedSigner{inner: signer, timeout: b.timeout}}
		}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, ctx.Err())
	case res := <-ch:
		return res.signer, res.err
	}
}

// boundedSigner wraps an HSM signer so that a hung device surfaces
// ErrBackendUnavailable instead of blocking issuance forever. No state has
// been mutated when a timeout fires, so the operation is safe to retry.
type boundedSigner struct {
	inner   crypto.Signer
	timeout time.Duration
}

func (s boundedSigner) Public() crypto.PublicKey {
	return s.inner.Public()
}

func (s boundedSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.timeout <= 0 {
		sig, err := s.inner.Sign(rand, digest, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningRejected, err)
		}
		return sig, nil
	}

	type result struct {
		sig []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		sig, err := s.inner.Sign(rand, digest, opts)
		ch <- result{sig: sig, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningRejected, res.err)
		}
		return res.sig, nil
	case <-time.After(s.timeout):
		return nil, fmt.Errorf("%w: HSM sign timed out after %s", ErrBackendUnavailable, s.timeout)
	}
}

// Decrypt forwards to the HSM key when it supports decryption (RSA keys
// do; crypto11 signers implement crypto.Decrypter). SCEP envelope
// decryption needs this.
func (s boundedSigner) Decrypt(rand io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	dec, ok := s.inner.(crypto.Decrypter)
	if !ok {
		return nil, fmt.Errorf("%w: HSM key does not support decryption", ErrSigningRejected)
	}
	if s.timeout <= 0 {
		plain, err := dec.Decrypt(rand, ciphertext, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningRejected, err)
		}
		return plain, nil
	}

	type result struct {
		plain []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		plain, err := dec.Decrypt(rand, ciphertext, opts)
		ch <- result{plain: plain, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSigningRejected, res.err)
		}
		return res.plain, nil
	case <-time.After(s.timeout):
		return nil, fmt.Errorf("%w: HSM decrypt timed out after %s", ErrBackendUnavailable, s.timeout)
	}
}
