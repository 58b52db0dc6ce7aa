package ca_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/storage"
)

func newLocalBackend(t *testing.T) *ca.LocalKeyBackend {
	t.Helper()
	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	return ca.NewLocalKeyBackend(master)
}

func TestLocalBackendSealAndSign(t *testing.T) {
	backend := newLocalBackend(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	envelope, err := backend.Seal(key, "root")
	require.NoError(t, err)
	require.NotEmpty(t, envelope)

	signer, err := backend.Signer(t.Context(), &storage.CA{Ref: "root", KeyEnvelope: envelope})
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(signer.Public()))
}

func TestLocalBackendEnvelopeBoundToCA(t *testing.T) {
	backend := newLocalBackend(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	envelope, err := backend.Seal(key, "root")
	require.NoError(t, err)

	// An envelope sealed for one CA must not open under another ref.
	_, err = backend.Signer(t.Context(), &storage.CA{Ref: "other", KeyEnvelope: envelope})
	require.Error(t, err)
}

func TestLocalBackendRejectsForeignMasterKey(t *testing.T) {
	sealing := newLocalBackend(t)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	envelope, err := sealing.Seal(key, "root")
	require.NoError(t, err)

	opening := newLocalBackend(t)
	_, err = opening.Signer(t.Context(), &storage.CA{Ref: "root", KeyEnvelope: envelope})
	require.Error(t, err)
}

func TestLocalBackendNoEnvelope(t *testing.T) {
	backend := newLocalBackend(t)
	_, err := backend.Signer(t.Context(), &storage.CA{Ref: "root"})
	require.ErrorIs(t, err, ca.ErrNoSigningKey)
}
