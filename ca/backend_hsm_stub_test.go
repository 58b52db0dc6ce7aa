//go:build !pkcs11

package ca_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caforge/caforge/ca"
	"github.com/caforge/caforge/storage"
)

func TestHSMStubRefusesConstruction(t *testing.T) {
	_, err := ca.NewRemoteHSMBackend(ca.HSMConfig{ModulePath: "/usr/lib/softhsm/libsofthsm2.so"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "pkcs11")
}

func TestHSMStubSignerUnavailable(t *testing.T) {
	backend := &ca.RemoteHSMBackend{}
	_, err := backend.Signer(t.Context(), &storage.CA{Ref: "hsm-ca", RemoteKeyID: "token-key"})
	require.ErrorIs(t, err, ca.ErrBackendUnavailable)
}
